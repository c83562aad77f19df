package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/stefanodecillis/opengate/internal/models"
)

const questionCols = `id, task_id, question, question_type, context,
	asked_by_type, asked_by_id, target_type, target_id, required_capability,
	status, blocking, resolved_by_type, resolved_by_id, resolution,
	dismissed_reason, created_at, resolved_at`

func scanQuestion(scan func(dest ...any) error) (*models.Question, error) {
	var (
		q               models.Question
		contextStr      sql.NullString
		targetType      sql.NullString
		targetID        sql.NullString
		requiredCap     sql.NullString
		blocking        int64
		resolvedByType  sql.NullString
		resolvedByID    sql.NullString
		resolution      sql.NullString
		dismissedReason sql.NullString
		resolvedAt      sql.NullString
	)
	if err := scan(
		&q.ID, &q.TaskID, &q.Question, &q.QuestionType, &contextStr,
		&q.AskedByType, &q.AskedByID, &targetType, &targetID, &requiredCap,
		&q.Status, &blocking, &resolvedByType, &resolvedByID, &resolution,
		&dismissedReason, &q.CreatedAt, &resolvedAt,
	); err != nil {
		return nil, err
	}
	q.Context = strPtr(contextStr)
	q.TargetType = strPtr(targetType)
	q.TargetID = strPtr(targetID)
	q.RequiredCapability = strPtr(requiredCap)
	q.Blocking = blocking != 0
	q.ResolvedByType = strPtr(resolvedByType)
	q.ResolvedByID = strPtr(resolvedByID)
	q.Resolution = strPtr(resolution)
	q.DismissedReason = strPtr(dismissedReason)
	q.ResolvedAt = strPtr(resolvedAt)
	return &q, nil
}

// recalcOpenQuestionsTx rematerializes tasks.has_open_questions from the
// count of open blocking questions.
func (s *Store) recalcOpenQuestionsTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	var count int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_questions WHERE task_id = ? AND status = 'open' AND blocking = 1;
	`, taskID).Scan(&count); err != nil {
		return fmt.Errorf("count open questions: %w", err)
	}
	flag := 0
	if count > 0 {
		flag = 1
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET has_open_questions = ? WHERE id = ?;`, flag, taskID); err != nil {
		return fmt.Errorf("update has_open_questions: %w", err)
	}
	return nil
}

func (s *Store) getQuestionTx(ctx context.Context, q dbtx, id string) (*models.Question, error) {
	row := q.QueryRowContext(ctx, `SELECT `+questionCols+` FROM task_questions WHERE id = ?;`, id)
	question, err := scanQuestion(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundErr("question")
		}
		return nil, fmt.Errorf("get question: %w", err)
	}
	return question, nil
}

func (s *Store) GetQuestion(ctx context.Context, id string) (*models.Question, error) {
	return s.getQuestionTx(ctx, s.db, id)
}

// findCapabilityTargetsTx ranks agents matching a required capability:
// online first, then match score descending, then current load ascending.
func (s *Store) findCapabilityTargetsTx(ctx context.Context, tx *sql.Tx, requiredCapability string) ([]models.CapabilityTarget, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+agentCols+` FROM agents;`)
	if err != nil {
		return nil, fmt.Errorf("list capability candidates: %w", err)
	}
	var agents []models.Agent
	for rows.Next() {
		a, scanErr := scanAgentRow(rows.Scan)
		if scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("scan capability candidate: %w", scanErr)
		}
		agents = append(agents, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range agents {
		if err := s.hydrateAgentTx(ctx, tx, &agents[i]); err != nil {
			return nil, err
		}
	}

	required := []string{requiredCapability}
	type scored struct {
		agent models.Agent
		score int
	}
	var matches []scored
	for _, a := range agents {
		score := capabilityMatchScore(a.Capabilities, required)
		if score > 0 {
			matches = append(matches, scored{agent: a, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		iOffline, jOffline := matches[i].agent.Status == models.AgentOffline, matches[j].agent.Status == models.AgentOffline
		if iOffline != jOffline {
			return !iOffline
		}
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].agent.CurrentTaskCount < matches[j].agent.CurrentTaskCount
	})

	targets := []models.CapabilityTarget{}
	for _, m := range matches {
		targets = append(targets, models.CapabilityTarget{TargetType: "agent", TargetID: m.agent.ID})
	}
	return targets, nil
}

// FindCapabilityTargets is the read-only form of capability matching.
func (s *Store) FindCapabilityTargets(ctx context.Context, requiredCapability string) ([]models.CapabilityTarget, error) {
	var targets []models.CapabilityTarget
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.findCapabilityTargetsTx(ctx, tx, requiredCapability)
		if err != nil {
			return err
		}
		targets = t
		return nil
	})
	return targets, err
}

// CreateQuestion attaches a question to a task. A required capability with
// no explicit target triggers auto-routing: one match sets the target,
// several matches notify everyone (first responder wins), no match notifies
// the task creator.
func (s *Store) CreateQuestion(ctx context.Context, taskID string, input *models.CreateQuestion, identity models.Identity) (*models.Question, []models.PendingNotifWebhook, error) {
	var (
		question *models.Question
		pending  []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}

		id := uuid.NewString()
		questionType := "clarification"
		if input.QuestionType != nil {
			questionType = *input.QuestionType
		}
		blocking := 1
		if input.Blocking != nil && !*input.Blocking {
			blocking = 0
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_questions (id, task_id, question, question_type, context,
				asked_by_type, asked_by_id, target_type, target_id, required_capability,
				status, blocking, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?, ?);
		`, id, taskID, input.Question, questionType, nullStr(input.Context),
			identity.AuthorType(), identity.AuthorID(),
			nullStr(input.TargetType), nullStr(input.TargetID), nullStr(input.RequiredCapability),
			blocking, nowRFC3339(),
		); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		if err := s.recalcOpenQuestionsTx(ctx, tx, taskID); err != nil {
			return err
		}

		var targets []models.CapabilityTarget
		autoTargeted := false
		if input.TargetID == nil && input.RequiredCapability != nil {
			autoTargeted = true
			targets, err = s.findCapabilityTargetsTx(ctx, tx, *input.RequiredCapability)
			if err != nil {
				return err
			}
			if len(targets) == 1 {
				if _, err := tx.ExecContext(ctx, `
					UPDATE task_questions SET target_type = ?, target_id = ? WHERE id = ?;
				`, targets[0].TargetType, targets[0].TargetID, id); err != nil {
					return fmt.Errorf("auto-target question: %w", err)
				}
			}
		}

		q, err := s.getQuestionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		question = q

		payload := map[string]any{
			"task_title":    task.Title,
			"actor_name":    identity.DisplayName(),
			"question_id":   q.ID,
			"question":      q.Question,
			"question_type": q.QuestionType,
		}
		if q.TargetType != nil {
			payload["target_type"] = *q.TargetType
		}
		if q.TargetID != nil {
			payload["target_id"] = *q.TargetID
		}
		eventID, p, err := s.emitEventTx(ctx, tx, "task.question_asked", &taskID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = append(pending, p...)

		if autoTargeted {
			preview := snippet(q.Question, 200)
			switch len(targets) {
			case 0:
				// Unrouted: fall back to the task creator, if an agent.
				creatorIsAgent, err := s.agentExistsTx(ctx, tx, task.CreatedBy)
				if err != nil {
					return err
				}
				if creatorIsAgent && task.CreatedBy != identity.AuthorID() {
					body := fmt.Sprintf("No capability match for '%s'. Question: %s", *input.RequiredCapability, preview)
					n, err := s.insertNotificationTx(ctx, tx, task.CreatedBy, eventID, "question_asked",
						"Unrouted question on: "+task.Title, &body)
					if err != nil {
						return err
					}
					pending = append(pending, n)
				}
			case 1:
				// Single match: the target was set before emit, so the
				// standard routing already notified them.
			default:
				// Several matches: notify all of them, first to answer wins.
				for _, target := range targets {
					if target.TargetType != "agent" {
						continue
					}
					n, err := s.insertNotificationTx(ctx, tx, target.TargetID, eventID, "question_asked",
						"Question on: "+task.Title, &preview)
					if err != nil {
						return err
					}
					pending = append(pending, n)
				}
			}
		}
		return nil
	})
	return question, pending, err
}

// ListQuestions returns a task's questions, oldest first, optionally
// filtered by status.
func (s *Store) ListQuestions(ctx context.Context, taskID string, status *string) ([]models.Question, error) {
	query := `SELECT ` + questionCols + ` FROM task_questions WHERE task_id = ?`
	args := []any{taskID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at ASC;`
	return s.queryQuestions(ctx, query, args...)
}

// QuestionsForAgent lists questions targeted at an agent (default: open).
func (s *Store) QuestionsForAgent(ctx context.Context, agentID string, status *string) ([]models.Question, error) {
	statusFilter := models.QuestionOpen
	if status != nil {
		statusFilter = *status
	}
	return s.queryQuestions(ctx, `
		SELECT `+questionCols+` FROM task_questions
		WHERE target_type = 'agent' AND target_id = ? AND status = ?
		ORDER BY created_at ASC;
	`, agentID, statusFilter)
}

// QuestionsForProject lists questions across a project's tasks; unrouted
// restricts to questions without a target.
func (s *Store) QuestionsForProject(ctx context.Context, projectID string, status *string, unrouted bool) ([]models.Question, error) {
	conditions := []string{"t.project_id = ?"}
	args := []any{projectID}
	if status != nil {
		conditions = append(conditions, "q.status = ?")
		args = append(args, *status)
	}
	if unrouted {
		conditions = append(conditions, "q.target_id IS NULL")
	}
	query := `SELECT ` + prefixCols(questionCols, "q") + `
		FROM task_questions q
		INNER JOIN tasks t ON t.id = q.task_id
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY q.created_at ASC;`
	return s.queryQuestions(ctx, query, args...)
}

func (s *Store) queryQuestions(ctx context.Context, query string, args ...any) ([]models.Question, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	out := []models.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// ResolveQuestion closes an open question with a resolution, recounts the
// blocking flag, and notifies the asker.
func (s *Store) ResolveQuestion(ctx context.Context, taskID, questionID, resolution string, identity models.Identity) (*models.Question, []models.PendingNotifWebhook, error) {
	var (
		question *models.Question
		pending  []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		existing, err := s.getQuestionTx(ctx, tx, questionID)
		if err != nil {
			return err
		}
		if existing.TaskID != taskID {
			return models.NotFoundErr("question for this task")
		}

		now := nowRFC3339()
		res, err := tx.ExecContext(ctx, `
			UPDATE task_questions
			SET status = 'resolved', resolution = ?, resolved_by_type = ?, resolved_by_id = ?, resolved_at = ?
			WHERE id = ? AND status = 'open';
		`, resolution, identity.AuthorType(), identity.AuthorID(), now, questionID)
		if err != nil {
			return fmt.Errorf("resolve question: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ValidationErr("question is not open")
		}
		if err := s.recalcOpenQuestionsTx(ctx, tx, taskID); err != nil {
			return err
		}

		q, err := s.getQuestionTx(ctx, tx, questionID)
		if err != nil {
			return err
		}
		question = q

		payload := map[string]any{
			"task_title":    task.Title,
			"actor_name":    identity.DisplayName(),
			"question_id":   q.ID,
			"resolution":    resolution,
			"asked_by_type": existing.AskedByType,
			"asked_by_id":   existing.AskedByID,
		}
		eventID, p, err := s.emitEventTx(ctx, tx, "task.question_resolved", &taskID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = append(pending, p...)

		if existing.AskedByType == "agent" && existing.AskedByID != identity.AuthorID() {
			body := fmt.Sprintf("%s: %s", identity.DisplayName(), snippet(resolution, 150))
			n, err := s.insertNotificationTx(ctx, tx, existing.AskedByID, eventID, "question_resolved",
				"Question resolved on: "+task.Title, &body)
			if err != nil {
				return err
			}
			pending = append(pending, n)
		}
		return nil
	})
	return question, pending, err
}

// CreateReply posts a reply on a question. A resolution reply moves the
// question to answered. All prior participants (asker, reply authors, and the
// current target), minus the actor, are notified once each.
func (s *Store) CreateReply(ctx context.Context, taskID, questionID string, input *models.CreateReply, identity models.Identity) (*models.QuestionReply, []models.PendingNotifWebhook, error) {
	var (
		reply   *models.QuestionReply
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		question, err := s.getQuestionTx(ctx, tx, questionID)
		if err != nil {
			return err
		}
		if question.TaskID != taskID {
			return models.NotFoundErr("question for this task")
		}

		// Participants are collected before the insert so the actor's own
		// reply does not notify them.
		participants := map[string]bool{}
		if question.AskedByType == "agent" && question.AskedByID != identity.AuthorID() {
			participants[question.AskedByID] = true
		}
		priorReplies, err := s.listRepliesTx(ctx, tx, questionID)
		if err != nil {
			return err
		}
		for _, r := range priorReplies {
			if r.AuthorType == "agent" && r.AuthorID != identity.AuthorID() {
				participants[r.AuthorID] = true
			}
		}
		if question.TargetType != nil && *question.TargetType == "agent" &&
			question.TargetID != nil && *question.TargetID != identity.AuthorID() {
			participants[*question.TargetID] = true
		}

		id := uuid.NewString()
		now := nowRFC3339()
		isResolution := input.IsResolution != nil && *input.IsResolution
		isResolutionInt := 0
		if isResolution {
			isResolutionInt = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO question_replies (id, question_id, author_type, author_id, body, is_resolution, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, id, questionID, identity.AuthorType(), identity.AuthorID(), input.Body, isResolutionInt, now); err != nil {
			return fmt.Errorf("insert reply: %w", err)
		}
		if isResolution {
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_questions
				SET status = 'answered', resolution = ?, resolved_by_type = ?, resolved_by_id = ?, resolved_at = ?
				WHERE id = ? AND status = 'open';
			`, input.Body, identity.AuthorType(), identity.AuthorID(), now, questionID); err != nil {
				return fmt.Errorf("auto-resolve question: %w", err)
			}
			if err := s.recalcOpenQuestionsTx(ctx, tx, taskID); err != nil {
				return err
			}
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, question_id, author_type, author_id, body, is_resolution, created_at
			FROM question_replies WHERE id = ?;
		`, id)
		r, err := scanReply(row.Scan)
		if err != nil {
			return fmt.Errorf("read back reply: %w", err)
		}
		reply = r

		eventType := "task.question_replied"
		notifType := "question_replied"
		notifTitle := "Reply on: " + task.Title
		if isResolution {
			eventType = "task.question_resolved"
			notifType = "question_resolved"
			notifTitle = "Question resolved on: " + task.Title
		}
		payload := map[string]any{
			"task_title":    task.Title,
			"actor_name":    identity.DisplayName(),
			"question_id":   questionID,
			"reply_id":      r.ID,
			"body":          r.Body,
			"is_resolution": isResolution,
			"asked_by_type": question.AskedByType,
			"asked_by_id":   question.AskedByID,
		}
		eventID, p, err := s.emitEventTx(ctx, tx, eventType, &taskID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = append(pending, p...)

		body := fmt.Sprintf("%s: %s", identity.DisplayName(), snippet(r.Body, 150))
		for agentID := range participants {
			n, err := s.insertNotificationTx(ctx, tx, agentID, eventID, notifType, notifTitle, &body)
			if err != nil {
				return err
			}
			pending = append(pending, n)
		}
		return nil
	})
	return reply, pending, err
}

func scanReply(scan func(dest ...any) error) (*models.QuestionReply, error) {
	var (
		r            models.QuestionReply
		isResolution int64
	)
	if err := scan(&r.ID, &r.QuestionID, &r.AuthorType, &r.AuthorID, &r.Body, &isResolution, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.IsResolution = isResolution != 0
	return &r, nil
}

func (s *Store) listRepliesTx(ctx context.Context, q dbtx, questionID string) ([]models.QuestionReply, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, question_id, author_type, author_id, body, is_resolution, created_at
		FROM question_replies WHERE question_id = ? ORDER BY created_at ASC, rowid ASC;
	`, questionID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	out := []models.QuestionReply{}
	for rows.Next() {
		r, err := scanReply(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) ListReplies(ctx context.Context, questionID string) ([]models.QuestionReply, error) {
	return s.listRepliesTx(ctx, s.db, questionID)
}

// DismissQuestion closes an open question without an answer.
func (s *Store) DismissQuestion(ctx context.Context, taskID, questionID, reason string, identity models.Identity) (*models.Question, []models.PendingNotifWebhook, error) {
	var (
		question *models.Question
		pending  []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		existing, err := s.getQuestionTx(ctx, tx, questionID)
		if err != nil {
			return err
		}
		if existing.TaskID != taskID {
			return models.NotFoundErr("question for this task")
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE task_questions SET status = 'dismissed', dismissed_reason = ?, dismissed_at = ?
			WHERE id = ? AND status = 'open';
		`, reason, nowRFC3339(), questionID)
		if err != nil {
			return fmt.Errorf("dismiss question: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ValidationErr("question is not open")
		}
		if err := s.recalcOpenQuestionsTx(ctx, tx, taskID); err != nil {
			return err
		}

		question, err = s.getQuestionTx(ctx, tx, questionID)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"task_title":  task.Title,
			"actor_name":  identity.DisplayName(),
			"question_id": questionID,
			"reason":      reason,
		}
		_, p, err := s.emitEventTx(ctx, tx, "task.question_dismissed", &taskID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	return question, pending, err
}

// AssignQuestion routes a question to an explicit target; the standard event
// routing notifies them.
func (s *Store) AssignQuestion(ctx context.Context, taskID, questionID string, input *models.AssignQuestion, identity models.Identity) (*models.Question, []models.PendingNotifWebhook, error) {
	var (
		question *models.Question
		pending  []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		existing, err := s.getQuestionTx(ctx, tx, questionID)
		if err != nil {
			return err
		}
		if existing.TaskID != taskID {
			return models.NotFoundErr("question for this task")
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_questions SET target_type = ?, target_id = ? WHERE id = ?;
		`, input.TargetType, input.TargetID, questionID); err != nil {
			return fmt.Errorf("assign question: %w", err)
		}

		question, err = s.getQuestionTx(ctx, tx, questionID)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"task_title":  task.Title,
			"actor_name":  identity.DisplayName(),
			"question_id": questionID,
			"question":    existing.Question,
			"target_type": input.TargetType,
			"target_id":   input.TargetID,
		}
		_, p, err := s.emitEventTx(ctx, tx, "task.question_assigned", &taskID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	return question, pending, err
}
