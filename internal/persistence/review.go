package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/stefanodecillis/opengate/internal/models"
)

// AssignTask sets the assignee without capacity enforcement — assignment is
// planning, not execution. Offline agents may be pre-assigned; the activity
// notes it. A backlog task is promoted to todo unless it is future-scheduled.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID string, identity models.Identity) (*models.Task, []models.PendingNotifWebhook, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		agent, err := s.getAgentTx(ctx, tx, agentID)
		if err != nil {
			return err
		}

		current, ok := models.ParseStatus(t.Status)
		if !ok {
			return models.ValidationErr("invalid task status: " + t.Status)
		}
		if current.Terminal() {
			return models.ValidationErr("cannot assign a completed or cancelled task")
		}

		newStatus := t.Status
		if current == models.StatusBacklog {
			futureScheduled := t.ScheduledAt != nil && *t.ScheduledAt != "" && *t.ScheduledAt > nowRFC3339()
			if !futureScheduled {
				newStatus = string(models.StatusTodo)
			}
		}

		now := nowRFC3339()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assignee_type='agent', assignee_id=?, status=?, updated_at=? WHERE id=?;
		`, agentID, newStatus, now, taskID); err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		if newStatus != t.Status {
			if err := s.appendHistoryTx(ctx, tx, taskID, newStatus, strp("system"), &agentID); err != nil {
				return err
			}
		}

		pendingDeps, err := s.pendingDependenciesTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		content := fmt.Sprintf("Task assigned to agent '%s'.", agent.Name)
		if agent.Status == models.AgentOffline {
			content = fmt.Sprintf("Task assigned to agent '%s' (note: agent is currently offline — task will be picked up on next heartbeat).", agent.Name)
		}
		if len(pendingDeps) > 0 {
			content += fmt.Sprintf(" Assigned with %d unmet dependencies: [%s]. Agent cannot start until deps are done.",
				len(pendingDeps), strings.Join(pendingDeps, ", "))
		}
		if err := s.appendActivityTx(ctx, tx, taskID, "system", "system", &models.CreateActivity{
			Content:      content,
			ActivityType: strp("assignment"),
		}); err != nil {
			return err
		}

		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		payload := eventPayload(task.Title, identity.DisplayName(), strp(t.Status), strp(task.Status), nil)
		_, p, err := s.emitEventTx(ctx, tx, "task.assigned", &task.ID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	return task, pending, err
}

// HandoffTask transfers an in_progress or review task to another agent. The
// handoff status is momentary: the history records handoff then in_progress.
// Offline targets are refused — unlike assignment, a handoff expects the
// receiver to continue immediately.
func (s *Store) HandoffTask(ctx context.Context, taskID, fromAgentID, toAgentID string, summary *string) (*models.Task, []models.PendingNotifWebhook, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		toAgent, err := s.getAgentTx(ctx, tx, toAgentID)
		if err != nil {
			return err
		}

		if !t.AssignedTo(fromAgentID) && !t.ReviewedBy(fromAgentID) {
			return models.ForbiddenErr("you are not the assignee or reviewer of this task")
		}
		current, _ := models.ParseStatus(t.Status)
		if current != models.StatusInProgress && current != models.StatusReview {
			return models.InvalidTransitionErr(t.Status, string(models.StatusHandoff))
		}
		if toAgent.Status == models.AgentOffline {
			return models.ValidationErr("cannot hand off to offline agent")
		}

		now := nowRFC3339()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assignee_type='agent', assignee_id=?, status='in_progress', updated_at=? WHERE id=?;
		`, toAgentID, now, taskID); err != nil {
			return fmt.Errorf("handoff task: %w", err)
		}
		if err := s.appendHistoryTx(ctx, tx, taskID, string(models.StatusHandoff), strp("agent"), &fromAgentID); err != nil {
			return err
		}
		if err := s.appendHistoryTx(ctx, tx, taskID, string(models.StatusInProgress), strp("agent"), &toAgentID); err != nil {
			return err
		}

		summaryText := "Task handed off"
		if summary != nil {
			summaryText = *summary
		}
		if err := s.appendActivityTx(ctx, tx, taskID, "agent", fromAgentID, &models.CreateActivity{
			Content:      fmt.Sprintf("Handoff to agent '%s': %s", toAgent.Name, summaryText),
			ActivityType: strp("assignment"),
		}); err != nil {
			return err
		}

		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		payload := eventPayload(task.Title, fromAgentID, strp(t.Status), strp(task.Status), nil)
		_, p, err := s.emitEventTx(ctx, tx, "task.assigned", &task.ID, task.ProjectID, "agent", fromAgentID, payload)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	return task, pending, err
}

// pickReviewer selects a reviewer for submit-for-review:
//  1. the explicit reviewer, if that agent exists;
//  2. the least-busy online senior whose skills intersect the task's tags
//     (case-insensitive; an untagged task accepts any senior);
//  3. the least-busy online senior regardless of skills.
func (s *Store) pickReviewerTx(ctx context.Context, tx *sql.Tx, task *models.Task, explicitReviewerID *string, submitterID string) (string, bool, error) {
	if explicitReviewerID != nil {
		ok, err := s.agentExistsTx(ctx, tx, *explicitReviewerID)
		if err != nil {
			return "", false, err
		}
		if ok {
			return *explicitReviewerID, true, nil
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY name;`)
	if err != nil {
		return "", false, fmt.Errorf("list reviewer candidates: %w", err)
	}
	var agents []models.Agent
	for rows.Next() {
		a, scanErr := scanAgentRow(rows.Scan)
		if scanErr != nil {
			rows.Close()
			return "", false, fmt.Errorf("scan reviewer candidate: %w", scanErr)
		}
		agents = append(agents, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", false, err
	}
	for i := range agents {
		if err := s.hydrateAgentTx(ctx, tx, &agents[i]); err != nil {
			return "", false, err
		}
	}

	taskTags := make(map[string]bool, len(task.Tags))
	for _, t := range task.Tags {
		taskTags[strings.ToLower(t)] = true
	}
	eligible := func(a *models.Agent) bool {
		return a.ID != submitterID && a.Status != models.AgentOffline && a.Seniority == "senior"
	}
	skillMatch := func(a *models.Agent) bool {
		if len(taskTags) == 0 {
			return true
		}
		for _, skill := range a.Skills {
			if taskTags[strings.ToLower(skill)] {
				return true
			}
		}
		return false
	}

	pickLeastBusy := func(filter func(*models.Agent) bool) (string, bool) {
		var candidates []*models.Agent
		for i := range agents {
			if filter(&agents[i]) {
				candidates = append(candidates, &agents[i])
			}
		}
		if len(candidates) == 0 {
			return "", false
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].CurrentTaskCount < candidates[j].CurrentTaskCount
		})
		return candidates[0].ID, true
	}

	if id, ok := pickLeastBusy(func(a *models.Agent) bool { return eligible(a) && skillMatch(a) }); ok {
		return id, true, nil
	}
	if id, ok := pickLeastBusy(eligible); ok {
		return id, true, nil
	}
	return "", false, nil
}

// SubmitReview transitions in_progress → review with automatic reviewer
// selection. Only the assignee may submit.
func (s *Store) SubmitReview(ctx context.Context, taskID, submitterID string, input *models.SubmitReviewRequest) (*models.Task, []models.PendingNotifWebhook, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.AssigneeID == nil || *t.AssigneeID != submitterID {
			return models.ForbiddenErr("only the task assignee can submit it for review")
		}
		if t.Status != string(models.StatusInProgress) {
			return models.InvalidTransitionErr(t.Status, string(models.StatusReview))
		}

		reviewerID, found, err := s.pickReviewerTx(ctx, tx, t, input.ReviewerID, submitterID)
		if err != nil {
			return err
		}
		if !found {
			return models.NoReviewerErr()
		}

		now := nowRFC3339()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status='review', reviewer_type='agent', reviewer_id=?, updated_at=? WHERE id=?;
		`, reviewerID, now, taskID); err != nil {
			return fmt.Errorf("submit review: %w", err)
		}
		if err := s.appendHistoryTx(ctx, tx, taskID, string(models.StatusReview), strp("agent"), &submitterID); err != nil {
			return err
		}

		reviewerName := reviewerID
		if name, ok := s.agentNameTx(ctx, tx, reviewerID); ok {
			reviewerName = name
		}
		summaryText := "Submitted for review"
		if input.Summary != nil {
			summaryText = *input.Summary
		}
		if err := s.appendActivityTx(ctx, tx, taskID, "agent", submitterID, &models.CreateActivity{
			Content:      fmt.Sprintf("%s (reviewer assigned: agent:%s)", summaryText, reviewerName),
			ActivityType: strp("status_change"),
		}); err != nil {
			return err
		}

		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		payload := eventPayload(task.Title, submitterID, strp(string(models.StatusInProgress)), strp(string(models.StatusReview)), nil)
		_, p, err := s.emitEventTx(ctx, tx, "task.review_requested", &task.ID, task.ProjectID, "agent", submitterID, payload)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	return task, pending, err
}

// StartReview marks that the assigned reviewer began reviewing, recording
// started_review_at and notifying the assignee.
func (s *Store) StartReview(ctx context.Context, taskID string, identity models.Identity) (*models.Task, []models.PendingNotifWebhook, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != string(models.StatusReview) {
			return models.ValidationErr(fmt.Sprintf("task must be in review status to start review (current: %s)", t.Status))
		}
		if t.ReviewerID == nil || *t.ReviewerID != identity.AuthorID() {
			return models.ForbiddenErr("only the assigned reviewer can start a review")
		}

		now := nowRFC3339()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET started_review_at = ?, updated_at = ? WHERE id = ?;
		`, now, now, taskID); err != nil {
			return fmt.Errorf("start review: %w", err)
		}
		if err := s.appendActivityTx(ctx, tx, taskID, identity.AuthorType(), identity.AuthorID(), &models.CreateActivity{
			Content:      "Review started",
			ActivityType: strp("status_change"),
		}); err != nil {
			return err
		}

		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		payload := eventPayload(task.Title, identity.DisplayName(), strp(t.Status), strp(task.Status), nil)
		_, p, err := s.emitEventTx(ctx, tx, "task.review_started", &task.ID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	return task, pending, err
}

// ApproveTask moves a review task to done and runs the completion side
// effects.
func (s *Store) ApproveTask(ctx context.Context, taskID string, identity models.Identity, comment *string) (*models.Task, []models.PendingNotifWebhook, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != string(models.StatusReview) {
			return models.InvalidTransitionErr(t.Status, string(models.StatusDone))
		}

		now := nowRFC3339()
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status='done', updated_at=? WHERE id=?;`, now, taskID); err != nil {
			return fmt.Errorf("approve task: %w", err)
		}
		reviewerID := identity.AuthorID()
		if err := s.appendHistoryTx(ctx, tx, taskID, string(models.StatusDone), strp("agent"), &reviewerID); err != nil {
			return err
		}
		commentText := "Approved"
		if comment != nil {
			commentText = *comment
		}
		if err := s.appendActivityTx(ctx, tx, taskID, "agent", reviewerID, &models.CreateActivity{
			Content:      "Review approved: " + commentText,
			ActivityType: strp("status_change"),
		}); err != nil {
			return err
		}

		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		p, err := s.completionSideEffectsTx(ctx, tx, task)
		if err != nil {
			return err
		}
		pending = append(pending, p...)

		payload := eventPayload(task.Title, identity.DisplayName(), strp(string(models.StatusReview)), strp(string(models.StatusDone)), nil)
		_, p, err = s.emitEventTx(ctx, tx, "task.approved", &task.ID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = append(pending, p...)
		return nil
	})
	return task, pending, err
}

// RequestChanges hands a review task back to its executor through the
// momentary handoff state (two history entries). A task with no assignee
// keeps reviewing and just records the feedback.
func (s *Store) RequestChanges(ctx context.Context, taskID string, identity models.Identity, comment string) (*models.Task, []models.PendingNotifWebhook, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != string(models.StatusReview) {
			return models.InvalidTransitionErr(t.Status, string(models.StatusInProgress))
		}

		now := nowRFC3339()
		reviewerID := identity.AuthorID()
		if t.AssigneeID != nil {
			execID := *t.AssigneeID
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status='in_progress', assignee_type='agent', assignee_id=?, updated_at=? WHERE id=?;
			`, execID, now, taskID); err != nil {
				return fmt.Errorf("request changes: %w", err)
			}
			if err := s.appendHistoryTx(ctx, tx, taskID, string(models.StatusHandoff), strp("agent"), &reviewerID); err != nil {
				return err
			}
			if err := s.appendHistoryTx(ctx, tx, taskID, string(models.StatusInProgress), strp("agent"), &execID); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at=? WHERE id=?;`, now, taskID); err != nil {
				return fmt.Errorf("request changes: %w", err)
			}
		}

		if err := s.appendActivityTx(ctx, tx, taskID, "agent", reviewerID, &models.CreateActivity{
			Content:      "Changes requested: " + comment,
			ActivityType: strp("changes_requested"),
		}); err != nil {
			return err
		}

		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		payload := eventPayload(task.Title, identity.DisplayName(), strp(string(models.StatusReview)), strp(task.Status), nil)
		_, p, err := s.emitEventTx(ctx, tx, "task.changes_requested", &task.ID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	return task, pending, err
}

func (s *Store) agentNameTx(ctx context.Context, q dbtx, agentID string) (string, bool) {
	var name string
	if err := q.QueryRowContext(ctx, `SELECT name FROM agents WHERE id = ?;`, agentID).Scan(&name); err != nil {
		return "", false
	}
	return name, true
}
