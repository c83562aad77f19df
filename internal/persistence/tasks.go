package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stefanodecillis/opengate/internal/lifecycle"
	"github.com/stefanodecillis/opengate/internal/models"
	"github.com/stefanodecillis/opengate/internal/recurrence"
)

const taskCols = `id, project_id, title, description, status, priority,
	assignee_type, assignee_id, reviewer_type, reviewer_id,
	context, output, due_date, scheduled_at, recurrence_rule, recurrence_parent_id,
	status_history, has_open_questions, started_review_at,
	created_by, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (*models.Task, error) {
	var (
		t              models.Task
		description    sql.NullString
		assigneeType   sql.NullString
		assigneeID     sql.NullString
		reviewerType   sql.NullString
		reviewerID     sql.NullString
		contextJSON    sql.NullString
		outputJSON     sql.NullString
		dueDate        sql.NullString
		scheduledAt    sql.NullString
		recurrenceRule sql.NullString
		recurrenceWith sql.NullString
		history        sql.NullString
		hasOpen        sql.NullInt64
		startedReview  sql.NullString
	)
	if err := scan(
		&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &t.Priority,
		&assigneeType, &assigneeID, &reviewerType, &reviewerID,
		&contextJSON, &outputJSON, &dueDate, &scheduledAt, &recurrenceRule, &recurrenceWith,
		&history, &hasOpen, &startedReview,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Description = strPtr(description)
	t.AssigneeType = strPtr(assigneeType)
	t.AssigneeID = strPtr(assigneeID)
	t.ReviewerType = strPtr(reviewerType)
	t.ReviewerID = strPtr(reviewerID)
	t.Context = rawJSON(contextJSON)
	t.Output = rawJSON(outputJSON)
	t.DueDate = strPtr(dueDate)
	t.ScheduledAt = strPtr(scheduledAt)
	t.RecurrenceRule = rawJSON(recurrenceRule)
	t.RecurrenceParentID = strPtr(recurrenceWith)
	t.HasOpenQuestions = hasOpen.Int64 != 0
	t.StartedReviewAt = strPtr(startedReview)
	if history.Valid && history.String != "" {
		_ = json.Unmarshal([]byte(history.String), &t.StatusHistory)
	}
	if t.StatusHistory == nil {
		t.StatusHistory = []models.StatusHistoryEntry{}
	}
	t.Tags = []string{}
	t.Dependencies = []string{}
	t.Artifacts = []models.TaskArtifact{}
	return &t, nil
}

func (s *Store) loadTagsTx(ctx context.Context, q dbtx, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT tag FROM task_tags WHERE task_id = ? ORDER BY tag;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *Store) saveTagsTx(ctx context.Context, tx *sql.Tx, taskID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_tags WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_tags (task_id, tag) VALUES (?, ?);`, taskID, tag); err != nil {
			return fmt.Errorf("save tag: %w", err)
		}
	}
	return nil
}

func (s *Store) loadDependencyIDsTx(ctx context.Context, q dbtx, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	defer rows.Close()
	deps := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		deps = append(deps, id)
	}
	return deps, rows.Err()
}

// getTaskTx returns the task with tags, dependency IDs, and artifacts in one
// logical snapshot.
func (s *Store) getTaskTx(ctx context.Context, q dbtx, id string) (*models.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundErr("task")
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task.Tags, err = s.loadTagsTx(ctx, q, id); err != nil {
		return nil, err
	}
	if task.Dependencies, err = s.loadDependencyIDsTx(ctx, q, id); err != nil {
		return nil, err
	}
	if task.Artifacts, err = s.listArtifactsTx(ctx, q, id); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns a task snapshot by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.getTaskTx(ctx, s.db, id)
}

// GetTaskFull is GetTask plus the activity timeline.
func (s *Store) GetTaskFull(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Activities, err = s.ListActivity(ctx, id); err != nil {
		return nil, err
	}
	return task, nil
}

// appendHistoryTx appends a status entry to the task's history column. The
// history is append-only; entries are never rewritten.
func (s *Store) appendHistoryTx(ctx context.Context, tx *sql.Tx, taskID, status string, agentType, agentID *string) error {
	var existing string
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(status_history, '[]') FROM tasks WHERE id = ?;`, taskID).Scan(&existing); err != nil {
		return fmt.Errorf("read status history: %w", err)
	}
	var history []models.StatusHistoryEntry
	if err := json.Unmarshal([]byte(existing), &history); err != nil {
		history = nil
	}
	history = append(history, models.StatusHistoryEntry{
		Status:    status,
		AgentID:   agentID,
		AgentType: agentType,
		Timestamp: nowRFC3339(),
	})
	encoded, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode status history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status_history = ? WHERE id = ?;`, string(encoded), taskID); err != nil {
		return fmt.Errorf("write status history: %w", err)
	}
	return nil
}

func strp(s string) *string { return &s }

// CreateTask inserts a new backlog task and emits task.created.
func (s *Store) CreateTask(ctx context.Context, projectID string, input *models.CreateTask, identity models.Identity) (*models.Task, []models.PendingNotifWebhook, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE id = ?;`, projectID).Scan(&exists); err != nil {
			return fmt.Errorf("check project: %w", err)
		}
		if exists == 0 {
			return models.NotFoundErr("project")
		}

		id := uuid.NewString()
		now := nowRFC3339()
		priority := models.PriorityMedium
		if input.Priority != nil {
			priority = models.ParsePriority(*input.Priority)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, title, description, status, priority,
				assignee_type, assignee_id, context, output, due_date,
				scheduled_at, recurrence_rule, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'backlog', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, projectID, input.Title, nullStr(input.Description), string(priority),
			nullStr(input.AssigneeType), nullStr(input.AssigneeID),
			jsonOrNull(input.Context), jsonOrNull(input.Output), nullStr(input.DueDate),
			nullStr(input.ScheduledAt), jsonOrNull(input.RecurrenceRule),
			identity.AuthorID(), now, now,
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if len(input.Tags) > 0 {
			if err := s.saveTagsTx(ctx, tx, id, input.Tags); err != nil {
				return err
			}
		}
		if err := s.appendHistoryTx(ctx, tx, id, string(models.StatusBacklog), strp(string(models.ActorSystem)), strp(identity.AuthorID())); err != nil {
			return err
		}
		if err := s.appendActivityTx(ctx, tx, id, identity.AuthorType(), identity.AuthorID(), &models.CreateActivity{
			Content:      fmt.Sprintf("Task '%s' created", input.Title),
			ActivityType: strp("status_change"),
		}); err != nil {
			return err
		}

		t, err := s.getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		payload := eventPayload(t.Title, identity.DisplayName(), nil, strp(t.Status), nil)
		_, p, err := s.emitEventTx(ctx, tx, "task.created", &t.ID, t.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		task, pending = t, p
		return nil
	})
	return task, pending, err
}

// ListTasks orders by priority rank then recency and applies the optional
// filters.
func (s *Store) ListTasks(ctx context.Context, filters models.TaskFilters) ([]models.Task, error) {
	conditions := []string{"1=1"}
	var args []any
	if filters.ProjectID != nil {
		conditions = append(conditions, "t.project_id = ?")
		args = append(args, *filters.ProjectID)
	}
	if filters.Status != nil {
		conditions = append(conditions, "t.status = ?")
		args = append(args, *filters.Status)
	}
	if filters.Priority != nil {
		conditions = append(conditions, "t.priority = ?")
		args = append(args, *filters.Priority)
	}
	if filters.AssigneeID != nil {
		conditions = append(conditions, "t.assignee_id = ?")
		args = append(args, *filters.AssigneeID)
	}
	if filters.Tag != nil {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM task_tags tt WHERE tt.task_id = t.id AND tt.tag = ?)")
		args = append(args, *filters.Tag)
	}

	query := `SELECT ` + prefixCols(taskCols, "t") + ` FROM tasks t WHERE ` +
		strings.Join(conditions, " AND ") + `
		ORDER BY CASE t.priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
			t.updated_at DESC;`

	return s.queryTasks(ctx, query, args...)
}

// prefixCols qualifies each column in a comma-separated list with a table
// alias for joined queries.
func prefixCols(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	var out []models.Task
	func() {
		defer rows.Close()
		for rows.Next() {
			t, scanErr := scanTask(rows.Scan)
			if scanErr != nil {
				err = fmt.Errorf("scan task: %w", scanErr)
				return
			}
			out = append(out, *t)
		}
		err = rows.Err()
	}()
	if err != nil {
		return nil, err
	}
	// Hydrate tags/deps/artifacts after the row cursor closes — the pool has
	// a single connection.
	for i := range out {
		if out[i].Tags, err = s.loadTagsTx(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
		if out[i].Dependencies, err = s.loadDependencyIDsTx(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
		if out[i].Artifacts, err = s.listArtifactsTx(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TasksForAssignee returns all tasks assigned to the agent.
func (s *Store) TasksForAssignee(ctx context.Context, assigneeID string) ([]models.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE assignee_id = ?
		ORDER BY CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
			updated_at DESC;`
	return s.queryTasks(ctx, query, assigneeID)
}

// GetNextTask returns the highest-priority unassigned backlog/todo task,
// optionally restricted to tasks tagged with one of the given skills.
// Future-scheduled tasks are excluded — they are not executable yet.
func (s *Store) GetNextTask(ctx context.Context, skills []string) (*models.Task, error) {
	now := nowRFC3339()
	var (
		query string
		args  []any
	)
	if len(skills) == 0 {
		query = `SELECT ` + taskCols + ` FROM tasks
			WHERE assignee_id IS NULL AND status IN ('backlog', 'todo')
			AND (scheduled_at IS NULL OR scheduled_at <= ?)
			ORDER BY CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
				created_at ASC
			LIMIT 1;`
		args = []any{now}
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(skills)), ",")
		query = `SELECT DISTINCT ` + prefixCols(taskCols, "t") + ` FROM tasks t
			INNER JOIN task_tags tt ON tt.task_id = t.id
			WHERE t.assignee_id IS NULL AND t.status IN ('backlog', 'todo')
			AND (t.scheduled_at IS NULL OR t.scheduled_at <= ?)
			AND tt.tag IN (` + placeholders + `)
			ORDER BY CASE t.priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
				t.created_at ASC
			LIMIT 1;`
		args = append(args, now)
		for _, skill := range skills {
			args = append(args, skill)
		}
	}
	tasks, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, models.NotFoundErr("task")
	}
	return &tasks[0], nil
}

// UpdateResult carries a task mutation outcome plus the event that was
// appended (empty when no event applies).
type UpdateResult struct {
	Task      *models.Task
	EventType string
	Pending   []models.PendingNotifWebhook
}

// UpdateTask applies a partial update, running every status change through
// the state machine gates. Moving to done triggers the completion side
// effects (output injection, dependent unblock, recurrence).
func (s *Store) UpdateTask(ctx context.Context, id string, input *models.UpdateTask, identity models.Identity) (*UpdateResult, error) {
	var result *UpdateResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := s.updateTaskTx(ctx, tx, id, input, identity)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (s *Store) updateTaskTx(ctx context.Context, tx *sql.Tx, id string, input *models.UpdateTask, identity models.Identity) (*UpdateResult, error) {
	existing, err := s.getTaskTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	statusChanged := false
	var target models.TaskStatus
	if input.Status != nil {
		current, ok := models.ParseStatus(existing.Status)
		if !ok {
			return nil, models.ValidationErr("invalid current status: " + existing.Status)
		}
		target, ok = models.ParseStatus(*input.Status)
		if !ok {
			return nil, models.ValidationErr("invalid target status: " + *input.Status)
		}

		check := lifecycle.Check{Now: nowRFC3339()}
		if input.ScheduledAt != nil {
			check.ScheduledAt = input.ScheduledAt
		} else {
			check.ScheduledAt = existing.ScheduledAt
		}
		if target == models.StatusInProgress && current != models.StatusInProgress {
			pendingDeps, err := s.pendingDependenciesTx(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			check.PendingDeps = pendingDeps
		}
		if err := lifecycle.Validate(current, target, check); err != nil {
			return nil, err
		}
		statusChanged = current != target
	}

	pick := func(in *string, old *string) any {
		if in != nil {
			return *in
		}
		return nullStr(old)
	}
	pickJSON := func(in json.RawMessage, old json.RawMessage) any {
		if len(in) > 0 {
			return string(in)
		}
		return jsonOrNull(old)
	}

	title := existing.Title
	if input.Title != nil {
		title = *input.Title
	}
	status := existing.Status
	if statusChanged {
		status = string(target)
	}
	priority := existing.Priority
	if input.Priority != nil {
		priority = string(models.ParsePriority(*input.Priority))
	}
	now := nowRFC3339()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET title=?, description=?, status=?, priority=?,
			assignee_type=?, assignee_id=?, reviewer_type=?, reviewer_id=?,
			context=?, output=?, due_date=?, scheduled_at=?, recurrence_rule=?, updated_at=?
		WHERE id=?;
	`, title, pick(input.Description, existing.Description), status, priority,
		pick(input.AssigneeType, existing.AssigneeType), pick(input.AssigneeID, existing.AssigneeID),
		pick(input.ReviewerType, existing.ReviewerType), pick(input.ReviewerID, existing.ReviewerID),
		pickJSON(input.Context, existing.Context), pickJSON(input.Output, existing.Output),
		pick(input.DueDate, existing.DueDate), pick(input.ScheduledAt, existing.ScheduledAt),
		pickJSON(input.RecurrenceRule, existing.RecurrenceRule), now, id,
	); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	if input.Tags != nil {
		if err := s.saveTagsTx(ctx, tx, id, input.Tags); err != nil {
			return nil, err
		}
	}

	var pending []models.PendingNotifWebhook
	eventType := "task.updated"
	if statusChanged {
		agentType := existing.AssigneeType
		agentID := existing.AssigneeID
		if input.AssigneeType != nil {
			agentType = input.AssigneeType
		}
		if input.AssigneeID != nil {
			agentID = input.AssigneeID
		}
		if err := s.appendHistoryTx(ctx, tx, id, status, agentType, agentID); err != nil {
			return nil, err
		}
		if err := s.appendActivityTx(ctx, tx, id, identity.AuthorType(), identity.AuthorID(), &models.CreateActivity{
			Content:      fmt.Sprintf("Status changed from '%s' to '%s'", existing.Status, status),
			ActivityType: strp("status_change"),
		}); err != nil {
			return nil, err
		}

		switch target {
		case models.StatusReview:
			eventType = "task.review_requested"
		case models.StatusBlocked:
			eventType = "task.blocked"
		case models.StatusDone:
			eventType = "task.completed"
		default:
			eventType = "task.status_changed"
		}
	}

	task, err := s.getTaskTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if statusChanged && target == models.StatusDone {
		p, err := s.completionSideEffectsTx(ctx, tx, task)
		if err != nil {
			return nil, err
		}
		pending = append(pending, p...)
	}

	payload := eventPayload(task.Title, identity.DisplayName(), strp(existing.Status), strp(status), nil)
	_, p, err := s.emitEventTx(ctx, tx, eventType, &task.ID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
	if err != nil {
		return nil, err
	}
	pending = append(pending, p...)

	return &UpdateResult{Task: task, EventType: eventType, Pending: pending}, nil
}

// DeleteTask removes a task. Dependent rows cascade.
func (s *Store) DeleteTask(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// MergeContext applies a JSON merge-patch (object-only, shallow) to the
// task's context.
func (s *Store) MergeContext(ctx context.Context, id string, patch json.RawMessage) (*models.Task, error) {
	var task *models.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		var patchObj map[string]json.RawMessage
		if err := json.Unmarshal(patch, &patchObj); err != nil {
			return models.ValidationErr("context patch must be a JSON object")
		}
		base := map[string]json.RawMessage{}
		if len(existing.Context) > 0 {
			if err := json.Unmarshal(existing.Context, &base); err != nil {
				base = map[string]json.RawMessage{}
			}
		}
		for k, v := range patchObj {
			base[k] = v
		}
		merged, err := json.Marshal(base)
		if err != nil {
			return fmt.Errorf("encode context: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET context = ?, updated_at = ? WHERE id = ?;`,
			string(merged), nowRFC3339(), id); err != nil {
			return fmt.Errorf("merge context: %w", err)
		}
		task, err = s.getTaskTx(ctx, tx, id)
		return err
	})
	return task, err
}

// BatchUpdateStatus applies independent status updates, reporting per-task
// success or failure. Each update is its own transaction.
func (s *Store) BatchUpdateStatus(ctx context.Context, updates []models.BatchStatusItem, identity models.Identity) models.BatchResult {
	result := models.BatchResult{Succeeded: []string{}, Failed: []models.BatchError{}}
	for _, u := range updates {
		status := u.Status
		_, err := s.UpdateTask(ctx, u.TaskID, &models.UpdateTask{Status: &status}, identity)
		if err != nil {
			result.Failed = append(result.Failed, models.BatchError{TaskID: u.TaskID, Error: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, u.TaskID)
	}
	return result
}

// ClaimTask is the idempotent claim: already-held non-terminal tasks return
// success; otherwise the claim must pass ownership, capacity, and dependency
// checks. Claiming from backlog/todo/blocked moves the task to in_progress.
func (s *Store) ClaimTask(ctx context.Context, taskID, agentID, agentName string) (*models.Task, []models.PendingNotifWebhook, bool, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
		noop    bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		current, ok := models.ParseStatus(t.Status)
		if !ok {
			return models.ValidationErr("invalid task status: " + t.Status)
		}

		if t.AssignedTo(agentID) && !current.Terminal() {
			task, noop = t, true
			return nil
		}
		if t.AssigneeID != nil {
			return models.ValidationErr("task is already claimed by another agent")
		}
		if current.Terminal() {
			return models.InvalidTransitionErr(t.Status, string(models.StatusInProgress))
		}

		agent, err := s.getAgentTx(ctx, tx, agentID)
		if err != nil {
			return err
		}

		newStatus := current
		switch current {
		case models.StatusBacklog, models.StatusTodo, models.StatusBlocked:
			newStatus = models.StatusInProgress
		}

		if newStatus != current {
			pendingDeps, err := s.pendingDependenciesTx(ctx, tx, taskID)
			if err != nil {
				return err
			}
			load, err := s.inProgressCountTx(ctx, tx, agentID)
			if err != nil {
				return err
			}
			check := lifecycle.Check{
				Now:         nowRFC3339(),
				ScheduledAt: t.ScheduledAt,
				PendingDeps: pendingDeps,
				ViaClaim:    true,
				ClaimLoad:   load,
				ClaimMax:    agent.MaxConcurrentTasks,
			}
			if err := lifecycle.Validate(current, newStatus, check); err != nil {
				return err
			}
		}

		now := nowRFC3339()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assignee_type='agent', assignee_id=?, status=?, updated_at=? WHERE id=?;
		`, agentID, string(newStatus), now, taskID); err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if newStatus != current {
			if err := s.appendHistoryTx(ctx, tx, taskID, string(newStatus), strp("agent"), &agentID); err != nil {
				return err
			}
		}
		if err := s.appendActivityTx(ctx, tx, taskID, "agent", agentID, &models.CreateActivity{
			Content:      fmt.Sprintf("Task claimed by agent '%s'", agentName),
			ActivityType: strp("assignment"),
		}); err != nil {
			return err
		}

		t, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		for _, eventType := range []string{"task.claimed", "task.assigned"} {
			payload := eventPayload(t.Title, agentName, strp(string(current)), strp(t.Status), nil)
			_, p, err := s.emitEventTx(ctx, tx, eventType, &t.ID, t.ProjectID, "agent", agentID, payload)
			if err != nil {
				return err
			}
			pending = append(pending, p...)
		}
		task = t
		return nil
	})
	return task, pending, noop, err
}

// ReleaseTask clears the assignee and forces the task back to todo. Only the
// current assignee may release.
func (s *Store) ReleaseTask(ctx context.Context, taskID, agentID string) (*models.Task, []models.PendingNotifWebhook, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.AssigneeID == nil || *t.AssigneeID != agentID {
			return models.ForbiddenErr("you are not the assignee of this task")
		}
		current, _ := models.ParseStatus(t.Status)
		if current.Terminal() {
			return models.InvalidTransitionErr(t.Status, string(models.StatusTodo))
		}

		now := nowRFC3339()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assignee_type=NULL, assignee_id=NULL, status='todo', updated_at=? WHERE id=?;
		`, now, taskID); err != nil {
			return fmt.Errorf("release task: %w", err)
		}
		if err := s.appendHistoryTx(ctx, tx, taskID, string(models.StatusTodo), strp("agent"), &agentID); err != nil {
			return err
		}
		if err := s.appendActivityTx(ctx, tx, taskID, "agent", agentID, &models.CreateActivity{
			Content:      "Task released back to pool",
			ActivityType: strp("assignment"),
		}); err != nil {
			return err
		}

		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		payload := eventPayload(task.Title, agentID, strp(t.Status), strp(task.Status), nil)
		_, p, err := s.emitEventTx(ctx, tx, "task.released", &task.ID, task.ProjectID, "agent", agentID, payload)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	return task, pending, err
}

// CompleteTask moves an in_progress or review task to done, records the
// summary, and runs the completion side effects.
func (s *Store) CompleteTask(ctx context.Context, taskID string, input *models.CompleteRequest, identity models.Identity) (*models.Task, []models.PendingNotifWebhook, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		current, ok := models.ParseStatus(existing.Status)
		if !ok {
			return models.ValidationErr("invalid task status: " + existing.Status)
		}
		if current != models.StatusInProgress && current != models.StatusReview {
			return models.InvalidTransitionErr(existing.Status, string(models.StatusDone))
		}

		now := nowRFC3339()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status='done', output=COALESCE(?, output), updated_at=? WHERE id=?;
		`, jsonOrNull(input.Output), now, taskID); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if err := s.appendHistoryTx(ctx, tx, taskID, string(models.StatusDone), strp(identity.AuthorType()), strp(identity.AuthorID())); err != nil {
			return err
		}
		summary := "Task completed"
		if input.Summary != nil {
			summary = *input.Summary
		}
		if err := s.appendActivityTx(ctx, tx, taskID, identity.AuthorType(), identity.AuthorID(), &models.CreateActivity{
			Content:      summary,
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

		payload := eventPayload(task.Title, identity.DisplayName(), strp(string(current)), strp("done"), nil)
		_, p, err = s.emitEventTx(ctx, tx, "task.completed", &task.ID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = append(pending, p...)
		return nil
	})
	return task, pending, err
}

// BlockTask moves a task to blocked with a required reason activity.
func (s *Store) BlockTask(ctx context.Context, taskID string, reason string, identity models.Identity) (*models.Task, []models.PendingNotifWebhook, error) {
	var (
		task    *models.Task
		pending []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		status := string(models.StatusBlocked)
		r, err := s.updateTaskTx(ctx, tx, taskID, &models.UpdateTask{Status: &status}, identity)
		if err != nil {
			return err
		}
		if reason == "" {
			reason = "Blocked"
		}
		if err := s.appendActivityTx(ctx, tx, taskID, identity.AuthorType(), identity.AuthorID(), &models.CreateActivity{
			Content:      "Task blocked: " + reason,
			ActivityType: strp("status_change"),
		}); err != nil {
			return err
		}
		task, pending = r.Task, r.Pending
		return nil
	})
	return task, pending, err
}

// completionSideEffectsTx runs the done-transition side effects in order:
// upstream output injection, dependent unblock, recurrence emission.
func (s *Store) completionSideEffectsTx(ctx context.Context, tx *sql.Tx, task *models.Task) ([]models.PendingNotifWebhook, error) {
	if err := s.injectUpstreamOutputsTx(ctx, tx, task); err != nil {
		return nil, err
	}
	pending, err := s.unblockDependentsTx(ctx, tx, task.ID)
	if err != nil {
		return nil, err
	}
	if len(task.RecurrenceRule) > 0 {
		if _, err := s.createNextRecurrenceTx(ctx, tx, task); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// createNextRecurrenceTx clones a completed recurring task into its next
// occurrence. Returns the new task ID, or "" when the chain is exhausted.
func (s *Store) createNextRecurrenceTx(ctx context.Context, tx *sql.Tx, completed *models.Task) (string, error) {
	rule, ok := recurrence.Parse(completed.RecurrenceRule)
	if !ok {
		return "", nil
	}

	parentID := completed.ID
	if completed.RecurrenceParentID != nil {
		parentID = *completed.RecurrenceParentID
	}

	if rule.EndAfter != nil {
		// Occurrence count includes the progenitor: end_after=3 means three
		// tasks total in the chain.
		var count int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks WHERE recurrence_parent_id = ? OR id = ?;
		`, parentID, parentID).Scan(&count); err != nil {
			return "", fmt.Errorf("count recurrences: %w", err)
		}
		if count >= *rule.EndAfter {
			return "", nil
		}
	}

	from := completed.CreatedAt
	if completed.ScheduledAt != nil && *completed.ScheduledAt != "" {
		from = *completed.ScheduledAt
	}
	next, ok := recurrence.Next(rule, from, time.Now().UTC())
	if !ok {
		return "", nil
	}

	newID := uuid.NewString()
	now := nowRFC3339()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, priority,
			assignee_type, assignee_id, context, created_by, created_at, updated_at,
			scheduled_at, recurrence_rule, recurrence_parent_id)
		VALUES (?, ?, ?, ?, 'backlog', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, newID, completed.ProjectID, completed.Title, nullStr(completed.Description),
		completed.Priority, nullStr(completed.AssigneeType), nullStr(completed.AssigneeID),
		jsonOrNull(completed.Context), completed.CreatedBy, now, now,
		next, string(completed.RecurrenceRule), parentID,
	); err != nil {
		return "", fmt.Errorf("insert recurrence: %w", err)
	}
	if len(completed.Tags) > 0 {
		if err := s.saveTagsTx(ctx, tx, newID, completed.Tags); err != nil {
			return "", err
		}
	}
	if err := s.appendHistoryTx(ctx, tx, newID, string(models.StatusBacklog), strp("system"), strp("recurrence-auto-create")); err != nil {
		return "", err
	}
	s.logger.Info("recurrence created",
		"parent_id", parentID, "task_id", newID, "scheduled_at", next)
	return newID, nil
}

// PromoteScheduledTasks moves backlog tasks whose scheduled_at has passed and
// whose dependencies are met to todo. Returns the number promoted.
func (s *Store) PromoteScheduledTasks(ctx context.Context) (int, error) {
	count := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE scheduled_at IS NOT NULL AND scheduled_at <= ? AND status = 'backlog';
		`, nowRFC3339())
		if err != nil {
			return fmt.Errorf("find due scheduled tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			pendingDeps, err := s.pendingDependenciesTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if len(pendingDeps) > 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status='todo', updated_at=? WHERE id=?;`, nowRFC3339(), id); err != nil {
				return fmt.Errorf("promote scheduled task: %w", err)
			}
			if err := s.appendHistoryTx(ctx, tx, id, string(models.StatusTodo), strp("system"), strp("scheduled-auto-transition")); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// ReleaseStaleTasks releases in_progress tasks held by agents whose heartbeat
// exceeds their stale_timeout. Tasks with open blocking questions are left
// alone; review and handoff are protected by only matching in_progress.
func (s *Store) ReleaseStaleTasks(ctx context.Context, defaultTimeoutMinutes int64) ([]models.Task, error) {
	var released []models.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT t.id, a.stale_timeout, a.last_seen_at
			FROM tasks t
			INNER JOIN agents a ON a.id = t.assignee_id
			WHERE t.assignee_type = 'agent'
			AND t.status = 'in_progress'
			AND COALESCE(t.has_open_questions, 0) = 0;
		`)
		if err != nil {
			return fmt.Errorf("find stale candidates: %w", err)
		}
		now := time.Now().UTC()
		var staleIDs []string
		for rows.Next() {
			var (
				taskID   string
				timeout  sql.NullInt64
				lastSeen sql.NullString
			)
			if err := rows.Scan(&taskID, &timeout, &lastSeen); err != nil {
				rows.Close()
				return err
			}
			minutes := defaultTimeoutMinutes
			if timeout.Valid {
				minutes = timeout.Int64
			}
			stale := true
			if lastSeen.Valid {
				if seen, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
					stale = seen.Before(now.Add(-time.Duration(minutes) * time.Minute))
				}
			}
			if stale {
				staleIDs = append(staleIDs, taskID)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range staleIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET assignee_type=NULL, assignee_id=NULL, status='todo', updated_at=? WHERE id=?;
			`, nowRFC3339(), id); err != nil {
				return fmt.Errorf("release stale task: %w", err)
			}
			if err := s.appendHistoryTx(ctx, tx, id, string(models.StatusTodo), strp("system"), strp("stale_release")); err != nil {
				return err
			}
			if err := s.appendActivityTx(ctx, tx, id, "system", "system", &models.CreateActivity{
				Content:      "Task auto-released due to stale agent heartbeat",
				ActivityType: strp("assignment"),
			}); err != nil {
				return err
			}
			t, err := s.getTaskTx(ctx, tx, id)
			if err != nil {
				return err
			}
			released = append(released, *t)
		}
		return nil
	})
	return released, err
}

// GetSchedule lists a project's scheduled tasks inside an optional window.
func (s *Store) GetSchedule(ctx context.Context, projectID string, from, to *string) ([]models.ScheduledTaskEntry, error) {
	conditions := []string{"project_id = ?", "scheduled_at IS NOT NULL"}
	args := []any{projectID}
	if from != nil {
		conditions = append(conditions, "scheduled_at >= ?")
		args = append(args, *from)
	}
	if to != nil {
		conditions = append(conditions, "scheduled_at <= ?")
		args = append(args, *to)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, priority, scheduled_at, assignee_id FROM tasks
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY scheduled_at ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	defer rows.Close()

	out := []models.ScheduledTaskEntry{}
	for rows.Next() {
		var (
			e          models.ScheduledTaskEntry
			assigneeID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Title, &e.Status, &e.Priority, &e.ScheduledAt, &assigneeID); err != nil {
			return nil, err
		}
		e.AssigneeID = strPtr(assigneeID)
		out = append(out, e)
	}
	return out, rows.Err()
}
