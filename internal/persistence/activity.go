package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/stefanodecillis/opengate/internal/models"
)

// appendActivityTx writes an activity row without emitting an event; command
// methods that post activity as their primary effect emit task.progress
// themselves.
func (s *Store) appendActivityTx(ctx context.Context, tx *sql.Tx, taskID, authorType, authorID string, input *models.CreateActivity) error {
	activityType := "comment"
	if input.ActivityType != nil {
		activityType = *input.ActivityType
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_activity (id, task_id, author_type, author_id, content, activity_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, uuid.NewString(), taskID, authorType, authorID, input.Content, activityType,
		jsonOrNull(input.Metadata), nowRFC3339(),
	); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// CreateActivity posts a progress note on a task and emits task.progress.
func (s *Store) CreateActivity(ctx context.Context, taskID string, identity models.Identity, input *models.CreateActivity) (*models.TaskActivity, []models.PendingNotifWebhook, error) {
	var (
		activity *models.TaskActivity
		pending  []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := s.appendActivityTx(ctx, tx, taskID, identity.AuthorType(), identity.AuthorID(), input); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, task_id, author_type, author_id, content, activity_type, metadata, created_at
			FROM task_activity WHERE task_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1;
		`, taskID)
		a, err := scanActivity(row.Scan)
		if err != nil {
			return fmt.Errorf("read back activity: %w", err)
		}
		activity = a

		payload := eventPayload(task.Title, identity.DisplayName(), strp(task.Status), strp(task.Status), nil)
		_, p, err := s.emitEventTx(ctx, tx, "task.progress", &taskID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	return activity, pending, err
}

func scanActivity(scan func(dest ...any) error) (*models.TaskActivity, error) {
	var (
		a        models.TaskActivity
		metadata sql.NullString
	)
	if err := scan(&a.ID, &a.TaskID, &a.AuthorType, &a.AuthorID, &a.Content, &a.ActivityType, &metadata, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Metadata = rawJSON(metadata)
	return &a, nil
}

// ListActivity returns a task's activity timeline, oldest first.
func (s *Store) ListActivity(ctx context.Context, taskID string) ([]models.TaskActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_type, author_id, content, activity_type, metadata, created_at
		FROM task_activity WHERE task_id = ? ORDER BY created_at ASC, rowid ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	out := []models.TaskActivity{}
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
