package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stefanodecillis/opengate/internal/models"
)

const artifactCols = `id, task_id, name, artifact_type, value, created_by_type, created_by_id, created_at`

func scanArtifact(scan func(dest ...any) error) (*models.TaskArtifact, error) {
	var a models.TaskArtifact
	if err := scan(&a.ID, &a.TaskID, &a.Name, &a.ArtifactType, &a.Value, &a.CreatedByType, &a.CreatedByID, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateArtifact attaches a typed artifact to a task and emits
// task.artifact_created.
func (s *Store) CreateArtifact(ctx context.Context, taskID string, input *models.CreateArtifact, identity models.Identity) (*models.TaskArtifact, []models.PendingNotifWebhook, error) {
	var (
		artifact *models.TaskArtifact
		pending  []models.PendingNotifWebhook
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}

		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_artifacts (id, task_id, name, artifact_type, value, created_by_type, created_by_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, id, taskID, input.Name, input.ArtifactType, input.Value,
			identity.AuthorType(), identity.AuthorID(), nowRFC3339()); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM task_artifacts WHERE id = ?;`, id)
		a, err := scanArtifact(row.Scan)
		if err != nil {
			return fmt.Errorf("read back artifact: %w", err)
		}
		artifact = a

		payload := map[string]any{
			"task_title":    task.Title,
			"actor_name":    identity.DisplayName(),
			"artifact_name": a.Name,
			"artifact_type": a.ArtifactType,
		}
		_, p, err := s.emitEventTx(ctx, tx, "task.artifact_created", &taskID, task.ProjectID, identity.AuthorType(), identity.AuthorID(), payload)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	return artifact, pending, err
}

func (s *Store) listArtifactsTx(ctx context.Context, q dbtx, taskID string) ([]models.TaskArtifact, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+artifactCols+` FROM task_artifacts WHERE task_id = ? ORDER BY created_at ASC, rowid ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := []models.TaskArtifact{}
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]models.TaskArtifact, error) {
	return s.listArtifactsTx(ctx, s.db, taskID)
}

func (s *Store) GetArtifact(ctx context.Context, artifactID string) (*models.TaskArtifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM task_artifacts WHERE id = ?;`, artifactID)
	a, err := scanArtifact(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundErr("artifact")
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

func (s *Store) DeleteArtifact(ctx context.Context, artifactID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_artifacts WHERE id = ?;`, artifactID)
	if err != nil {
		return false, fmt.Errorf("delete artifact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
