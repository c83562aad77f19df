package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stefanodecillis/opengate/internal/models"
)

func scanProject(scan func(dest ...any) error) (*models.Project, error) {
	var (
		p           models.Project
		description sql.NullString
	)
	if err := scan(&p.ID, &p.Name, &description, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Description = strPtr(description)
	return &p, nil
}

func (s *Store) CreateProject(ctx context.Context, input *models.CreateProject) (*models.Project, error) {
	id := uuid.NewString()
	now := nowRFC3339()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, status, created_at, updated_at)
		VALUES (?, ?, ?, 'active', ?, ?);
	`, id, input.Name, nullStr(input.Description), now, now); err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProject(ctx, id)
}

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, created_at, updated_at FROM projects WHERE id = ?;
	`, id)
	p, err := scanProject(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundErr("project")
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects orders by recency with an optional status filter.
func (s *Store) ListProjects(ctx context.Context, statusFilter *string) ([]models.Project, error) {
	query := `SELECT id, name, description, status, created_at, updated_at FROM projects`
	var args []any
	if statusFilter != nil {
		query += ` WHERE status = ?`
		args = append(args, *statusFilter)
	}
	query += ` ORDER BY updated_at DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	out := []models.Project{}
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, id string, input *models.UpdateProject) (*models.Project, error) {
	existing, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	name := existing.Name
	if input.Name != nil {
		name = *input.Name
	}
	description := existing.Description
	if input.Description != nil {
		description = input.Description
	}
	status := existing.Status
	if input.Status != nil {
		status = *input.Status
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, description = ?, status = ?, updated_at = ? WHERE id = ?;
	`, name, nullStr(description), status, nowRFC3339(), id); err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	return s.GetProject(ctx, id)
}

// ArchiveProject is the soft delete: status flips to archived, rows remain.
func (s *Store) ArchiveProject(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET status = 'archived', updated_at = ? WHERE id = ?;
	`, nowRFC3339(), id)
	if err != nil {
		return false, fmt.Errorf("archive project: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) GetProjectWithStats(ctx context.Context, id string) (*models.ProjectWithStats, error) {
	project, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	var taskCount int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE project_id = ?;`, id).Scan(&taskCount); err != nil {
		return nil, fmt.Errorf("count project tasks: %w", err)
	}

	byStatus, err := s.statusCounts(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status;`, id)
	if err != nil {
		return nil, err
	}
	return &models.ProjectWithStats{Project: *project, TaskCount: taskCount, TasksByStatus: byStatus}, nil
}

func (s *Store) statusCounts(ctx context.Context, query string, args ...any) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// GetStats is the dashboard projection: task counts, active agents, recent
// activity.
func (s *Store) GetStats(ctx context.Context) (*models.DashboardStats, error) {
	byStatus, err := s.statusCounts(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, err
	}

	stats := &models.DashboardStats{TasksByStatus: byStatus}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks;`).Scan(&stats.TotalTasks); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	cutoff := time.Now().UTC().Add(-30 * time.Minute).Format(time.RFC3339)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE last_seen_at > ?;`, cutoff).Scan(&stats.ActiveAgents); err != nil {
		return nil, fmt.Errorf("count active agents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE status = 'active';`).Scan(&stats.TotalProjects); err != nil {
		return nil, fmt.Errorf("count projects: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_type, author_id, content, activity_type, metadata, created_at
		FROM task_activity ORDER BY created_at DESC, rowid DESC LIMIT 20;
	`)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()
	stats.RecentActivity = []models.TaskActivity{}
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		stats.RecentActivity = append(stats.RecentActivity, *a)
	}
	return stats, rows.Err()
}
