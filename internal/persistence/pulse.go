package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stefanodecillis/opengate/internal/models"
)

// GetPulse builds the project dashboard projection: active/blocked/review
// tasks, recent completions, present agents, knowledge churn, and the
// dependency backlog.
func (s *Store) GetPulse(ctx context.Context, projectID string, callerAgentID *string) (*models.PulseResponse, error) {
	pulse := &models.PulseResponse{}

	var err error
	if pulse.ActiveTasks, err = s.pulseTasksByStatus(ctx, projectID, string(models.StatusInProgress)); err != nil {
		return nil, err
	}
	if pulse.BlockedTasks, err = s.pulseTasksByStatus(ctx, projectID, string(models.StatusBlocked)); err != nil {
		return nil, err
	}
	if pulse.PendingReview, err = s.pulseTasksByStatus(ctx, projectID, string(models.StatusReview)); err != nil {
		return nil, err
	}

	dayAgo := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	recentRows, err := s.pulseQuery(ctx, `
		SELECT t.id, t.title, t.status, t.priority, t.assignee_id, t.reviewer_id, t.updated_at
		FROM tasks t WHERE t.project_id = ? AND t.status = 'done' AND t.updated_at >= ?
		ORDER BY t.updated_at DESC;
	`, projectID, dayAgo)
	if err != nil {
		return nil, err
	}
	pulse.RecentlyCompleted = recentRows

	if callerAgentID != nil {
		if err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM notifications WHERE agent_id = ? AND read = 0;
		`, *callerAgentID).Scan(&pulse.UnreadEvents); err != nil {
			return nil, fmt.Errorf("unread count: %w", err)
		}
	} else {
		if err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM events WHERE project_id = ? AND created_at >= ?;
		`, projectID, dayAgo).Scan(&pulse.UnreadEvents); err != nil {
			return nil, fmt.Errorf("recent event count: %w", err)
		}
	}

	if pulse.Agents, err = s.pulseAgents(ctx, projectID); err != nil {
		return nil, err
	}

	knowledgeRows, err := s.db.QueryContext(ctx, `
		SELECT key, title, category, updated_at FROM project_knowledge
		WHERE project_id = ? AND updated_at >= ? ORDER BY updated_at DESC;
	`, projectID, dayAgo)
	if err != nil {
		return nil, fmt.Errorf("recent knowledge: %w", err)
	}
	pulse.RecentKnowledgeUpdates = []models.PulseKnowledge{}
	func() {
		defer knowledgeRows.Close()
		for knowledgeRows.Next() {
			var (
				k        models.PulseKnowledge
				category sql.NullString
			)
			if scanErr := knowledgeRows.Scan(&k.Key, &k.Title, &category, &k.UpdatedAt); scanErr != nil {
				err = scanErr
				return
			}
			k.Category = strPtr(category)
			pulse.RecentKnowledgeUpdates = append(pulse.RecentKnowledgeUpdates, k)
		}
		err = knowledgeRows.Err()
	}()
	if err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT td.task_id) FROM task_dependencies td
		INNER JOIN tasks up ON up.id = td.depends_on
		INNER JOIN tasks down ON down.id = td.task_id
		WHERE down.project_id = ? AND up.status != 'done'
		AND down.status NOT IN ('done', 'cancelled');
	`, projectID).Scan(&pulse.BlockedByDeps); err != nil {
		return nil, fmt.Errorf("blocked-by-deps count: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tu.cost_usd), 0.0)
		FROM task_usage tu INNER JOIN tasks t ON t.id = tu.task_id
		WHERE t.project_id = ?;
	`, projectID).Scan(&pulse.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("project cost: %w", err)
	}

	return pulse, nil
}

func (s *Store) pulseTasksByStatus(ctx context.Context, projectID, status string) ([]models.PulseTask, error) {
	return s.pulseQuery(ctx, `
		SELECT t.id, t.title, t.status, t.priority, t.assignee_id, t.reviewer_id, t.updated_at
		FROM tasks t WHERE t.project_id = ? AND t.status = ?
		ORDER BY CASE t.priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END;
	`, projectID, status)
}

func (s *Store) pulseQuery(ctx context.Context, query string, args ...any) ([]models.PulseTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pulse tasks: %w", err)
	}
	type row struct {
		task       models.PulseTask
		assigneeID *string
		reviewerID *string
	}
	var buffered []row
	func() {
		defer rows.Close()
		for rows.Next() {
			var (
				r          row
				assigneeID sql.NullString
				reviewerID sql.NullString
			)
			if scanErr := rows.Scan(&r.task.ID, &r.task.Title, &r.task.Status, &r.task.Priority, &assigneeID, &reviewerID, &r.task.UpdatedAt); scanErr != nil {
				err = scanErr
				return
			}
			r.assigneeID = strPtr(assigneeID)
			r.reviewerID = strPtr(reviewerID)
			buffered = append(buffered, r)
		}
		err = rows.Err()
	}()
	if err != nil {
		return nil, err
	}

	out := []models.PulseTask{}
	for _, r := range buffered {
		if r.assigneeID != nil {
			if name, ok := s.AgentName(ctx, *r.assigneeID); ok {
				r.task.AssigneeName = &name
			}
		}
		if r.reviewerID != nil {
			if name, ok := s.AgentName(ctx, *r.reviewerID); ok {
				r.task.ReviewerName = &name
			}
		}
		tags, err := s.loadTagsTx(ctx, s.db, r.task.ID)
		if err != nil {
			return nil, err
		}
		r.task.Tags = tags
		out = append(out, r.task)
	}
	return out, nil
}

// pulseAgents lists agents that have held assignments in the project, with
// computed status and their current in-project task.
func (s *Store) pulseAgents(ctx context.Context, projectID string) ([]models.PulseAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT a.id, a.name, a.last_seen_at, a.max_concurrent_tasks, a.seniority, a.role, a.stale_timeout
		FROM agents a
		WHERE a.id IN (
			SELECT DISTINCT assignee_id FROM tasks
			WHERE project_id = ? AND assignee_type = 'agent' AND assignee_id IS NOT NULL
		)
		ORDER BY a.name;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("pulse agents: %w", err)
	}
	type row struct {
		agent         models.PulseAgent
		maxConcurrent int64
		staleTimeout  int64
	}
	var buffered []row
	func() {
		defer rows.Close()
		for rows.Next() {
			var (
				r        row
				lastSeen sql.NullString
			)
			if scanErr := rows.Scan(&r.agent.ID, &r.agent.Name, &lastSeen, &r.maxConcurrent, &r.agent.Seniority, &r.agent.Role, &r.staleTimeout); scanErr != nil {
				err = scanErr
				return
			}
			r.agent.LastSeenAt = strPtr(lastSeen)
			buffered = append(buffered, r)
		}
		err = rows.Err()
	}()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := []models.PulseAgent{}
	for _, r := range buffered {
		var openTasks int64
		if err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks WHERE assignee_id = ? AND assignee_type = 'agent'
			AND status NOT IN ('done', 'cancelled');
		`, r.agent.ID).Scan(&openTasks); err != nil {
			return nil, fmt.Errorf("pulse agent load: %w", err)
		}
		r.agent.Status = computeAgentStatus(r.agent.LastSeenAt, openTasks, r.maxConcurrent, r.staleTimeout, now)

		var current sql.NullString
		err := s.db.QueryRowContext(ctx, `
			SELECT title FROM tasks WHERE assignee_id = ? AND project_id = ? AND status = 'in_progress' LIMIT 1;
		`, r.agent.ID, projectID).Scan(&current)
		if err == nil && current.Valid {
			r.agent.CurrentTask = &current.String
		}
		out = append(out, r.agent)
	}
	return out, nil
}
