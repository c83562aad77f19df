package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stefanodecillis/opengate/internal/models"
)

// ReportTaskUsage appends a token/cost report for a task.
func (s *Store) ReportTaskUsage(ctx context.Context, taskID, agentID string, input *models.ReportUsage) (*models.TaskUsage, error) {
	id := uuid.NewString()
	now := nowRFC3339()
	var cost any
	if input.CostUSD != nil {
		cost = *input.CostUSD
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO task_usage (id, task_id, agent_id, input_tokens, output_tokens, cost_usd, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, id, taskID, agentID, input.InputTokens, input.OutputTokens, cost, now); err != nil {
		return nil, fmt.Errorf("insert usage: %w", err)
	}
	return &models.TaskUsage{
		ID:           id,
		TaskID:       taskID,
		AgentID:      agentID,
		InputTokens:  input.InputTokens,
		OutputTokens: input.OutputTokens,
		CostUSD:      input.CostUSD,
		ReportedAt:   now,
	}, nil
}

func scanUsage(scan func(dest ...any) error) (*models.TaskUsage, error) {
	var (
		u    models.TaskUsage
		cost sql.NullFloat64
	)
	if err := scan(&u.ID, &u.TaskID, &u.AgentID, &u.InputTokens, &u.OutputTokens, &cost, &u.ReportedAt); err != nil {
		return nil, err
	}
	if cost.Valid {
		v := cost.Float64
		u.CostUSD = &v
	}
	return &u, nil
}

func (s *Store) GetTaskUsage(ctx context.Context, taskID string) ([]models.TaskUsage, error) {
	return s.queryUsage(ctx, `
		SELECT id, task_id, agent_id, input_tokens, output_tokens, cost_usd, reported_at
		FROM task_usage WHERE task_id = ? ORDER BY reported_at ASC;
	`, taskID)
}

// GetAgentUsage lists an agent's usage reports inside an optional window.
func (s *Store) GetAgentUsage(ctx context.Context, agentID string, from, to *string) ([]models.TaskUsage, error) {
	conditions := []string{"agent_id = ?"}
	args := []any{agentID}
	if from != nil {
		conditions = append(conditions, "reported_at >= ?")
		args = append(args, *from)
	}
	if to != nil {
		conditions = append(conditions, "reported_at <= ?")
		args = append(args, *to)
	}
	return s.queryUsage(ctx, `
		SELECT id, task_id, agent_id, input_tokens, output_tokens, cost_usd, reported_at
		FROM task_usage WHERE `+strings.Join(conditions, " AND ")+` ORDER BY reported_at ASC;
	`, args...)
}

func (s *Store) queryUsage(ctx context.Context, query string, args ...any) ([]models.TaskUsage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	out := []models.TaskUsage{}
	for rows.Next() {
		u, err := scanUsage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// GetProjectUsage aggregates a project's usage: totals, by agent, by task.
func (s *Store) GetProjectUsage(ctx context.Context, projectID string, from, to *string) (*models.ProjectUsageReport, error) {
	conditions := []string{"t.project_id = ?"}
	args := []any{projectID}
	if from != nil {
		conditions = append(conditions, "tu.reported_at >= ?")
		args = append(args, *from)
	}
	if to != nil {
		conditions = append(conditions, "tu.reported_at <= ?")
		args = append(args, *to)
	}
	where := strings.Join(conditions, " AND ")

	report := &models.ProjectUsageReport{
		ByAgent: []models.AgentUsageSummary{},
		ByTask:  []models.TaskUsageSummary{},
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tu.input_tokens),0), COALESCE(SUM(tu.output_tokens),0), COALESCE(SUM(tu.cost_usd),0.0)
		FROM task_usage tu INNER JOIN tasks t ON t.id = tu.task_id WHERE `+where+`;
	`, args...).Scan(&report.TotalInputTokens, &report.TotalOutputTokens, &report.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}

	agentRows, err := s.db.QueryContext(ctx, `
		SELECT tu.agent_id, a.name, SUM(tu.input_tokens), SUM(tu.output_tokens), COALESCE(SUM(tu.cost_usd),0.0), COUNT(*)
		FROM task_usage tu
		INNER JOIN tasks t ON t.id = tu.task_id
		LEFT JOIN agents a ON a.id = tu.agent_id
		WHERE `+where+` GROUP BY tu.agent_id ORDER BY SUM(tu.cost_usd) DESC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("usage by agent: %w", err)
	}
	func() {
		defer agentRows.Close()
		for agentRows.Next() {
			var (
				sum  models.AgentUsageSummary
				name sql.NullString
			)
			if scanErr := agentRows.Scan(&sum.AgentID, &name, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD, &sum.ReportCount); scanErr != nil {
				err = scanErr
				return
			}
			sum.AgentName = strPtr(name)
			report.ByAgent = append(report.ByAgent, sum)
		}
		err = agentRows.Err()
	}()
	if err != nil {
		return nil, err
	}

	taskRows, err := s.db.QueryContext(ctx, `
		SELECT tu.task_id, t.title, SUM(tu.input_tokens), SUM(tu.output_tokens), COALESCE(SUM(tu.cost_usd),0.0), COUNT(*)
		FROM task_usage tu
		INNER JOIN tasks t ON t.id = tu.task_id
		WHERE `+where+` GROUP BY tu.task_id ORDER BY SUM(tu.cost_usd) DESC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("usage by task: %w", err)
	}
	func() {
		defer taskRows.Close()
		for taskRows.Next() {
			var (
				sum   models.TaskUsageSummary
				title sql.NullString
			)
			if scanErr := taskRows.Scan(&sum.TaskID, &title, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD, &sum.ReportCount); scanErr != nil {
				err = scanErr
				return
			}
			sum.TaskTitle = strPtr(title)
			report.ByTask = append(report.ByTask, sum)
		}
		err = taskRows.Err()
	}()
	if err != nil {
		return nil, err
	}
	return report, nil
}
