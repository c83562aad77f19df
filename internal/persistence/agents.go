package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stefanodecillis/opengate/internal/models"
)

const agentCols = `id, name, api_key_hash, skills, description, max_concurrent_tasks,
	webhook_url, webhook_events, capabilities, seniority, role,
	stale_timeout, last_seen_at, owner_id, tags, created_at`

// scanAgentRow decodes the persisted columns. Computed fields (counts,
// status) are filled by hydrateAgentTx afterwards, outside the row cursor.
func scanAgentRow(scan func(dest ...any) error) (*models.Agent, error) {
	var (
		a             models.Agent
		skills        sql.NullString
		description   sql.NullString
		webhookURL    sql.NullString
		webhookEvents sql.NullString
		capabilities  sql.NullString
		lastSeen      sql.NullString
		ownerID       sql.NullString
		tags          sql.NullString
	)
	if err := scan(
		&a.ID, &a.Name, &a.APIKeyHash, &skills, &description, &a.MaxConcurrentTasks,
		&webhookURL, &webhookEvents, &capabilities, &a.Seniority, &a.Role,
		&a.StaleTimeout, &lastSeen, &ownerID, &tags, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.Skills = parseJSONList(skills)
	a.Description = strPtr(description)
	a.WebhookURL = strPtr(webhookURL)
	if webhookEvents.Valid && webhookEvents.String != "" {
		a.WebhookEvents = parseJSONList(webhookEvents)
	}
	a.Capabilities = parseJSONList(capabilities)
	a.LastSeenAt = strPtr(lastSeen)
	a.OwnerID = strPtr(ownerID)
	a.Tags = parseJSONList(tags)
	return &a, nil
}

// hydrateAgentTx fills the live task counts and computed status.
func (s *Store) hydrateAgentTx(ctx context.Context, q dbtx, a *models.Agent) error {
	var err error
	if a.CurrentTaskCount, err = s.inProgressCountTx(ctx, q, a.ID); err != nil {
		return err
	}
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE reviewer_id = ? AND status = 'review';
	`, a.ID).Scan(&a.ReviewTaskCount); err != nil {
		return fmt.Errorf("review count: %w", err)
	}
	a.Status = computeAgentStatus(a.LastSeenAt, a.CurrentTaskCount+a.ReviewTaskCount, a.MaxConcurrentTasks, a.StaleTimeout, time.Now().UTC())
	return nil
}

func (s *Store) inProgressCountTx(ctx context.Context, q dbtx, agentID string) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE assignee_id = ? AND assignee_type = 'agent' AND status = 'in_progress';
	`, agentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("in-progress count: %w", err)
	}
	return n, nil
}

func (s *Store) agentExistsTx(ctx context.Context, q dbtx, agentID string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents WHERE id = ?;`, agentID).Scan(&n); err != nil {
		return false, fmt.Errorf("check agent: %w", err)
	}
	return n > 0, nil
}

// computeAgentStatus derives the agent's status from heartbeat recency and
// load: offline when the heartbeat is absent or stale, busy when at or over
// capacity, otherwise available.
func computeAgentStatus(lastSeen *string, load, maxConcurrent, staleTimeoutMinutes int64, now time.Time) string {
	if lastSeen == nil {
		return models.AgentOffline
	}
	seen, err := time.Parse(time.RFC3339, *lastSeen)
	if err != nil {
		return models.AgentOffline
	}
	if seen.Before(now.Add(-time.Duration(staleTimeoutMinutes) * time.Minute)) {
		return models.AgentOffline
	}
	if load >= maxConcurrent {
		return models.AgentBusy
	}
	return models.AgentAvailable
}

// CreateAgent inserts an agent and returns it with the raw API key. The key
// is returned exactly once; only its hash is stored.
func (s *Store) CreateAgent(ctx context.Context, input *models.CreateAgent) (*models.Agent, string, error) {
	id := uuid.NewString()
	apiKey := "og_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	seniority := "mid"
	if input.Seniority != nil {
		seniority = *input.Seniority
	}
	role := "executor"
	if input.Role != nil {
		role = *input.Role
	}

	var agent *models.Agent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, api_key_hash, skills, max_concurrent_tasks,
				capabilities, seniority, role, stale_timeout, owner_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, input.Name, HashAPIKey(apiKey), jsonList(input.Skills), defaultMaxConcurrentTasks,
			jsonList(input.Capabilities), seniority, role, DefaultStaleTimeoutMinutes,
			nullStr(input.OwnerID), nowRFC3339(),
		); err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		a, err := s.getAgentTx(ctx, tx, id)
		if err != nil {
			return err
		}
		agent = a
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return agent, apiKey, nil
}

func (s *Store) getAgentTx(ctx context.Context, q dbtx, id string) (*models.Agent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = ?;`, id)
	agent, err := scanAgentRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundErr("agent")
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if err := s.hydrateAgentTx(ctx, q, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.getAgentTx(ctx, s.db, id)
}

// GetAgentByKeyHash resolves a credential hash to an agent.
func (s *Store) GetAgentByKeyHash(ctx context.Context, hash string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE api_key_hash = ?;`, hash)
	agent, err := scanAgentRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundErr("agent")
		}
		return nil, fmt.Errorf("agent by key hash: %w", err)
	}
	if err := s.hydrateAgentTx(ctx, s.db, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	// Collect rows before hydrating: computed counts issue queries on the
	// same single connection, which cannot happen under an open cursor.
	var out []models.Agent
	func() {
		defer rows.Close()
		for rows.Next() {
			a, scanErr := scanAgentRow(rows.Scan)
			if scanErr != nil {
				err = fmt.Errorf("scan agent: %w", scanErr)
				return
			}
			out = append(out, *a)
		}
		err = rows.Err()
	}()
	if err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.hydrateAgentTx(ctx, s.db, &out[i]); err != nil {
			return nil, err
		}
	}
	if out == nil {
		out = []models.Agent{}
	}
	return out, nil
}

func (s *Store) UpdateAgent(ctx context.Context, id string, input *models.UpdateAgent) (*models.Agent, error) {
	var agent *models.Agent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getAgentTx(ctx, tx, id)
		if err != nil {
			return err
		}

		description := existing.Description
		if input.Description != nil {
			description = input.Description
		}
		skills := existing.Skills
		if input.Skills != nil {
			skills = input.Skills
		}
		maxConcurrent := existing.MaxConcurrentTasks
		if input.MaxConcurrentTasks != nil {
			maxConcurrent = *input.MaxConcurrentTasks
		}
		webhookURL := existing.WebhookURL
		if input.WebhookURL != nil {
			webhookURL = input.WebhookURL
		}
		var webhookEvents any
		switch {
		case input.WebhookEvents != nil:
			webhookEvents = jsonList(input.WebhookEvents)
		case existing.WebhookEvents != nil:
			webhookEvents = jsonList(existing.WebhookEvents)
		}
		capabilities := existing.Capabilities
		if input.Capabilities != nil {
			capabilities = input.Capabilities
		}
		seniority := existing.Seniority
		if input.Seniority != nil {
			seniority = *input.Seniority
		}
		role := existing.Role
		if input.Role != nil {
			role = *input.Role
		}
		staleTimeout := existing.StaleTimeout
		if input.StaleTimeout != nil {
			staleTimeout = *input.StaleTimeout
		}
		tags := existing.Tags
		if input.Tags != nil {
			tags = input.Tags
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET description=?, skills=?, max_concurrent_tasks=?, webhook_url=?,
				webhook_events=?, capabilities=?, seniority=?, role=?, stale_timeout=?, tags=?
			WHERE id=?;
		`, nullStr(description), jsonList(skills), maxConcurrent, nullStr(webhookURL),
			webhookEvents, jsonList(capabilities), seniority, role, staleTimeout, jsonList(tags), id,
		); err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		agent, err = s.getAgentTx(ctx, tx, id)
		return err
	})
	return agent, err
}

// DeleteAgent removes an agent, releasing its non-terminal tasks back to
// todo. Review and handoff tasks keep their assignment — those states are
// protected.
func (s *Store) DeleteAgent(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE assignee_id = ? AND assignee_type = 'agent'
			AND status NOT IN ('done', 'cancelled', 'review', 'handoff');
		`, id)
		if err != nil {
			return fmt.Errorf("find agent tasks: %w", err)
		}
		var taskIDs []string
		for rows.Next() {
			var taskID string
			if err := rows.Scan(&taskID); err != nil {
				rows.Close()
				return err
			}
			taskIDs = append(taskIDs, taskID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assignee_type=NULL, assignee_id=NULL, status='todo', updated_at=?
			WHERE assignee_id=? AND assignee_type='agent'
			AND status NOT IN ('done', 'cancelled', 'review', 'handoff');
		`, nowRFC3339(), id); err != nil {
			return fmt.Errorf("release agent tasks: %w", err)
		}
		for _, taskID := range taskIDs {
			if err := s.appendHistoryTx(ctx, tx, taskID, string(models.StatusTodo), strp("system"), strp("agent_deleted")); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// UpdateHeartbeat records the agent's last_seen_at. Single shared cell,
// last-write-wins.
func (s *Store) UpdateHeartbeat(ctx context.Context, agentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = ? WHERE id = ?;`, nowRFC3339(), agentID)
	if err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AgentName resolves an agent ID to its display name.
func (s *Store) AgentName(ctx context.Context, agentID string) (string, bool) {
	var name string
	if err := s.db.QueryRowContext(ctx, `SELECT name FROM agents WHERE id = ?;`, agentID).Scan(&name); err != nil {
		return "", false
	}
	return name, true
}

// capabilityMatchScore counts required capabilities the agent satisfies. A
// required capability matches verbatim, or — when it carries no colon — any
// agent capability scoped under it ("code-review" matches "code-review:rust").
func capabilityMatchScore(agentCaps, required []string) int {
	if len(required) == 0 {
		return 1
	}
	score := 0
	for _, req := range required {
		for _, ac := range agentCaps {
			if ac == req || (!strings.Contains(req, ":") && strings.HasPrefix(ac, req+":")) {
				score++
				break
			}
		}
	}
	return score
}

// FindBestAgent picks an agent for a strategy: explicit ID wins; otherwise
// online agents matching seniority/role/capabilities, best score first, least
// loaded on ties.
func (s *Store) FindBestAgent(ctx context.Context, strategy *models.AssignStrategy) (string, bool, error) {
	if strategy.AgentID != nil {
		return *strategy.AgentID, true, nil
	}
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return "", false, err
	}

	type scored struct {
		agent models.Agent
		score int
	}
	var candidates []scored
	for _, a := range agents {
		if a.Status == models.AgentOffline {
			continue
		}
		if strategy.Seniority != nil && a.Seniority != *strategy.Seniority {
			continue
		}
		if strategy.Role != nil && a.Role != *strategy.Role {
			continue
		}
		score := capabilityMatchScore(a.Capabilities, strategy.Capabilities)
		if len(strategy.Capabilities) > 0 && score == 0 {
			continue
		}
		candidates = append(candidates, scored{agent: a, score: score})
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].agent.CurrentTaskCount < candidates[j].agent.CurrentTaskCount
	})
	return candidates[0].agent.ID, true, nil
}
