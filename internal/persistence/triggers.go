package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stefanodecillis/opengate/internal/models"
)

// HashTriggerSecret hashes an inbound webhook secret. Unlike API keys these
// secrets cross project boundaries, so they get a real cryptographic hash.
func HashTriggerSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

const triggerCols = `id, project_id, name, action_type, action_config, enabled, created_at, updated_at`

func scanTrigger(scan func(dest ...any) error) (*models.WebhookTrigger, error) {
	var (
		t       models.WebhookTrigger
		config  string
		enabled int64
	)
	if err := scan(&t.ID, &t.ProjectID, &t.Name, &t.ActionType, &config, &enabled, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ActionConfig = json.RawMessage(config)
	t.Enabled = enabled != 0
	return &t, nil
}

// CreateWebhookTrigger registers an inbound trigger. The raw secret is
// returned exactly once; the row stores only sha256(secret).
func (s *Store) CreateWebhookTrigger(ctx context.Context, projectID string, input *models.CreateTrigger) (*models.WebhookTrigger, string, error) {
	secret := "whsec_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	id := uuid.NewString()
	now := nowRFC3339()

	var trigger *models.WebhookTrigger
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE id = ?;`, projectID).Scan(&exists); err != nil {
			return fmt.Errorf("check project: %w", err)
		}
		if exists == 0 {
			return models.NotFoundErr("project")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_triggers (id, project_id, name, secret_hash, action_type, action_config, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?);
		`, id, projectID, input.Name, HashTriggerSecret(secret), input.ActionType, string(input.ActionConfig), now, now); err != nil {
			return fmt.Errorf("insert trigger: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM webhook_triggers WHERE id = ?;`, id)
		t, err := scanTrigger(row.Scan)
		if err != nil {
			return fmt.Errorf("read back trigger: %w", err)
		}
		trigger = t
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return trigger, secret, nil
}

func (s *Store) ListWebhookTriggers(ctx context.Context, projectID string) ([]models.WebhookTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+triggerCols+` FROM webhook_triggers WHERE project_id = ? ORDER BY created_at ASC;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	out := []models.WebhookTrigger{}
	for rows.Next() {
		t, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTriggerForValidation returns the trigger plus its stored secret hash
// for inbound request validation.
func (s *Store) GetTriggerForValidation(ctx context.Context, triggerID string) (*models.WebhookTrigger, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+triggerCols+`, secret_hash FROM webhook_triggers WHERE id = ?;
	`, triggerID)
	var (
		t          models.WebhookTrigger
		config     string
		enabled    int64
		secretHash string
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.ActionType, &config, &enabled, &t.CreatedAt, &t.UpdatedAt, &secretHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", models.NotFoundErr("trigger")
		}
		return nil, "", fmt.Errorf("get trigger: %w", err)
	}
	t.ActionConfig = json.RawMessage(config)
	t.Enabled = enabled != 0
	return &t, secretHash, nil
}

func (s *Store) UpdateWebhookTrigger(ctx context.Context, triggerID string, input *models.UpdateTrigger) (*models.WebhookTrigger, error) {
	var trigger *models.WebhookTrigger
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM webhook_triggers WHERE id = ?;`, triggerID)
		existing, err := scanTrigger(row.Scan)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.NotFoundErr("trigger")
			}
			return fmt.Errorf("get trigger: %w", err)
		}

		name := existing.Name
		if input.Name != nil {
			name = *input.Name
		}
		config := existing.ActionConfig
		if len(input.ActionConfig) > 0 {
			config = input.ActionConfig
		}
		enabled := existing.Enabled
		if input.Enabled != nil {
			enabled = *input.Enabled
		}
		enabledInt := 0
		if enabled {
			enabledInt = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE webhook_triggers SET name=?, action_config=?, enabled=?, updated_at=? WHERE id=?;
		`, name, string(config), enabledInt, nowRFC3339(), triggerID); err != nil {
			return fmt.Errorf("update trigger: %w", err)
		}

		row = tx.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM webhook_triggers WHERE id = ?;`, triggerID)
		t, err := scanTrigger(row.Scan)
		if err != nil {
			return fmt.Errorf("read back trigger: %w", err)
		}
		trigger = t
		return nil
	})
	return trigger, err
}

func (s *Store) DeleteWebhookTrigger(ctx context.Context, triggerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_triggers WHERE id = ?;`, triggerID)
	if err != nil {
		return false, fmt.Errorf("delete trigger: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LogTriggerExecution records one inbound invocation with its outcome.
func (s *Store) LogTriggerExecution(ctx context.Context, triggerID, status string, payload, result json.RawMessage, execErr *string) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_trigger_logs (id, trigger_id, received_at, status, payload, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, id, triggerID, nowRFC3339(), status, jsonOrNull(payload), jsonOrNull(result), nullStr(execErr)); err != nil {
		return "", fmt.Errorf("log trigger execution: %w", err)
	}
	return id, nil
}

func (s *Store) ListTriggerLogs(ctx context.Context, triggerID string, limit int64) ([]models.WebhookTriggerLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_id, received_at, status, payload, result, error
		FROM webhook_trigger_logs WHERE trigger_id = ? ORDER BY received_at DESC LIMIT ?;
	`, triggerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trigger logs: %w", err)
	}
	defer rows.Close()

	out := []models.WebhookTriggerLog{}
	for rows.Next() {
		var (
			l       models.WebhookTriggerLog
			payload sql.NullString
			result  sql.NullString
			logErr  sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.TriggerID, &l.ReceivedAt, &l.Status, &payload, &result, &logErr); err != nil {
			return nil, fmt.Errorf("scan trigger log: %w", err)
		}
		l.Payload = rawJSON(payload)
		l.Result = rawJSON(result)
		l.Error = strPtr(logErr)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CreateWebhookLog opens a durable delivery record for a per-task agent
// webhook; delivery workers update it per attempt.
func (s *Store) CreateWebhookLog(ctx context.Context, agentID, eventType string, payload json.RawMessage) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_log (id, agent_id, event_type, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?);
	`, id, agentID, eventType, string(payload), nowRFC3339()); err != nil {
		return "", fmt.Errorf("insert webhook log: %w", err)
	}
	return id, nil
}

// UpdateWebhookLog records one delivery attempt's outcome.
func (s *Store) UpdateWebhookLog(ctx context.Context, id, status string, attempts int64, responseStatus *int64, responseBody *string) error {
	var respStatus any
	if responseStatus != nil {
		respStatus = *responseStatus
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE webhook_log SET status=?, attempts=?, last_attempt_at=?, response_status=?, response_body=? WHERE id=?;
	`, status, attempts, nowRFC3339(), respStatus, nullStr(responseBody), id); err != nil {
		return fmt.Errorf("update webhook log: %w", err)
	}
	return nil
}

// GetWebhookLog reads back one delivery record.
func (s *Store) GetWebhookLog(ctx context.Context, id string) (*models.WebhookLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, event_type, payload, status, attempts, last_attempt_at, created_at
		FROM webhook_log WHERE id = ?;
	`, id)
	var (
		e           models.WebhookLogEntry
		payload     string
		lastAttempt sql.NullString
	)
	if err := row.Scan(&e.ID, &e.AgentID, &e.EventType, &payload, &e.Status, &e.Attempts, &lastAttempt, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundErr("webhook log")
		}
		return nil, fmt.Errorf("get webhook log: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	e.LastAttemptAt = strPtr(lastAttempt)
	return &e, nil
}
