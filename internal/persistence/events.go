package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/stefanodecillis/opengate/internal/models"
)

// eventPayload builds the structured payload for a durable event.
func eventPayload(taskTitle, actorName string, from, to *string, extra map[string]any) map[string]any {
	p := map[string]any{
		"task_title": taskTitle,
		"actor_name": actorName,
		"status_change": map[string]any{
			"from": from,
			"to":   to,
		},
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// emitEventTx appends one event to the log and routes it to notification
// rows. It returns the pending webhook envelopes the caller dispatches after
// commit.
func (s *Store) emitEventTx(ctx context.Context, tx *sql.Tx, eventType string, taskID *string, projectID, actorType, actorID string, payload map[string]any) (int64, []models.PendingNotifWebhook, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		payloadJSON = []byte("{}")
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_type, task_id, project_id, actor_type, actor_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, eventType, nullStr(taskID), projectID, actorType, actorID, string(payloadJSON), nowRFC3339())
	if err != nil {
		return 0, nil, fmt.Errorf("insert event: %w", err)
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return 0, nil, fmt.Errorf("event id: %w", err)
	}
	pending, err := s.routeNotificationsTx(ctx, tx, eventID, eventType, taskID, payload)
	if err != nil {
		return 0, nil, err
	}
	return eventID, pending, nil
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func actorName(payload map[string]any) string {
	if n := payloadString(payload, "actor_name"); n != "" {
		return n
	}
	return "Someone"
}

func snippet(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// routeNotificationsTx maps (event_type, task) to notification rows. The
// creator is only notified when it resolves to an existing agent.
func (s *Store) routeNotificationsTx(ctx context.Context, tx *sql.Tx, eventID int64, eventType string, taskID *string, payload map[string]any) ([]models.PendingNotifWebhook, error) {
	var task *models.Task
	if taskID != nil {
		t, err := s.getTaskTx(ctx, tx, *taskID)
		if err == nil {
			task = t
		}
	}

	actor := actorName(payload)
	var creatorID string
	if task != nil {
		ok, err := s.agentExistsTx(ctx, tx, task.CreatedBy)
		if err != nil {
			return nil, err
		}
		if ok {
			creatorID = task.CreatedBy
		}
	}

	var pending []models.PendingNotifWebhook
	notify := func(agentID, title string, body string) error {
		p, err := s.insertNotificationTx(ctx, tx, agentID, eventID, eventType, title, &body)
		if err != nil {
			return err
		}
		pending = append(pending, p)
		return nil
	}

	switch eventType {
	case "task.assigned":
		if task != nil && task.AssigneeID != nil {
			if err := notify(*task.AssigneeID, "Assigned: "+task.Title, actor+" assigned you this task."); err != nil {
				return nil, err
			}
		}

	case "task.claimed":
		if task != nil && creatorID != "" && (task.AssigneeID == nil || *task.AssigneeID != creatorID) {
			if err := notify(creatorID, "Claimed: "+task.Title, actor+" claimed this task."); err != nil {
				return nil, err
			}
		}

	case "task.progress":
		if task == nil {
			break
		}
		if creatorID != "" && (task.AssigneeID == nil || *task.AssigneeID != creatorID) {
			if err := notify(creatorID, "Progress: "+task.Title, "New task activity posted."); err != nil {
				return nil, err
			}
		}
		if task.ReviewerID != nil && *task.ReviewerID != creatorID {
			if err := notify(*task.ReviewerID, "Progress: "+task.Title, "Task progress update posted."); err != nil {
				return nil, err
			}
		}

	case "task.blocked":
		if task != nil && creatorID != "" {
			if err := notify(creatorID, "Blocked: "+task.Title, "Task is blocked and needs intervention."); err != nil {
				return nil, err
			}
		}

	case "task.completed", "task.review_requested":
		if task == nil {
			break
		}
		if task.ReviewerID != nil {
			if err := notify(*task.ReviewerID, "Review needed: "+task.Title, "Task is ready for review."); err != nil {
				return nil, err
			}
		} else if creatorID != "" {
			if err := notify(creatorID, "Completed: "+task.Title, "Task has been completed."); err != nil {
				return nil, err
			}
		}

	case "task.approved":
		if task == nil {
			break
		}
		if creatorID != "" {
			if err := notify(creatorID, "Approved: "+task.Title, "Task was approved."); err != nil {
				return nil, err
			}
		}
		if task.AssigneeID != nil && *task.AssigneeID != creatorID {
			if err := notify(*task.AssigneeID, "Approved: "+task.Title, "Your task was approved."); err != nil {
				return nil, err
			}
		}

	case "task.review_started":
		if task != nil && task.AssigneeID != nil {
			if err := notify(*task.AssigneeID, "Review started: "+task.Title, actor+" started reviewing your task."); err != nil {
				return nil, err
			}
		}

	case "task.changes_requested":
		if task != nil && task.AssigneeID != nil {
			if err := notify(*task.AssigneeID, "Changes requested: "+task.Title, "Reviewer requested changes."); err != nil {
				return nil, err
			}
		}

	case "task.unblocked":
		if task != nil && task.AssigneeID != nil {
			unblockedBy := payloadString(payload, "unblocked_by")
			if unblockedBy == "" {
				unblockedBy = "a dependency"
			}
			if err := notify(*task.AssigneeID, "Unblocked: "+task.Title, "'"+unblockedBy+"' is now complete — your task is ready to start."); err != nil {
				return nil, err
			}
		}

	case "task.question_asked", "task.question_assigned":
		targetID := payloadString(payload, "target_id")
		targetType := payloadString(payload, "target_type")
		if targetID != "" && (targetType == "" || targetType == string(models.ActorAgent)) {
			question := payloadString(payload, "question")
			if question == "" {
				question = "You have a question"
			}
			taskTitle := payloadString(payload, "task_title")
			if err := notify(targetID, "Question on: "+taskTitle, snippet(question, 200)); err != nil {
				return nil, err
			}
		}

	case "task.question_replied", "task.question_resolved":
		// Participant fan-out is handled by the question commands, which know
		// the full reply thread.
	}

	return pending, nil
}

func (s *Store) insertNotificationTx(ctx context.Context, tx *sql.Tx, agentID string, eventID int64, eventType, title string, body *string) (models.PendingNotifWebhook, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (agent_id, event_id, event_type, title, body, read, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?);
	`, agentID, eventID, eventType, title, nullStr(body), nowRFC3339())
	if err != nil {
		return models.PendingNotifWebhook{}, fmt.Errorf("insert notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.PendingNotifWebhook{}, fmt.Errorf("notification id: %w", err)
	}
	return models.PendingNotifWebhook{
		AgentID:        agentID,
		NotificationID: id,
		EventType:      eventType,
		Title:          title,
		Body:           body,
	}, nil
}

// LastEventID returns the highest event ID, or 0 on an empty log.
func (s *Store) LastEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM events;`).Scan(&id); err != nil {
		return 0, fmt.Errorf("last event id: %w", err)
	}
	return id.Int64, nil
}

// ListEvents returns events for a project in append order, newest last,
// starting after the given event ID.
func (s *Store) ListEvents(ctx context.Context, projectID string, afterID int64, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, task_id, project_id, actor_type, actor_id, payload, created_at
		FROM events
		WHERE project_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?;
	`, projectID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			e       models.Event
			taskID  sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventType, &taskID, &e.ProjectID, &e.ActorType, &e.ActorID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TaskID = strPtr(taskID)
		e.Payload = rawJSON(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListNotifications returns an agent's inbox, newest first. unread=true
// restricts to unread rows.
func (s *Store) ListNotifications(ctx context.Context, agentID string, unread *bool) ([]models.Notification, error) {
	query := `
		SELECT id, agent_id, event_id, event_type, title, body, read, webhook_status, created_at
		FROM notifications WHERE agent_id = ?`
	if unread != nil && *unread {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC;`

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var (
			n         models.Notification
			eventID   sql.NullInt64
			body      sql.NullString
			read      int64
			whStatus  sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.AgentID, &eventID, &n.EventType, &n.Title, &body, &read, &whStatus, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if eventID.Valid {
			v := eventID.Int64
			n.EventID = &v
		}
		n.Body = strPtr(body)
		n.Read = read != 0
		n.WebhookStatus = strPtr(whStatus)
		out = append(out, n)
	}
	return out, rows.Err()
}

// AckNotification marks one of the agent's notifications read.
func (s *Store) AckNotification(ctx context.Context, agentID string, notificationID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = 1 WHERE id = ? AND agent_id = ?;
	`, notificationID, agentID)
	if err != nil {
		return false, fmt.Errorf("ack notification: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AckAllNotifications marks all the agent's unread notifications read and
// returns the count.
func (s *Store) AckAllNotifications(ctx context.Context, agentID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = 1 WHERE agent_id = ? AND read = 0;
	`, agentID)
	if err != nil {
		return 0, fmt.Errorf("ack all notifications: %w", err)
	}
	return res.RowsAffected()
}

// AckNotificationSystem marks a notification read on behalf of the system,
// e.g. after a successful webhook delivery.
func (s *Store) AckNotificationSystem(ctx context.Context, notificationID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = 1 WHERE id = ?;
	`, notificationID); err != nil {
		return fmt.Errorf("system ack notification: %w", err)
	}
	return nil
}

// SetNotificationWebhookStatus records the outcome of a webhook delivery
// attempt: "delivered" or "failed".
func (s *Store) SetNotificationWebhookStatus(ctx context.Context, notificationID int64, status string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET webhook_status = ? WHERE id = ?;
	`, status, notificationID); err != nil {
		return fmt.Errorf("set webhook status: %w", err)
	}
	return nil
}
