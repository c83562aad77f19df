// Package webhook handles outbound HTTP delivery: notification webhooks with
// retry and auto-ack, and per-task agent webhooks with a durable delivery
// log. Failures never roll back the mutation that queued them.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stefanodecillis/opengate/internal/models"
	ogotel "github.com/stefanodecillis/opengate/internal/otel"
	"github.com/stefanodecillis/opengate/internal/persistence"
)

const (
	maxAttempts    = 3
	requestTimeout = 10 * time.Second
)

// Dispatcher runs webhook deliveries in background workers. Wait() drains
// in-flight deliveries on shutdown.
type Dispatcher struct {
	store   *persistence.Store
	client  *http.Client
	logger  *slog.Logger
	metrics *ogotel.Metrics
	wg      sync.WaitGroup

	// backoff computes the sleep before retry n (1-based). Swappable in
	// tests.
	backoff func(attempt int) time.Duration
}

func NewDispatcher(store *persistence.Store, logger *slog.Logger, metrics *ogotel.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
		metrics: metrics,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
	}
}

// Wait blocks until all in-flight deliveries complete.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// FireNotificationWebhooks dispatches pending notification envelopes to
// their agents' webhook URLs. Agents without a URL, or whose webhook_events
// filter excludes the event type, are skipped. A 2xx response auto-acks the
// notification; exhausted retries mark it failed and leave it unread for
// polling.
func (d *Dispatcher) FireNotificationWebhooks(ctx context.Context, pending []models.PendingNotifWebhook) {
	for _, notif := range pending {
		agent, err := d.store.GetAgent(ctx, notif.AgentID)
		if err != nil {
			continue
		}
		if agent.WebhookURL == nil || *agent.WebhookURL == "" {
			continue
		}
		if len(agent.WebhookEvents) > 0 {
			subscribed := false
			for _, e := range agent.WebhookEvents {
				if e == notif.EventType {
					subscribed = true
					break
				}
			}
			if !subscribed {
				continue
			}
		}

		payload := map[string]any{
			"event":           "notification",
			"notification_id": notif.NotificationID,
			"event_type":      notif.EventType,
			"title":           notif.Title,
			"body":            notif.Body,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		}
		url := *agent.WebhookURL
		n := notif
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliverNotification(url, payload, n)
		}()
	}
}

func (d *Dispatcher) deliverNotification(url string, payload map[string]any, notif models.PendingNotifWebhook) {
	ctx := context.Background()
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := d.post(ctx, url, body)
		if err == nil && status >= 200 && status < 300 {
			_ = d.store.AckNotificationSystem(ctx, notif.NotificationID)
			_ = d.store.SetNotificationWebhookStatus(ctx, notif.NotificationID, "delivered")
			d.recordOutcome(ctx, "delivered")
			d.logger.Info("notification webhook delivered",
				"notification_id", notif.NotificationID, "agent_id", notif.AgentID)
			return
		}
		if attempt == maxAttempts {
			_ = d.store.SetNotificationWebhookStatus(ctx, notif.NotificationID, "failed")
			d.recordOutcome(ctx, "failed")
			d.logger.Warn("notification webhook failed, left unread for polling",
				"notification_id", notif.NotificationID, "agent_id", notif.AgentID,
				"status", status, "error", err)
			return
		}
		time.Sleep(d.backoff(attempt))
	}
}

// FireTaskWebhook sends a full task object to an agent's webhook URL and
// records every attempt in the durable webhook log.
func (d *Dispatcher) FireTaskWebhook(ctx context.Context, agentID, eventType string, task *models.Task) {
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	if agent.WebhookURL == nil || *agent.WebhookURL == "" {
		return
	}

	payload := map[string]any{
		"event":     eventType,
		"task_id":   task.ID,
		"task":      task,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	logID, err := d.store.CreateWebhookLog(ctx, agentID, eventType, encoded)
	if err != nil {
		d.logger.Warn("webhook log create failed", "agent_id", agentID, "error", err)
		return
	}

	url := *agent.WebhookURL
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliverTask(url, encoded, logID)
	}()
}

func (d *Dispatcher) deliverTask(url string, body []byte, logID string) {
	ctx := context.Background()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := d.post(ctx, url, body)
		if err == nil {
			statusI64 := int64(status)
			outcome := "failed"
			if status >= 200 && status < 300 {
				outcome = "delivered"
			}
			_ = d.store.UpdateWebhookLog(ctx, logID, outcome, int64(attempt), &statusI64, nil)
			if outcome == "delivered" {
				d.recordOutcome(ctx, "delivered")
				return
			}
		} else {
			msg := err.Error()
			outcome := "pending"
			if attempt == maxAttempts {
				outcome = "failed"
			}
			_ = d.store.UpdateWebhookLog(ctx, logID, outcome, int64(attempt), nil, &msg)
		}
		if attempt == maxAttempts {
			d.recordOutcome(ctx, "failed")
			return
		}
		time.Sleep(d.backoff(attempt))
	}
}

// FireAssignmentWebhook notifies the assignee's webhook of an assignment.
func (d *Dispatcher) FireAssignmentWebhook(ctx context.Context, task *models.Task) {
	if task.AssigneeID != nil && task.AssigneeType != nil && *task.AssigneeType == "agent" {
		d.FireTaskWebhook(ctx, *task.AssigneeID, "task.assigned", task)
	}
}

// FireUpdateWebhook notifies the assignee's webhook of a task update.
func (d *Dispatcher) FireUpdateWebhook(ctx context.Context, task *models.Task) {
	if task.AssigneeID != nil && task.AssigneeType != nil && *task.AssigneeType == "agent" {
		d.FireTaskWebhook(ctx, *task.AssigneeID, "task.updated", task)
	}
}

// FireReviewRequestedWebhook notifies the reviewer's webhook when a task
// enters review.
func (d *Dispatcher) FireReviewRequestedWebhook(ctx context.Context, task *models.Task) {
	if task.ReviewerID != nil {
		d.FireTaskWebhook(ctx, *task.ReviewerID, "task.review_requested", task)
	}
}

// FireDependencyReadyWebhook notifies the assignee's webhook that every
// upstream dependency finished.
func (d *Dispatcher) FireDependencyReadyWebhook(ctx context.Context, task *models.Task) {
	if task.AssigneeID != nil && task.AssigneeType != nil && *task.AssigneeType == "agent" {
		d.FireTaskWebhook(ctx, *task.AssigneeID, "task.dependency_ready", task)
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if d.metrics != nil {
		d.metrics.WebhookDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Dispatcher) recordOutcome(ctx context.Context, outcome string) {
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
