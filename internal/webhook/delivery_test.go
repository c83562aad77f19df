package webhook_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stefanodecillis/opengate/internal/models"
	"github.com/stefanodecillis/opengate/internal/persistence"
	"github.com/stefanodecillis/opengate/internal/webhook"
)

func setup(t *testing.T) (*persistence.Store, *webhook.Dispatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := persistence.Open(filepath.Join(t.TempDir(), "opengate.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, webhook.NewDispatcher(store, logger, nil)
}

func hookedAgent(t *testing.T, store *persistence.Store, url string, events []string) *models.Agent {
	t.Helper()
	ctx := context.Background()
	agent, _, err := store.CreateAgent(ctx, &models.CreateAgent{Name: "hooked"})
	if err != nil {
		t.Fatal(err)
	}
	updated, err := store.UpdateAgent(ctx, agent.ID, &models.UpdateAgent{
		WebhookURL:    &url,
		WebhookEvents: events,
	})
	if err != nil {
		t.Fatal(err)
	}
	return updated
}

// pendingFor fabricates a notification row plus its pending envelope.
func pendingFor(t *testing.T, store *persistence.Store, agentID string) models.PendingNotifWebhook {
	t.Helper()
	ctx := context.Background()
	project, err := store.CreateProject(ctx, &models.CreateProject{Name: "p"})
	if err != nil {
		t.Fatal(err)
	}
	task, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "t"}, models.Anonymous)
	if err != nil {
		t.Fatal(err)
	}
	// Assigning to the agent routes a task.assigned notification.
	_, pending, err := store.AssignTask(ctx, task.ID, agentID, models.Anonymous)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range pending {
		if p.AgentID == agentID {
			return p
		}
	}
	t.Fatal("no pending notification for agent")
	return models.PendingNotifWebhook{}
}

func TestSuccessfulDeliveryAutoAcks(t *testing.T) {
	store, dispatcher := setup(t)
	ctx := context.Background()

	var gotPayload atomic.Value
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotPayload.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	agent := hookedAgent(t, store, receiver.URL, nil)
	pending := pendingFor(t, store, agent.ID)

	dispatcher.FireNotificationWebhooks(ctx, []models.PendingNotifWebhook{pending})
	dispatcher.Wait()

	notifications, err := store.ListNotifications(ctx, agent.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range notifications {
		if n.ID == pending.NotificationID {
			if !n.Read {
				t.Fatal("delivered notification should be auto-acked")
			}
			if n.WebhookStatus == nil || *n.WebhookStatus != "delivered" {
				t.Fatalf("webhook_status = %v", n.WebhookStatus)
			}
		}
	}
	payload, _ := gotPayload.Load().(string)
	if payload == "" {
		t.Fatal("receiver saw no payload")
	}
}

func TestFailedDeliveryLeavesUnread(t *testing.T) {
	store, dispatcher := setup(t)
	ctx := context.Background()

	var attempts atomic.Int64
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer receiver.Close()

	agent := hookedAgent(t, store, receiver.URL, nil)
	pending := pendingFor(t, store, agent.ID)

	dispatcher.SetBackoffForTest(func(int) int { return 0 })
	dispatcher.FireNotificationWebhooks(ctx, []models.PendingNotifWebhook{pending})
	dispatcher.Wait()

	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	notifications, _ := store.ListNotifications(ctx, agent.ID, nil)
	for _, n := range notifications {
		if n.ID == pending.NotificationID {
			if n.Read {
				t.Fatal("failed delivery must leave the notification unread")
			}
			if n.WebhookStatus == nil || *n.WebhookStatus != "failed" {
				t.Fatalf("webhook_status = %v", n.WebhookStatus)
			}
		}
	}
}

func TestEventFilterSkipsDelivery(t *testing.T) {
	store, dispatcher := setup(t)
	ctx := context.Background()

	var hits atomic.Int64
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer receiver.Close()

	// Agent only wants task.unblocked pushes.
	agent := hookedAgent(t, store, receiver.URL, []string{"task.unblocked"})
	pending := pendingFor(t, store, agent.ID) // a task.assigned notification

	dispatcher.FireNotificationWebhooks(ctx, []models.PendingNotifWebhook{pending})
	dispatcher.Wait()

	if hits.Load() != 0 {
		t.Fatal("filtered event type should not be delivered")
	}
}

func TestAgentWithoutURLSkipped(t *testing.T) {
	store, dispatcher := setup(t)
	ctx := context.Background()

	agent, _, err := store.CreateAgent(ctx, &models.CreateAgent{Name: "plain"})
	if err != nil {
		t.Fatal(err)
	}
	pending := pendingFor(t, store, agent.ID)

	dispatcher.FireNotificationWebhooks(ctx, []models.PendingNotifWebhook{pending})
	dispatcher.Wait()

	notifications, _ := store.ListNotifications(ctx, agent.ID, nil)
	for _, n := range notifications {
		if n.ID == pending.NotificationID && n.WebhookStatus != nil {
			t.Fatalf("no-URL agent got webhook_status %v", *n.WebhookStatus)
		}
	}
}

func TestTaskWebhookLogsAttempts(t *testing.T) {
	store, dispatcher := setup(t)
	ctx := context.Background()

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	agent := hookedAgent(t, store, receiver.URL, nil)
	project, _ := store.CreateProject(ctx, &models.CreateProject{Name: "p"})
	task, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "t"}, models.Anonymous)
	if err != nil {
		t.Fatal(err)
	}

	dispatcher.FireTaskWebhook(ctx, agent.ID, "task.assigned", task)
	dispatcher.Wait()

	var status string
	var attempts int64
	if err := store.DB().QueryRow(
		`SELECT status, attempts FROM webhook_log WHERE agent_id = ?;`, agent.ID,
	).Scan(&status, &attempts); err != nil {
		t.Fatalf("read webhook log: %v", err)
	}
	if status != "delivered" || attempts != 1 {
		t.Fatalf("log = %s/%d", status, attempts)
	}
}
