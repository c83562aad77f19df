package persistence_test

import (
	"context"
	"testing"

	"github.com/stefanodecillis/opengate/internal/models"
)

func TestEventIDsStrictlyIncrease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "alpha", nil)

	for i := 0; i < 3; i++ {
		task := mkTask(t, store, project.ID, "t")
		if _, _, _, err := store.ClaimTask(ctx, task.ID, agent.ID, agent.Name); err != nil {
			t.Fatal(err)
		}
		if _, _, err := store.CompleteTask(ctx, task.ID, &models.CompleteRequest{}, testIdentity(agent.ID, agent.Name)); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.ListEvents(ctx, project.ID, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	var prev int64
	for _, e := range events {
		if e.ID <= prev {
			t.Fatalf("event ids not strictly increasing: %d after %d", e.ID, prev)
		}
		prev = e.ID
	}
}

func TestNotificationRoutingClaimNotifiesCreator(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	creator := mkAgent(t, store, "creator", nil)
	claimer := mkAgent(t, store, "claimer", nil)

	task, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "t"}, testIdentity(creator.ID, creator.Name))
	if err != nil {
		t.Fatal(err)
	}
	_, pending, _, err := store.ClaimTask(ctx, task.ID, claimer.ID, claimer.Name)
	if err != nil {
		t.Fatal(err)
	}

	creatorClaimNotif := false
	assigneeNotif := false
	for _, p := range pending {
		if p.EventType == "task.claimed" && p.AgentID == creator.ID {
			creatorClaimNotif = true
		}
		if p.EventType == "task.assigned" && p.AgentID == claimer.ID {
			assigneeNotif = true
		}
	}
	if !creatorClaimNotif {
		t.Fatalf("creator not notified of claim: %+v", pending)
	}
	if !assigneeNotif {
		t.Fatalf("assignee not notified of assignment: %+v", pending)
	}
}

func TestNotificationRoutingSelfClaimSkipsCreator(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "solo", nil)

	task, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "t"}, testIdentity(agent.ID, agent.Name))
	if err != nil {
		t.Fatal(err)
	}
	_, pending, _, err := store.ClaimTask(ctx, task.ID, agent.ID, agent.Name)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range pending {
		if p.EventType == "task.claimed" && p.AgentID == agent.ID {
			t.Fatalf("creator==claimer should not be notified of own claim: %+v", pending)
		}
	}
}

func TestCompletedWithoutReviewerNotifiesCreator(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	creator := mkAgent(t, store, "creator", nil)
	worker := mkAgent(t, store, "worker", nil)

	task, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "t"}, testIdentity(creator.ID, creator.Name))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := store.ClaimTask(ctx, task.ID, worker.ID, worker.Name); err != nil {
		t.Fatal(err)
	}
	_, pending, err := store.CompleteTask(ctx, task.ID, &models.CompleteRequest{}, testIdentity(worker.ID, worker.Name))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range pending {
		if p.EventType == "task.completed" && p.AgentID == creator.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("creator not notified of completion: %+v", pending)
	}
}

func TestAckSemantics(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	creator := mkAgent(t, store, "creator", nil)
	claimer := mkAgent(t, store, "claimer", nil)

	task, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "t"}, testIdentity(creator.ID, creator.Name))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := store.ClaimTask(ctx, task.ID, claimer.ID, claimer.Name); err != nil {
		t.Fatal(err)
	}

	unread := true
	notifications, err := store.ListNotifications(ctx, creator.ID, &unread)
	if err != nil {
		t.Fatal(err)
	}
	if len(notifications) == 0 {
		t.Fatal("creator has no unread notifications")
	}
	first := notifications[0]
	if first.WebhookStatus != nil {
		t.Fatalf("webhook_status should start null, got %v", *first.WebhookStatus)
	}
	// Every notification references an existing event.
	if first.EventID == nil {
		t.Fatal("notification lost its event reference")
	}

	// Cross-agent ack is rejected.
	if ok, _ := store.AckNotification(ctx, claimer.ID, first.ID); ok {
		t.Fatal("agent acked another agent's notification")
	}
	ok, err := store.AckNotification(ctx, creator.ID, first.ID)
	if err != nil || !ok {
		t.Fatalf("ack: %v ok=%v", err, ok)
	}
	notifications, _ = store.ListNotifications(ctx, creator.ID, &unread)
	for _, n := range notifications {
		if n.ID == first.ID {
			t.Fatal("acked notification still unread")
		}
	}

	// Webhook delivery path: system ack + delivered status.
	if err := store.AckNotificationSystem(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.SetNotificationWebhookStatus(ctx, first.ID, "delivered"); err != nil {
		t.Fatal(err)
	}
	all, _ := store.ListNotifications(ctx, creator.ID, nil)
	for _, n := range all {
		if n.ID == first.ID {
			if !n.Read || n.WebhookStatus == nil || *n.WebhookStatus != "delivered" {
				t.Fatalf("delivered notification = %+v", n)
			}
		}
	}
}

func TestAckAllNotifications(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	creator := mkAgent(t, store, "creator", nil)
	claimer := mkAgent(t, store, "claimer", nil)
	max := int64(3)
	if _, err := store.UpdateAgent(ctx, claimer.ID, &models.UpdateAgent{MaxConcurrentTasks: &max}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		task, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "t"}, testIdentity(creator.ID, creator.Name))
		if err != nil {
			t.Fatal(err)
		}
		if _, _, _, err := store.ClaimTask(ctx, task.ID, claimer.ID, claimer.Name); err != nil {
			t.Fatal(err)
		}
	}

	count, err := store.AckAllNotifications(ctx, creator.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("acked %d, want 3", count)
	}
	unread := true
	remaining, _ := store.ListNotifications(ctx, creator.ID, &unread)
	if len(remaining) != 0 {
		t.Fatalf("unread after ack-all: %d", len(remaining))
	}
}
