package persistence_test

import (
	"context"
	"testing"

	"github.com/stefanodecillis/opengate/internal/models"
	"github.com/stefanodecillis/opengate/internal/persistence"
)

func TestAgentKeyLookupAndHeartbeat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	agent, apiKey, err := store.CreateAgent(ctx, &models.CreateAgent{Name: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if agent.LastSeenAt != nil {
		t.Fatal("fresh agent should have no heartbeat")
	}
	if agent.Status != models.AgentOffline {
		t.Fatalf("fresh agent status = %s, want offline", agent.Status)
	}

	found, err := store.GetAgentByKeyHash(ctx, persistence.HashAPIKey(apiKey))
	if err != nil {
		t.Fatalf("lookup by key hash: %v", err)
	}
	if found.ID != agent.ID {
		t.Fatalf("lookup returned %s", found.ID)
	}
	if _, err := store.GetAgentByKeyHash(ctx, persistence.HashAPIKey("wrong")); err == nil {
		t.Fatal("wrong key should not resolve")
	}

	if _, err := store.UpdateHeartbeat(ctx, agent.ID); err != nil {
		t.Fatal(err)
	}
	fresh, _ := store.GetAgent(ctx, agent.ID)
	if fresh.LastSeenAt == nil || fresh.Status != models.AgentAvailable {
		t.Fatalf("after heartbeat: seen=%v status=%s", fresh.LastSeenAt, fresh.Status)
	}
}

func TestAgentBusyWhenLoadedIncludingReviews(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "alpha", nil) // max 2
	executor := mkAgent(t, store, "exec", nil)

	// One in-progress task.
	t1 := mkTask(t, store, project.ID, "t1")
	if _, _, _, err := store.ClaimTask(ctx, t1.ID, agent.ID, agent.Name); err != nil {
		t.Fatal(err)
	}
	fresh, _ := store.GetAgent(ctx, agent.ID)
	if fresh.Status != models.AgentAvailable || fresh.CurrentTaskCount != 1 {
		t.Fatalf("status = %s, count = %d", fresh.Status, fresh.CurrentTaskCount)
	}

	// A review assignment pushes the combined load to max.
	seniority := "senior"
	if _, err := store.UpdateAgent(ctx, agent.ID, &models.UpdateAgent{Seniority: &seniority}); err != nil {
		t.Fatal(err)
	}
	t2 := mkTask(t, store, project.ID, "t2")
	if _, _, _, err := store.ClaimTask(ctx, t2.ID, executor.ID, executor.Name); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.SubmitReview(ctx, t2.ID, executor.ID, &models.SubmitReviewRequest{}); err != nil {
		t.Fatal(err)
	}

	fresh, _ = store.GetAgent(ctx, agent.ID)
	if fresh.ReviewTaskCount != 1 {
		t.Fatalf("review count = %d", fresh.ReviewTaskCount)
	}
	if fresh.Status != models.AgentBusy {
		t.Fatalf("status = %s, want busy at n+r >= max", fresh.Status)
	}
}

func TestFindBestAgent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mkAgent(t, store, "generalist", nil)
	specialist := mkAgent(t, store, "specialist", func(a *models.CreateAgent) {
		a.Capabilities = []string{"deploy:k8s", "deploy:vm"}
	})
	// Offline agents are never matched.
	if _, _, err := store.CreateAgent(ctx, &models.CreateAgent{
		Name:         "ghost",
		Capabilities: []string{"deploy:k8s"},
	}); err != nil {
		t.Fatal(err)
	}

	id, found, err := store.FindBestAgent(ctx, &models.AssignStrategy{
		Capabilities: []string{"deploy"},
	})
	if err != nil || !found {
		t.Fatalf("find: %v found=%v", err, found)
	}
	if id != specialist.ID {
		t.Fatalf("best = %s, want specialist", id)
	}

	// Explicit ID short-circuits.
	explicit := "some-id"
	id, found, _ = store.FindBestAgent(ctx, &models.AssignStrategy{AgentID: &explicit})
	if !found || id != explicit {
		t.Fatalf("explicit id = %s found=%v", id, found)
	}

	// No capability match.
	_, found, err = store.FindBestAgent(ctx, &models.AssignStrategy{Capabilities: []string{"warp-drive"}})
	if err != nil || found {
		t.Fatalf("impossible capability matched: %v", found)
	}
}

func TestDeleteAgentReleasesOpenTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "leaver", nil)
	executor := mkAgent(t, store, "exec", nil)

	working := mkTask(t, store, project.ID, "working")
	if _, _, _, err := store.ClaimTask(ctx, working.ID, agent.ID, agent.Name); err != nil {
		t.Fatal(err)
	}

	// Reviewing task stays put: the leaver is the reviewer, and reviewed
	// tasks keep their executor assignment.
	seniority := "senior"
	if _, err := store.UpdateAgent(ctx, agent.ID, &models.UpdateAgent{Seniority: &seniority}); err != nil {
		t.Fatal(err)
	}
	reviewed := mkTask(t, store, project.ID, "reviewed")
	if _, _, _, err := store.ClaimTask(ctx, reviewed.ID, executor.ID, executor.Name); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.SubmitReview(ctx, reviewed.ID, executor.ID, &models.SubmitReviewRequest{}); err != nil {
		t.Fatal(err)
	}

	ok, err := store.DeleteAgent(ctx, agent.ID)
	if err != nil || !ok {
		t.Fatalf("delete: %v ok=%v", err, ok)
	}

	released, _ := store.GetTask(ctx, working.ID)
	if released.Status != "todo" || released.AssigneeID != nil {
		t.Fatalf("working task = %s/%v", released.Status, released.AssigneeID)
	}
	untouched, _ := store.GetTask(ctx, reviewed.ID)
	if untouched.Status != "review" || untouched.AssigneeID == nil {
		t.Fatalf("reviewed task = %s/%v", untouched.Status, untouched.AssigneeID)
	}
}

func TestUpdateAgentWebhookSettings(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := mkAgent(t, store, "hooked", nil)

	url := "http://localhost:9999/hook"
	events := []string{"task.assigned", "task.unblocked"}
	updated, err := store.UpdateAgent(ctx, agent.ID, &models.UpdateAgent{
		WebhookURL:    &url,
		WebhookEvents: events,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.WebhookURL == nil || *updated.WebhookURL != url {
		t.Fatalf("webhook_url = %v", updated.WebhookURL)
	}
	if len(updated.WebhookEvents) != 2 {
		t.Fatalf("webhook_events = %v", updated.WebhookEvents)
	}

	// Partial update preserves the rest.
	max := int64(7)
	updated, err = store.UpdateAgent(ctx, agent.ID, &models.UpdateAgent{MaxConcurrentTasks: &max})
	if err != nil {
		t.Fatal(err)
	}
	if updated.MaxConcurrentTasks != 7 || updated.WebhookURL == nil {
		t.Fatalf("partial update dropped fields: %+v", updated)
	}
}
