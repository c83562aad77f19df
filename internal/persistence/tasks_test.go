package persistence_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stefanodecillis/opengate/internal/models"
)

func TestCreateTaskDefaults(t *testing.T) {
	store := openTestStore(t)
	project := mkProject(t, store)

	task := mkTask(t, store, project.ID, "first")
	if task.Status != "backlog" {
		t.Fatalf("status = %s", task.Status)
	}
	if task.Priority != "medium" {
		t.Fatalf("priority = %s", task.Priority)
	}
	if len(task.StatusHistory) != 1 || task.StatusHistory[0].Status != "backlog" {
		t.Fatalf("history = %+v", task.StatusHistory)
	}
}

func TestCreateTaskMissingProject(t *testing.T) {
	store := openTestStore(t)
	_, _, err := store.CreateTask(context.Background(), "nope", &models.CreateTask{Title: "x"}, systemIdentity)
	if models.KindOf(err) != models.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateTaskStatusNoOpKeepsHistory(t *testing.T) {
	store := openTestStore(t)
	project := mkProject(t, store)
	task := mkTask(t, store, project.ID, "noop")

	status := "backlog"
	result, err := store.UpdateTask(context.Background(), task.ID, &models.UpdateTask{Status: &status}, systemIdentity)
	if err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	if len(result.Task.StatusHistory) != 1 {
		t.Fatalf("no-op status update appended history: %+v", result.Task.StatusHistory)
	}
}

func TestUpdateTaskInvalidTransition(t *testing.T) {
	store := openTestStore(t)
	project := mkProject(t, store)
	task := mkTask(t, store, project.ID, "t")

	status := "review"
	_, err := store.UpdateTask(context.Background(), task.ID, &models.UpdateTask{Status: &status}, systemIdentity)
	if models.KindOf(err) != models.KindInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCompleteRequiresInProgressOrReview(t *testing.T) {
	store := openTestStore(t)
	project := mkProject(t, store)
	task := mkTask(t, store, project.ID, "t")

	_, _, err := store.CompleteTask(context.Background(), task.ID, &models.CompleteRequest{}, systemIdentity)
	if models.KindOf(err) != models.KindInvalidTransition {
		t.Fatalf("complete from backlog should fail, got %v", err)
	}

	status := "todo"
	if _, err := store.UpdateTask(context.Background(), task.ID, &models.UpdateTask{Status: &status}, systemIdentity); err != nil {
		t.Fatalf("to todo: %v", err)
	}
	_, _, err = store.CompleteTask(context.Background(), task.ID, &models.CompleteRequest{}, systemIdentity)
	if models.KindOf(err) != models.KindInvalidTransition {
		t.Fatalf("complete from todo should fail, got %v", err)
	}
}

// Claim + complete + unblock end to end: claiming a dependent fails while the
// upstream is open; completing the upstream promotes the dependent and
// injects the output.
func TestClaimCompleteUnblockFlow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "alpha", nil)

	taskA := mkTask(t, store, project.ID, "build")
	taskB := mkTask(t, store, project.ID, "deploy")
	if err := store.AddDependency(ctx, taskB.ID, taskA.ID); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	_, _, _, err := store.ClaimTask(ctx, taskB.ID, agent.ID, agent.Name)
	if models.KindOf(err) != models.KindDependenciesUnmet {
		t.Fatalf("claiming B should report unmet deps, got %v", err)
	}
	if pending := models.PendingDeps(err); len(pending) != 1 || pending[0] != taskA.ID {
		t.Fatalf("pending = %v, want [%s]", pending, taskA.ID)
	}

	claimed, _, noop, err := store.ClaimTask(ctx, taskA.ID, agent.ID, agent.Name)
	if err != nil || noop {
		t.Fatalf("claim A: %v noop=%v", err, noop)
	}
	if claimed.Status != "in_progress" || !claimed.AssignedTo(agent.ID) {
		t.Fatalf("claimed A = %s/%v", claimed.Status, claimed.AssigneeID)
	}

	_, _, err = store.CompleteTask(ctx, taskA.ID, &models.CompleteRequest{
		Output: json.RawMessage(`{"pr": "u"}`),
	}, testIdentity(agent.ID, agent.Name))
	if err != nil {
		t.Fatalf("complete A: %v", err)
	}

	// B moved backlog→todo with a system history entry.
	b, err := store.GetTask(ctx, taskB.ID)
	if err != nil {
		t.Fatalf("get B: %v", err)
	}
	if b.Status != "todo" {
		t.Fatalf("B status = %s, want todo", b.Status)
	}
	last := b.StatusHistory[len(b.StatusHistory)-1]
	if last.Status != "todo" || last.AgentType == nil || *last.AgentType != "system" ||
		last.AgentID == nil || *last.AgentID != "auto-unblock" {
		t.Fatalf("B history tail = %+v", last)
	}

	// B's context gained the upstream output.
	var contextObj map[string]map[string]map[string]any
	if err := json.Unmarshal(b.Context, &contextObj); err != nil {
		t.Fatalf("decode B context %s: %v", b.Context, err)
	}
	entry, ok := contextObj["upstream_outputs"][taskA.ID]
	if !ok {
		t.Fatalf("no upstream output for A in %s", b.Context)
	}
	if entry["task_title"] != "build" {
		t.Fatalf("upstream entry = %v", entry)
	}
	output, _ := json.Marshal(entry["output"])
	if string(output) != `{"pr":"u"}` {
		t.Fatalf("upstream output = %s", output)
	}

	// B can now start.
	if _, _, _, err := store.ClaimTask(ctx, taskB.ID, agent.ID, agent.Name); err != nil {
		t.Fatalf("claim B after unblock: %v", err)
	}
}

// An assigned dependent that was blocked gets a task.unblocked notification
// when its upstream completes.
func TestUnblockNotifiesAssignee(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	alpha := mkAgent(t, store, "alpha", nil)
	beta := mkAgent(t, store, "beta", nil)

	upstream := mkTask(t, store, project.ID, "schema migration")
	downstream := mkTask(t, store, project.ID, "backfill")
	if err := store.AddDependency(ctx, downstream.ID, upstream.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.AssignTask(ctx, downstream.ID, beta.ID, systemIdentity); err != nil {
		t.Fatal(err)
	}
	// Park the assigned dependent in blocked while it waits.
	if _, _, err := store.BlockTask(ctx, downstream.ID, "waiting on migration", testIdentity(beta.ID, beta.Name)); err != nil {
		t.Fatal(err)
	}

	if _, _, _, err := store.ClaimTask(ctx, upstream.ID, alpha.ID, alpha.Name); err != nil {
		t.Fatal(err)
	}
	_, pending, err := store.CompleteTask(ctx, upstream.ID, &models.CompleteRequest{
		Output: json.RawMessage(`{"done": true}`),
	}, testIdentity(alpha.ID, alpha.Name))
	if err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTask(ctx, downstream.ID)
	if got.Status != "todo" {
		t.Fatalf("downstream status = %s", got.Status)
	}
	found := false
	for _, p := range pending {
		if p.EventType == "task.unblocked" && p.AgentID == beta.ID {
			found = true
			if p.Body == nil || !strings.Contains(*p.Body, "schema migration") {
				t.Fatalf("unblock body = %v", p.Body)
			}
		}
	}
	if !found {
		t.Fatalf("no unblock notification for assignee in %+v", pending)
	}
}

func TestClaimIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "alpha", nil)
	task := mkTask(t, store, project.ID, "t")

	first, _, noop, err := store.ClaimTask(ctx, task.ID, agent.ID, agent.Name)
	if err != nil || noop {
		t.Fatalf("first claim: %v noop=%v", err, noop)
	}
	eventsAfterFirst, err := store.LastEventID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	second, _, noop, err := store.ClaimTask(ctx, task.ID, agent.ID, agent.Name)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if !noop {
		t.Fatal("second claim should be a no-op")
	}
	if second.Status != first.Status || *second.AssigneeID != *first.AssigneeID {
		t.Fatalf("task state changed on idempotent claim: %+v vs %+v", second, first)
	}
	eventsAfterSecond, err := store.LastEventID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if eventsAfterSecond != eventsAfterFirst {
		t.Fatal("idempotent claim emitted events")
	}
}

func TestClaimRejectsOtherAssignee(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	alpha := mkAgent(t, store, "alpha", nil)
	beta := mkAgent(t, store, "beta", nil)
	task := mkTask(t, store, project.ID, "t")

	if _, _, _, err := store.ClaimTask(ctx, task.ID, alpha.ID, alpha.Name); err != nil {
		t.Fatalf("alpha claim: %v", err)
	}
	if _, _, _, err := store.ClaimTask(ctx, task.ID, beta.ID, beta.Name); err == nil {
		t.Fatal("beta claim of alpha's task should fail")
	}
}

func TestClaimCapacity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "alpha", nil) // default max_concurrent_tasks = 2

	for i := 0; i < 2; i++ {
		task := mkTask(t, store, project.ID, fmt.Sprintf("t%d", i))
		if _, _, _, err := store.ClaimTask(ctx, task.ID, agent.ID, agent.Name); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}

	third := mkTask(t, store, project.ID, "t3")
	_, _, _, err := store.ClaimTask(ctx, third.ID, agent.ID, agent.Name)
	if models.KindOf(err) != models.KindCapacity {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestClaimTerminalTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "alpha", nil)
	task := mkTask(t, store, project.ID, "t")

	status := "cancelled"
	if _, err := store.UpdateTask(ctx, task.ID, &models.UpdateTask{Status: &status}, systemIdentity); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, _, _, err := store.ClaimTask(ctx, task.ID, agent.ID, agent.Name); err == nil {
		t.Fatal("claim of cancelled task should fail")
	}
}

func TestReleaseTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	alpha := mkAgent(t, store, "alpha", nil)
	beta := mkAgent(t, store, "beta", nil)
	task := mkTask(t, store, project.ID, "t")

	if _, _, _, err := store.ClaimTask(ctx, task.ID, alpha.ID, alpha.Name); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := store.ReleaseTask(ctx, task.ID, beta.ID); models.KindOf(err) != models.KindForbidden {
		t.Fatalf("non-assignee release should be forbidden, got %v", err)
	}

	released, _, err := store.ReleaseTask(ctx, task.ID, alpha.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.AssigneeID != nil || released.Status != "todo" {
		t.Fatalf("released = %+v", released)
	}
}

// Scheduled task: manual advance is gated until scheduled_at passes; the
// promoter then moves it to todo with the system history entry.
func TestScheduledTaskGateAndPromotion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)

	future := time.Now().UTC().Add(2 * time.Minute).Format(time.RFC3339)
	task, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{
		Title:       "scheduled",
		ScheduledAt: &future,
	}, systemIdentity)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	status := "todo"
	_, err = store.UpdateTask(ctx, task.ID, &models.UpdateTask{Status: &status}, systemIdentity)
	if models.KindOf(err) != models.KindSchedulingGate {
		t.Fatalf("expected scheduling gate, got %v", err)
	}

	// The promoter does not touch it before its time.
	count, err := store.PromoteScheduledTasks(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if count != 0 {
		t.Fatalf("premature promotion of %d tasks", count)
	}

	// Move the schedule into the past and promote.
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	if _, err := store.UpdateTask(ctx, task.ID, &models.UpdateTask{ScheduledAt: &past}, systemIdentity); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	count, err = store.PromoteScheduledTasks(ctx)
	if err != nil || count != 1 {
		t.Fatalf("promotion count = %d err = %v", count, err)
	}

	promoted, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if promoted.Status != "todo" {
		t.Fatalf("status = %s", promoted.Status)
	}
	last := promoted.StatusHistory[len(promoted.StatusHistory)-1]
	if last.AgentID == nil || *last.AgentID != "scheduled-auto-transition" {
		t.Fatalf("history tail = %+v", last)
	}
}

// Recurrence: completing each occurrence spawns the next until end_after is
// reached.
func TestRecurrenceChainWithEndAfter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "alpha", func(a *models.CreateAgent) {
		a.Skills = []string{"ops"}
	})

	now := time.Now().UTC().Format(time.RFC3339)
	rule := json.RawMessage(`{"frequency": "daily", "interval": 1, "end_after": 3}`)
	first, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{
		Title:          "daily-report",
		ScheduledAt:    &now,
		RecurrenceRule: rule,
		Tags:           []string{"ops"},
	}, systemIdentity)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	completeTask := func(id string) {
		t.Helper()
		claimed, _, _, err := store.ClaimTask(ctx, id, agent.ID, agent.Name)
		if err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
		// Successors inherit the assignee, so the claim is a no-op that
		// leaves them in backlog; start them explicitly.
		if claimed.Status == "backlog" {
			inProgress := "in_progress"
			if _, err := store.UpdateTask(ctx, id, &models.UpdateTask{Status: &inProgress}, testIdentity(agent.ID, agent.Name)); err != nil {
				t.Fatalf("start %s: %v", id, err)
			}
		}
		if _, _, err := store.CompleteTask(ctx, id, &models.CompleteRequest{}, testIdentity(agent.ID, agent.Name)); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
	countChain := func() int {
		t.Helper()
		tasks, err := store.ListTasks(ctx, models.TaskFilters{ProjectID: &project.ID})
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, task := range tasks {
			if task.RecurrenceParentID != nil && *task.RecurrenceParentID == first.ID {
				n++
			}
		}
		return n
	}
	nextOccurrence := func() *models.Task {
		t.Helper()
		tasks, err := store.ListTasks(ctx, models.TaskFilters{ProjectID: &project.ID})
		if err != nil {
			t.Fatal(err)
		}
		for i := range tasks {
			if tasks[i].Status == "backlog" && tasks[i].RecurrenceParentID != nil && *tasks[i].RecurrenceParentID == first.ID {
				return &tasks[i]
			}
		}
		return nil
	}

	completeTask(first.ID)
	second := nextOccurrence()
	if second == nil {
		t.Fatal("no successor after first completion")
	}
	if second.ScheduledAt == nil || *second.ScheduledAt <= now {
		t.Fatalf("successor scheduled_at = %v", second.ScheduledAt)
	}
	if len(second.Tags) != 1 || second.Tags[0] != "ops" {
		t.Fatalf("successor tags = %v", second.Tags)
	}

	// Successor is future-scheduled: claim is gated, so clear the schedule
	// before working it.
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	if _, err := store.UpdateTask(ctx, second.ID, &models.UpdateTask{ScheduledAt: &past}, systemIdentity); err != nil {
		t.Fatal(err)
	}
	completeTask(second.ID)

	third := nextOccurrence()
	if third == nil {
		t.Fatal("no successor after second completion")
	}
	if _, err := store.UpdateTask(ctx, third.ID, &models.UpdateTask{ScheduledAt: &past}, systemIdentity); err != nil {
		t.Fatal(err)
	}
	completeTask(third.ID)

	// end_after = 3 counts the progenitor plus its successors (three tasks
	// in all, two chained to the parent); the chain must stop producing.
	if got := countChain(); got != 2 {
		t.Fatalf("chained successors = %d, want 2", got)
	}
	if next := nextOccurrence(); next != nil {
		t.Fatalf("chain kept producing: %+v", next)
	}
}

func TestStaleReaperReleasesOnlyInProgress(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	// Zero-ish timeout so the agent is immediately stale.
	agent := mkAgent(t, store, "sleepy", nil)
	timeout := int64(0)
	if _, err := store.UpdateAgent(ctx, agent.ID, &models.UpdateAgent{StaleTimeout: &timeout}); err != nil {
		t.Fatal(err)
	}

	working := mkTask(t, store, project.ID, "working")
	if _, _, _, err := store.ClaimTask(ctx, working.ID, agent.ID, agent.Name); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A task in review is protected.
	senior := mkAgent(t, store, "senior", func(a *models.CreateAgent) {
		s := "senior"
		a.Seniority = &s
	})
	_ = senior
	reviewing := mkTask(t, store, project.ID, "reviewing")
	if _, _, _, err := store.ClaimTask(ctx, reviewing.ID, agent.ID, agent.Name); err != nil {
		t.Fatalf("claim reviewing: %v", err)
	}
	if _, _, err := store.SubmitReview(ctx, reviewing.ID, agent.ID, &models.SubmitReviewRequest{}); err != nil {
		t.Fatalf("submit review: %v", err)
	}

	released, err := store.ReleaseStaleTasks(ctx, 240)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(released) != 1 || released[0].ID != working.ID {
		t.Fatalf("released = %+v", released)
	}

	got, _ := store.GetTask(ctx, working.ID)
	if got.Status != "todo" || got.AssigneeID != nil {
		t.Fatalf("stale task = %s/%v", got.Status, got.AssigneeID)
	}
	last := got.StatusHistory[len(got.StatusHistory)-1]
	if last.AgentID == nil || *last.AgentID != "stale_release" {
		t.Fatalf("history tail = %+v", last)
	}

	inReview, _ := store.GetTask(ctx, reviewing.ID)
	if inReview.Status != "review" || inReview.AssigneeID == nil {
		t.Fatalf("review task disturbed: %s/%v", inReview.Status, inReview.AssigneeID)
	}
}

func TestStaleReaperSkipsTasksWithOpenQuestions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "sleepy", nil)
	timeout := int64(0)
	if _, err := store.UpdateAgent(ctx, agent.ID, &models.UpdateAgent{StaleTimeout: &timeout}); err != nil {
		t.Fatal(err)
	}

	task := mkTask(t, store, project.ID, "asking")
	if _, _, _, err := store.ClaimTask(ctx, task.ID, agent.ID, agent.Name); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question: "which bucket?",
	}, testIdentity(agent.ID, agent.Name)); err != nil {
		t.Fatalf("ask: %v", err)
	}

	released, err := store.ReleaseStaleTasks(ctx, 240)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("task with open blocking question was released: %+v", released)
	}
}

func TestMergeContextDisjointPatchesCommute(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	task := mkTask(t, store, project.ID, "ctx")

	if _, err := store.MergeContext(ctx, task.ID, json.RawMessage(`{"a": 1}`)); err != nil {
		t.Fatalf("patch a: %v", err)
	}
	if _, err := store.MergeContext(ctx, task.ID, json.RawMessage(`{"b": "two"}`)); err != nil {
		t.Fatalf("patch b: %v", err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	var obj map[string]any
	if err := json.Unmarshal(got.Context, &obj); err != nil {
		t.Fatal(err)
	}
	if obj["a"] != float64(1) || obj["b"] != "two" {
		t.Fatalf("context = %v", obj)
	}

	// Non-object patch is rejected.
	if _, err := store.MergeContext(ctx, task.ID, json.RawMessage(`[1,2]`)); models.KindOf(err) != models.KindValidation {
		t.Fatalf("array patch should be a validation error, got %v", err)
	}
}

func TestBatchUpdateStatusPartialFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	ok1 := mkTask(t, store, project.ID, "ok1")
	bad := mkTask(t, store, project.ID, "bad")

	result := store.BatchUpdateStatus(ctx, []models.BatchStatusItem{
		{TaskID: ok1.ID, Status: "todo"},
		{TaskID: bad.ID, Status: "review"},   // invalid from backlog
		{TaskID: "missing", Status: "todo"},  // not found
	}, systemIdentity)

	if len(result.Succeeded) != 1 || result.Succeeded[0] != ok1.ID {
		t.Fatalf("succeeded = %v", result.Succeeded)
	}
	if len(result.Failed) != 2 {
		t.Fatalf("failed = %+v", result.Failed)
	}
}

func TestGetNextTaskOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)

	low := "low"
	critical := "critical"
	if _, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "low", Priority: &low}, systemIdentity); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "crit", Priority: &critical}, systemIdentity); err != nil {
		t.Fatal(err)
	}

	next, err := store.GetNextTask(ctx, nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Title != "crit" {
		t.Fatalf("next = %s, want crit", next.Title)
	}

	// Skill filtering matches task tags.
	if _, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "rusty", Tags: []string{"rust"}}, systemIdentity); err != nil {
		t.Fatal(err)
	}
	next, err = store.GetNextTask(ctx, []string{"rust"})
	if err != nil {
		t.Fatalf("next with skills: %v", err)
	}
	if next.Title != "rusty" {
		t.Fatalf("next = %s, want rusty", next.Title)
	}

	// Future-scheduled work is not offered.
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	if _, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "later", Priority: &critical, ScheduledAt: &future}, systemIdentity); err != nil {
		t.Fatal(err)
	}
	next, err = store.GetNextTask(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next.Title == "later" {
		t.Fatal("future-scheduled task offered as next")
	}
}

func TestListTasksFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)

	tagged, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "tagged", Tags: []string{"infra"}}, systemIdentity)
	if err != nil {
		t.Fatal(err)
	}
	mkTask(t, store, project.ID, "plain")

	tag := "infra"
	tasks, err := store.ListTasks(ctx, models.TaskFilters{Tag: &tag})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != tagged.ID {
		t.Fatalf("tag filter = %+v", tasks)
	}

	status := "backlog"
	tasks, err = store.ListTasks(ctx, models.TaskFilters{ProjectID: &project.ID, Status: &status})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("status filter count = %d", len(tasks))
	}
}

func TestEveryStatusInHistoryIsValid(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "alpha", nil)
	task := mkTask(t, store, project.ID, "hist")

	if _, _, _, err := store.ClaimTask(ctx, task.ID, agent.ID, agent.Name); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.CompleteTask(ctx, task.ID, &models.CompleteRequest{}, testIdentity(agent.ID, agent.Name)); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTask(ctx, task.ID)
	for _, entry := range got.StatusHistory {
		if _, ok := models.ParseStatus(entry.Status); !ok {
			t.Fatalf("history carries invalid status %q", entry.Status)
		}
	}
}
