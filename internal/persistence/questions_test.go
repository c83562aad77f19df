package persistence_test

import (
	"context"
	"testing"

	"github.com/stefanodecillis/opengate/internal/models"
)

func TestQuestionBlockingFlagMaterialized(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	agent := mkAgent(t, store, "alpha", nil)
	task := mkTask(t, store, project.ID, "t")

	question, _, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question: "which bucket?",
	}, testIdentity(agent.ID, agent.Name))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !question.Blocking || question.Status != "open" {
		t.Fatalf("question = %+v", question)
	}

	got, _ := store.GetTask(ctx, task.ID)
	if !got.HasOpenQuestions {
		t.Fatal("has_open_questions should be set")
	}

	if _, _, err := store.ResolveQuestion(ctx, task.ID, question.ID, "bucket-a", systemIdentity); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ = store.GetTask(ctx, task.ID)
	if got.HasOpenQuestions {
		t.Fatal("has_open_questions should clear after resolve")
	}
}

func TestNonBlockingQuestionDoesNotFlagTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	task := mkTask(t, store, project.ID, "t")

	blocking := false
	if _, _, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question: "fyi?",
		Blocking: &blocking,
	}, systemIdentity); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.HasOpenQuestions {
		t.Fatal("non-blocking question should not flag the task")
	}
}

// Capability auto-targeting: a scoped capability matches exactly one agent
// and routes directly; an unscoped capability matches the scope family,
// notifies everyone, and leaves the target unset.
func TestCapabilityAutoTargeting(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	rust := mkAgent(t, store, "rust-reviewer", func(a *models.CreateAgent) {
		a.Capabilities = []string{"code-review:rust"}
	})
	goAgent := mkAgent(t, store, "go-reviewer", func(a *models.CreateAgent) {
		a.Capabilities = []string{"code-review:go"}
	})
	asker := mkAgent(t, store, "asker", nil)

	task := mkTask(t, store, project.ID, "t")

	// Scoped capability: exactly one match, target set, only they notified.
	capability := "code-review:rust"
	question, pending, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question:           "is this unsafe block sound?",
		RequiredCapability: &capability,
	}, testIdentity(asker.ID, asker.Name))
	if err != nil {
		t.Fatal(err)
	}
	if question.TargetID == nil || *question.TargetID != rust.ID {
		t.Fatalf("target = %v, want %s", question.TargetID, rust.ID)
	}
	notified := map[string]bool{}
	for _, p := range pending {
		notified[p.AgentID] = true
	}
	if !notified[rust.ID] {
		t.Fatalf("rust reviewer not notified: %+v", pending)
	}
	if notified[goAgent.ID] {
		t.Fatalf("go reviewer should not be notified: %+v", pending)
	}

	// Unscoped capability: both match, target stays unset, both notified.
	capability = "code-review"
	question, pending, err = store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question:           "who reviews this?",
		RequiredCapability: &capability,
	}, testIdentity(asker.ID, asker.Name))
	if err != nil {
		t.Fatal(err)
	}
	if question.TargetID != nil {
		t.Fatalf("multi-match should stay unrouted, got target %v", *question.TargetID)
	}
	notified = map[string]bool{}
	for _, p := range pending {
		notified[p.AgentID] = true
	}
	if !notified[rust.ID] || !notified[goAgent.ID] {
		t.Fatalf("both candidates should be notified: %+v", pending)
	}
}

func TestCapabilityNoMatchNotifiesCreator(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	creator := mkAgent(t, store, "creator", nil)
	asker := mkAgent(t, store, "asker", nil)

	task, _, err := store.CreateTask(ctx, project.ID, &models.CreateTask{Title: "t"}, testIdentity(creator.ID, creator.Name))
	if err != nil {
		t.Fatal(err)
	}

	capability := "quantum-basket-weaving"
	question, pending, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question:           "can anyone do this?",
		RequiredCapability: &capability,
	}, testIdentity(asker.ID, asker.Name))
	if err != nil {
		t.Fatal(err)
	}
	if question.TargetID != nil {
		t.Fatalf("unmatched question should be unrouted, got %v", *question.TargetID)
	}
	creatorNotified := false
	for _, p := range pending {
		if p.AgentID == creator.ID {
			creatorNotified = true
		}
	}
	if !creatorNotified {
		t.Fatalf("task creator not notified of unrouted question: %+v", pending)
	}
}

func TestReplyNotifiesParticipantsOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	asker := mkAgent(t, store, "asker", nil)
	helper := mkAgent(t, store, "helper", nil)
	second := mkAgent(t, store, "second", nil)
	task := mkTask(t, store, project.ID, "t")

	question, _, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question: "how do we deploy?",
	}, testIdentity(asker.ID, asker.Name))
	if err != nil {
		t.Fatal(err)
	}

	// First reply from helper notifies the asker.
	_, pending, err := store.CreateReply(ctx, task.ID, question.ID, &models.CreateReply{
		Body: "via the pipeline",
	}, testIdentity(helper.ID, helper.Name))
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	for _, p := range pending {
		counts[p.AgentID]++
	}
	if counts[asker.ID] != 1 {
		t.Fatalf("asker notifications = %d: %+v", counts[asker.ID], pending)
	}
	if counts[helper.ID] != 0 {
		t.Fatalf("actor should not self-notify: %+v", pending)
	}

	// Second reply from another agent notifies asker + helper, each once.
	_, pending, err = store.CreateReply(ctx, task.ID, question.ID, &models.CreateReply{
		Body: "and run smoke tests",
	}, testIdentity(second.ID, second.Name))
	if err != nil {
		t.Fatal(err)
	}
	counts = map[string]int{}
	for _, p := range pending {
		counts[p.AgentID]++
	}
	if counts[asker.ID] != 1 || counts[helper.ID] != 1 || counts[second.ID] != 0 {
		t.Fatalf("participant counts = %v", counts)
	}
}

func TestResolutionReplyAnswersQuestion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	asker := mkAgent(t, store, "asker", nil)
	helper := mkAgent(t, store, "helper", nil)
	task := mkTask(t, store, project.ID, "t")

	question, _, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question: "which region?",
	}, testIdentity(asker.ID, asker.Name))
	if err != nil {
		t.Fatal(err)
	}

	isResolution := true
	reply, _, err := store.CreateReply(ctx, task.ID, question.ID, &models.CreateReply{
		Body:         "eu-west-1",
		IsResolution: &isResolution,
	}, testIdentity(helper.ID, helper.Name))
	if err != nil {
		t.Fatal(err)
	}
	if !reply.IsResolution {
		t.Fatal("reply should carry is_resolution")
	}

	got, _ := store.GetQuestion(ctx, question.ID)
	if got.Status != "answered" {
		t.Fatalf("question status = %s, want answered", got.Status)
	}
	if got.Resolution == nil || *got.Resolution != "eu-west-1" {
		t.Fatalf("resolution = %v", got.Resolution)
	}
	task2, _ := store.GetTask(ctx, task.ID)
	if task2.HasOpenQuestions {
		t.Fatal("flag should clear after resolution reply")
	}
}

func TestDismissQuestion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	task := mkTask(t, store, project.ID, "t")

	question, _, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question: "moot?",
	}, systemIdentity)
	if err != nil {
		t.Fatal(err)
	}

	dismissed, _, err := store.DismissQuestion(ctx, task.ID, question.ID, "overtaken by events", systemIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if dismissed.Status != "dismissed" {
		t.Fatalf("status = %s", dismissed.Status)
	}
	if dismissed.DismissedReason == nil || *dismissed.DismissedReason != "overtaken by events" {
		t.Fatalf("reason = %v", dismissed.DismissedReason)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.HasOpenQuestions {
		t.Fatal("flag should clear after dismissal")
	}

	// A closed question cannot be dismissed again.
	if _, _, err := store.DismissQuestion(ctx, task.ID, question.ID, "again", systemIdentity); err == nil {
		t.Fatal("double dismiss should fail")
	}
}

func TestAssignQuestionRoutesNotification(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	target := mkAgent(t, store, "target", nil)
	task := mkTask(t, store, project.ID, "t")

	question, _, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question: "route me",
	}, systemIdentity)
	if err != nil {
		t.Fatal(err)
	}

	assigned, pending, err := store.AssignQuestion(ctx, task.ID, question.ID, &models.AssignQuestion{
		TargetType: "agent",
		TargetID:   target.ID,
	}, systemIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if assigned.TargetID == nil || *assigned.TargetID != target.ID {
		t.Fatalf("target = %v", assigned.TargetID)
	}
	found := false
	for _, p := range pending {
		if p.AgentID == target.ID && p.EventType == "task.question_assigned" {
			found = true
		}
	}
	if !found {
		t.Fatalf("target not notified: %+v", pending)
	}
}

func TestQuestionsForAgentAndProject(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	project := mkProject(t, store)
	target := mkAgent(t, store, "target", nil)
	task := mkTask(t, store, project.ID, "t")

	targetType := "agent"
	if _, _, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question:   "routed",
		TargetType: &targetType,
		TargetID:   &target.ID,
	}, systemIdentity); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.CreateQuestion(ctx, task.ID, &models.CreateQuestion{
		Question: "unrouted",
	}, systemIdentity); err != nil {
		t.Fatal(err)
	}

	mine, err := store.QuestionsForAgent(ctx, target.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].Question != "routed" {
		t.Fatalf("agent questions = %+v", mine)
	}

	unrouted, err := store.QuestionsForProject(ctx, project.ID, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(unrouted) != 1 || unrouted[0].Question != "unrouted" {
		t.Fatalf("unrouted questions = %+v", unrouted)
	}

	all, err := store.QuestionsForProject(ctx, project.ID, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("project questions = %d", len(all))
	}
}
