package persistence

import (
	"context"
	"fmt"

	"github.com/stefanodecillis/opengate/internal/models"
)

// GetAgentInbox composes the read-side projection of an agent's actionable
// work: assigned tasks partitioned by status with action hints, the review
// queue, open questions, recent unread notifications, and capacity.
func (s *Store) GetAgentInbox(ctx context.Context, agentID string) (*models.AgentInbox, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	assigned, err := s.TasksForAssignee(ctx, agentID)
	if err != nil {
		return nil, err
	}

	tasks := map[string][]models.InboxTask{
		"todo":        {},
		"in_progress": {},
		"blocked":     {},
		"handoff":     {},
		"review":      {},
	}
	for _, t := range assigned {
		if _, ok := tasks[t.Status]; !ok {
			continue
		}
		action := ""
		switch t.Status {
		case string(models.StatusTodo):
			action = "claim_task"
			pending, err := s.pendingDependenciesTx(ctx, s.db, t.ID)
			if err != nil {
				return nil, err
			}
			if len(pending) > 0 {
				action = "wait_deps"
			}
		case string(models.StatusInProgress), string(models.StatusHandoff):
			action = "continue_work"
		case string(models.StatusBlocked):
			action = "resolve_blocker"
		case string(models.StatusReview):
			action = "await_review"
		}
		tasks[t.Status] = append(tasks[t.Status], models.InboxTask{Task: t, Action: action})
	}

	reviewStatus := string(models.StatusReview)
	reviewTasks, err := s.ListTasks(ctx, models.TaskFilters{Status: &reviewStatus})
	if err != nil {
		return nil, err
	}
	reviewQueue := []models.InboxTask{}
	for _, t := range reviewTasks {
		if t.ReviewedBy(agentID) {
			action := "start_review"
			if t.StartedReviewAt != nil {
				action = "finish_review"
			}
			reviewQueue = append(reviewQueue, models.InboxTask{Task: t, Action: action})
		}
	}

	questions, err := s.QuestionsForAgent(ctx, agentID, nil)
	if err != nil {
		return nil, err
	}
	openQuestions := []models.InboxQuestion{}
	for _, q := range questions {
		openQuestions = append(openQuestions, models.InboxQuestion{Question: q, Action: "resolve_question"})
	}

	unread := true
	notifications, err := s.ListNotifications(ctx, agentID, &unread)
	if err != nil {
		return nil, err
	}
	if len(notifications) > 20 {
		notifications = notifications[:20]
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	capacity := models.InboxCapacity{
		Max:               agent.MaxConcurrentTasks,
		CurrentInProgress: agent.CurrentTaskCount,
		HasCapacity:       agent.CurrentTaskCount < agent.MaxConcurrentTasks,
	}

	summary := fmt.Sprintf("%d in progress, %d to pick up, %d to review, %d open questions, %d unread notifications.",
		len(tasks["in_progress"]), len(tasks["todo"]), len(reviewQueue), len(openQuestions), len(notifications))

	return &models.AgentInbox{
		Summary:       summary,
		Tasks:         tasks,
		ReviewQueue:   reviewQueue,
		OpenQuestions: openQuestions,
		Notifications: notifications,
		Capacity:      capacity,
	}, nil
}
