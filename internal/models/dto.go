package models

import "encoding/json"

// --- Request / response DTOs ---

type CreateProject struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

type UpdateProject struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

type CreateTask struct {
	Title          string          `json:"title"`
	Description    *string         `json:"description"`
	Priority       *string         `json:"priority"`
	Tags           []string        `json:"tags"`
	Context        json.RawMessage `json:"context"`
	Output         json.RawMessage `json:"output"`
	DueDate        *string         `json:"due_date"`
	AssigneeType   *string         `json:"assignee_type"`
	AssigneeID     *string         `json:"assignee_id"`
	ScheduledAt    *string         `json:"scheduled_at"`
	RecurrenceRule json.RawMessage `json:"recurrence_rule"`
}

type UpdateTask struct {
	Title          *string         `json:"title"`
	Description    *string         `json:"description"`
	Status         *string         `json:"status"`
	Priority       *string         `json:"priority"`
	Tags           []string        `json:"tags"`
	Context        json.RawMessage `json:"context"`
	Output         json.RawMessage `json:"output"`
	DueDate        *string         `json:"due_date"`
	AssigneeType   *string         `json:"assignee_type"`
	AssigneeID     *string         `json:"assignee_id"`
	ReviewerType   *string         `json:"reviewer_type"`
	ReviewerID     *string         `json:"reviewer_id"`
	ScheduledAt    *string         `json:"scheduled_at"`
	RecurrenceRule json.RawMessage `json:"recurrence_rule"`
}

type TaskFilters struct {
	ProjectID  *string
	Status     *string
	Priority   *string
	AssigneeID *string
	Tag        *string
}

type AddDependenciesRequest struct {
	DependsOn []string `json:"depends_on"`
}

type BatchStatusItem struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type BatchStatusUpdate struct {
	Updates []BatchStatusItem `json:"updates"`
}

type BatchError struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

type BatchResult struct {
	Succeeded []string     `json:"succeeded"`
	Failed    []BatchError `json:"failed"`
}

type CompleteRequest struct {
	Summary *string         `json:"summary"`
	Output  json.RawMessage `json:"output"`
}

type BlockRequest struct {
	Reason *string `json:"reason"`
}

type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

type HandoffRequest struct {
	ToAgentID string  `json:"to_agent_id"`
	Summary   *string `json:"summary"`
}

type ApproveRequest struct {
	Comment *string `json:"comment"`
}

type RequestChangesRequest struct {
	Comment string `json:"comment"`
}

type SubmitReviewRequest struct {
	Summary    *string `json:"summary"`
	ReviewerID *string `json:"reviewer_id"`
}

type CreateAgent struct {
	Name         string   `json:"name"`
	Skills       []string `json:"skills"`
	Capabilities []string `json:"capabilities"`
	Seniority    *string  `json:"seniority"`
	Role         *string  `json:"role"`
	OwnerID      *string  `json:"owner_id"`
}

type UpdateAgent struct {
	Description        *string         `json:"description"`
	Skills             []string        `json:"skills"`
	MaxConcurrentTasks *int64          `json:"max_concurrent_tasks"`
	WebhookURL         *string         `json:"webhook_url"`
	WebhookEvents      []string        `json:"webhook_events"`
	Capabilities       []string        `json:"capabilities"`
	Seniority          *string         `json:"seniority"`
	Role               *string         `json:"role"`
	StaleTimeout       *int64          `json:"stale_timeout"`
	Tags               []string        `json:"tags"`
}

type RegisterAgentRequest struct {
	Name         string   `json:"name"`
	Skills       []string `json:"skills"`
	SetupToken   string   `json:"setup_token"`
	Capabilities []string `json:"capabilities"`
	OwnerID      *string  `json:"owner_id"`
}

// AgentCreated is the one response that carries the raw API key; the server
// only ever stores its hash.
type AgentCreated struct {
	Agent  Agent  `json:"agent"`
	APIKey string `json:"api_key"`
}

// AssignStrategy selects an agent by explicit ID or by capability /
// seniority / role matching.
type AssignStrategy struct {
	Strategy     string   `json:"strategy"`
	Capabilities []string `json:"capabilities"`
	Seniority    *string  `json:"seniority"`
	Role         *string  `json:"role"`
	AgentID      *string  `json:"agent_id"`
}

type CreateActivity struct {
	Content      string          `json:"content"`
	ActivityType *string         `json:"activity_type"`
	Metadata     json.RawMessage `json:"metadata"`
}

type CreateQuestion struct {
	Question           string  `json:"question"`
	QuestionType       *string `json:"question_type"`
	Context            *string `json:"context"`
	TargetType         *string `json:"target_type"`
	TargetID           *string `json:"target_id"`
	RequiredCapability *string `json:"required_capability"`
	Blocking           *bool   `json:"blocking"`
}

type ResolveQuestion struct {
	Resolution string `json:"resolution"`
}

type DismissQuestion struct {
	Reason string `json:"reason"`
}

type AssignQuestion struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
}

type CreateReply struct {
	Body         string `json:"body"`
	IsResolution *bool  `json:"is_resolution"`
}

type UpsertKnowledge struct {
	Title    string          `json:"title"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata"`
	Tags     []string        `json:"tags"`
	Category *string         `json:"category"`
}

type CreateArtifact struct {
	Name         string `json:"name"`
	ArtifactType string `json:"artifact_type"`
	Value        string `json:"value"`
}

type ReportUsage struct {
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	CostUSD      *float64 `json:"cost_usd"`
}

type CreateTrigger struct {
	Name         string          `json:"name"`
	ActionType   string          `json:"action_type"`
	ActionConfig json.RawMessage `json:"action_config"`
}

type UpdateTrigger struct {
	Name         *string         `json:"name"`
	ActionConfig json.RawMessage `json:"action_config"`
	Enabled      *bool           `json:"enabled"`
}

// TriggerCreated carries the raw secret exactly once, at creation.
type TriggerCreated struct {
	Trigger WebhookTrigger `json:"trigger"`
	Secret  string         `json:"secret"`
}
