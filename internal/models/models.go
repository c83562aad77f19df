// Package models holds the OpenGate domain entities, request/response DTOs,
// and the actor discriminators shared by the store, gateway, and loops.
package models

import "encoding/json"

type TaskStatus string

const (
	StatusBacklog    TaskStatus = "backlog"
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusReview     TaskStatus = "review"
	StatusBlocked    TaskStatus = "blocked"
	StatusDone       TaskStatus = "done"
	StatusCancelled  TaskStatus = "cancelled"
	StatusHandoff    TaskStatus = "handoff"
)

// AllStatuses lists every valid task status.
var AllStatuses = []TaskStatus{
	StatusBacklog, StatusTodo, StatusInProgress, StatusReview,
	StatusBlocked, StatusDone, StatusCancelled, StatusHandoff,
}

// ParseStatus returns the TaskStatus for s, or false if s is not one of the
// eight valid values.
func ParseStatus(s string) (TaskStatus, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ParsePriority returns the Priority for s, defaulting to medium for
// unrecognized input (matching the permissive create path).
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s)
	}
	return PriorityMedium
}

// SortRank orders priorities critical < high < medium < low.
func (p Priority) SortRank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// ActorType discriminates the (type, id) pairs carried by authors, targets,
// and event actors.
type ActorType string

const (
	ActorAgent  ActorType = "agent"
	ActorHuman  ActorType = "human"
	ActorSystem ActorType = "system"
)

// Identity is the resolved caller of a request: an authenticated agent, a
// human (pre-resolved by an upstream proxy), or anonymous.
type Identity struct {
	Kind    ActorType
	ID      string
	Name    string
	OwnerID string
}

// Anonymous is the identity used when no credential resolves.
var Anonymous = Identity{Kind: ActorSystem}

func (i Identity) IsAgent() bool { return i.Kind == ActorAgent && i.ID != "" }

// AuthorType is the actor discriminator recorded on rows written by this
// identity. Anonymous callers record as "system".
func (i Identity) AuthorType() string {
	if i.Kind == "" {
		return string(ActorSystem)
	}
	return string(i.Kind)
}

func (i Identity) AuthorID() string {
	if i.ID == "" {
		return "system"
	}
	return i.ID
}

func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.AuthorID()
}

// --- Entities ---

type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type StatusHistoryEntry struct {
	Status    string  `json:"status"`
	AgentID   *string `json:"agent_id"`
	AgentType *string `json:"agent_type"`
	Timestamp string  `json:"timestamp"`
}

type Task struct {
	ID                 string               `json:"id"`
	ProjectID          string               `json:"project_id"`
	Title              string               `json:"title"`
	Description        *string              `json:"description"`
	Status             string               `json:"status"`
	Priority           string               `json:"priority"`
	AssigneeType       *string              `json:"assignee_type"`
	AssigneeID         *string              `json:"assignee_id"`
	Context            json.RawMessage      `json:"context"`
	Output             json.RawMessage      `json:"output"`
	Tags               []string             `json:"tags"`
	DueDate            *string              `json:"due_date"`
	ReviewerType       *string              `json:"reviewer_type"`
	ReviewerID         *string              `json:"reviewer_id"`
	StatusHistory      []StatusHistoryEntry `json:"status_history"`
	Artifacts          []TaskArtifact       `json:"artifacts"`
	ScheduledAt        *string              `json:"scheduled_at"`
	RecurrenceRule     json.RawMessage      `json:"recurrence_rule"`
	RecurrenceParentID *string              `json:"recurrence_parent_id"`
	Dependencies       []string             `json:"dependencies"`
	HasOpenQuestions   bool                 `json:"has_open_questions"`
	StartedReviewAt    *string              `json:"started_review_at"`
	CreatedBy          string               `json:"created_by"`
	CreatedAt          string               `json:"created_at"`
	UpdatedAt          string               `json:"updated_at"`
	Activities         []TaskActivity       `json:"activities,omitempty"`
}

// AssignedTo reports whether the task is currently assigned to the agent.
func (t *Task) AssignedTo(agentID string) bool {
	return t.AssigneeID != nil && *t.AssigneeID == agentID &&
		t.AssigneeType != nil && *t.AssigneeType == string(ActorAgent)
}

// ReviewedBy reports whether the agent is the task's reviewer.
func (t *Task) ReviewedBy(agentID string) bool {
	return t.ReviewerID != nil && *t.ReviewerID == agentID
}

type TaskActivity struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	AuthorType   string          `json:"author_type"`
	AuthorID     string          `json:"author_id"`
	Content      string          `json:"content"`
	ActivityType string          `json:"activity_type"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    string          `json:"created_at"`
}

type Agent struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	APIKeyHash string   `json:"-"`
	Skills     []string `json:"skills"`

	Description *string `json:"description"`

	// Status is computed from heartbeat and load, never persisted.
	Status             string `json:"status"`
	MaxConcurrentTasks int64  `json:"max_concurrent_tasks"`
	CurrentTaskCount   int64  `json:"current_task_count"`
	ReviewTaskCount    int64  `json:"review_task_count"`

	WebhookURL    *string  `json:"webhook_url"`
	WebhookEvents []string `json:"webhook_events"`

	Capabilities []string `json:"capabilities"`
	Seniority    string   `json:"seniority"`
	Role         string   `json:"role"`

	// StaleTimeout is minutes without a heartbeat before the agent is
	// considered offline and its in-progress tasks eligible for release.
	StaleTimeout int64   `json:"stale_timeout"`
	LastSeenAt   *string `json:"last_seen_at"`
	CreatedAt    string  `json:"created_at"`
	OwnerID      *string `json:"owner_id"`
	Tags         []string `json:"tags"`
}

const (
	AgentAvailable = "available"
	AgentBusy      = "busy"
	AgentOffline   = "offline"
)

type Event struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	TaskID    *string         `json:"task_id"`
	ProjectID string          `json:"project_id"`
	ActorType string          `json:"actor_type"`
	ActorID   string          `json:"actor_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

type Notification struct {
	ID            int64   `json:"id"`
	AgentID       string  `json:"agent_id"`
	EventID       *int64  `json:"event_id"`
	EventType     string  `json:"event_type"`
	Title         string  `json:"title"`
	Body          *string `json:"body"`
	Read          bool    `json:"read"`
	WebhookStatus *string `json:"webhook_status"`
	CreatedAt     string  `json:"created_at"`
}

// PendingNotifWebhook carries a freshly-inserted notification that may need
// asynchronous webhook delivery after the mutation commits.
type PendingNotifWebhook struct {
	AgentID        string
	NotificationID int64
	EventType      string
	Title          string
	Body           *string
}

type Question struct {
	ID                 string  `json:"id"`
	TaskID             string  `json:"task_id"`
	Question           string  `json:"question"`
	QuestionType       string  `json:"question_type"`
	Context            *string `json:"context"`
	AskedByType        string  `json:"asked_by_type"`
	AskedByID          string  `json:"asked_by_id"`
	TargetType         *string `json:"target_type"`
	TargetID           *string `json:"target_id"`
	RequiredCapability *string `json:"required_capability"`
	Status             string  `json:"status"`
	Blocking           bool    `json:"blocking"`
	ResolvedByType     *string `json:"resolved_by_type"`
	ResolvedByID       *string `json:"resolved_by_id"`
	Resolution         *string `json:"resolution"`
	DismissedReason    *string `json:"dismissed_reason"`
	CreatedAt          string  `json:"created_at"`
	ResolvedAt         *string `json:"resolved_at"`
}

const (
	QuestionOpen      = "open"
	QuestionResolved  = "resolved"
	QuestionAnswered  = "answered"
	QuestionDismissed = "dismissed"
)

type QuestionReply struct {
	ID           string `json:"id"`
	QuestionID   string `json:"question_id"`
	AuthorType   string `json:"author_type"`
	AuthorID     string `json:"author_id"`
	Body         string `json:"body"`
	IsResolution bool   `json:"is_resolution"`
	CreatedAt    string `json:"created_at"`
}

// CapabilityTarget is a question routing candidate from capability matching.
type CapabilityTarget struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
}

// --- Knowledge base ---

// ValidCategories lists the accepted knowledge entry categories. Unknown
// categories are silently dropped on upsert.
var ValidCategories = []string{"architecture", "pattern", "gotcha", "decision", "reference"}

type KnowledgeEntry struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	Key           string          `json:"key"`
	Title         string          `json:"title"`
	Content       string          `json:"content"`
	Metadata      json.RawMessage `json:"metadata"`
	Tags          []string        `json:"tags"`
	Category      *string         `json:"category"`
	CreatedByType string          `json:"created_by_type"`
	CreatedByID   string          `json:"created_by_id"`
	UpdatedAt     string          `json:"updated_at"`
	CreatedAt     string          `json:"created_at"`
}

// --- Artifacts ---

var ValidArtifactTypes = []string{"url", "text", "json", "file"}

// MaxInlineArtifactLen caps text/json artifact values.
const MaxInlineArtifactLen = 65536

type TaskArtifact struct {
	ID            string `json:"id"`
	TaskID        string `json:"task_id"`
	Name          string `json:"name"`
	ArtifactType  string `json:"artifact_type"`
	Value         string `json:"value"`
	CreatedByType string `json:"created_by_type"`
	CreatedByID   string `json:"created_by_id"`
	CreatedAt     string `json:"created_at"`
}

// --- Webhooks ---

type WebhookTrigger struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	Name         string          `json:"name"`
	ActionType   string          `json:"action_type"`
	ActionConfig json.RawMessage `json:"action_config"`
	Enabled      bool            `json:"enabled"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type WebhookTriggerLog struct {
	ID         string          `json:"id"`
	TriggerID  string          `json:"trigger_id"`
	ReceivedAt string          `json:"received_at"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload"`
	Result     json.RawMessage `json:"result"`
	Error      *string         `json:"error"`
}

type WebhookLogEntry struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int64           `json:"attempts"`
	LastAttemptAt *string         `json:"last_attempt_at"`
	CreatedAt     string          `json:"created_at"`
}

// --- Usage ---

type TaskUsage struct {
	ID           string   `json:"id"`
	TaskID       string   `json:"task_id"`
	AgentID      string   `json:"agent_id"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	CostUSD      *float64 `json:"cost_usd"`
	ReportedAt   string   `json:"reported_at"`
}

type AgentUsageSummary struct {
	AgentID           string   `json:"agent_id"`
	AgentName         *string  `json:"agent_name"`
	TotalInputTokens  int64    `json:"total_input_tokens"`
	TotalOutputTokens int64    `json:"total_output_tokens"`
	TotalCostUSD      float64  `json:"total_cost_usd"`
	ReportCount       int64    `json:"report_count"`
}

type TaskUsageSummary struct {
	TaskID            string  `json:"task_id"`
	TaskTitle         *string `json:"task_title"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	ReportCount       int64   `json:"report_count"`
}

type ProjectUsageReport struct {
	TotalInputTokens  int64               `json:"total_input_tokens"`
	TotalOutputTokens int64               `json:"total_output_tokens"`
	TotalCostUSD      float64             `json:"total_cost_usd"`
	ByAgent           []AgentUsageSummary `json:"by_agent"`
	ByTask            []TaskUsageSummary  `json:"by_task"`
}

// --- Projections ---

type ProjectWithStats struct {
	Project       Project          `json:"project"`
	TaskCount     int64            `json:"task_count"`
	TasksByStatus map[string]int64 `json:"tasks_by_status"`
}

type DashboardStats struct {
	TasksByStatus  map[string]int64 `json:"tasks_by_status"`
	TotalTasks     int64            `json:"total_tasks"`
	ActiveAgents   int64            `json:"active_agents"`
	TotalProjects  int64            `json:"total_projects"`
	RecentActivity []TaskActivity   `json:"recent_activity"`
}

type PulseTask struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	Priority     string   `json:"priority"`
	AssigneeName *string  `json:"assignee_name"`
	ReviewerName *string  `json:"reviewer_name"`
	Tags         []string `json:"tags"`
	UpdatedAt    string   `json:"updated_at"`
}

type PulseAgent struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	Seniority   string  `json:"seniority"`
	Role        string  `json:"role"`
	CurrentTask *string `json:"current_task"`
	LastSeenAt  *string `json:"last_seen_at"`
}

type PulseKnowledge struct {
	Key       string  `json:"key"`
	Title     string  `json:"title"`
	Category  *string `json:"category"`
	UpdatedAt string  `json:"updated_at"`
}

type PulseResponse struct {
	ActiveTasks            []PulseTask      `json:"active_tasks"`
	BlockedTasks           []PulseTask      `json:"blocked_tasks"`
	PendingReview          []PulseTask      `json:"pending_review"`
	RecentlyCompleted      []PulseTask      `json:"recently_completed"`
	UnreadEvents           int64            `json:"unread_events"`
	Agents                 []PulseAgent     `json:"agents"`
	RecentKnowledgeUpdates []PulseKnowledge `json:"recent_knowledge_updates"`
	BlockedByDeps          int64            `json:"blocked_by_deps"`
	TotalCostUSD           float64          `json:"total_cost_usd"`
}

type ScheduledTaskEntry struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	ScheduledAt string  `json:"scheduled_at"`
	AssigneeID  *string `json:"assignee_id"`
}

// InboxTask is a task summary with the next-action hint the composer attaches.
type InboxTask struct {
	Task
	Action string `json:"action"`
}

type InboxQuestion struct {
	Question
	Action string `json:"action"`
}

type InboxCapacity struct {
	Max               int64 `json:"max"`
	CurrentInProgress int64 `json:"current_in_progress"`
	HasCapacity       bool  `json:"has_capacity"`
}

type AgentInbox struct {
	Summary       string                 `json:"summary"`
	Tasks         map[string][]InboxTask `json:"tasks"`
	ReviewQueue   []InboxTask            `json:"review_queue"`
	OpenQuestions []InboxQuestion        `json:"open_questions"`
	Notifications []Notification         `json:"notifications"`
	Capacity      InboxCapacity          `json:"capacity"`
}
