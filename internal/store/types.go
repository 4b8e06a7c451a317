package store

import "time"

// Job statuses, in monotonic order. Terminal statuses never revert.
const (
	JobDispatched = "dispatched"
	JobReceived   = "received"
	JobRunning    = "running"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job types.
const (
	JobTypeAgent   = "agent"
	JobTypeCommand = "command"
	JobTypeHTTP    = "http"
)

// statusRank orders job statuses for the monotonic-update check.
var statusRank = map[string]int{
	JobDispatched: 0,
	JobReceived:   1,
	JobRunning:    2,
	JobCompleted:  3,
	JobFailed:     3,
}

// IsTerminalStatus reports whether a job status is terminal.
func IsTerminalStatus(status string) bool {
	return status == JobCompleted || status == JobFailed
}

// Job is one dispatched unit of work.
type Job struct {
	JobID      string    `json:"jobId"`
	Type       string    `json:"type"`
	Source     string    `json:"source"`
	Input      string    `json:"input"`
	Status     string    `json:"status"`
	WorkerID   string    `json:"workerId,omitempty"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Conversation groups an ordered sequence of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MemoryState tracks observational-memory bookkeeping per conversation.
// Updates go through a lock-version CAS so concurrent observer and reflector
// passes cannot corrupt the counters.
type MemoryState struct {
	ConversationID          string     `json:"conversationId"`
	ObservedCursorMessageID string     `json:"observedCursorMessageId,omitempty"`
	UnobservedTokenCount    int        `json:"unobservedTokenCount"`
	ObservationTokenCount   int        `json:"observationTokenCount"`
	LastObserverRun         *time.Time `json:"lastObserverRun,omitempty"`
	LastReflectorRun        *time.Time `json:"lastReflectorRun,omitempty"`
	LockVersion             int        `json:"lockVersion"`
}

// Observation is a summary of a contiguous message range.
type Observation struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId"`
	Text              string    `json:"text"`
	TokenCount        int       `json:"tokenCount"`
	Tags              string    `json:"tags,omitempty"`
	SourceMessageFrom string    `json:"sourceMessageFrom"`
	SourceMessageTo   string    `json:"sourceMessageTo"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ObservationLog is one version of a conversation's active summary block.
// The highest version is active; older versions are retained.
type ObservationLog struct {
	ConversationID string    `json:"conversationId"`
	Version        int       `json:"version"`
	Text           string    `json:"text"`
	TokenCount     int       `json:"tokenCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Reflection records an observation-log compression.
type Reflection struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	ReplacedVersion int       `json:"replacedVersion"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Skill owners.
const (
	SkillOwnerSystem    = "system"
	SkillOwnerAgent     = "agent"
	SkillOwnerExtension = "extension"
)

// Skill is registered capability metadata. Tier 0 is instruction-only;
// tiers 1-3 are external MCP servers.
type Skill struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Version            string            `json:"version"`
	Description        string            `json:"description,omitempty"`
	Tier               int               `json:"tier"`
	Transport          string            `json:"transport,omitempty"`
	Enabled            bool              `json:"enabled"`
	Config             map[string]string `json:"config,omitempty"`
	StdioCommand       string            `json:"stdioCommand,omitempty"`
	StdioArgs          []string          `json:"stdioArgs,omitempty"`
	HTTPURL            string            `json:"httpUrl,omitempty"`
	InstructionPath    string            `json:"instructionPath,omitempty"`
	InstructionContent string            `json:"instructionContent,omitempty"`
	Owner              string            `json:"owner"`
	Tags               []string          `json:"tags,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Schedule is a persistent cron trigger.
type Schedule struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Schedule   string            `json:"schedule"`
	Type       string            `json:"type"`
	Config     map[string]string `json:"config,omitempty"`
	Enabled    bool              `json:"enabled"`
	LastRunAt  *time.Time        `json:"lastRunAt,omitempty"`
	LastStatus string            `json:"lastStatus,omitempty"`
	LastOutput string            `json:"lastOutput,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// HandoffNote carries state from an outgoing brain to its successor.
// Append-only.
type HandoffNote struct {
	ID                  string    `json:"id"`
	FromVersion         string    `json:"fromVersion"`
	ToVersion           string    `json:"toVersion,omitempty"`
	ActiveConversations string    `json:"activeConversations"`
	PendingSchedules    string    `json:"pendingSchedules"`
	AgentNotes          string    `json:"agentNotes,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}
