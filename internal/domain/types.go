package domain

import (
	"encoding/json"
	"time"
)

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

type Format string

const (
	FormatExcel Format = "excel"
	FormatPDF   Format = "pdf"
)

// ReportOptions selects the sections rendered into an exported report.
type ReportOptions struct {
	IncludeSummary bool `json:"includeSummary"`
	IncludeDetails bool `json:"includeDetails"`
	IncludeCharts  bool `json:"includeCharts"`
}

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
)

type ScheduledTask struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Frequency  Frequency     `json:"frequency"`
	Day        int           `json:"day"`
	Time       string        `json:"time"`
	Recipients []string      `json:"recipients"`
	Format     Format        `json:"format"`
	Options    ReportOptions `json:"options"`
	Report     string        `json:"report"`
	NextRun    time.Time     `json:"nextRun"`
	LastRun    *time.Time    `json:"lastRun,omitempty"`
	LastStatus *RunStatus    `json:"lastStatus,omitempty"`
	LastError  *string       `json:"lastError,omitempty"`
	Enabled    bool          `json:"enabled"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
)

// DefaultPriority is applied when an enqueue request omits the priority.
// Higher values are claimed first.
const DefaultPriority = 5

type QueueTask struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	Status     TaskStatus      `json:"status"`
	RetryCount int             `json:"retryCount"`
	Message    string          `json:"message,omitempty"`
	DurationMs int64           `json:"durationMs"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

type LogSource string

const (
	SourceQueue    LogSource = "queue"
	SourceSchedule LogSource = "schedule"
)

type LogStatus string

const (
	LogPending LogStatus = "pending"
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

// ExecutionLog is one append-only record of a queue task or scheduled task run.
type ExecutionLog struct {
	ID         int64           `json:"id"`
	TaskID     string          `json:"taskId"`
	TaskType   string          `json:"taskType"`
	Source     LogSource       `json:"source"`
	Status     LogStatus       `json:"status"`
	Message    string          `json:"message"`
	ExecutedAt time.Time       `json:"executedAt"`
	DurationMs int64           `json:"durationMs"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type EmailLog struct {
	ID           int64           `json:"id"`
	TaskID       *string         `json:"taskId,omitempty"`
	TaskName     string          `json:"taskName"`
	Recipients   []string        `json:"recipients"`
	Subject      string          `json:"subject"`
	SentAt       time.Time       `json:"sentAt"`
	Status       LogStatus       `json:"status"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}
