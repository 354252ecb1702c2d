package store

import (
	"encoding/json"
	"time"

	"github.com/strandworks/strand/pkg/schema"
)

// RunRecord is the persisted representation of a workflow run.
type RunRecord struct {
	ID              string                    `json:"id"`
	WorkflowName    string                    `json:"workflow_name"`
	WorkflowVersion string                    `json:"workflow_version,omitempty"`
	Definition      schema.WorkflowDefinition `json:"definition"`
	Status          schema.RunStatus          `json:"status"`
	Input           map[string]any            `json:"input,omitempty"`
	CostTotal       float64                   `json:"cost_total"`
	Error           json.RawMessage           `json:"error,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// StepRecord is the materialized view of a step's latest state within a run.
type StepRecord struct {
	RunID       string            `json:"run_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Outputs     json.RawMessage   `json:"outputs,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Cost        float64           `json:"cost,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the append-only run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledRun is a cron-triggered workflow run.
type ScheduledRun struct {
	ID             string                    `json:"id"`
	CronExpression string                    `json:"cron_expression"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	Input          map[string]any            `json:"input,omitempty"`
	Enabled        bool                      `json:"enabled"`
	LastRunAt      *time.Time                `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time                `json:"next_run_at,omitempty"`
	LastRunStatus  string                    `json:"last_run_status,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run record.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	CostTotal   *float64          `json:"cost_total,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing run events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	StepID    string     `json:"step_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
