package schema

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has reached a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusReady      StepStatus = "ready"
	StepStatusRunning    StepStatus = "running"
	StepStatusSucceeded  StepStatus = "succeeded"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusRolledBack StepStatus = "rolled_back"
)

// Terminal reports whether the step has reached a final state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusRolledBack:
		return true
	}
	return false
}

// StepResult summarizes the outcome of a single step.
type StepResult struct {
	StepID   string         `json:"step_id"`
	Status   StepStatus     `json:"status"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Error    *StrandError   `json:"error,omitempty"`
	Cost     float64        `json:"cost,omitempty"`
	Duration time.Duration  `json:"duration_ns,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
}

// CircuitState is the state of a provider's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CapabilityHealth is a snapshot of one provider's circuit state. It persists
// across runs since it reflects the real-world state of an external dependency.
type CapabilityHealth struct {
	Provider            string        `json:"provider"` // "category/name"
	State               CircuitState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastTransition      time.Time     `json:"last_transition"`
	Cooldown            time.Duration `json:"cooldown"`
}
