package schema

// Event type constants for the run event log and streaming hub.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepStarted    = "step_started"
	EventStepSucceeded  = "step_succeeded"
	EventStepFailed     = "step_failed"
	EventStepSkipped    = "step_skipped"
	EventStepRetried    = "step_retried"
	EventStepRolledBack = "step_rolled_back"

	EventBudgetExceeded  = "budget_exceeded"
	EventCircuitOpened   = "circuit_opened"
	EventCircuitClosed   = "circuit_closed"
	EventCompensationErr = "compensation_error"
)
