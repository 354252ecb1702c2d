package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/strandworks/strand/internal/budget"
	"github.com/strandworks/strand/internal/capability"
	"github.com/strandworks/strand/internal/logging"
	"github.com/strandworks/strand/pkg/schema"
)

// StepExecutor drives a single step to a terminal result. Every
// failure mode — capability errors, open circuits, timeouts, budget
// rejection, retry exhaustion — is normalized into the returned
// StepResult; nothing escapes as an uncaught error into the scheduler.
type StepExecutor struct {
	registry *capability.Registry
	logger   *slog.Logger
}

// NewStepExecutor creates an executor over the given registry.
func NewStepExecutor(registry *capability.Registry, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{registry: registry, logger: logger}
}

// stepTask is one dispatch: the step plus its inputs, already resolved
// by the scheduler against the run scope.
type stepTask struct {
	step   *schema.Step
	policy schema.ErrorPolicy
	inputs map[string]any
	emit   func(eventType string, payload map[string]any)
}

func (t stepTask) notify(eventType string, payload map[string]any) {
	if t.emit != nil {
		t.emit(eventType, payload)
	}
}

// Execute runs one step, honoring its retry policy and budget
// reservation. A rejected budget reservation settles the step as
// skipped without invoking the capability and bypasses retries
// entirely: re-invoking cannot make the run affordable.
func (x *StepExecutor) Execute(ctx context.Context, task stepTask, guard *budget.Guard) schema.StepResult {
	step := task.step
	start := time.Now()

	ctx = logging.WithStepID(ctx, step.ID)
	ctx = logging.WithProvider(ctx, step.Capability.String())

	reservation, ok := guard.Reserve(step.EstimatedCost)
	if !ok {
		x.logger.WarnContext(ctx, "budget reservation rejected",
			slog.Float64("estimated_cost", step.EstimatedCost))
		return schema.StepResult{
			StepID:   step.ID,
			Status:   schema.StepStatusSkipped,
			Error:    guard.Err().WithStep(step.ID),
			Duration: time.Since(start),
		}
	}

	maxAttempts := 1
	if task.policy == schema.PolicyRetry && step.Retry != nil && step.Retry.MaxAttempts > 1 {
		maxAttempts = step.Retry.MaxAttempts
	}

	var (
		outputs   map[string]any
		totalCost float64
		lastErr   error
		attempts  int
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		result, err := x.invoke(ctx, step, task.inputs)
		// Cost totals only ever grow; a negative provider cost is ignored.
		if result != nil && result.Cost > 0 {
			totalCost += result.Cost
		}
		if err == nil {
			outputs = result.Outputs
			lastErr = nil
			break
		}
		lastErr = err

		x.logger.WarnContext(ctx, "step attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", err.Error()))

		if attempt == maxAttempts || !IsRetryableError(err) {
			break
		}

		task.notify(schema.EventStepRetried, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		if waitErr := WaitForBackoff(ctx, ComputeBackoff(step.Retry, attempt-1)); waitErr != nil {
			lastErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry backoff").
				WithCause(waitErr)
			break
		}
	}

	reservation.Commit(totalCost)
	duration := time.Since(start)

	if lastErr != nil {
		return schema.StepResult{
			StepID:   step.ID,
			Status:   schema.StepStatusFailed,
			Error:    x.normalize(step, lastErr, attempts, maxAttempts),
			Cost:     totalCost,
			Duration: duration,
			Attempts: attempts,
		}
	}

	return schema.StepResult{
		StepID:   step.ID,
		Status:   schema.StepStatusSucceeded,
		Outputs:  outputs,
		Cost:     totalCost,
		Duration: duration,
		Attempts: attempts,
	}
}

// invoke performs one capability attempt with the step's timeout applied.
func (x *StepExecutor) invoke(ctx context.Context, step *schema.Step, inputs map[string]any) (*capability.Result, error) {
	if step.Timeout != "" {
		if timeout, err := time.ParseDuration(step.Timeout); err == nil && timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	action := step.Action
	if step.Capability.IsGeneration() && action == "" {
		action = capability.ActionGenerate
	}

	result, err := x.registry.Invoke(ctx, step.Capability, action, inputs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return result, schema.NewErrorf(schema.ErrCodeTimeout,
				"step %q timed out after %s", step.ID, step.Timeout).
				WithStep(step.ID).WithCause(err)
		}
		return result, err
	}
	return result, nil
}

// normalize converts the final attempt error into the step's typed
// error detail.
func (x *StepExecutor) normalize(step *schema.Step, err error, attempts, maxAttempts int) *schema.StrandError {
	var serr *schema.StrandError
	if !errors.As(err, &serr) {
		serr = schema.NewError(schema.ErrCodeCapability, err.Error()).WithCause(err)
	}
	serr = serr.WithStep(step.ID)

	if maxAttempts > 1 && attempts == maxAttempts && serr.Code != schema.ErrCodeCancelled {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %q failed after %d attempts: %s", step.ID, attempts, serr.Message).
			WithStep(step.ID).
			WithCause(serr).
			WithDetails(map[string]any{"attempts": attempts})
	}
	return serr
}
