package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/strandworks/strand/internal/budget"
	"github.com/strandworks/strand/internal/capability"
	"github.com/strandworks/strand/internal/expressions"
	"github.com/strandworks/strand/internal/logging"
	"github.com/strandworks/strand/internal/store"
	"github.com/strandworks/strand/internal/streaming"
	"github.com/strandworks/strand/pkg/schema"
)

// runScheduler drives one run to a terminal state. It owns the run's
// scope and bookkeeping: parallel steps execute concurrently, but all
// merges into the scope and all result recording happen on the
// scheduler goroutine, so the variable namespace never sees concurrent
// writers.
type runScheduler struct {
	state      *runState
	plan       *Plan
	scope      *expressions.Scope
	guard      *budget.Guard
	executor   *StepExecutor
	conditions *expressions.ConditionEngine
	registry   *capability.Registry
	pool       *WorkerPool
	logger     *slog.Logger
	hub        streaming.EventHub // optional
	st         store.Store        // optional

	statuses     map[string]schema.StepStatus
	inputsByStep map[string]map[string]any // resolved inputs, kept for compensation
	completed    []completedStep           // succeeded steps in completion order, for rollback
	hadFailure bool
	abortErr   *schema.StrandError
}

// completedStep remembers what a succeeded step did, so rollback can
// hand the capability its recorded inputs and outputs.
type completedStep struct {
	step    *schema.Step
	inputs  map[string]any
	outputs map[string]any
}

func (s *runScheduler) run(ctx context.Context) {
	ctx = logging.WithRunID(ctx, s.state.id)

	s.state.setStatus(schema.RunStatusRunning)
	s.persistRunStatus(ctx, schema.RunStatusRunning)
	s.emit(ctx, schema.EventRunStarted, "", map[string]any{"workflow": s.plan.def.Name})
	s.logger.InfoContext(ctx, "run started", slog.String("workflow", s.plan.def.Name))

	for _, group := range s.plan.groups {
		if s.stopped(ctx) {
			break
		}
		if group.parallel {
			s.runParallel(ctx, group)
		} else {
			s.runSequential(ctx, group)
		}
	}

	s.finalize(ctx)
}

// stopped reports whether dispatch must halt, folding a freshly
// discovered budget overage into the run error.
func (s *runScheduler) stopped(ctx context.Context) bool {
	if s.abortErr != nil {
		return true
	}
	if s.state.cancelled() || ctx.Err() != nil {
		return true
	}
	if s.guard.Exhausted() {
		s.abortErr = s.guard.Err()
		s.emit(ctx, schema.EventBudgetExceeded, "", map[string]any{
			"cost_total": s.guard.Total(),
		})
		return true
	}
	return false
}

func (s *runScheduler) runSequential(ctx context.Context, group plannedGroup) {
	for _, ps := range group.steps {
		if s.stopped(ctx) {
			return
		}
		task, pre := s.prepare(ps)
		if pre != nil {
			s.settle(ctx, ps, *pre)
			continue
		}
		s.emit(ctx, schema.EventStepStarted, ps.step.ID, nil)
		s.markRunning(ps)
		res := s.executor.Execute(ctx, *task, s.guard)
		s.settle(ctx, ps, res)
	}
}

// runParallel resolves inputs for every sibling up front (in
// declaration order, against the pre-group scope), dispatches them
// through the pool, then merges results in completion order.
func (s *runScheduler) runParallel(ctx context.Context, group plannedGroup) {
	results := make(chan schema.StepResult, len(group.steps))
	dispatched := 0

	for _, ps := range group.steps {
		if s.stopped(ctx) {
			break
		}
		task, pre := s.prepare(ps)
		if pre != nil {
			s.settle(ctx, ps, *pre)
			continue
		}

		s.emit(ctx, schema.EventStepStarted, ps.step.ID, nil)
		s.markRunning(ps)
		t := *task
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			res := s.executor.Execute(ctx, t, s.guard)
			results <- res
			if res.Status == schema.StepStatusFailed {
				return res.Error
			}
			return nil
		})
		if err != nil {
			s.settle(ctx, ps, schema.StepResult{
				StepID: ps.step.ID,
				Status: schema.StepStatusFailed,
				Error: schema.NewError(schema.ErrCodeCancelled, "step dispatch aborted").
					WithStep(ps.step.ID).WithCause(err),
			})
			continue
		}
		dispatched++
	}

	// In-flight siblings always finish and are recorded, even when one
	// of them triggers a fail policy.
	for i := 0; i < dispatched; i++ {
		res := <-results
		ps := s.plan.byID[res.StepID]
		s.settle(ctx, ps, res)
	}
}

// prepare decides whether a step runs at all and materializes its
// inputs. A non-nil result means the step settled without dispatch:
// skipped (failed/skipped required dependency, false condition) or
// failed before invocation (condition error, unresolved reference).
func (s *runScheduler) prepare(ps *plannedStep) (*stepTask, *schema.StepResult) {
	step := ps.step

	for dep, required := range ps.deps {
		if !required {
			continue
		}
		switch s.statuses[dep] {
		case schema.StepStatusFailed, schema.StepStatusSkipped, schema.StepStatusRolledBack:
			return nil, &schema.StepResult{
				StepID: step.ID,
				Status: schema.StepStatusSkipped,
				Error: schema.NewErrorf(schema.ErrCodeExecution,
					"step %q requires output of %q, which did not succeed", step.ID, dep).
					WithStep(step.ID).
					WithDetails(map[string]any{"dependency": dep, "dependency_status": string(s.statuses[dep])}),
			}
		}
	}

	if step.Condition != "" {
		ok, err := s.conditions.EvalBool(step.Condition, s.scope)
		if err != nil {
			return nil, s.preFailure(step, err)
		}
		if !ok {
			return nil, &schema.StepResult{
				StepID: step.ID,
				Status: schema.StepStatusSkipped,
			}
		}
	}

	resolved, err := expressions.ResolveValue(step.Inputs, s.scope)
	if err != nil {
		return nil, s.preFailure(step, err)
	}
	inputs, _ := resolved.(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
	}

	if step.Capability.IsGeneration() {
		prompt, err := expressions.RenderString(step.Prompt, s.scope)
		if err != nil {
			return nil, s.preFailure(step, err)
		}
		inputs["prompt"] = prompt
	}

	s.inputsByStep[step.ID] = inputs
	return &stepTask{
		step:   step,
		policy: s.plan.def.EffectivePolicy(step),
		inputs: inputs,
		emit: func(eventType string, payload map[string]any) {
			s.emit(context.Background(), eventType, step.ID, payload)
		},
	}, nil
}

// preFailure wraps an error raised before the capability was invoked
// into a failed result subject to the step's error policy.
func (s *runScheduler) preFailure(step *schema.Step, err error) *schema.StepResult {
	serr, ok := err.(*schema.StrandError)
	if !ok {
		serr = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
	}
	return &schema.StepResult{
		StepID: step.ID,
		Status: schema.StepStatusFailed,
		Error:  serr.WithStep(step.ID),
	}
}

func (s *runScheduler) markRunning(ps *plannedStep) {
	s.statuses[ps.step.ID] = schema.StepStatusRunning
}

// settle is the single merge point: it records the result, publishes
// outputs into the scope, and applies the step's error policy.
func (s *runScheduler) settle(ctx context.Context, ps *plannedStep, res schema.StepResult) {
	step := ps.step

	if res.Status == schema.StepStatusSucceeded {
		published, perr := publishBindings(step, res.Outputs)
		if perr != nil {
			res = schema.StepResult{
				StepID:   step.ID,
				Status:   schema.StepStatusFailed,
				Error:    perr,
				Cost:     res.Cost,
				Duration: res.Duration,
				Attempts: res.Attempts,
			}
		} else {
			if err := s.scope.PublishStep(step.ID, published); err != nil {
				s.logger.ErrorContext(ctx, "publish step outputs", slog.String("error", err.Error()))
			}
			s.completed = append(s.completed, completedStep{
				step:    step,
				inputs:  s.inputsByStep[step.ID],
				outputs: res.Outputs,
			})
		}
	}

	s.statuses[step.ID] = res.Status
	s.state.recordResult(res)
	s.persistStep(ctx, res)

	switch res.Status {
	case schema.StepStatusSucceeded:
		s.emit(ctx, schema.EventStepSucceeded, step.ID, map[string]any{"cost": res.Cost})
	case schema.StepStatusSkipped:
		s.scope.MarkAbsent(step.ID)
		s.emit(ctx, schema.EventStepSkipped, step.ID, nil)
		if res.Error != nil && res.Error.Code == schema.ErrCodeBudgetExceeded {
			s.applyPolicy(ctx, ps, res)
		}
	case schema.StepStatusFailed:
		s.scope.MarkAbsent(step.ID)
		s.emit(ctx, schema.EventStepFailed, step.ID, map[string]any{"error": res.Error.Error()})
		s.applyPolicy(ctx, ps, res)
	}
}

// applyPolicy interprets the step's error policy after a step did not
// succeed. Budget rejection overrides any policy: the run cannot
// afford to go on.
func (s *runScheduler) applyPolicy(ctx context.Context, ps *plannedStep, res schema.StepResult) {
	if res.Error != nil && res.Error.Code == schema.ErrCodeBudgetExceeded {
		s.emit(ctx, schema.EventBudgetExceeded, ps.step.ID, map[string]any{
			"cost_total": s.guard.Total(),
		})
		if s.abortErr == nil {
			s.abortErr = res.Error
		}
		return
	}

	switch s.plan.def.EffectivePolicy(ps.step) {
	case schema.PolicyContinue:
		s.hadFailure = true
	case schema.PolicyRollback:
		s.rollback(ctx, ps)
		if s.abortErr == nil {
			s.abortErr = res.Error
		}
	default:
		// fail, and retry once its attempts are exhausted.
		if s.abortErr == nil {
			s.abortErr = res.Error
		}
	}
}

// rollback compensates the failing step and every already-succeeded
// step, in reverse completion order. Best-effort: a compensation
// failure is logged and rollback moves on. A compensated step is
// restated as rolled_back only when its own policy is rollback.
func (s *runScheduler) rollback(ctx context.Context, failed *plannedStep) {
	if s.compensate(ctx, failed.step, s.inputsByStep[failed.step.ID], nil) {
		s.statuses[failed.step.ID] = schema.StepStatusRolledBack
		s.state.updateResult(failed.step.ID, func(r *schema.StepResult) {
			r.Status = schema.StepStatusRolledBack
		})
		s.persistStepStatus(ctx, failed.step.ID, schema.StepStatusRolledBack)
	}

	for i := len(s.completed) - 1; i >= 0; i-- {
		c := s.completed[i]
		if !s.compensate(ctx, c.step, c.inputs, c.outputs) {
			continue
		}
		if s.plan.def.EffectivePolicy(c.step) == schema.PolicyRollback {
			s.statuses[c.step.ID] = schema.StepStatusRolledBack
			s.state.updateResult(c.step.ID, func(r *schema.StepResult) {
				r.Status = schema.StepStatusRolledBack
			})
			s.persistStepStatus(ctx, c.step.ID, schema.StepStatusRolledBack)
		}
	}
}

// compensate invokes one compensating action. Returns true when the
// capability declared one and it completed.
func (s *runScheduler) compensate(ctx context.Context, step *schema.Step, inputs, outputs map[string]any) bool {
	if !s.registry.CanCompensate(step.Capability) {
		return false
	}
	if err := s.registry.Compensate(ctx, step.Capability, step.Action, inputs, outputs); err != nil {
		s.logger.ErrorContext(ctx, "compensation failed",
			slog.String("step_id", step.ID),
			slog.String("error", err.Error()))
		s.emit(ctx, schema.EventCompensationErr, step.ID, map[string]any{"error": err.Error()})
		return false
	}
	s.emit(ctx, schema.EventStepRolledBack, step.ID, nil)
	return true
}

// finalize gives every never-dispatched step a terminal skipped state
// and records the run's terminal status.
func (s *runScheduler) finalize(ctx context.Context) {
	for _, g := range s.plan.groups {
		for _, ps := range g.steps {
			if s.statuses[ps.step.ID].Terminal() {
				continue
			}
			res := schema.StepResult{StepID: ps.step.ID, Status: schema.StepStatusSkipped}
			s.statuses[ps.step.ID] = schema.StepStatusSkipped
			s.scope.MarkAbsent(ps.step.ID)
			s.state.recordResult(res)
			s.persistStep(ctx, res)
			s.emit(ctx, schema.EventStepSkipped, ps.step.ID, nil)
		}
	}

	status := schema.RunStatusSucceeded
	var runErr *schema.StrandError
	event := schema.EventRunSucceeded

	switch {
	case s.state.cancelled() || ctx.Err() != nil:
		status, event = schema.RunStatusCancelled, schema.EventRunCancelled
	case s.abortErr != nil:
		status, runErr, event = schema.RunStatusFailed, s.abortErr, schema.EventRunFailed
	case s.hadFailure:
		status, event = schema.RunStatusFailed, schema.EventRunFailed
		runErr = schema.NewError(schema.ErrCodeExecution, "one or more steps failed")
	}

	s.state.finish(status, runErr)
	s.persistRunStatus(ctx, status)
	s.emit(ctx, event, "", map[string]any{"cost_total": s.guard.Total()})
	s.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(status)),
		slog.Float64("cost_total", s.guard.Total()))
}

// publishBindings maps a step's raw outputs through its declared
// bindings. Without bindings every output field publishes under its
// own name; with bindings a missing source field is a failure.
func publishBindings(step *schema.Step, outputs map[string]any) (map[string]any, *schema.StrandError) {
	if len(step.Outputs) == 0 {
		if outputs == nil {
			return map[string]any{}, nil
		}
		return outputs, nil
	}
	published := make(map[string]any, len(step.Outputs))
	for field, varName := range step.Outputs {
		v, ok := outputs[field]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeCapability,
				"step %q produced no output field %q for binding %q", step.ID, field, varName).
				WithStep(step.ID).
				WithDetails(map[string]any{"field": field, "binding": varName})
		}
		published[varName] = v
	}
	return published, nil
}

func (s *runScheduler) emit(ctx context.Context, eventType, stepID string, payload map[string]any) {
	if s.hub != nil {
		_ = s.hub.Publish(ctx, streaming.StreamEvent{
			RunID:     s.state.id,
			StepID:    stepID,
			EventType: eventType,
			Payload:   payload,
		})
	}
	if s.st != nil {
		var raw json.RawMessage
		if payload != nil {
			raw, _ = json.Marshal(payload)
		}
		if err := s.st.AppendEvent(ctx, &store.Event{
			RunID:     s.state.id,
			StepID:    stepID,
			Type:      eventType,
			Payload:   raw,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			s.logger.WarnContext(ctx, "append run event", slog.String("error", err.Error()))
		}
	}
}

func (s *runScheduler) persistRunStatus(ctx context.Context, status schema.RunStatus) {
	if s.st == nil {
		return
	}
	now := time.Now().UTC()
	update := store.RunUpdate{Status: &status}
	cost := s.guard.Total()
	update.CostTotal = &cost
	if status == schema.RunStatusRunning {
		update.StartedAt = &now
	}
	if status.Terminal() {
		update.CompletedAt = &now
		if s.abortErr != nil {
			update.Error, _ = json.Marshal(s.abortErr)
		}
	}
	if err := s.st.UpdateRun(ctx, s.state.id, update); err != nil {
		s.logger.WarnContext(ctx, "update run record", slog.String("error", err.Error()))
	}
}

func (s *runScheduler) persistStep(ctx context.Context, res schema.StepResult) {
	if s.st == nil {
		return
	}
	rec := &store.StepRecord{
		RunID:      s.state.id,
		StepID:     res.StepID,
		Status:     res.Status,
		Cost:       res.Cost,
		Attempts:   res.Attempts,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Outputs != nil {
		rec.Outputs, _ = json.Marshal(res.Outputs)
	}
	if res.Error != nil {
		rec.Error, _ = json.Marshal(res.Error)
	}
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := s.st.UpsertStepRecord(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "upsert step record", slog.String("error", err.Error()))
	}
}

func (s *runScheduler) persistStepStatus(ctx context.Context, stepID string, status schema.StepStatus) {
	if s.st == nil {
		return
	}
	if err := s.st.UpsertStepRecord(ctx, &store.StepRecord{
		RunID:  s.state.id,
		StepID: stepID,
		Status: status,
	}); err != nil {
		s.logger.WarnContext(ctx, "upsert step record", slog.String("error", err.Error()))
	}
}
