// Package engine executes validated workflow definitions: it plans the
// step graph, schedules groups sequentially or in parallel, resolves
// expressions against the run scope, and enforces budgets and error
// policies. Runs are asynchronous; callers poll status by run ID.
package engine

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/strandworks/strand/internal/budget"
	"github.com/strandworks/strand/internal/capability"
	"github.com/strandworks/strand/internal/expressions"
	"github.com/strandworks/strand/internal/store"
	"github.com/strandworks/strand/internal/streaming"
	"github.com/strandworks/strand/internal/validation"
	"github.com/strandworks/strand/pkg/schema"
)

const defaultConcurrency = 8

// Options configures the engine's collaborators. Store and Hub are
// optional: nil disables persistence and event streaming respectively.
type Options struct {
	Logger         *slog.Logger
	Store          store.Store
	Hub            streaming.EventHub
	Concurrency    int
	RunBudgetLimit float64        // default per-run limit; 0 = unlimited
	Window         *budget.Window // process-wide rolling budget; nil = unlimited
	Env            map[string]any // env namespace source; nil = process environment
}

// Engine is the run façade: StartRun, RunStatus, CancelRun. One engine
// serves many concurrent runs; they share the capability registry and
// circuit state but never a run scope.
type Engine struct {
	registry   *capability.Registry
	conditions *expressions.ConditionEngine
	validator  *validation.Validator
	executor   *StepExecutor
	pool       *WorkerPool
	opts       Options
	logger     *slog.Logger

	mu   sync.RWMutex
	runs map[string]*runState

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New creates an engine over the given registry.
func New(registry *capability.Registry, opts Options) (*Engine, error) {
	conditions, err := expressions.NewConditionEngine()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Engine{
		registry:   registry,
		conditions: conditions,
		validator:  validation.NewValidator(registry, conditions),
		executor:   NewStepExecutor(registry, logger),
		pool:       NewWorkerPool(concurrency),
		opts:       opts,
		logger:     logger,
		runs:       make(map[string]*runState),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}, nil
}

// Validator exposes the engine's validation pipeline, so callers can
// check a definition without starting a run.
func (e *Engine) Validator() *validation.Validator {
	return e.validator
}

// Registry exposes provider health to status surfaces.
func (e *Engine) Registry() *capability.Registry {
	return e.registry
}

// StartRun validates the definition, creates a run, and executes it
// asynchronously. A definition that fails validation never reaches the
// scheduler. Returns the run ID.
func (e *Engine) StartRun(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (string, error) {
	if vr := e.validator.ValidateDefinition(def); !vr.Valid() {
		return "", vr.ToError()
	}
	plan, err := BuildPlan(def)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	state := newRunState(runID, def)

	scope := expressions.NewScope(e.envSnapshot(), mergeInput(def.Variables, input))
	guard := budget.NewGuard(e.runLimit(def), e.opts.Window)

	e.mu.Lock()
	e.runs[runID] = state
	e.mu.Unlock()

	if e.opts.Store != nil {
		rec := &store.RunRecord{
			ID:              runID,
			WorkflowName:    def.Name,
			WorkflowVersion: def.Version,
			Definition:      *def,
			Status:          schema.RunStatusPending,
			Input:           input,
			CreatedAt:       state.startedAt,
			UpdatedAt:       state.startedAt,
		}
		if err := e.opts.Store.CreateRun(ctx, rec); err != nil {
			e.logger.Warn("create run record", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	}

	sched := &runScheduler{
		state:        state,
		plan:         plan,
		scope:        scope,
		guard:        guard,
		executor:     e.executor,
		conditions:   e.conditions,
		registry:     e.registry,
		pool:         e.pool,
		logger:       e.logger,
		hub:          e.opts.Hub,
		st:           e.opts.Store,
		statuses:     make(map[string]schema.StepStatus),
		inputsByStep: make(map[string]map[string]any),
	}
	go sched.run(e.rootCtx)

	return runID, nil
}

// RunStatus returns the pollable snapshot for a run.
func (e *Engine) RunStatus(runID string) (RunSnapshot, error) {
	e.mu.RLock()
	state, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return RunSnapshot{}, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return state.snapshot(), nil
}

// CancelRun requests cooperative cancellation: no new steps dispatch,
// in-flight steps finish and are recorded. Best-effort on terminal runs.
func (e *Engine) CancelRun(runID string) error {
	e.mu.RLock()
	state, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	state.requestCancel()
	return nil
}

// WatchRun subscribes to the live event feed of one run. Events
// published before the subscription are not replayed; the store's
// event log is the replayable record. The returned cancel closes the
// channel.
func (e *Engine) WatchRun(ctx context.Context, runID string) (<-chan streaming.StreamEvent, func(), error) {
	if e.opts.Hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeExecution, "event streaming is not enabled")
	}
	e.mu.RLock()
	_, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return e.opts.Hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
}

// Wait blocks until the run reaches a terminal state or the context
// expires. Used by tests and synchronous callers.
func (e *Engine) Wait(ctx context.Context, runID string) error {
	e.mu.RLock()
	state, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	select {
	case <-state.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops dispatching across every run and waits for in-flight
// steps to drain.
func (e *Engine) Shutdown() {
	e.rootCancel()
	e.pool.Shutdown()
}

// runLimit resolves the per-run budget: a numeric budget_limit in the
// definition metadata overrides the engine default.
func (e *Engine) runLimit(def *schema.WorkflowDefinition) float64 {
	if raw, ok := def.Metadata["budget_limit"]; ok {
		switch v := raw.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return e.opts.RunBudgetLimit
}

// envSnapshot captures the env namespace at run start. Tests inject a
// fixed map through Options.Env.
func (e *Engine) envSnapshot() map[string]any {
	if e.opts.Env != nil {
		out := make(map[string]any, len(e.opts.Env))
		for k, v := range e.opts.Env {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			out[kv[:idx]] = kv[idx+1:]
		}
	}
	return out
}

// mergeInput layers the caller's initial variables over the
// definition's declared defaults.
func mergeInput(defaults map[string]any, input map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(input))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range input {
		merged[k] = v
	}
	return merged
}
