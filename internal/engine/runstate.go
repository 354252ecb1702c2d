package engine

import (
	"sync"
	"time"

	"github.com/strandworks/strand/pkg/schema"
)

// RunSnapshot is the pollable view of a run: terminal or in-flight
// status, per-step results in completion order, and the cost total.
type RunSnapshot struct {
	RunID       string              `json:"run_id"`
	Workflow    string              `json:"workflow"`
	Status      schema.RunStatus    `json:"status"`
	StepResults []schema.StepResult `json:"step_results,omitempty"`
	CostTotal   float64             `json:"cost_total"`
	Error       *schema.StrandError `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// runState is the mutable per-run bookkeeping shared between the run
// goroutine and status/cancel callers. The scheduler owns all writes;
// the mutex exists for the snapshot readers.
type runState struct {
	mu sync.Mutex

	id        string
	def       *schema.WorkflowDefinition
	status    schema.RunStatus
	results   []schema.StepResult // completion order
	costTotal float64
	runErr    *schema.StrandError

	cancelRequested bool
	startedAt       time.Time
	completedAt     time.Time
	done            chan struct{}
}

func newRunState(id string, def *schema.WorkflowDefinition) *runState {
	return &runState{
		id:        id,
		def:       def,
		status:    schema.RunStatusPending,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

func (r *runState) setStatus(status schema.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// finish records the terminal status exactly once and releases waiters.
func (r *runState) finish(status schema.RunStatus, err *schema.StrandError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return
	}
	r.status = status
	r.runErr = err
	r.completedAt = time.Now().UTC()
	close(r.done)
}

func (r *runState) recordResult(res schema.StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.Cost < 0 {
		res.Cost = 0
	}
	r.results = append(r.results, res)
	r.costTotal += res.Cost
}

// updateResult replaces the recorded result for a step, preserving its
// position. Used when rollback rewrites an already-recorded status.
func (r *runState) updateResult(stepID string, mutate func(*schema.StepResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.results {
		if r.results[i].StepID == stepID {
			mutate(&r.results[i])
			return
		}
	}
}

func (r *runState) requestCancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.Terminal() {
		r.cancelRequested = true
	}
}

func (r *runState) cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

func (r *runState) snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := RunSnapshot{
		RunID:     r.id,
		Workflow:  r.def.Name,
		Status:    r.status,
		CostTotal: r.costTotal,
		Error:     r.runErr,
		StartedAt: r.startedAt,
	}
	snap.StepResults = make([]schema.StepResult, len(r.results))
	copy(snap.StepResults, r.results)
	if !r.completedAt.IsZero() {
		t := r.completedAt
		snap.CompletedAt = &t
	}
	return snap
}
