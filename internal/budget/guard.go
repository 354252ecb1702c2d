// Package budget enforces cost ceilings on workflow runs. Costs are
// currency-agnostic units reported by capability invocations. Two
// ceilings apply: a per-run limit carried by each Guard, and an
// optional process-wide rolling window shared by all runs.
package budget

import (
	"sync"
	"time"

	"github.com/strandworks/strand/pkg/schema"
)

// DefaultWindowSpan is the rolling window length for the process-wide limit.
const DefaultWindowSpan = time.Hour

// Window is the process-wide rolling budget shared across concurrent
// runs. Committed costs age out after the window span; reservations
// are held until committed or released.
type Window struct {
	mu       sync.Mutex
	limit    float64
	span     time.Duration
	reserved float64
	entries  []windowEntry

	now func() time.Time // injectable clock for tests
}

type windowEntry struct {
	at   time.Time
	cost float64
}

// NewWindow creates a rolling window with the given limit. A limit of
// zero or less disables the process-wide ceiling. A span of zero or
// less uses DefaultWindowSpan.
func NewWindow(limit float64, span time.Duration) *Window {
	if span <= 0 {
		span = DefaultWindowSpan
	}
	return &Window{
		limit: limit,
		span:  span,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (w *Window) reserve(est float64) bool {
	if w == nil || w.limit <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.total()+w.reserved+est > w.limit {
		return false
	}
	w.reserved += est
	return true
}

func (w *Window) commit(est, actual float64) {
	if w == nil || w.limit <= 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.reserved -= est
	if w.reserved < 0 {
		w.reserved = 0
	}
	if actual > 0 {
		w.entries = append(w.entries, windowEntry{at: w.now(), cost: actual})
	}
}

// Total returns the committed cost inside the current window.
func (w *Window) Total() float64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total()
}

// total prunes aged-out entries. Callers hold w.mu.
func (w *Window) total() float64 {
	cutoff := w.now().Add(-w.span)
	kept := w.entries[:0]
	sum := 0.0
	for _, e := range w.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			sum += e.cost
		}
	}
	w.entries = kept
	return sum
}

// Guard enforces the per-run cost ceiling for a single run, consulting
// the shared Window when one is configured. One Guard per run; safe
// for the run's concurrent parallel steps.
type Guard struct {
	mu        sync.Mutex
	runLimit  float64
	window    *Window
	committed float64
	reserved  float64
	exhausted bool
}

// NewGuard creates a Guard for one run. runLimit of zero or less means
// the run has no per-run ceiling; window may be nil.
func NewGuard(runLimit float64, window *Window) *Guard {
	return &Guard{runLimit: runLimit, window: window}
}

// Reservation is one step's admitted cost estimate. It must be settled
// exactly once with Commit, passing the actual incurred cost (zero
// when the step failed before incurring any).
type Reservation struct {
	guard   *Guard
	est     float64
	settled bool
}

// Reserve asks to admit a cost-bearing step with the given estimate.
// It fails when the estimate would push the run past its limit or the
// process window past its limit, or when the guard is already
// exhausted. A failed reservation holds nothing.
func (g *Guard) Reserve(est float64) (*Reservation, bool) {
	if est < 0 {
		est = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exhausted {
		return nil, false
	}
	if g.runLimit > 0 && g.committed+g.reserved+est > g.runLimit {
		g.exhausted = true
		return nil, false
	}
	if !g.window.reserve(est) {
		g.exhausted = true
		return nil, false
	}

	g.reserved += est
	return &Reservation{guard: g, est: est}, true
}

// Commit settles the reservation with the actual incurred cost.
// Because estimates are approximate, the committed total may land past
// the limit; the guard then flips to exhausted so the run terminates
// gracefully, without clawing back the already-incurred cost.
func (r *Reservation) Commit(actual float64) {
	if r == nil || r.settled {
		return
	}
	r.settled = true
	if actual < 0 {
		actual = 0
	}

	g := r.guard
	g.window.commit(r.est, actual)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.reserved -= r.est
	if g.reserved < 0 {
		g.reserved = 0
	}
	g.committed += actual
	if g.runLimit > 0 && g.committed > g.runLimit {
		g.exhausted = true
	}
}

// Total returns the run's committed cost so far.
func (g *Guard) Total() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed
}

// Exhausted reports whether the run has hit a ceiling. The scheduler
// checks this before dispatching each step.
func (g *Guard) Exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exhausted
}

// Err returns the run-terminating budget error with the guard's
// current figures.
func (g *Guard) Err() *schema.StrandError {
	g.mu.Lock()
	defer g.mu.Unlock()

	details := map[string]any{
		"cost_total": g.committed,
		"run_limit":  g.runLimit,
	}
	if g.window != nil {
		details["window_total"] = g.window.Total()
	}
	return schema.NewError(schema.ErrCodeBudgetExceeded, "run budget exhausted").
		WithDetails(details)
}
