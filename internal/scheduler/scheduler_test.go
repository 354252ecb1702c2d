package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/internal/store"
	"github.com/strandworks/strand/pkg/schema"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (f *fakeStarter) StartRun(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, def.Name)
	return "run-" + def.Name, nil
}

func (f *fakeStarter) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// fakeStore implements only the scheduled-run surface the scheduler touches.
type fakeStore struct {
	store.Store

	mu      sync.Mutex
	entries []*store.ScheduledRun
	updates map[string]store.ScheduledRunUpdate
	listErr error
}

func newFakeStore(entries ...*store.ScheduledRun) *fakeStore {
	return &fakeStore{entries: entries, updates: make(map[string]store.ScheduledRunUpdate)}
}

func (f *fakeStore) ListScheduledRuns(ctx context.Context, enabledOnly bool) ([]*store.ScheduledRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*store.ScheduledRun
	for _, e := range f.entries {
		if enabledOnly && !e.Enabled {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) UpdateScheduledRun(ctx context.Context, id string, update store.ScheduledRunUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = update
	return nil
}

func (f *fakeStore) update(id string) (store.ScheduledRunUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.updates[id]
	return u, ok
}

func entry(id, cronExpr string, next *time.Time) *store.ScheduledRun {
	return &store.ScheduledRun{
		ID:             id,
		CronExpression: cronExpr,
		Definition:     schema.WorkflowDefinition{Name: "wf-" + id},
		Enabled:        true,
		NextRunAt:      next,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestTickStartsDueEntries(t *testing.T) {
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	st := newFakeStore(
		entry("due", "* * * * *", &past),
		entry("fresh", "* * * * *", nil), // never fired before
		entry("later", "* * * * *", &future),
	)
	starter := &fakeStarter{}
	s := NewScheduler(st, starter, testLogger())

	s.Tick(context.Background())

	assert.ElementsMatch(t, []string{"wf-due", "wf-fresh"}, starter.names())

	u, ok := st.update("due")
	require.True(t, ok)
	assert.Equal(t, "started", u.LastRunStatus)
	require.NotNil(t, u.NextRunAt)
	assert.True(t, u.NextRunAt.After(time.Now().UTC().Add(-time.Second)))

	_, ok = st.update("later")
	assert.False(t, ok, "a future entry is left alone")
}

func TestTickRecordsStartError(t *testing.T) {
	past := time.Now().UTC().Add(-time.Minute)
	st := newFakeStore(entry("bad", "* * * * *", &past))
	starter := &fakeStarter{err: errors.New("validation failed")}
	s := NewScheduler(st, starter, testLogger())

	s.Tick(context.Background())

	u, ok := st.update("bad")
	require.True(t, ok)
	assert.Equal(t, "error", u.LastRunStatus)
	assert.NotNil(t, u.NextRunAt, "a failing entry still advances to its next slot")
}

func TestTickSkipsInflightEntries(t *testing.T) {
	past := time.Now().UTC().Add(-time.Minute)
	st := newFakeStore(entry("dup", "* * * * *", &past))
	starter := &fakeStarter{}
	s := NewScheduler(st, starter, testLogger())

	require.True(t, s.tryAcquire("dup"))
	s.Tick(context.Background())
	assert.Empty(t, starter.names(), "an in-flight entry is not started twice")

	s.release("dup")
	s.Tick(context.Background())
	assert.Equal(t, []string{"wf-dup"}, starter.names())
}

func TestTickSurvivesListError(t *testing.T) {
	st := newFakeStore()
	st.listErr = errors.New("db locked")
	s := NewScheduler(st, &fakeStarter{}, testLogger())

	s.Tick(context.Background()) // must not panic
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(newFakeStore(), &fakeStarter{}, testLogger())

	from := time.Date(2026, 8, 24, 8, 30, 0, 0, time.UTC) // a Monday
	next, err := s.CalculateNextRun("0 9 * * MON", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestValidateCron(t *testing.T) {
	s := NewScheduler(newFakeStore(), &fakeStarter{}, testLogger())
	assert.NoError(t, s.ValidateCron("*/5 * * * *"))
	assert.Error(t, s.ValidateCron("61 * * * *"))
}

func TestStartAndStopLifecycle(t *testing.T) {
	s := NewScheduler(newFakeStore(), &fakeStarter{}, testLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start is rejected")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	require.NoError(t, s.Start(context.Background()), "restart after stop")
	require.NoError(t, s.Stop())
}
