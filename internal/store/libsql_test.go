package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name: "release-notes",
		Groups: []schema.StepGroup{
			{Steps: []schema.Step{{
				ID:         "fetch",
				Capability: schema.CapabilityRef{Category: "core", Provider: "http"},
				Action:     "request",
				Inputs:     map[string]any{"url": "https://example.test"},
			}}},
		},
	}
}

func seedRun(t *testing.T, s *LibSQLStore) *RunRecord {
	t.Helper()
	run := &RunRecord{
		ID:           uuid.New().String(),
		WorkflowName: "release-notes",
		Definition:   sampleDefinition(),
		Status:       schema.RunStatusPending,
		Input:        map[string]any{"version": "1.4.0"},
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Run Tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "release-notes", got.WorkflowName)
	assert.Equal(t, schema.RunStatusPending, got.Status)
	assert.Equal(t, "1.4.0", got.Input["version"])
	require.Len(t, got.Definition.Groups, 1)
	assert.Equal(t, "fetch", got.Definition.Groups[0].Steps[0].ID)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	serr, ok := err.(*schema.StrandError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	status := schema.RunStatusFailed
	cost := 2.5
	now := time.Now().UTC()
	errJSON, _ := json.Marshal(schema.NewError(schema.ErrCodeBudgetExceeded, "over budget"))
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:      &status,
		CostTotal:   &cost,
		Error:       errJSON,
		CompletedAt: &now,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, 2.5, got.CostTotal)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, string(got.Error), "BUDGET_EXCEEDED")
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	status := schema.RunStatusRunning
	err := s.UpdateRun(context.Background(), "nonexistent", RunUpdate{Status: &status})
	require.Error(t, err)
}

func TestListRunsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := seedRun(t, s)
	r2 := seedRun(t, s)

	failed := schema.RunStatusFailed
	require.NoError(t, s.UpdateRun(ctx, r2.ID, RunUpdate{Status: &failed}))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyFailed, err := s.ListRuns(ctx, RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, r2.ID, onlyFailed[0].ID)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_ = r1
}

// --- Step Record Tests ---

func TestUpsertAndListStepRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	rec := &StepRecord{
		RunID:    run.ID,
		StepID:   "fetch",
		Status:   schema.StepStatusRunning,
		Attempts: 1,
	}
	require.NoError(t, s.UpsertStepRecord(ctx, rec))

	// Second upsert replaces the row.
	rec.Status = schema.StepStatusSucceeded
	rec.Outputs = json.RawMessage(`{"count": 7}`)
	rec.Cost = 0.25
	rec.DurationMs = 120
	require.NoError(t, s.UpsertStepRecord(ctx, rec))

	records, err := s.ListStepRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, schema.StepStatusSucceeded, records[0].Status)
	assert.JSONEq(t, `{"count": 7}`, string(records[0].Outputs))
	assert.Equal(t, 0.25, records[0].Cost)
	assert.Equal(t, int64(120), records[0].DurationMs)
}

// --- Event Tests ---

func TestAppendEventAssignsSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for i, typ := range []string{schema.EventRunStarted, schema.EventStepStarted, schema.EventStepSucceeded} {
		e := &Event{RunID: run.ID, Type: typ}
		if i > 0 {
			e.StepID = "fetch"
		}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	events, err := s.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, int64(3), events[2].Sequence)

	// Resume from a sequence cursor.
	tail, err := s.GetEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, schema.EventStepStarted, tail[0].Type)
}

func TestEventSequencesAreIndependentPerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r1 := seedRun(t, s)
	r2 := seedRun(t, s)

	e1 := &Event{RunID: r1.ID, Type: schema.EventRunStarted}
	e2 := &Event{RunID: r2.ID, Type: schema.EventRunStarted}
	require.NoError(t, s.AppendEvent(ctx, e1))
	require.NoError(t, s.AppendEvent(ctx, e2))

	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(1), e2.Sequence)
}

// --- Scheduled Run Tests ---

func TestScheduledRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sr := &ScheduledRun{
		ID:             uuid.New().String(),
		CronExpression: "0 9 * * MON",
		Definition:     sampleDefinition(),
		Input:          map[string]any{"channel": "#releases"},
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, sr))

	got, err := s.GetScheduledRun(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * MON", got.CronExpression)
	assert.True(t, got.Enabled)
	assert.Equal(t, "#releases", got.Input["channel"])

	now := time.Now().UTC()
	disabled := false
	require.NoError(t, s.UpdateScheduledRun(ctx, sr.ID, ScheduledRunUpdate{
		Enabled:       &disabled,
		LastRunAt:     &now,
		LastRunStatus: string(schema.RunStatusSucceeded),
	}))

	got, err = s.GetScheduledRun(ctx, sr.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.NotNil(t, got.LastRunAt)
	assert.Equal(t, "succeeded", got.LastRunStatus)

	enabled, err := s.ListScheduledRuns(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := s.ListScheduledRuns(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteScheduledRun(ctx, sr.ID))
	_, err = s.GetScheduledRun(ctx, sr.ID)
	assert.Error(t, err)
}
