package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/strandworks/strand/internal/store"
	"github.com/strandworks/strand/pkg/schema"
)

// handleRun validates a definition and starts an asynchronous run.
func (s *StrandServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, result := s.parseDefinition(req)
	if def == nil {
		return result, nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	runID, err := s.engine.StartRun(ctx, def, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start run failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"run_id":   runID,
		"workflow": def.Name,
		"status":   schema.RunStatusPending,
	})
}

// handleStatus returns the pollable snapshot of a run.
func (s *StrandServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	snap, statusErr := s.engine.RunStatus(runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(snap)
}

// handleCancel requests cooperative cancellation.
func (s *StrandServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.engine.CancelRun(runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleValidate checks a definition without starting a run.
func (s *StrandServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	raw, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	_, result := s.validator.ValidateDocument(raw)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleCapabilities lists provider circuit health.
func (s *StrandServer) handleCapabilities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.health == nil {
		return mcp.NewToolResultError("capability health is not available"), nil
	}
	return marshalResult(map[string]any{"capabilities": s.health.ListHealth()})
}

// handleSchedule registers a cron-triggered run.
func (s *StrandServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil || s.cron == nil {
		return mcp.NewToolResultError("scheduling requires persistence, which is disabled"), nil
	}

	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	if cronErr := s.cron.ValidateCron(cronExpr); cronErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", cronErr)), nil
	}

	def, result := s.parseDefinition(req)
	if def == nil {
		return result, nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	now := time.Now().UTC()
	nextRun, nextErr := s.cron.CalculateNextRun(cronExpr, now)
	if nextErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", nextErr)), nil
	}

	sr := &store.ScheduledRun{
		ID:             uuid.New().String(),
		CronExpression: cronExpr,
		Definition:     *def,
		Input:          input,
		Enabled:        true,
		NextRunAt:      &nextRun,
		CreatedAt:      now,
	}
	if createErr := s.store.CreateScheduledRun(ctx, sr); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store schedule: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"schedule_id": sr.ID,
		"workflow":    def.Name,
		"next_run_at": nextRun.Format(time.RFC3339),
	})
}

// handleQuery lists runs, events, or schedules.
func (s *StrandServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("queries require persistence, which is disabled"), nil
	}

	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *StrandServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *StrandServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since_sequence", 0))

	events, err := s.store.GetEvents(ctx, runID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *StrandServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	enabledOnly, _ := filter["enabled_only"].(bool)

	schedules, err := s.store.ListScheduledRuns(ctx, enabledOnly)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// --- Internal helpers ---

// parseDefinition extracts and validates the definition argument. A nil
// definition means the returned tool result carries the error.
func (s *StrandServer) parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}
	raw, err := json.Marshal(defRaw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}

	def, result := s.validator.ValidateDocument(raw)
	if def == nil {
		detail, merr := json.Marshal(map[string]any{
			"valid":  false,
			"errors": result.Errors,
		})
		if merr != nil {
			return nil, mcp.NewToolResultError("definition failed validation")
		}
		return nil, mcp.NewToolResultError("definition failed validation: " + string(detail))
	}
	return def, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
