// Package mcp exposes the workflow engine to agents over the Model
// Context Protocol: start and inspect runs, validate definitions, and
// manage cron schedules through MCP tool calls on stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/strandworks/strand/internal/engine"
	"github.com/strandworks/strand/internal/store"
	"github.com/strandworks/strand/internal/validation"
	"github.com/strandworks/strand/pkg/schema"
)

// RunEngine is the engine surface the MCP tools need. Satisfied by
// *engine.Engine; narrowed so tests can fake it.
type RunEngine interface {
	StartRun(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (string, error)
	RunStatus(runID string) (engine.RunSnapshot, error)
	CancelRun(runID string) error
}

// HealthLister reports provider circuit state. Satisfied by the
// capability registry.
type HealthLister interface {
	ListHealth() []schema.CapabilityHealth
}

// CronPlanner validates cron expressions and computes fire times.
// Satisfied by the run scheduler.
type CronPlanner interface {
	ValidateCron(cronExpr string) error
	CalculateNextRun(cronExpr string, from time.Time) (time.Time, error)
}

// StrandServerDeps holds the dependencies for creating a StrandServer.
// Store and Cron are optional; without them the schedule and query
// tools report that persistence is disabled.
type StrandServerDeps struct {
	Engine    RunEngine
	Validator *validation.Validator
	Health    HealthLister
	Store     store.Store
	Cron      CronPlanner
	Logger    *slog.Logger
}

// StrandServer wraps an MCP server with the workflow tool handlers.
type StrandServer struct {
	engine    RunEngine
	validator *validation.Validator
	health    HealthLister
	store     store.Store
	cron      CronPlanner
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStrandServer creates a StrandServer with all tools registered.
func NewStrandServer(deps StrandServerDeps) *StrandServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StrandServer{
		engine:    deps.Engine,
		validator: deps.Validator,
		health:    deps.Health,
		store:     deps.Store,
		cron:      deps.Cron,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"strand",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Strand executes declarative workflow definitions. Use strand.run to start a run, strand.status to poll it, strand.cancel to request cancellation, strand.validate to check a definition without running it, strand.capabilities to inspect provider health, strand.schedule to register cron-triggered runs, and strand.query to list runs, events, or schedules."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StrandServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StrandServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StrandServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: capabilitiesTool(), Handler: s.handleCapabilities},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("strand.run",
		mcp.WithDescription("Validate a workflow definition and start an asynchronous run. Returns the run ID to poll with strand.status"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
		mcp.WithObject("input", mcp.Description("Initial run variables, published under the input namespace")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("strand.status",
		mcp.WithDescription("Get the current status of a run: per-step results, cost total, and the run error if any"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("strand.cancel",
		mcp.WithDescription("Request cooperative cancellation of a run. In-flight steps finish; no new steps dispatch"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("strand.validate",
		mcp.WithDescription("Validate a workflow definition without starting a run. Returns field-level errors and warnings"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func capabilitiesTool() mcp.Tool {
	return mcp.NewTool("strand.capabilities",
		mcp.WithDescription("List registered capability providers and their circuit-breaker health"),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("strand.schedule",
		mcp.WithDescription("Register a cron-triggered workflow run"),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression, five fields (minute hour dom month dow)")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
		mcp.WithObject("input", mcp.Description("Initial run variables for every triggered run")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("strand.query",
		mcp.WithDescription("Query persisted runs, run events, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, since, limit, run_id, since_sequence, enabled_only)")),
	)
}
