package capability

import (
	"context"

	"github.com/strandworks/strand/pkg/schema"
)

// Capability is the uniform invocation contract wrapping one external
// integration's set of actions. Concrete providers are selected by a
// registry lookup keyed on category+name, never by runtime type
// inspection.
type Capability interface {
	// Invoke executes one named action. Failures are returned as errors
	// (preferably *schema.StrandError); the engine normalizes them into
	// step results and never lets them escape the scheduler.
	Invoke(ctx context.Context, action string, inputs map[string]any) (*Result, error)

	// CheckHealth probes the underlying integration. Used for on-demand
	// health queries and half-open circuit probing by operators; the
	// breaker itself keys off Invoke outcomes.
	CheckHealth(ctx context.Context) bool
}

// Compensator is implemented by capabilities whose actions can be
// undone. Rollback-policy runs call Compensate in reverse completion
// order with the inputs and outputs recorded at execution time.
type Compensator interface {
	Compensate(ctx context.Context, action string, inputs, outputs map[string]any) error
}

// Result is a successful invocation outcome: named output values plus
// the cost incurred, in currency-agnostic budget units.
type Result struct {
	Outputs map[string]any `json:"outputs,omitempty"`
	Cost    float64        `json:"cost,omitempty"`
}

// GenerateFunc is the engine-facing contract of an AI content
// generator: render a prompt, receive content and the incurred cost.
// The engine does not interpret the content; consuming steps do, via
// variable references.
type GenerateFunc func(ctx context.Context, prompt string, params map[string]any) (content string, cost float64, err error)

// Generator adapts a GenerateFunc to the Capability contract so
// ai-generation providers live in the same registry as plugin
// integrations.
type Generator struct {
	fn GenerateFunc
}

// NewGenerator wraps a GenerateFunc as a Capability.
func NewGenerator(fn GenerateFunc) *Generator {
	return &Generator{fn: fn}
}

// ActionGenerate is the single action a Generator exposes.
const ActionGenerate = "generate"

func (g *Generator) Invoke(ctx context.Context, action string, inputs map[string]any) (*Result, error) {
	if action != ActionGenerate {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "generator has no action %q", action)
	}
	prompt, _ := inputs["prompt"].(string)
	if prompt == "" {
		return nil, schema.NewError(schema.ErrCodeCapability, "generate requires a non-empty prompt")
	}

	content, cost, err := g.fn(ctx, prompt, inputs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "generation failed: %s", err.Error()).WithCause(err)
	}
	return &Result{
		Outputs: map[string]any{"content": content},
		Cost:    cost,
	}, nil
}

func (g *Generator) CheckHealth(ctx context.Context) bool {
	return g.fn != nil
}
