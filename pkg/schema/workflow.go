package schema

// CategoryGeneration is the capability category handled by the AI-generation
// path of the step executor rather than a plugin integration.
const CategoryGeneration = "ai-generation"

// WorkflowDefinition is the declarative step graph. Immutable once validated:
// the engine never mutates a definition after Load returns it.
type WorkflowDefinition struct {
	Name      string         `json:"name"`
	Version   string         `json:"version,omitempty"`
	Groups    []StepGroup    `json:"groups"`
	Variables map[string]any `json:"variables,omitempty"` // defaults merged under input.*
	OnError   ErrorPolicy    `json:"on_error,omitempty"`  // default policy for steps that omit one
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StepGroup is one entry in the ordered execution plan: either a single
// sequential run of steps or a set of steps dispatched concurrently.
type StepGroup struct {
	Parallel bool   `json:"parallel,omitempty"`
	Steps    []Step `json:"steps"`
}

// Step is the smallest unit of work, bound to one capability action.
type Step struct {
	ID            string            `json:"id"`
	Capability    CapabilityRef     `json:"capability"`
	Action        string            `json:"action"`
	Inputs        map[string]any    `json:"inputs,omitempty"`  // param name -> expression string or literal
	Outputs       map[string]string `json:"outputs,omitempty"` // result field -> published variable name
	Prompt        string            `json:"prompt,omitempty"`  // ai-generation only: prompt template
	Condition     string            `json:"condition,omitempty"`
	OnError       ErrorPolicy       `json:"on_error,omitempty"`
	Retry         *RetryPolicy      `json:"retry,omitempty"`
	Timeout       string            `json:"timeout,omitempty"`
	EstimatedCost float64           `json:"estimated_cost,omitempty"`
}

// CapabilityRef names a provider in the registry.
type CapabilityRef struct {
	Category string `json:"category"`
	Provider string `json:"provider"`
}

func (r CapabilityRef) String() string {
	return r.Category + "/" + r.Provider
}

// IsGeneration reports whether the reference targets the AI-generation category.
func (r CapabilityRef) IsGeneration() bool {
	return r.Category == CategoryGeneration
}

// ErrorPolicy decides what the scheduler does when a step fails.
type ErrorPolicy string

const (
	PolicyFail     ErrorPolicy = "fail"
	PolicyContinue ErrorPolicy = "continue"
	PolicyRetry    ErrorPolicy = "retry"
	PolicyRollback ErrorPolicy = "rollback"
)

// Valid reports whether the policy is one of the recognized values.
func (p ErrorPolicy) Valid() bool {
	switch p {
	case PolicyFail, PolicyContinue, PolicyRetry, PolicyRollback:
		return true
	}
	return false
}

// RetryPolicy configures re-invocation for steps with the retry policy.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`        // total attempts, including the first
	Backoff     string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay       string `json:"delay,omitempty"`     // initial delay, e.g. "1s", "500ms"
	MaxDelay    string `json:"max_delay,omitempty"` // cap applied after backoff growth
}

// EffectivePolicy resolves a step's error policy against the definition default.
func (d *WorkflowDefinition) EffectivePolicy(s *Step) ErrorPolicy {
	if s.OnError != "" {
		return s.OnError
	}
	if d.OnError != "" {
		return d.OnError
	}
	return PolicyFail
}

// Steps returns all steps in group order, sequential position preserved.
func (d *WorkflowDefinition) Steps() []*Step {
	var out []*Step
	for gi := range d.Groups {
		for si := range d.Groups[gi].Steps {
			out = append(out, &d.Groups[gi].Steps[si])
		}
	}
	return out
}
