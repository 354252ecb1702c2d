package validation

import (
	"fmt"
	"time"

	"github.com/strandworks/strand/internal/expressions"
	"github.com/strandworks/strand/pkg/schema"
)

// CapabilityChecker answers whether a provider exists. Implemented by
// the capability registry.
type CapabilityChecker interface {
	Has(category, provider string) bool
}

// ConditionChecker compiles a run condition without evaluating it.
// Implemented by the expressions condition engine.
type ConditionChecker interface {
	Check(expression string) error
}

// validateSemantics runs the checks JSON Schema cannot express:
// capability existence, step identity, reference discipline, policy
// and retry sanity. References may only point to steps scheduled
// strictly earlier: an earlier group, or an earlier position in the
// same sequential group.
func validateSemantics(def *schema.WorkflowDefinition, caps CapabilityChecker, conds ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.OnError != "" && !def.OnError.Valid() {
		result.AddError("/on_error", schema.ErrCodeValidation,
			fmt.Sprintf("unknown error policy %q", def.OnError))
	}

	seen := make(map[string]bool)
	earlier := make(map[string]bool) // steps guaranteed terminal before the current one

	for gi := range def.Groups {
		group := &def.Groups[gi]

		for si := range group.Steps {
			step := &group.Steps[si]
			path := fmt.Sprintf("/groups/%d/steps/%d", gi, si)

			validateStepIdentity(step, path, seen, result)
			validateCapability(step, path, caps, result)
			validateReferences(step, path, earlier, result)
			validatePolicies(step, path, result)
			validateCondition(step, path, conds, result)

			if !group.Parallel {
				earlier[step.ID] = true
			}
		}

		// Parallel siblings become visible only once the whole group
		// is done.
		if group.Parallel {
			for si := range group.Steps {
				earlier[group.Steps[si].ID] = true
			}
		}
	}

	return result
}

func validateStepIdentity(step *schema.Step, path string, seen map[string]bool, result *schema.ValidationResult) {
	if seen[step.ID] {
		result.AddError(path+"/id", schema.ErrCodeValidation,
			fmt.Sprintf("duplicate step ID %q", step.ID))
	}
	seen[step.ID] = true

	if step.ID == expressions.NamespaceEnv || step.ID == expressions.NamespaceInput {
		result.AddError(path+"/id", schema.ErrCodeValidation,
			fmt.Sprintf("step ID %q collides with a reserved namespace", step.ID))
	}

	// Two bindings publishing to the same variable would silently
	// shadow each other.
	published := make(map[string]string)
	for field, varName := range step.Outputs {
		if prev, dup := published[varName]; dup {
			result.AddError(path+"/outputs", schema.ErrCodeValidation,
				fmt.Sprintf("output fields %q and %q both bind to variable %q", prev, field, varName))
		}
		published[varName] = field
	}
}

func validateCapability(step *schema.Step, path string, caps CapabilityChecker, result *schema.ValidationResult) {
	if caps != nil && !caps.Has(step.Capability.Category, step.Capability.Provider) {
		result.AddError(path+"/capability", schema.ErrCodeValidation,
			fmt.Sprintf("unknown capability %q", step.Capability.String()))
	}
	if step.Capability.IsGeneration() {
		if step.Prompt == "" {
			result.AddError(path+"/prompt", schema.ErrCodeValidation,
				fmt.Sprintf("generation step %q requires a prompt", step.ID))
		}
	} else if step.Action == "" {
		result.AddError(path+"/action", schema.ErrCodeValidation,
			fmt.Sprintf("step %q requires an action", step.ID))
	}
}

func validateReferences(step *schema.Step, path string, earlier map[string]bool, result *schema.ValidationResult) {
	if err := expressions.CheckSyntax(step.Inputs); err != nil {
		result.AddError(path+"/inputs", schema.ErrCodeValidation, err.Error())
	}
	if err := expressions.CheckSyntax(step.Prompt); err != nil {
		result.AddError(path+"/prompt", schema.ErrCodeValidation, err.Error())
	}

	check := func(field string, refs []string) {
		for _, ref := range refs {
			if !earlier[ref] {
				result.AddError(path+field, schema.ErrCodeValidation,
					fmt.Sprintf("step %q references %q, which is not an earlier step", step.ID, ref))
			}
		}
	}
	check("/inputs", expressions.Refs(step.Inputs))
	check("/prompt", expressions.Refs(step.Prompt))
}

func validatePolicies(step *schema.Step, path string, result *schema.ValidationResult) {
	if step.OnError != "" && !step.OnError.Valid() {
		result.AddError(path+"/on_error", schema.ErrCodeValidation,
			fmt.Sprintf("unknown error policy %q", step.OnError))
	}

	if step.OnError == schema.PolicyRetry {
		if step.Retry == nil {
			result.AddError(path+"/retry", schema.ErrCodeValidation,
				fmt.Sprintf("step %q has policy retry but no retry configuration", step.ID))
		}
	} else if step.Retry != nil {
		result.AddWarning(path+"/retry", schema.ErrCodeValidation,
			fmt.Sprintf("step %q configures retry but its policy is not retry", step.ID))
	}

	if step.Retry != nil {
		if step.Retry.MaxAttempts < 1 {
			result.AddError(path+"/retry/max_attempts", schema.ErrCodeValidation,
				"max_attempts must be at least 1")
		}
		for field, raw := range map[string]string{"delay": step.Retry.Delay, "max_delay": step.Retry.MaxDelay} {
			if raw == "" {
				continue
			}
			if _, err := time.ParseDuration(raw); err != nil {
				result.AddError(path+"/retry/"+field, schema.ErrCodeValidation,
					fmt.Sprintf("invalid duration %q", raw))
			}
		}
	}

	if step.Timeout != "" {
		if _, err := time.ParseDuration(step.Timeout); err != nil {
			result.AddError(path+"/timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", step.Timeout))
		}
	}

	if step.EstimatedCost < 0 {
		result.AddError(path+"/estimated_cost", schema.ErrCodeValidation,
			"estimated_cost must not be negative")
	}
}

func validateCondition(step *schema.Step, path string, conds ConditionChecker, result *schema.ValidationResult) {
	if step.Condition == "" || conds == nil {
		return
	}
	if err := conds.Check(step.Condition); err != nil {
		result.AddError(path+"/condition", schema.ErrCodeValidation, err.Error())
	}
}
