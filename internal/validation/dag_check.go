package validation

import (
	"fmt"
	"sort"

	"github.com/strandworks/strand/internal/expressions"
	"github.com/strandworks/strand/pkg/schema"
)

// validateGraph runs Kahn's algorithm over the inferred dependency
// graph. The strictly-earlier reference rule already forbids cycles,
// but the check stays independent so a hand-edited document with
// mutually referencing steps reports CYCLE_DETECTED rather than a
// pile of forward-reference errors. It also warns about output
// bindings nothing ever consumes.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	steps := def.Steps()
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}

	// Edges dep -> step, in-degree per step. Unknown roots are the
	// semantic stage's problem; ignore them here.
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)
	refsOf := make(map[string][]string)
	for _, s := range steps {
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		refs := append(expressions.Refs(s.Inputs), expressions.Refs(s.Prompt)...)
		for _, dep := range refs {
			if !ids[dep] || dep == s.ID {
				continue
			}
			refsOf[s.ID] = append(refsOf[s.ID], dep)
			dependents[dep] = append(dependents[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed < len(steps) {
		var cycle []string
		for id, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		result.AddError("/groups", schema.ErrCodeCycleDetected,
			fmt.Sprintf("dependency cycle involving steps %v", cycle))
	}

	warnUnusedBindings(def, steps, result)
	return result
}

// warnUnusedBindings flags explicit output bindings that no later step
// references: usually a typo in the consuming template.
func warnUnusedBindings(def *schema.WorkflowDefinition, steps []*schema.Step, result *schema.ValidationResult) {
	referenced := make(map[string]bool)
	for _, s := range steps {
		for _, dep := range append(expressions.Refs(s.Inputs), expressions.Refs(s.Prompt)...) {
			referenced[dep] = true
		}
	}

	last := ""
	if len(steps) > 0 {
		last = steps[len(steps)-1].ID
	}

	for gi := range def.Groups {
		for si := range def.Groups[gi].Steps {
			s := &def.Groups[gi].Steps[si]
			// The final step's outputs are the run's product.
			if s.ID == last || len(s.Outputs) == 0 {
				continue
			}
			if !referenced[s.ID] {
				result.AddWarning(fmt.Sprintf("/groups/%d/steps/%d/outputs", gi, si),
					schema.ErrCodeValidation,
					fmt.Sprintf("step %q declares output bindings but no step references them", s.ID))
			}
		}
	}
}
