package engine

import (
	"strings"

	"github.com/strandworks/strand/internal/expressions"
	"github.com/strandworks/strand/pkg/schema"
)

// plannedStep is one step with its inferred dependencies resolved
// against the definition's group ordering.
type plannedStep struct {
	step       *schema.Step
	groupIndex int
	indexInGrp int
	// deps maps a dependency step ID to whether this step requires its
	// value: true when at least one reference carries no fallback.
	// Required dependencies propagate skips; optional ones resolve to
	// the absent marker.
	deps map[string]bool
}

type plannedGroup struct {
	parallel bool
	steps    []*plannedStep
}

// Plan is the dependency-ordered execution plan for one definition.
// Built once per run from the immutable definition; never mutated
// during execution.
type Plan struct {
	def    *schema.WorkflowDefinition
	groups []plannedGroup
	byID   map[string]*plannedStep
}

// BuildPlan derives the execution plan: group declaration order plus
// dependencies inferred from variable references in input templates,
// prompts, and run conditions. References must point to steps scheduled
// strictly earlier; anything else (unknown step, forward reference,
// reference into a parallel sibling) is rejected here, which also rules
// out cycles.
func BuildPlan(def *schema.WorkflowDefinition) (*Plan, error) {
	p := &Plan{
		def:  def,
		byID: make(map[string]*plannedStep),
	}

	for gi := range def.Groups {
		group := &def.Groups[gi]
		pg := plannedGroup{parallel: group.Parallel}

		for si := range group.Steps {
			step := &group.Steps[si]
			if _, dup := p.byID[step.ID]; dup {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"duplicate step ID %q", step.ID).WithStep(step.ID)
			}

			ps := &plannedStep{
				step:       step,
				groupIndex: gi,
				indexInGrp: si,
				deps:       stepDeps(step),
			}

			for dep := range ps.deps {
				target, known := p.byID[dep]
				if !known {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"step %q references %q, which is not an earlier step", step.ID, dep).
						WithStep(step.ID)
				}
				if !strictlyEarlier(target, ps, group.Parallel) {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"step %q references %q, which is not guaranteed to complete first", step.ID, dep).
						WithStep(step.ID)
				}
			}

			p.byID[step.ID] = ps
			pg.steps = append(pg.steps, ps)
		}
		p.groups = append(p.groups, pg)
	}

	return p, nil
}

// strictlyEarlier reports whether dep is guaranteed terminal before
// step dispatches: an earlier group, or an earlier position in the
// same sequential group.
func strictlyEarlier(dep, step *plannedStep, parallel bool) bool {
	if dep.groupIndex < step.groupIndex {
		return true
	}
	if dep.groupIndex == step.groupIndex && !parallel {
		return dep.indexInGrp < step.indexInGrp
	}
	return false
}

// stepDeps collects the step IDs a step depends on, with the required
// flag. Input templates and the prompt use the ${...} grammar; run
// conditions reference steps.<id> paths.
func stepDeps(step *schema.Step) map[string]bool {
	deps := expressions.RefsWithFallback(step.Inputs)
	for id, required := range expressions.RefsWithFallback(step.Prompt) {
		if required {
			deps[id] = true
		} else if _, seen := deps[id]; !seen {
			deps[id] = false
		}
	}
	for _, id := range conditionStepRefs(step.Condition) {
		if _, seen := deps[id]; !seen {
			deps[id] = false // conditions handle null, never required
		}
	}
	return deps
}

// conditionStepRefs scans a condition expression for steps.<id>
// references. A lexical scan is enough here: conditions are compiled
// and type-checked separately by the condition engine.
func conditionStepRefs(condition string) []string {
	var ids []string
	rest := condition
	for {
		idx := strings.Index(rest, "steps.")
		if idx == -1 {
			return ids
		}
		// Reject matches that are part of a longer identifier, like
		// "mysteps.x".
		if idx > 0 && isIdentChar(rest[idx-1]) {
			rest = rest[idx+len("steps."):]
			continue
		}
		rest = rest[idx+len("steps."):]
		end := 0
		for end < len(rest) && isIdentChar(rest[end]) {
			end++
		}
		if end > 0 {
			ids = append(ids, rest[:end])
		}
		rest = rest[end:]
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// dependents returns the IDs of steps that list id as a dependency.
func (p *Plan) dependents(id string) []string {
	var out []string
	for _, g := range p.groups {
		for _, ps := range g.steps {
			if _, ok := ps.deps[id]; ok {
				out = append(out, ps.step.ID)
			}
		}
	}
	return out
}
