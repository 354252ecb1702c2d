package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/pkg/schema"
)

func planStep(id string, inputs map[string]any) schema.Step {
	return schema.Step{
		ID:         id,
		Capability: schema.CapabilityRef{Category: "test", Provider: "p"},
		Action:     "x",
		Inputs:     inputs,
	}
}

func TestBuildPlanInfersDependencies(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "deps",
		Groups: []schema.StepGroup{
			{Steps: []schema.Step{planStep("a", nil)}},
			{Steps: []schema.Step{planStep("b", map[string]any{
				"hard": "${a.value}",
				"soft": `${a.other || "dflt"}`,
				"env":  "${env.HOME}",
			})}},
		},
	}

	plan, err := BuildPlan(def)
	require.NoError(t, err)

	b := plan.byID["b"]
	require.NotNil(t, b)
	assert.Equal(t, map[string]bool{"a": true}, b.deps,
		"one fallback-less reference makes the dependency required; env is not a step")
	assert.Equal(t, []string{"b"}, plan.dependents("a"))
}

func TestBuildPlanFallbackOnlyDependencyIsOptional(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "optional",
		Groups: []schema.StepGroup{
			{Steps: []schema.Step{planStep("a", nil)}},
			{Steps: []schema.Step{planStep("b", map[string]any{
				"soft": `${a.value || "dflt"}`,
			})}},
		},
	}

	plan, err := BuildPlan(def)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": false}, plan.byID["b"].deps)
}

func TestBuildPlanSequentialSameGroupReference(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "same-group",
		Groups: []schema.StepGroup{
			{Steps: []schema.Step{
				planStep("a", nil),
				planStep("b", map[string]any{"v": "${a.value}"}),
			}},
		},
	}

	_, err := BuildPlan(def)
	assert.NoError(t, err, "an earlier position in a sequential group is strictly earlier")
}

func TestBuildPlanRejectsParallelSiblingReference(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "siblings",
		Groups: []schema.StepGroup{
			{Parallel: true, Steps: []schema.Step{
				planStep("a", nil),
				planStep("b", map[string]any{"v": "${a.value}"}),
			}},
		},
	}

	_, err := BuildPlan(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not guaranteed to complete first")
}

func TestBuildPlanRejectsForwardAndUnknownReferences(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "forward",
		Groups: []schema.StepGroup{
			{Steps: []schema.Step{planStep("a", map[string]any{"v": "${b.value}"})}},
			{Steps: []schema.Step{planStep("b", nil)}},
		},
	}
	_, err := BuildPlan(def)
	assert.Error(t, err, "b is declared later, so a cannot reference it")

	def = &schema.WorkflowDefinition{
		Name: "unknown",
		Groups: []schema.StepGroup{
			{Steps: []schema.Step{planStep("a", map[string]any{"v": "${ghost.value}"})}},
		},
	}
	_, err = BuildPlan(def)
	assert.Error(t, err)
}

func TestBuildPlanRejectsDuplicateIDs(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "dups",
		Groups: []schema.StepGroup{
			{Steps: []schema.Step{planStep("a", nil)}},
			{Steps: []schema.Step{planStep("a", nil)}},
		},
	}

	_, err := BuildPlan(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step ID")
}

func TestBuildPlanConditionReferencesAreOptionalDeps(t *testing.T) {
	b := planStep("b", nil)
	b.Condition = `steps.a != null && steps.a.count > 0`

	def := &schema.WorkflowDefinition{
		Name: "cond-deps",
		Groups: []schema.StepGroup{
			{Steps: []schema.Step{planStep("a", nil)}},
			{Steps: []schema.Step{b}},
		},
	}

	plan, err := BuildPlan(def)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": false}, plan.byID["b"].deps,
		"conditions see skipped steps as null, so the dependency is not required")
}

func TestConditionStepRefs(t *testing.T) {
	assert.Equal(t, []string{"fetch"}, conditionStepRefs(`steps.fetch.count > 3`))
	assert.Equal(t, []string{"a", "b"}, conditionStepRefs(`steps.a != null || steps.b != null`))
	assert.Nil(t, conditionStepRefs(`input.enabled == true`))
	assert.Nil(t, conditionStepRefs(`mysteps.a > 0`), "identifier boundary is respected")
}
