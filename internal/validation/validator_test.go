package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/internal/expressions"
	"github.com/strandworks/strand/pkg/schema"
)

type fakeCaps map[string]bool

func (f fakeCaps) Has(category, provider string) bool {
	return f[category+"/"+provider]
}

func knownCaps() fakeCaps {
	return fakeCaps{
		"core/transform":        true,
		"communication/slack":   true,
		"ai-generation/default": true,
	}
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	conds, err := expressions.NewConditionEngine()
	require.NoError(t, err)
	return NewValidator(knownCaps(), conds)
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "release-notes",
		Groups: []schema.StepGroup{
			{Steps: []schema.Step{{
				ID:         "fetch",
				Capability: schema.CapabilityRef{Category: "core", Provider: "transform"},
				Action:     "jq",
				Inputs:     map[string]any{"expression": ".items", "data": map[string]any{}},
			}}},
			{Steps: []schema.Step{{
				ID:         "announce",
				Capability: schema.CapabilityRef{Category: "communication", Provider: "slack"},
				Action:     "post",
				Inputs:     map[string]any{"text": "done: ${fetch.result}"},
			}}},
		},
	}
}

func TestValidateDefinitionAccepts(t *testing.T) {
	v := newTestValidator(t)

	result := v.ValidateDefinition(validDefinition())
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidateDefinitionStructural(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
	}{
		{"missing name", func(d *schema.WorkflowDefinition) { d.Name = "" }},
		{"no groups", func(d *schema.WorkflowDefinition) { d.Groups = nil }},
		{"step id with dots", func(d *schema.WorkflowDefinition) { d.Groups[0].Steps[0].ID = "a.b" }},
		{"bad timeout", func(d *schema.WorkflowDefinition) { d.Groups[0].Steps[0].Timeout = "fast" }},
		{"negative cost", func(d *schema.WorkflowDefinition) { d.Groups[0].Steps[0].EstimatedCost = -1 }},
		{"bad policy", func(d *schema.WorkflowDefinition) { d.Groups[0].Steps[0].OnError = "explode" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			result := v.ValidateDefinition(def)
			assert.False(t, result.Valid())
		})
	}
}

func TestValidateDefinitionUnknownCapability(t *testing.T) {
	v := newTestValidator(t)

	def := validDefinition()
	def.Groups[1].Steps[0].Capability = schema.CapabilityRef{Category: "communication", Provider: "teams"}

	result := v.ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `communication/teams`)
	assert.Contains(t, result.Errors[0].Path, "/groups/1/steps/0")
}

func TestValidateDefinitionDuplicateStepIDs(t *testing.T) {
	v := newTestValidator(t)

	def := validDefinition()
	def.Groups[1].Steps[0].ID = "fetch"
	def.Groups[1].Steps[0].Inputs = map[string]any{"text": "hi"}

	result := v.ValidateDefinition(def)
	assert.False(t, result.Valid())
}

func TestValidateDefinitionForwardReference(t *testing.T) {
	v := newTestValidator(t)

	def := validDefinition()
	def.Groups[0].Steps[0].Inputs = map[string]any{
		"expression": ".",
		"data":       "${announce.result}", // later step
	}

	result := v.ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "not an earlier step")
}

func TestValidateDefinitionParallelSiblingReference(t *testing.T) {
	v := newTestValidator(t)

	def := &schema.WorkflowDefinition{
		Name: "wf",
		Groups: []schema.StepGroup{
			{Parallel: true, Steps: []schema.Step{
				{
					ID:         "a",
					Capability: schema.CapabilityRef{Category: "core", Provider: "transform"},
					Action:     "expr",
					Inputs:     map[string]any{"expression": "1"},
				},
				{
					ID:         "b",
					Capability: schema.CapabilityRef{Category: "core", Provider: "transform"},
					Action:     "expr",
					Inputs:     map[string]any{"expression": "1", "data": map[string]any{"x": "${a.result}"}},
				},
			}},
		},
	}

	result := v.ValidateDefinition(def)
	require.False(t, result.Valid(), "a parallel sibling's output is not guaranteed available")
}

func TestValidateDefinitionGenerationRequiresPrompt(t *testing.T) {
	v := newTestValidator(t)

	def := validDefinition()
	def.Groups[1].Steps[0] = schema.Step{
		ID:         "draft",
		Capability: schema.CapabilityRef{Category: "ai-generation", Provider: "default"},
	}

	result := v.ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "prompt")
}

func TestValidateDefinitionRetryPolicySanity(t *testing.T) {
	v := newTestValidator(t)

	def := validDefinition()
	def.Groups[0].Steps[0].OnError = schema.PolicyRetry

	result := v.ValidateDefinition(def)
	assert.False(t, result.Valid(), "retry policy needs a retry configuration")

	def = validDefinition()
	def.Groups[0].Steps[0].Retry = &schema.RetryPolicy{MaxAttempts: 3, Delay: "1s"}
	result = v.ValidateDefinition(def)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings, "retry config without retry policy warns")
}

func TestValidateDefinitionBadCondition(t *testing.T) {
	v := newTestValidator(t)

	def := validDefinition()
	def.Groups[1].Steps[0].Condition = "steps.fetch.result ==" // malformed CEL

	result := v.ValidateDefinition(def)
	assert.False(t, result.Valid())
}

func TestValidateDefinitionMalformedPlaceholder(t *testing.T) {
	v := newTestValidator(t)

	def := validDefinition()
	def.Groups[1].Steps[0].Inputs = map[string]any{"text": "oops ${fetch.result"}

	result := v.ValidateDefinition(def)
	assert.False(t, result.Valid())
}

func TestValidateDocument(t *testing.T) {
	v := newTestValidator(t)

	def, result := v.ValidateDocument([]byte(`{
		"name": "doc-flow",
		"groups": [
			{"steps": [{
				"id": "fetch",
				"capability": {"category": "core", "provider": "transform"},
				"action": "jq",
				"inputs": {"expression": ".x", "data": {}}
			}]}
		]
	}`))
	require.True(t, result.Valid(), "errors: %v", result.Errors)
	require.NotNil(t, def)
	assert.Equal(t, "doc-flow", def.Name)

	def, result = v.ValidateDocument([]byte(`{"name": 42}`))
	assert.False(t, result.Valid())
	assert.Nil(t, def)

	def, result = v.ValidateDocument([]byte(`not json`))
	assert.False(t, result.Valid())
	assert.Nil(t, def)
}

func TestValidateDefinitionUnusedBindingWarns(t *testing.T) {
	v := newTestValidator(t)

	def := validDefinition()
	def.Groups[0].Steps[0].Outputs = map[string]string{"result": "items"}
	def.Groups[1].Steps[0].Inputs = map[string]any{"text": "static"}

	result := v.ValidateDefinition(def)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings)
}
