// Package validation rejects bad workflow documents before a run is
// created: structural (JSON Schema), semantic (capabilities, identity,
// reference discipline), and graph (cycles) stages, reported as
// field-level issues rather than one opaque failure.
package validation

import (
	"encoding/json"

	"github.com/strandworks/strand/pkg/schema"
)

// Validator is the 3-stage pipeline. One process-wide instance serves
// every caller.
type Validator struct {
	structural *StructuralValidator
	caps       CapabilityChecker
	conds      ConditionChecker
}

// NewValidator creates the pipeline. The embedded schema is a compile
// constant, so a compilation failure is a programming error.
func NewValidator(caps CapabilityChecker, conds ConditionChecker) *Validator {
	structural, err := NewStructuralValidator()
	if err != nil {
		panic("validation: embedded workflow schema does not compile: " + err.Error())
	}
	return &Validator{structural: structural, caps: caps, conds: conds}
}

// ValidateDefinition runs all stages over a typed definition.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := v.structural.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantics(def, v.caps, v.conds))
	result.Merge(validateGraph(def))
	return result
}

// ValidateDocument parses and validates a raw JSON workflow document.
// The returned definition is nil unless the result is valid.
func (v *Validator) ValidateDocument(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := v.structural.ValidateDocument(raw)
	if !result.Valid() {
		return nil, result
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		result.AddError("", schema.ErrCodeValidation, "decode workflow document: "+err.Error())
		return nil, result
	}

	result.Merge(validateSemantics(&def, v.caps, v.conds))
	result.Merge(validateGraph(&def))
	if !result.Valid() {
		return nil, result
	}
	return &def, result
}
