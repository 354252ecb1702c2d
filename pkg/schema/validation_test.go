package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("groups[0].steps[1].capability", ErrCodeValidation, "unknown provider")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "groups[0].steps[1].capability", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("groups[0].steps[0].retry.max_attempts", ErrCodeValidation, "high attempt count")

	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")

	r2 := &ValidationResult{}
	r2.AddError("groups[1]", ErrCodeCycleDetected, "err2")
	r2.AddWarning("groups[2]", ErrCodeValidation, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")

	err := r.ToError()
	require.NotNil(t, err)

	var sErr *StrandError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, ErrCodeValidation, sErr.Code)
	assert.Contains(t, sErr.Message, "2 errors")
	assert.Equal(t, 2, sErr.Details["error_count"])
}

func TestStrandError_Retryable(t *testing.T) {
	assert.False(t, NewError(ErrCodeBudgetExceeded, "over limit").IsRetryable())
	assert.False(t, NewError(ErrCodeCancelled, "stopped").IsRetryable())
	assert.False(t, NewError(ErrCodeUnresolvedRef, "no such path").IsRetryable())
	assert.True(t, NewError(ErrCodeCapability, "upstream 503").IsRetryable())
	assert.True(t, NewError(ErrCodeTimeout, "deadline").IsRetryable())
	assert.True(t, NewError(ErrCodeCircuitOpen, "open").IsRetryable())
}

func TestStrandError_ErrorString(t *testing.T) {
	err := NewError(ErrCodeCapability, "boom").WithStep("deploy")
	assert.Equal(t, "[CAPABILITY_ERROR] step deploy: boom", err.Error())
}

func TestEffectivePolicy(t *testing.T) {
	def := &WorkflowDefinition{OnError: PolicyContinue}
	s := &Step{ID: "a"}
	assert.Equal(t, PolicyContinue, def.EffectivePolicy(s))

	s.OnError = PolicyRetry
	assert.Equal(t, PolicyRetry, def.EffectivePolicy(s))

	bare := &WorkflowDefinition{}
	assert.Equal(t, PolicyFail, bare.EffectivePolicy(&Step{ID: "b"}))
}
