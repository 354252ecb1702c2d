package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/pkg/schema"
)

func testScope(t *testing.T) *Scope {
	t.Helper()
	scope := NewScope(
		map[string]any{"region": "eu-west-1"},
		map[string]any{"ticket": "PROJ-42", "dry_run": false},
	)
	require.NoError(t, scope.PublishStep("fetch", map[string]any{
		"title": "Fix login crash",
		"meta":  map[string]any{"priority": float64(2), "labels": []any{"bug", "auth"}},
	}))
	return scope
}

func TestResolve_SinglePlaceholderKeepsNativeType(t *testing.T) {
	scope := testScope(t)

	val, err := Resolve("${fetch.meta.priority}", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(2), val)

	val, err = Resolve("${input.dry_run}", scope)
	require.NoError(t, err)
	assert.Equal(t, false, val)

	val, err = Resolve("${fetch.meta}", scope)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"priority": float64(2), "labels": []any{"bug", "auth"}}, val)
}

func TestResolve_MixedTextConcatenates(t *testing.T) {
	scope := testScope(t)

	val, err := Resolve("branch/${input.ticket}-${fetch.meta.priority}", scope)
	require.NoError(t, err)
	assert.Equal(t, "branch/PROJ-42-2", val)
}

func TestResolve_TrailingLiteralBraceConcatenates(t *testing.T) {
	scope := testScope(t)

	val, err := Resolve("${fetch.meta.priority} items}", scope)
	require.NoError(t, err)
	assert.Equal(t, "2 items}", val)

	val, err = Resolve("${fetch.title}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "Fix login crash}", val)
}

func TestResolve_LiteralPassThrough(t *testing.T) {
	scope := testScope(t)

	val, err := Resolve("plain text", scope)
	require.NoError(t, err)
	assert.Equal(t, "plain text", val)
}

func TestResolve_MissingPathWithoutFallback(t *testing.T) {
	scope := testScope(t)

	_, err := Resolve("${fetch.nope}", scope)
	require.Error(t, err)
	var sErr *schema.StrandError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, schema.ErrCodeUnresolvedRef, sErr.Code)

	_, err = Resolve("${ghost.title}", scope)
	require.Error(t, err)
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, schema.ErrCodeUnresolvedRef, sErr.Code)
}

func TestResolve_Fallback(t *testing.T) {
	scope := testScope(t)

	val, err := Resolve("${fetch.nope || backup}", scope)
	require.NoError(t, err)
	assert.Equal(t, "backup", val)

	// JSON fallbacks keep their native type.
	val, err = Resolve("${fetch.nope || 3}", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(3), val)

	val, err = Resolve(`${fetch.nope || true}`, scope)
	require.NoError(t, err)
	assert.Equal(t, true, val)
}

func TestResolve_AbsentStep(t *testing.T) {
	scope := testScope(t)
	scope.MarkAbsent("review")

	val, err := Resolve("${review.verdict}", scope)
	require.NoError(t, err)
	assert.True(t, IsAbsent(val))

	val, err = Resolve("${review.verdict || skipped}", scope)
	require.NoError(t, err)
	assert.Equal(t, "skipped", val)
}

func TestResolveValue_Recurses(t *testing.T) {
	scope := testScope(t)

	out, err := ResolveValue(map[string]any{
		"title":  "${fetch.title}",
		"nested": []any{"${input.ticket}", 7},
	}, scope)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"title":  "Fix login crash",
		"nested": []any{"PROJ-42", 7},
	}, out)
}

func TestPublishStep_Conflicts(t *testing.T) {
	scope := testScope(t)

	err := scope.PublishStep("fetch", map[string]any{"x": 1})
	require.Error(t, err)

	err = scope.PublishStep("input", map[string]any{"x": 1})
	require.Error(t, err)
}

func TestRefs(t *testing.T) {
	template := map[string]any{
		"a": "${fetch.title}",
		"b": "pre-${analyze.summary || none}",
		"c": "${env.region} ${input.ticket}",
	}
	assert.Equal(t, []string{"analyze", "fetch"}, Refs(template))

	required := RefsWithFallback(template)
	assert.True(t, required["fetch"])
	assert.False(t, required["analyze"])
}

func TestCheckSyntax(t *testing.T) {
	assert.NoError(t, CheckSyntax("ok ${a.b} ok"))
	assert.Error(t, CheckSyntax("bad ${a.b"))
	assert.Error(t, CheckSyntax("bad ${}"))
	assert.Error(t, CheckSyntax(map[string]any{"k": "${ || x}"}))
}

func TestContainsAbsent(t *testing.T) {
	assert.True(t, ContainsAbsent(Absent))
	assert.True(t, ContainsAbsent(map[string]any{"k": []any{Absent}}))
	assert.False(t, ContainsAbsent(map[string]any{"k": "v"}))
}

func TestRenderString(t *testing.T) {
	scope := testScope(t)

	out, err := RenderString("Summarize ${fetch.title} for ${input.ticket}", scope)
	require.NoError(t, err)
	assert.Equal(t, "Summarize Fix login crash for PROJ-42", out)
}
