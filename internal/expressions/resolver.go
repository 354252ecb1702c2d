package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strandworks/strand/pkg/schema"
)

// AbsentValue is the explicit marker substituted for references into
// the outputs of a step that published nothing (skipped or failed).
// Consumers that tolerate absence receive it instead of an
// UnresolvedReferenceError.
type AbsentValue struct{}

func (AbsentValue) String() string { return "<absent>" }

// Absent is the canonical absent marker instance.
var Absent = AbsentValue{}

// IsAbsent reports whether v is the absent marker.
func IsAbsent(v any) bool {
	_, ok := v.(AbsentValue)
	return ok
}

// ContainsAbsent reports whether v is, or transitively contains, the
// absent marker.
func ContainsAbsent(v any) bool {
	switch val := v.(type) {
	case AbsentValue:
		return true
	case map[string]any:
		for _, item := range val {
			if ContainsAbsent(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if ContainsAbsent(item) {
				return true
			}
		}
	}
	return false
}

// Reserved namespace roots that never refer to a step.
const (
	NamespaceEnv   = "env"
	NamespaceInput = "input"
)

// Scope is the layered variable context for one run: the environment
// snapshot, the initial run variables, and one namespace per completed
// step. Owned by the run scheduler; all writes go through its single
// merge point, so Scope itself carries no locking.
type Scope struct {
	roots  map[string]map[string]any
	absent map[string]bool // step IDs with no published outputs (skipped or failed)
}

// NewScope creates a scope with the env and input namespaces populated.
func NewScope(env, input map[string]any) *Scope {
	if env == nil {
		env = map[string]any{}
	}
	if input == nil {
		input = map[string]any{}
	}
	return &Scope{
		roots: map[string]map[string]any{
			NamespaceEnv:   env,
			NamespaceInput: input,
		},
		absent: make(map[string]bool),
	}
}

// PublishStep registers a completed step's published variables under the
// step's namespace. A step namespace is written exactly once.
func (s *Scope) PublishStep(stepID string, vars map[string]any) error {
	if stepID == NamespaceEnv || stepID == NamespaceInput {
		return schema.NewErrorf(schema.ErrCodeConflict, "step ID %q collides with a reserved namespace", stepID)
	}
	if _, exists := s.roots[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %q outputs already published", stepID)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	s.roots[stepID] = vars
	return nil
}

// MarkAbsent records that a step published no outputs; references into
// its namespace resolve to the absent marker.
func (s *Scope) MarkAbsent(stepID string) {
	s.absent[stepID] = true
}

// Snapshot returns the scope as plain nested maps for condition
// evaluation. Steps that published nothing appear as nil entries under
// steps, so conditions can test for them instead of erroring.
func (s *Scope) Snapshot() map[string]any {
	steps := make(map[string]any, len(s.roots))
	for root, vars := range s.roots {
		if root == NamespaceEnv || root == NamespaceInput {
			continue
		}
		steps[root] = vars
	}
	for id := range s.absent {
		steps[id] = nil
	}
	return map[string]any{
		"env":   s.roots[NamespaceEnv],
		"input": s.roots[NamespaceInput],
		"steps": steps,
	}
}

// HasPlaceholder reports whether the string contains a ${...} reference.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, "${")
}

// Resolve evaluates one expression string against the scope. A string that
// is exactly one placeholder resolves to the referenced value's native
// type; mixed literal text and placeholders concatenate into a string.
// Strings without placeholders pass through unchanged.
func Resolve(expr string, scope *Scope) (any, error) {
	if !HasPlaceholder(expr) {
		return expr, nil
	}

	// Whole-string single placeholder: native-typed resolution. A
	// placeholder closes at the first '}', so the string is one
	// placeholder only when that '}' is the final character.
	if strings.HasPrefix(expr, "${") && strings.IndexByte(expr, '}') == len(expr)-1 {
		return resolveBody(expr[2:len(expr)-1], scope)
	}

	var b strings.Builder
	b.Grow(len(expr))
	rest := expr
	for {
		idx := strings.Index(rest, "${")
		if idx == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		end := strings.Index(rest[idx:], "}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${ expression")
		}
		val, err := resolveBody(rest[idx+2:idx+end], scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[idx+end+1:]
	}
	return b.String(), nil
}

// ResolveValue resolves a template value: strings are resolved as
// expressions, maps and slices recurse, everything else is a literal.
func ResolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return Resolve(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderString resolves an expression and coerces the result to a string.
// Used for AI-generation prompt templates.
func RenderString(expr string, scope *Scope) (string, error) {
	val, err := Resolve(expr, scope)
	if err != nil {
		return "", err
	}
	return stringify(val), nil
}

// resolveBody evaluates one placeholder body: a dotted path optionally
// followed by "|| default". The grammar is closed: path lookup and
// default substitution only, no code evaluation.
func resolveBody(body string, scope *Scope) (any, error) {
	path := body
	fallback := ""
	hasFallback := false
	if idx := strings.Index(body, "||"); idx != -1 {
		path = strings.TrimSpace(body[:idx])
		fallback = strings.TrimSpace(body[idx+2:])
		hasFallback = true
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${}")
	}

	val, err := lookup(path, scope)
	if err != nil {
		if hasFallback {
			return parseFallback(fallback), nil
		}
		return nil, err
	}
	if IsAbsent(val) && hasFallback {
		return parseFallback(fallback), nil
	}
	return val, nil
}

// lookup traverses a dotted path against the scope roots.
func lookup(path string, scope *Scope) (any, error) {
	segments := strings.Split(path, ".")
	root := segments[0]

	if scope.absent[root] {
		return Absent, nil
	}

	vars, ok := scope.roots[root]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedRef,
			"unknown reference root %q in ${%s}", root, path).
			WithDetails(map[string]any{"expression": path})
	}

	if len(segments) == 1 {
		// Bare namespace reference: the whole variable map.
		return vars, nil
	}

	var current any = vars
	for i, seg := range segments[1:] {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedRef,
				"cannot traverse into non-object at %q in ${%s} (type %T)", seg, path, current).
				WithDetails(map[string]any{"expression": path})
		}
		val, ok := obj[seg]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedRef,
				"path segment %q not found in ${%s}; available: [%s]",
				seg, path, strings.Join(sortedKeys(obj), ", ")).
				WithDetails(map[string]any{"expression": path, "segment_index": i + 1})
		}
		current = val
	}
	return current, nil
}

// parseFallback interprets a fallback literal: JSON when it parses,
// raw string otherwise.
func parseFallback(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// stringify renders a resolved value for concatenation into a string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case AbsentValue:
		return ""
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Refs extracts the step IDs statically referenced by a template value:
// every placeholder path root that is not a reserved namespace. Used by
// validation and the graph planner to infer step dependencies.
func Refs(v any) []string {
	set := make(map[string]bool)
	collectRefs(v, set)
	return sortedSet(set)
}

// RefsWithFallback is like Refs but reports, per step ID, whether every
// reference to it carried a fallback. A step "requires" a dependency's
// value when at least one reference has no fallback.
func RefsWithFallback(v any) map[string]bool {
	required := make(map[string]bool)
	collectRequired(v, required)
	return required
}

func collectRefs(v any, set map[string]bool) {
	for id := range RefsWithFallback(v) {
		set[id] = true
	}
}

func collectRequired(v any, required map[string]bool) {
	switch val := v.(type) {
	case string:
		for _, ref := range extractRefs(val) {
			if ref.root == NamespaceEnv || ref.root == NamespaceInput {
				continue
			}
			if !ref.hasFallback {
				required[ref.root] = true
			} else if _, seen := required[ref.root]; !seen {
				required[ref.root] = false
			}
		}
	case map[string]any:
		for _, item := range val {
			collectRequired(item, required)
		}
	case []any:
		for _, item := range val {
			collectRequired(item, required)
		}
	}
}

type placeholderRef struct {
	root        string
	hasFallback bool
}

// extractRefs scans a string for ${...} placeholders and returns their
// path roots. Malformed placeholders are ignored here; CheckSyntax
// reports them during validation.
func extractRefs(s string) []placeholderRef {
	var refs []placeholderRef
	for {
		idx := strings.Index(s, "${")
		if idx == -1 {
			break
		}
		end := strings.Index(s[idx:], "}")
		if end == -1 {
			break
		}
		body := s[idx+2 : idx+end]
		path := body
		hasFallback := false
		if fb := strings.Index(body, "||"); fb != -1 {
			path = body[:fb]
			hasFallback = true
		}
		path = strings.TrimSpace(path)
		if path != "" {
			root := path
			if dot := strings.IndexByte(path, '.'); dot != -1 {
				root = path[:dot]
			}
			refs = append(refs, placeholderRef{root: root, hasFallback: hasFallback})
		}
		s = s[idx+end+1:]
	}
	return refs
}

// CheckSyntax verifies that every ${ in a template value is closed and
// non-empty. Returns a VALIDATION_ERROR describing the first problem.
func CheckSyntax(v any) error {
	switch val := v.(type) {
	case string:
		s := val
		for {
			idx := strings.Index(s, "${")
			if idx == -1 {
				return nil
			}
			end := strings.Index(s[idx:], "}")
			if end == -1 {
				return schema.NewErrorf(schema.ErrCodeValidation, "unclosed ${ expression in %q", val)
			}
			body := strings.TrimSpace(s[idx+2 : idx+end])
			if body == "" || strings.TrimSpace(strings.SplitN(body, "||", 2)[0]) == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "empty variable reference in %q", val)
			}
			s = s[idx+end+1:]
		}
	case map[string]any:
		for _, item := range val {
			if err := CheckSyntax(item); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range val {
			if err := CheckSyntax(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	set := make(map[string]bool, len(m))
	for k := range m {
		set[k] = true
	}
	return sortedSet(set)
}

func sortedSet(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	// Insertion sort; these slices are small.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
