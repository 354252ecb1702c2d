package capability

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/strandworks/strand/pkg/schema"
)

// Transform is the built-in core/transform provider: pure in-process
// data reshaping between steps. Two actions:
//
//	expr — evaluates an expr-lang program; the "data" input map is the
//	       expression environment.
//	jq   — runs a jq program against the "data" input.
//
// Both cache compiled programs, making the provider safe and cheap to
// share across concurrent runs. Transformations are cost-free.
type Transform struct {
	mu        sync.RWMutex
	exprCache map[string]*vm.Program
	jqCache   map[string]*gojq.Code
}

// NewTransform creates the core/transform provider.
func NewTransform() *Transform {
	return &Transform{
		exprCache: make(map[string]*vm.Program),
		jqCache:   make(map[string]*gojq.Code),
	}
}

func (t *Transform) Invoke(ctx context.Context, action string, inputs map[string]any) (*Result, error) {
	expression, _ := inputs["expression"].(string)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeCapability, "transform requires a non-empty expression")
	}
	data, _ := inputs["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}

	var (
		out any
		err error
	)
	switch action {
	case "expr":
		out, err = t.evalExpr(expression, data)
	case "jq":
		out, err = t.evalJQ(ctx, expression, data)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "transform has no action %q", action)
	}
	if err != nil {
		return nil, err
	}

	return &Result{Outputs: map[string]any{"result": out}}, nil
}

func (t *Transform) CheckHealth(ctx context.Context) bool {
	return true
}

func (t *Transform) evalExpr(expression string, data map[string]any) (any, error) {
	prg, err := t.exprProgram(expression, data)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (t *Transform) exprProgram(expression string, data map[string]any) (*vm.Program, error) {
	t.mu.RLock()
	if prg, ok := t.exprCache[expression]; ok {
		t.mu.RUnlock()
		return prg, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if prg, ok := t.exprCache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(data),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	t.exprCache[expression] = prg
	return prg, nil
}

func (t *Transform) evalJQ(ctx context.Context, expression string, data map[string]any) (any, error) {
	code, err := t.jqProgram(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(data))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if evalErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeCapability,
				"jq evaluation failed for %q: %s", expression, evalErr.Error()).
				WithCause(evalErr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (t *Transform) jqProgram(expression string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.jqCache[expression]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if code, ok := t.jqCache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	t.jqCache[expression] = code
	return code, nil
}

// normalizeForJQ converts integer types to float64, jq's native number
// representation.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
