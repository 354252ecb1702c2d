package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/pkg/schema"
)

func TestTransformExpr(t *testing.T) {
	tr := NewTransform()

	result, err := tr.Invoke(context.Background(), "expr", map[string]any{
		"expression": "len(items) * price",
		"data":       map[string]any{"items": []any{"a", "b", "c"}, "price": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 6, result.Outputs["result"])
	assert.Zero(t, result.Cost)
}

func TestTransformExprCompileError(t *testing.T) {
	tr := NewTransform()

	_, err := tr.Invoke(context.Background(), "expr", map[string]any{
		"expression": "1 +",
		"data":       map[string]any{},
	})
	var serr *schema.StrandError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, schema.ErrCodeCapability, serr.Code)
}

func TestTransformJQ(t *testing.T) {
	tr := NewTransform()

	tests := []struct {
		name       string
		expression string
		data       map[string]any
		want       any
	}{
		{
			name:       "single result",
			expression: ".user.name",
			data:       map[string]any{"user": map[string]any{"name": "ada"}},
			want:       "ada",
		},
		{
			name:       "integer inputs normalized",
			expression: ".count + 1",
			data:       map[string]any{"count": 2},
			want:       float64(3),
		},
		{
			name:       "multiple results collected",
			expression: ".items[]",
			data:       map[string]any{"items": []any{"a", "b"}},
			want:       []any{"a", "b"},
		},
		{
			name:       "empty stream is nil",
			expression: ".items[]?",
			data:       map[string]any{},
			want:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tr.Invoke(context.Background(), "jq", map[string]any{
				"expression": tt.expression,
				"data":       tt.data,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Outputs["result"])
		})
	}
}

func TestTransformJQEnvBlocked(t *testing.T) {
	tr := NewTransform()

	result, err := tr.Invoke(context.Background(), "jq", map[string]any{
		"expression": `$ENV.PATH`,
		"data":       map[string]any{},
	})
	require.NoError(t, err)
	assert.Nil(t, result.Outputs["result"], "environment must not leak into jq programs")
}

func TestTransformRejectsUnknownAction(t *testing.T) {
	tr := NewTransform()

	_, err := tr.Invoke(context.Background(), "awk", map[string]any{"expression": "."})
	require.Error(t, err)

	_, err = tr.Invoke(context.Background(), "expr", map[string]any{"data": map[string]any{}})
	require.Error(t, err, "missing expression must be rejected")
}

func TestGenerator(t *testing.T) {
	gen := NewGenerator(func(ctx context.Context, prompt string, params map[string]any) (string, float64, error) {
		return "generated: " + prompt, 1.25, nil
	})

	result, err := gen.Invoke(context.Background(), ActionGenerate, map[string]any{"prompt": "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "generated: summarize", result.Outputs["content"])
	assert.Equal(t, 1.25, result.Cost)

	_, err = gen.Invoke(context.Background(), ActionGenerate, map[string]any{})
	assert.Error(t, err, "empty prompt must be rejected")

	_, err = gen.Invoke(context.Background(), "summarize", map[string]any{"prompt": "x"})
	assert.Error(t, err, "generators expose only the generate action")
}

func TestGeneratorPropagatesFailure(t *testing.T) {
	gen := NewGenerator(func(ctx context.Context, prompt string, params map[string]any) (string, float64, error) {
		return "", 0, errors.New("model overloaded")
	})

	_, err := gen.Invoke(context.Background(), ActionGenerate, map[string]any{"prompt": "x"})
	var serr *schema.StrandError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, schema.ErrCodeCapability, serr.Code)
	assert.Contains(t, serr.Message, "model overloaded")
}
