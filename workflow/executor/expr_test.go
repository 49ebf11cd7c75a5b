package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/workflow/secrets"
	secretsmem "github.com/loomhq/loom/workflow/secrets/memory"
)

func testScope() *scope {
	return &scope{
		params: map[string]any{"region": "eu-west-1", "count": 3},
		actions: map[string]*ActionResult{
			"fetch": {Status: "Succeeded", Output: map[string]any{"total": 7.0}},
		},
		vars: map[string]any{"loopIndex": 4},
	}
}

func TestEvaluatePassThrough(t *testing.T) {
	ctx := context.Background()
	sc := testScope()

	v, err := evaluate(ctx, "plain text", sc)
	require.NoError(t, err)
	assert.Equal(t, "plain text", v)

	v, err = evaluate(ctx, 42, sc)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = evaluate(ctx, "@@parameters('region')", sc)
	require.NoError(t, err)
	assert.Equal(t, "@parameters('region')", v)
}

func TestEvaluateLookups(t *testing.T) {
	ctx := context.Background()
	sc := testScope()

	v, err := evaluate(ctx, "@parameters('region')", sc)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", v)

	v, err = evaluate(ctx, "@variables('loopIndex')", sc)
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	v, err = evaluate(ctx, "@actions('fetch').output.total", sc)
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)

	v, err = evaluate(ctx, "@actions('fetch').status", sc)
	require.NoError(t, err)
	assert.Equal(t, "Succeeded", v)
}

func TestEvaluateUnknownReferences(t *testing.T) {
	ctx := context.Background()
	sc := testScope()

	_, err := evaluate(ctx, "@parameters('ghost')", sc)
	require.ErrorContains(t, err, "Unknown parameter: ghost")
	_, err = evaluate(ctx, "@variables('ghost')", sc)
	require.ErrorContains(t, err, "Unknown variable: ghost")
	_, err = evaluate(ctx, "@actions('ghost')", sc)
	require.ErrorContains(t, err, "Unknown action reference: ghost")
}

func TestEvaluateBooleanForms(t *testing.T) {
	ctx := context.Background()
	sc := testScope()

	cases := []struct {
		expr string
		want bool
	}{
		{"@equals(@parameters('region'),'eu-west-1')", true},
		{"@equals(@parameters('count'),3)", true},
		{"@equals(1,2)", false},
		{"@less(2,3)", true},
		{"@less(3,3)", false},
		{"@greaterOrEquals(@variables('loopIndex'),4)", true},
		{"@greaterOrEquals(3,4)", false},
		{"@not(@equals(1,2))", true},
	}
	for _, tc := range cases {
		v, err := evaluate(ctx, tc.expr, sc)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, v, tc.expr)
	}
}

func TestEvaluateRecursesThroughContainers(t *testing.T) {
	ctx := context.Background()
	sc := testScope()

	v, err := evaluate(ctx, map[string]any{
		"region": "@parameters('region')",
		"tags":   []any{"@variables('loopIndex')", "literal"},
	}, sc)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"region": "eu-west-1",
		"tags":   []any{4, "literal"},
	}, v)
}

func TestEvaluateSecret(t *testing.T) {
	ctx := context.Background()
	store := secretsmem.New()
	_, err := store.SetSecret(ctx, "api-key", "ABC", secrets.SetOptions{})
	require.NoError(t, err)

	sc := testScope()
	sc.secrets = store

	v, err := evaluate(ctx, "@secret('api-key')", sc)
	require.NoError(t, err)
	assert.Equal(t, "ABC", v)

	_, err = evaluate(ctx, "@secret('missing')", sc)
	require.ErrorContains(t, err, "Secret not found: missing")

	sc.secrets = nil
	_, err = evaluate(ctx, "@secret('api-key')", sc)
	require.ErrorContains(t, err, "No secrets client configured")
}

func TestEvaluateMalformedExpressions(t *testing.T) {
	ctx := context.Background()
	sc := testScope()

	_, err := evaluate(ctx, "@parameters('region'", sc)
	require.Error(t, err)
	_, err = evaluate(ctx, "@shout('x')", sc)
	require.ErrorContains(t, err, "unknown function @shout")
	_, err = evaluate(ctx, "@parameters('region')garbage(", sc)
	require.Error(t, err)
	_, err = evaluate(ctx, "@not(42)", sc)
	require.ErrorContains(t, err, "not expects a boolean")
}

func TestEvaluateQuoteEscape(t *testing.T) {
	ctx := context.Background()
	sc := testScope()
	sc.params["it's"] = "works"

	v, err := evaluate(ctx, "@parameters('it''s')", sc)
	require.NoError(t, err)
	assert.Equal(t, "works", v)
}
