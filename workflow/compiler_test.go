package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler()
	require.NoError(t, err)
	return c
}

func minimalDefinition() *Definition {
	return &Definition{
		ContentVersion: "1.0.0.0",
		Triggers: map[string]Trigger{
			"manual": {Type: "Request"},
		},
		Actions: map[string]*Action{
			"hello": {Type: TypeCompose, Inputs: "world"},
		},
	}
}

func messages(r Result) []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

func TestCompileValidDefinition(t *testing.T) {
	c := newCompiler(t)
	r := c.Compile(minimalDefinition())
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
}

func TestCompileRequiresTriggerAndAction(t *testing.T) {
	c := newCompiler(t)
	r := c.Compile(&Definition{})
	require.False(t, r.Valid)
	assert.Contains(t, messages(r), "Workflow must have at least one trigger")
	assert.Contains(t, messages(r), "Workflow must have at least one action")
}

func TestCompileUnknownDependency(t *testing.T) {
	c := newCompiler(t)
	def := minimalDefinition()
	def.Actions["second"] = &Action{
		Type:     TypeCompose,
		RunAfter: map[string][]string{"missing": {StatusSucceeded}},
	}
	r := c.Compile(def)
	require.False(t, r.Valid)
	assert.Contains(t, messages(r), "[second] Unknown dependency: missing")
}

func TestCompileUnknownActionType(t *testing.T) {
	c := newCompiler(t)
	def := minimalDefinition()
	def.Actions["odd"] = &Action{Type: "Teleport"}
	r := c.Compile(def)
	require.False(t, r.Valid)
	assert.Contains(t, messages(r), "[odd] Unknown action type: Teleport")
}

func TestCompileCircularRunAfter(t *testing.T) {
	c := newCompiler(t)
	def := minimalDefinition()
	def.Actions = map[string]*Action{
		"a": {Type: TypeCompose, RunAfter: map[string][]string{"b": {StatusSucceeded}}},
		"b": {Type: TypeCompose, RunAfter: map[string][]string{"a": {StatusSucceeded}}},
	}
	r := c.Compile(def)
	require.False(t, r.Valid)
	assert.Contains(t, messages(r), "Circular dependency detected in runAfter")
}

func TestCompileSelfDependencyIsCircular(t *testing.T) {
	c := newCompiler(t)
	def := minimalDefinition()
	def.Actions["loop"] = &Action{
		Type:     TypeCompose,
		RunAfter: map[string][]string{"loop": {StatusSucceeded}},
	}
	r := c.Compile(def)
	require.False(t, r.Valid)
	assert.Contains(t, messages(r), "Circular dependency detected in runAfter")
}

func TestCompileCircularRunAfterInNestedScope(t *testing.T) {
	c := newCompiler(t)
	def := minimalDefinition()
	def.Actions["outer"] = &Action{
		Type: TypeScope,
		Actions: map[string]*Action{
			"a": {Type: TypeCompose, RunAfter: map[string][]string{"b": {StatusSucceeded}}},
			"b": {Type: TypeCompose, RunAfter: map[string][]string{"a": {StatusSucceeded}}},
		},
	}
	r := c.Compile(def)
	require.False(t, r.Valid)
	assert.Contains(t, messages(r), "Circular dependency detected in runAfter")
}

func TestCompileLoopRequiresCount(t *testing.T) {
	c := newCompiler(t)
	def := minimalDefinition()
	def.Actions["spin"] = &Action{
		Type:      TypeUntil,
		Condition: "@equals(1,1)",
		Actions:   map[string]*Action{"body": {Type: TypeCompose}},
	}
	r := c.Compile(def)
	require.False(t, r.Valid)
	assert.Contains(t, messages(r), "[spin] Loop must declare limit.count")
}

func TestCompileValidatesNestedScopes(t *testing.T) {
	c := newCompiler(t)
	def := minimalDefinition()
	def.Actions["outer"] = &Action{
		Type: TypeScope,
		Actions: map[string]*Action{
			"inner": {Type: "Nonsense"},
		},
	}
	r := c.Compile(def)
	require.False(t, r.Valid)
	assert.Contains(t, messages(r), "[inner] Unknown action type: Nonsense")
}

func TestCompileJSONRejectsMalformedInput(t *testing.T) {
	c := newCompiler(t)
	_, r := c.CompileJSON([]byte(`{"triggers": 42}`))
	require.False(t, r.Valid)
	require.NotEmpty(t, r.Errors)
}

func TestCompileJSONRoundTrip(t *testing.T) {
	c := newCompiler(t)
	raw := []byte(`{
		"contentVersion": "1.0.0.0",
		"triggers": {"manual": {"type": "Request"}},
		"actions": {
			"first": {"type": "Compose", "inputs": {"x": 1}},
			"second": {
				"type": "Compose",
				"inputs": "@actions('first').output",
				"runAfter": {"first": ["Succeeded"]}
			}
		}
	}`)
	def, r := c.CompileJSON(raw)
	require.True(t, r.Valid, "errors: %v", r.Errors)
	require.NotNil(t, def)
	assert.Len(t, def.Actions, 2)
	assert.Equal(t, []string{StatusSucceeded}, def.Actions["second"].RunAfter["first"])
}
