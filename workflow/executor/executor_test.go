package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/workflow"
	"github.com/loomhq/loom/workflow/secrets"
	secretsmem "github.com/loomhq/loom/workflow/secrets/memory"
)

type activityFunc func(ctx context.Context, name string, input any) (any, error)

func (f activityFunc) Run(ctx context.Context, name string, input any) (any, error) {
	return f(ctx, name, input)
}

func singleActionDef(name string, a *workflow.Action) *workflow.Definition {
	return &workflow.Definition{
		ContentVersion: "1.0.0.0",
		Triggers:       map[string]workflow.Trigger{"manual": {Type: "Request"}},
		Actions:        map[string]*workflow.Action{name: a},
	}
}

func loopOutput(t *testing.T, res *ActionResult) map[string]any {
	t.Helper()
	out, ok := res.Output.(map[string]any)
	require.True(t, ok, "loop output is %T", res.Output)
	return out
}

func TestUntilLoopCountsIterations(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("count", &workflow.Action{
		Type:      workflow.TypeUntil,
		Condition: "@greaterOrEquals(@variables('loopIndex'),4)",
		Actions: map[string]*workflow.Action{
			"emit": {Type: workflow.TypeCompose, Inputs: "@variables('loopIndex')"},
		},
		Limit: &workflow.Limit{Count: 10},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{WorkflowID: "wf"})
	require.NoError(t, err)
	res := inst.Actions["count"]
	require.Equal(t, workflow.StatusSucceeded, res.Status)

	out := loopOutput(t, res)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, 4, out["iterations"])
	assert.Equal(t, true, out["conditionMet"])
	assert.Equal(t, []any{0, 1, 2, 3}, out["results"])
}

func TestUntilConditionSeesCompletedCount(t *testing.T) {
	e := New(Options{})
	// loopCount in the condition scope reports completed iterations, the
	// same value loopIndex holds there, so this terminates after four bodies
	// just like the loopIndex form.
	def := singleActionDef("count", &workflow.Action{
		Type:      workflow.TypeUntil,
		Condition: "@greaterOrEquals(@variables('loopCount'),4)",
		Actions: map[string]*workflow.Action{
			"emit": {Type: workflow.TypeCompose, Inputs: "@variables('loopCount')"},
		},
		Limit: &workflow.Limit{Count: 10},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{WorkflowID: "wf"})
	require.NoError(t, err)
	res := inst.Actions["count"]
	require.Equal(t, workflow.StatusSucceeded, res.Status)

	out := loopOutput(t, res)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, 4, out["iterations"])
	assert.Equal(t, true, out["conditionMet"])
	assert.Equal(t, []any{1, 2, 3, 4}, out["results"])
}

func TestUntilLoopHitsIterationCap(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("spin", &workflow.Action{
		Type:      workflow.TypeUntil,
		Condition: "@equals(1,2)",
		Actions: map[string]*workflow.Action{
			"emit": {Type: workflow.TypeCompose, Inputs: "tick"},
		},
		Limit: &workflow.Limit{Count: 3},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	out := loopOutput(t, inst.Actions["spin"])
	assert.Equal(t, "max-iterations", out["status"])
	assert.Equal(t, 3, out["iterations"])
	assert.Equal(t, false, out["conditionMet"])
}

func TestWhileLoopChecksConditionFirst(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("never", &workflow.Action{
		Type:      workflow.TypeWhile,
		Condition: "@less(@variables('loopIndex'),0)",
		Actions: map[string]*workflow.Action{
			"emit": {Type: workflow.TypeCompose, Inputs: "tick"},
		},
		Limit: &workflow.Limit{Count: 5},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	out := loopOutput(t, inst.Actions["never"])
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, 0, out["iterations"])
	assert.Nil(t, out["results"])
}

func TestDoUntilRunsAtLeastOnce(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("once", &workflow.Action{
		Type:      workflow.TypeDoUntil,
		Condition: "@equals(1,1)",
		Actions: map[string]*workflow.Action{
			"emit": {Type: workflow.TypeCompose, Inputs: "ran"},
		},
		Limit: &workflow.Limit{Count: 5},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	out := loopOutput(t, inst.Actions["once"])
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, 1, out["iterations"])
	assert.Equal(t, []any{"ran"}, out["results"])
}

func TestLoopTimeout(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("slow", &workflow.Action{
		Type:      workflow.TypeUntil,
		Condition: "@equals(1,2)",
		Actions: map[string]*workflow.Action{
			"emit": {Type: workflow.TypeCompose, Inputs: "tick"},
		},
		Limit: &workflow.Limit{Count: 1000000, Timeout: "PT0S"},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	res := inst.Actions["slow"]
	assert.Equal(t, workflow.StatusTimedOut, res.Status)
	out := loopOutput(t, res)
	assert.Equal(t, "timeout", out["status"])
}

func TestForeachBindsItem(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("each", &workflow.Action{
		Type:    workflow.TypeForeach,
		Foreach: "@parameters('items')",
		Actions: map[string]*workflow.Action{
			"echo": {Type: workflow.TypeCompose, Inputs: "@variables('item')"},
		},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{
		Parameters: map[string]any{"items": []any{"a", "b", "c"}},
	})
	require.NoError(t, err)
	res := inst.Actions["each"]
	require.Equal(t, workflow.StatusSucceeded, res.Status)
	assert.Equal(t, []any{"a", "b", "c"}, res.Output)
}

func TestIfBranches(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("gate", &workflow.Action{
		Type:      workflow.TypeIf,
		Condition: "@equals(@parameters('mode'),'on')",
		Actions: map[string]*workflow.Action{
			"then": {Type: workflow.TypeCompose, Inputs: "took then"},
		},
		Else: map[string]*workflow.Action{
			"other": {Type: workflow.TypeCompose, Inputs: "took else"},
		},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{Parameters: map[string]any{"mode": "on"}})
	require.NoError(t, err)
	out := loopOutput(t, inst.Actions["gate"])
	assert.Equal(t, true, out["conditionResult"])
	assert.Equal(t, map[string]any{"then": "took then"}, out["results"])

	inst, err = e.Run(context.Background(), def, RunOptions{Parameters: map[string]any{"mode": "off"}})
	require.NoError(t, err)
	out = loopOutput(t, inst.Actions["gate"])
	assert.Equal(t, false, out["conditionResult"])
	assert.Equal(t, map[string]any{"other": "took else"}, out["results"])
}

func TestParallelRunsAllChildren(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("fan", &workflow.Action{
		Type: workflow.TypeParallel,
		Actions: map[string]*workflow.Action{
			"a": {Type: workflow.TypeCompose, Inputs: "one"},
			"b": {Type: workflow.TypeCompose, Inputs: "two"},
		},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	res := inst.Actions["fan"]
	require.Equal(t, workflow.StatusSucceeded, res.Status)
	assert.Equal(t, map[string]any{"a": "one", "b": "two"}, res.Output)
}

func TestScopeCatchHandlesFailure(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("guarded", &workflow.Action{
		Type: workflow.TypeScope,
		Actions: map[string]*workflow.Action{
			"boom": {Type: workflow.TypeCompose, Inputs: "@secret('nope')"},
		},
		Catch: map[string]*workflow.Action{
			"handle": {Type: workflow.TypeCompose, Inputs: "@variables('error')"},
		},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	res := inst.Actions["guarded"]
	require.Equal(t, workflow.StatusSucceeded, res.Status)
	out := loopOutput(t, res)
	caught := out["caught"].(map[string]any)
	assert.Contains(t, caught["handle"].(string), "No secrets client configured")
	assert.Equal(t, workflow.StatusSucceeded, inst.Status)
}

func TestScopeWithoutCatchFails(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("fragile", &workflow.Action{
		Type: workflow.TypeScope,
		Actions: map[string]*workflow.Action{
			"boom": {Type: workflow.TypeCompose, Inputs: "@secret('nope')"},
		},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, inst.Actions["fragile"].Status)
	assert.Equal(t, workflow.StatusFailed, inst.Status)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	e := New(Options{
		Activities: activityFunc(func(_ context.Context, name string, _ any) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return "done", nil
		}),
	})
	def := singleActionDef("persistent", &workflow.Action{
		Type: workflow.TypeRetry,
		RetryPolicy: &workflow.RetrySpec{
			Type:     "fixed",
			Count:    5,
			Interval: "PT0.001S",
		},
		Actions: map[string]*workflow.Action{
			"call": {Type: workflow.TypeActivity, Inputs: map[string]any{"name": "flaky"}},
		},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	res := inst.Actions["persistent"]
	assert.Equal(t, workflow.StatusSucceeded, res.Status)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	e := New(Options{
		Activities: activityFunc(func(_ context.Context, _ string, _ any) (any, error) {
			attempts++
			return nil, errors.New("still broken")
		}),
	})
	def := singleActionDef("doomed", &workflow.Action{
		Type: workflow.TypeRetry,
		RetryPolicy: &workflow.RetrySpec{
			Type:     "fixed",
			Count:    2,
			Interval: "PT0.001S",
		},
		Actions: map[string]*workflow.Action{
			"call": {Type: workflow.TypeActivity, Inputs: map[string]any{"name": "flaky"}},
		},
	})

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	res := inst.Actions["doomed"]
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "still broken")
	assert.Equal(t, 2, attempts)
}

func TestRunAfterStatusMatching(t *testing.T) {
	e := New(Options{})
	def := &workflow.Definition{
		Triggers: map[string]workflow.Trigger{"manual": {Type: "Request"}},
		Actions: map[string]*workflow.Action{
			"boom": {Type: workflow.TypeCompose, Inputs: "@secret('nope')"},
			"cleanup": {
				Type:     workflow.TypeCompose,
				Inputs:   "recovered",
				RunAfter: map[string][]string{"boom": {workflow.StatusFailed}},
			},
			"onlyOnSuccess": {
				Type:     workflow.TypeCompose,
				Inputs:   "never",
				RunAfter: map[string][]string{"boom": {workflow.StatusSucceeded}},
			},
		},
	}

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, inst.Actions["boom"].Status)
	assert.Equal(t, workflow.StatusSucceeded, inst.Actions["cleanup"].Status)
	assert.Equal(t, workflow.StatusSkipped, inst.Actions["onlyOnSuccess"].Status)
}

func TestCannotMakeProgress(t *testing.T) {
	e := New(Options{})
	// An uncompiled cyclic graph deadlocks the scheduler.
	def := &workflow.Definition{
		Triggers: map[string]workflow.Trigger{"manual": {Type: "Request"}},
		Actions: map[string]*workflow.Action{
			"a": {Type: workflow.TypeCompose, RunAfter: map[string][]string{"b": {workflow.StatusSucceeded}}},
			"b": {Type: workflow.TypeCompose, RunAfter: map[string][]string{"a": {workflow.StatusSucceeded}}},
		},
	}

	_, err := e.Run(context.Background(), def, RunOptions{})
	require.ErrorIs(t, err, ErrNoProgress)
}

func TestSecretsComposeScenario(t *testing.T) {
	ctx := context.Background()
	store := secretsmem.New()
	_, err := store.SetSecret(ctx, "api-key", "ABC", secrets.SetOptions{})
	require.NoError(t, err)

	e := New(Options{Secrets: store})
	def := singleActionDef("read", &workflow.Action{
		Type: workflow.TypeCompose, Inputs: "@secret('api-key')",
	})
	inst, err := e.Run(ctx, def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ABC", inst.Actions["read"].Output)

	def = singleActionDef("read", &workflow.Action{
		Type: workflow.TypeCompose, Inputs: "@secret('missing')",
	})
	inst, err = e.Run(ctx, def, RunOptions{})
	require.NoError(t, err)
	res := inst.Actions["read"]
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "Secret not found")
}

func TestOutputsEvaluated(t *testing.T) {
	e := New(Options{})
	def := singleActionDef("greet", &workflow.Action{
		Type: workflow.TypeCompose, Inputs: "hello",
	})
	def.Outputs = map[string]any{"greeting": "@actions('greet').output"}

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hello"}, inst.Outputs)
}

func TestActionChaining(t *testing.T) {
	e := New(Options{})
	def := &workflow.Definition{
		Triggers: map[string]workflow.Trigger{"manual": {Type: "Request"}},
		Actions: map[string]*workflow.Action{
			"first": {Type: workflow.TypeCompose, Inputs: map[string]any{"n": 41}},
			"second": {
				Type:     workflow.TypeCompose,
				Inputs:   "@actions('first').output.n",
				RunAfter: map[string][]string{"first": {workflow.StatusSucceeded}},
			},
		},
	}

	inst, err := e.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 41, inst.Actions["second"].Output)
}
