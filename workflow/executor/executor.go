// Package executor runs compiled workflow definitions: greedy ready-set
// scheduling over the runAfter graph, expression evaluation, control-flow
// actions, bounded loops, and retry wrapping. Actor actions dispatch through
// a pluggable invoker so the executor itself stays independent of the queue
// topology.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/telemetry"
	"github.com/loomhq/loom/workflow"
	"github.com/loomhq/loom/workflow/secrets"
)

type (
	// ActorInvoker dispatches Actor and AI actions. An empty actorID asks
	// the invoker to route to the least-loaded instance of the type.
	ActorInvoker interface {
		Invoke(ctx context.Context, actorType, actorID, method string, args any) (any, error)
	}

	// ActivityRunner executes Activity actions outside the workflow.
	ActivityRunner interface {
		Run(ctx context.Context, name string, input any) (any, error)
	}

	// HTTPDoer issues Http action requests.
	HTTPDoer interface {
		Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
	}

	// ActionResult records the terminal state of one action.
	ActionResult struct {
		// Status is one of the workflow.Status* values.
		Status string `json:"status"`
		// Output is the action's evaluated result.
		Output any `json:"output,omitempty"`
		// Error describes the failure when Status is Failed or TimedOut.
		Error string `json:"error,omitempty"`
	}

	// Instance is the run state of one workflow execution.
	Instance struct {
		WorkflowID string                   `json:"workflow_id"`
		InstanceID string                   `json:"instance_id"`
		Parameters map[string]any           `json:"parameters,omitempty"`
		Actions    map[string]*ActionResult `json:"actions"`
		Variables  map[string]any           `json:"variables,omitempty"`
		Outputs    map[string]any           `json:"outputs,omitempty"`
		// Status summarizes the run: Succeeded unless a top-level action
		// failed or timed out.
		Status string `json:"status"`
	}

	// Options configures an Executor.
	Options struct {
		// Secrets backs @secret expressions. Optional.
		Secrets secrets.Store
		// Actors dispatches Actor and AI actions. Optional.
		Actors ActorInvoker
		// Activities executes Activity actions. Optional.
		Activities ActivityRunner
		// HTTP issues Http actions. Defaults to a net/http-backed client.
		HTTP HTTPDoer
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}

	// RunOptions shape one execution.
	RunOptions struct {
		WorkflowID string
		// InstanceID defaults to a fresh uuid.
		InstanceID string
		// Parameters override the definition's declared defaults.
		Parameters map[string]any
	}

	// Executor runs workflow definitions.
	Executor struct {
		secrets    secrets.Store
		actors     ActorInvoker
		activities ActivityRunner
		http       HTTPDoer
		logger     telemetry.Logger
	}
)

// ErrNoProgress reports a scheduling deadlock: unfinished actions remain but
// none became runnable during a full pass.
var ErrNoProgress = errors.New("Cannot make progress")

// New returns an Executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	httpc := opts.HTTP
	if httpc == nil {
		httpc = NewHTTPClient(0)
	}
	return &Executor{
		secrets:    opts.Secrets,
		actors:     opts.Actors,
		activities: opts.Activities,
		http:       httpc,
		logger:     logger,
	}
}

// Run executes the definition to completion and returns the instance state.
// Action failures are recorded in the instance; Run returns an error only
// when the run itself cannot proceed (deadlock or context cancellation).
func (e *Executor) Run(ctx context.Context, def *workflow.Definition, opts RunOptions) (*Instance, error) {
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	params := make(map[string]any, len(def.Parameters)+len(opts.Parameters))
	for name, p := range def.Parameters {
		if p.DefaultValue != nil {
			params[name] = p.DefaultValue
		}
	}
	for name, v := range opts.Parameters {
		params[name] = v
	}

	inst := &Instance{
		WorkflowID: opts.WorkflowID,
		InstanceID: instanceID,
		Parameters: params,
		Actions:    make(map[string]*ActionResult, len(def.Actions)),
		Variables:  make(map[string]any),
	}
	sc := &scope{params: params, actions: inst.Actions, vars: inst.Variables, secrets: e.secrets}

	if err := e.runGraph(ctx, def.Actions, sc, inst.Actions); err != nil {
		return inst, err
	}

	inst.Status = workflow.StatusSucceeded
	for name, res := range inst.Actions {
		if res.Status == workflow.StatusFailed || res.Status == workflow.StatusTimedOut {
			inst.Status = workflow.StatusFailed
			e.logger.Warn(ctx, "workflow action failed",
				"workflow_id", opts.WorkflowID, "instance_id", instanceID,
				"action", name, "err", res.Error)
		}
	}
	if len(def.Outputs) > 0 {
		out, err := evaluate(ctx, def.Outputs, sc)
		if err != nil {
			inst.Status = workflow.StatusFailed
			inst.Outputs = map[string]any{"error": err.Error()}
		} else {
			inst.Outputs = out.(map[string]any)
		}
	}
	return inst, nil
}

// runGraph schedules one action scope with greedy ready-set passes. results
// is the scope's result map; for the top level it is the instance's action
// map, for nested scopes a fresh one.
func (e *Executor) runGraph(ctx context.Context, actions map[string]*workflow.Action, sc *scope, results map[string]*ActionResult) error {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress := false
		remaining := 0
		for _, name := range names {
			if _, done := results[name]; done {
				continue
			}
			remaining++
			a := actions[name]
			switch readiness(a, results) {
			case notReady:
			case skip:
				record(sc, results, name, &ActionResult{Status: workflow.StatusSkipped})
				progress = true
			case ready:
				record(sc, results, name, e.runAction(ctx, name, a, sc))
				progress = true
			}
		}
		if remaining == 0 {
			return nil
		}
		if !progress {
			return ErrNoProgress
		}
	}
}

// record stores the result in the scope's result map and in the expression
// scope, which may be a merged view layered over enclosing actions.
func record(sc *scope, results map[string]*ActionResult, name string, res *ActionResult) {
	results[name] = res
	sc.actions[name] = res
}

type readyState int

const (
	notReady readyState = iota
	ready
	skip
)

// readiness decides whether an action can run: every prereq must be
// finished, and each finished prereq's status must be in the allowed list
// (Succeeded when unspecified). A finished prereq with a disallowed status
// skips the action.
func readiness(a *workflow.Action, results map[string]*ActionResult) readyState {
	for prereq, allowed := range a.RunAfter {
		res, done := results[prereq]
		if !done {
			return notReady
		}
		if len(allowed) == 0 {
			allowed = []string{workflow.StatusSucceeded}
		}
		matched := false
		for _, status := range allowed {
			if res.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return skip
		}
	}
	return ready
}

func (e *Executor) runAction(ctx context.Context, name string, a *workflow.Action, sc *scope) *ActionResult {
	switch a.Type {
	case workflow.TypeCompose:
		out, err := evaluate(ctx, a.Inputs, sc)
		return resultOf(out, err)
	case workflow.TypeActor:
		return e.runActor(ctx, a, sc)
	case workflow.TypeAI:
		return e.runAI(ctx, a, sc)
	case workflow.TypeActivity:
		return e.runActivity(ctx, a, sc)
	case workflow.TypeHTTP:
		return e.runHTTP(ctx, a, sc)
	case workflow.TypeIf:
		return e.runIf(ctx, a, sc)
	case workflow.TypeForeach:
		return e.runForeach(ctx, a, sc)
	case workflow.TypeParallel:
		return e.runParallel(ctx, a, sc)
	case workflow.TypeScope:
		return e.runScope(ctx, a, sc)
	case workflow.TypeUntil, workflow.TypeWhile, workflow.TypeDoUntil:
		return e.runLoop(ctx, a, sc)
	case workflow.TypeRetry:
		return e.runRetry(ctx, name, a, sc)
	default:
		return failure(fmt.Errorf("unknown action type %q", a.Type))
	}
}

func (e *Executor) runActor(ctx context.Context, a *workflow.Action, sc *scope) *ActionResult {
	if e.actors == nil {
		return failure(errors.New("No actor invoker configured"))
	}
	in, err := evaluateMap(ctx, a.Inputs, sc)
	if err != nil {
		return failure(err)
	}
	actorType, _ := in["actorType"].(string)
	if actorType == "" {
		return failure(errors.New("Actor action requires inputs.actorType"))
	}
	actorID, _ := in["actorId"].(string)
	method, _ := in["method"].(string)
	out, err := e.actors.Invoke(ctx, actorType, actorID, method, in["args"])
	return resultOf(out, err)
}

func (e *Executor) runAI(ctx context.Context, a *workflow.Action, sc *scope) *ActionResult {
	if e.actors == nil {
		return failure(errors.New("No actor invoker configured"))
	}
	in, err := evaluateMap(ctx, a.Inputs, sc)
	if err != nil {
		return failure(err)
	}
	args := map[string]any{
		"message":      in["message"],
		"systemPrompt": in["systemPrompt"],
		"temperature":  in["temperature"],
		"model":        in["model"],
	}
	out, err := e.actors.Invoke(ctx, "AIAgent", "", "chat", args)
	return resultOf(out, err)
}

func (e *Executor) runActivity(ctx context.Context, a *workflow.Action, sc *scope) *ActionResult {
	if e.activities == nil {
		return failure(errors.New("No activity runner configured"))
	}
	in, err := evaluateMap(ctx, a.Inputs, sc)
	if err != nil {
		return failure(err)
	}
	name, _ := in["name"].(string)
	if name == "" {
		return failure(errors.New("Activity action requires inputs.name"))
	}
	out, err := e.activities.Run(ctx, name, in["input"])
	return resultOf(out, err)
}

func (e *Executor) runIf(ctx context.Context, a *workflow.Action, sc *scope) *ActionResult {
	cond, err := evalCondition(ctx, a.Condition, sc)
	if err != nil {
		return failure(err)
	}
	branch := a.Actions
	if !cond {
		branch = a.Else
	}
	nested := make(map[string]*ActionResult, len(branch))
	if len(branch) > 0 {
		branchScope := sc.child()
		branchScope.actions = mergedActions(sc.actions)
		if err := e.runGraph(ctx, branch, branchScope, nested); err != nil {
			return failure(err)
		}
	}
	if err := firstFailure(nested); err != nil {
		return failure(err)
	}
	return &ActionResult{
		Status: workflow.StatusSucceeded,
		Output: map[string]any{"conditionResult": cond, "results": outputsOf(nested)},
	}
}

func (e *Executor) runForeach(ctx context.Context, a *workflow.Action, sc *scope) *ActionResult {
	seqVal, err := evaluate(ctx, a.Foreach, sc)
	if err != nil {
		return failure(err)
	}
	seq, ok := seqVal.([]any)
	if !ok {
		return failure(fmt.Errorf("Foreach expects a sequence, got %T", seqVal))
	}
	limit := len(seq)
	if a.Limit != nil && a.Limit.Count > 0 && a.Limit.Count < limit {
		limit = a.Limit.Count
	}
	results := make([]any, 0, limit)
	for i := 0; i < limit; i++ {
		iter := sc.child()
		iter.vars["item"] = seq[i]
		iter.vars["loopIndex"] = i
		iter.vars["loopCount"] = i + 1
		out, err := e.runBody(ctx, a.Actions, iter)
		if err != nil {
			return failure(fmt.Errorf("iteration %d: %w", i, err))
		}
		results = append(results, out)
	}
	return &ActionResult{Status: workflow.StatusSucceeded, Output: results}
}

func (e *Executor) runParallel(ctx context.Context, a *workflow.Action, sc *scope) *ActionResult {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	nested := make(map[string]*ActionResult, len(a.Actions))
	for name, child := range a.Actions {
		wg.Add(1)
		go func(name string, child *workflow.Action) {
			defer wg.Done()
			res := e.runAction(ctx, name, child, sc.child())
			mu.Lock()
			nested[name] = res
			mu.Unlock()
		}(name, child)
	}
	wg.Wait()
	if err := firstFailure(nested); err != nil {
		return failure(err)
	}
	return &ActionResult{Status: workflow.StatusSucceeded, Output: outputsOf(nested)}
}

func (e *Executor) runScope(ctx context.Context, a *workflow.Action, sc *scope) *ActionResult {
	nested := make(map[string]*ActionResult, len(a.Actions))
	scopeScope := sc.child()
	scopeScope.actions = mergedActions(sc.actions)
	runErr := e.runGraph(ctx, a.Actions, scopeScope, nested)
	if runErr == nil {
		runErr = firstFailure(nested)
	}
	if runErr == nil {
		return &ActionResult{Status: workflow.StatusSucceeded, Output: outputsOf(nested)}
	}
	if len(a.Catch) == 0 {
		return failure(runErr)
	}
	catchScope := sc.child()
	catchScope.vars["error"] = runErr.Error()
	caught := make(map[string]*ActionResult, len(a.Catch))
	catchScope.actions = mergedActions(sc.actions)
	if err := e.runGraph(ctx, a.Catch, catchScope, caught); err != nil {
		return failure(err)
	}
	if err := firstFailure(caught); err != nil {
		return failure(err)
	}
	return &ActionResult{
		Status: workflow.StatusSucceeded,
		Output: map[string]any{"error": runErr.Error(), "caught": outputsOf(caught)},
	}
}

func (e *Executor) runRetry(ctx context.Context, name string, a *workflow.Action, sc *scope) *ActionResult {
	if len(a.Actions) != 1 {
		return failure(fmt.Errorf("Retry wraps exactly one action, got %d", len(a.Actions)))
	}
	policy, minDelay, err := retryPolicy(a.RetryPolicy)
	if err != nil {
		return failure(err)
	}
	var innerName string
	var inner *workflow.Action
	for n, child := range a.Actions {
		innerName, inner = n, child
	}
	var last *ActionResult
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		last = e.runAction(ctx, innerName, inner, sc)
		if last.Status == workflow.StatusSucceeded {
			return last
		}
		if attempt == policy.MaxAttempts {
			break
		}
		delay := retryDelay(policy, attempt)
		if delay < minDelay {
			delay = minDelay
		}
		e.logger.Info(ctx, "retrying action",
			"action", name, "attempt", attempt, "delay", delay.String(), "err", last.Error)
		if err := sleep(ctx, delay); err != nil {
			return failure(err)
		}
	}
	return last
}

// runBody executes a loop body scope and returns its output: the single
// action's output when the body has one action, the name-to-output map
// otherwise.
func (e *Executor) runBody(ctx context.Context, body map[string]*workflow.Action, sc *scope) (any, error) {
	nested := make(map[string]*ActionResult, len(body))
	bodyScope := &scope{params: sc.params, actions: mergedActions(sc.actions), vars: sc.vars, secrets: sc.secrets}
	if err := e.runGraph(ctx, body, bodyScope, nested); err != nil {
		return nil, err
	}
	if err := firstFailure(nested); err != nil {
		return nil, err
	}
	if len(nested) == 1 {
		for _, res := range nested {
			return res.Output, nil
		}
	}
	return outputsOf(nested), nil
}

func resultOf(out any, err error) *ActionResult {
	if err != nil {
		return failure(err)
	}
	return &ActionResult{Status: workflow.StatusSucceeded, Output: out}
}

func failure(err error) *ActionResult {
	status := workflow.StatusFailed
	if errors.Is(err, context.DeadlineExceeded) {
		status = workflow.StatusTimedOut
	}
	return &ActionResult{Status: status, Error: err.Error()}
}

// view is the field map exposed to @actions('name') expressions.
func (r *ActionResult) view() map[string]any {
	return map[string]any{
		"status": r.Status,
		"output": r.Output,
		"error":  r.Error,
	}
}

func evaluateMap(ctx context.Context, inputs any, sc *scope) (map[string]any, error) {
	if inputs == nil {
		return map[string]any{}, nil
	}
	v, err := evaluate(ctx, inputs, sc)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("inputs must be an object, got %T", v)
	}
	return m, nil
}

func firstFailure(results map[string]*ActionResult) error {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res := results[name]
		if res.Status == workflow.StatusFailed || res.Status == workflow.StatusTimedOut {
			return fmt.Errorf("action %q failed: %s", name, res.Error)
		}
	}
	return nil
}

func outputsOf(results map[string]*ActionResult) map[string]any {
	out := make(map[string]any, len(results))
	for name, res := range results {
		out[name] = res.Output
	}
	return out
}

// mergedActions copies the enclosing results so a nested scope can reference
// completed outer actions while its own results shadow them locally.
func mergedActions(outer map[string]*ActionResult) map[string]*ActionResult {
	merged := make(map[string]*ActionResult, len(outer))
	for name, res := range outer {
		merged[name] = res
	}
	return merged
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
