package executor

import (
	"context"
	"errors"
	"time"

	"github.com/loomhq/loom/runtime/actor/config"
	"github.com/loomhq/loom/workflow"
)

// Loop termination statuses reported in the loop result.
const (
	loopCompleted     = "completed"
	loopMaxIterations = "max-iterations"
	loopTimedOut      = "timeout"
	loopFailed        = "failed"
)

// runLoop drives Until, While and DoUntil with unified semantics: the body
// sees loopIndex (0-based) and loopCount (1-based) in a per-iteration
// variable scope; Until and DoUntil evaluate the condition after the body
// with loopIndex advanced past it, While before the body. The iteration cap
// is required; the optional timeout is an ISO 8601 duration.
func (e *Executor) runLoop(ctx context.Context, a *workflow.Action, sc *scope) *ActionResult {
	if a.Limit == nil || a.Limit.Count <= 0 {
		return failure(errors.New("Loop must declare limit.count"))
	}
	var deadline time.Time
	if a.Limit.Timeout != "" {
		d, err := parseISODuration(a.Limit.Timeout)
		if err != nil {
			return failure(err)
		}
		deadline = time.Now().Add(d)
	}
	var delay time.Duration
	if a.Delay != nil {
		d, err := intervalDuration(a.Delay.Interval)
		if err != nil {
			return failure(err)
		}
		delay = d
	}

	var (
		iterations   int
		conditionMet bool
		status       string
		failErr      error
		results      []any
	)

	// In condition scopes loopIndex and loopCount are intentionally equal:
	// both report the number of completed iterations. Until and DoUntil
	// evaluate after iterations has been incremented past the body that just
	// ran, While evaluates before a body runs, so the count is already the
	// 1-based value conditions expect. Only body scopes see the 0-based
	// loopIndex alongside loopCount.
	condScope := func(index int) *scope {
		cs := sc.child()
		cs.vars["loopIndex"] = index
		cs.vars["loopCount"] = index
		return cs
	}

loop:
	for {
		if err := ctx.Err(); err != nil {
			failErr = err
			status = loopFailed
			break
		}
		if a.Type == workflow.TypeWhile {
			met, err := evalCondition(ctx, a.Condition, condScope(iterations))
			if err != nil {
				failErr = err
				status = loopFailed
				break
			}
			if !met {
				conditionMet = true
				status = loopCompleted
				break
			}
		}
		if iterations >= a.Limit.Count {
			status = loopMaxIterations
			break
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			status = loopTimedOut
			break
		}

		iter := sc.child()
		iter.vars["loopIndex"] = iterations
		iter.vars["loopCount"] = iterations + 1
		out, err := e.runBody(ctx, a.Actions, iter)
		if err != nil {
			failErr = err
			status = loopFailed
			break
		}
		results = append(results, out)
		iterations++

		switch a.Type {
		case workflow.TypeUntil, workflow.TypeDoUntil:
			met, err := evalCondition(ctx, a.Condition, condScope(iterations))
			if err != nil {
				failErr = err
				status = loopFailed
				break loop
			}
			if met {
				conditionMet = true
				status = loopCompleted
				break loop
			}
		}

		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				failErr = err
				status = loopFailed
				break
			}
		}
	}

	out := map[string]any{
		"status":       status,
		"iterations":   iterations,
		"conditionMet": conditionMet,
		"results":      results,
	}
	switch status {
	case loopFailed:
		return &ActionResult{Status: workflow.StatusFailed, Output: out, Error: failErr.Error()}
	case loopTimedOut:
		return &ActionResult{Status: workflow.StatusTimedOut, Output: out, Error: "loop timed out"}
	default:
		return &ActionResult{Status: workflow.StatusSucceeded, Output: out}
	}
}

// retryPolicy maps a Retry action spec to the runtime retry policy plus the
// optional delay floor. Defaults match the queue worker's.
func retryPolicy(spec *workflow.RetrySpec) (config.RetryPolicy, time.Duration, error) {
	var pol config.RetryPolicy
	var minDelay time.Duration
	if spec == nil {
		return pol.Normalize(), 0, nil
	}
	pol.MaxAttempts = spec.Count
	pol.Backoff = config.Backoff(spec.Type)
	var err error
	if spec.Interval != "" {
		if pol.InitialDelay, err = parseISODuration(spec.Interval); err != nil {
			return pol, 0, err
		}
	}
	if spec.MaximumInterval != "" {
		if pol.MaxDelay, err = parseISODuration(spec.MaximumInterval); err != nil {
			return pol, 0, err
		}
	}
	if spec.MinimumInterval != "" {
		if minDelay, err = parseISODuration(spec.MinimumInterval); err != nil {
			return pol, 0, err
		}
	}
	return pol.Normalize(), minDelay, nil
}

// retryDelay shares the queue worker's backoff formulas.
func retryDelay(pol config.RetryPolicy, attempt int) time.Duration {
	return config.RetryDelay(pol, attempt)
}
