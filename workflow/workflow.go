// Package workflow defines the declarative workflow model and its compiler.
//
// A workflow is a DAG of named actions with control-flow primitives. The
// compiler validates structure against a JSON Schema and then runs semantic
// checks: trigger and action presence, known action types, resolvable
// runAfter references, loop bounds, and cycle freedom. The executor
// subpackage runs compiled definitions; the store subpackage versions them.
package workflow

import (
	"encoding/json"
	"fmt"
)

type (
	// Definition is the wire form of a workflow.
	Definition struct {
		// Schema is carried verbatim; the runtime does not interpret it.
		Schema string `json:"$schema,omitempty" bson:"schema,omitempty"`
		// ContentVersion labels the definition format revision.
		ContentVersion string `json:"contentVersion,omitempty" bson:"contentVersion,omitempty"`
		// Parameters declares the workflow's inputs with optional defaults.
		Parameters map[string]Parameter `json:"parameters,omitempty" bson:"parameters,omitempty"`
		// Triggers declares what starts the workflow. At least one is required.
		Triggers map[string]Trigger `json:"triggers" bson:"triggers"`
		// Actions is the named action graph. At least one is required.
		Actions map[string]*Action `json:"actions" bson:"actions"`
		// Outputs are expressions evaluated after the last action completes.
		Outputs map[string]any `json:"outputs,omitempty" bson:"outputs,omitempty"`
	}

	// Parameter declares one workflow input.
	Parameter struct {
		Type         string `json:"type,omitempty" bson:"type,omitempty"`
		DefaultValue any    `json:"defaultValue,omitempty" bson:"defaultValue,omitempty"`
	}

	// Trigger declares one workflow entry point.
	Trigger struct {
		Type   string         `json:"type" bson:"type"`
		Inputs map[string]any `json:"inputs,omitempty" bson:"inputs,omitempty"`
	}

	// Action is one node of the workflow graph. Control-flow types use the
	// nested fields; leaf types use only Inputs.
	Action struct {
		// Type selects the action behavior. See the Type* constants.
		Type string `json:"type" bson:"type"`
		// Inputs is the action payload, evaluated before dispatch.
		Inputs any `json:"inputs,omitempty" bson:"inputs,omitempty"`
		// RunAfter maps each prerequisite action to the statuses that allow
		// this action to run. Empty statuses default to Succeeded.
		RunAfter map[string][]string `json:"runAfter,omitempty" bson:"runAfter,omitempty"`

		// Condition gates If and terminates Until/While/DoUntil loops.
		Condition any `json:"condition,omitempty" bson:"condition,omitempty"`
		// Actions is the nested body of If, Parallel, Scope, Retry and loops.
		Actions map[string]*Action `json:"actions,omitempty" bson:"actions,omitempty"`
		// Else is the alternative branch of If.
		Else map[string]*Action `json:"else,omitempty" bson:"else,omitempty"`
		// Foreach is the sequence expression iterated by Foreach.
		Foreach any `json:"foreach,omitempty" bson:"foreach,omitempty"`
		// Limit bounds loop iteration count and elapsed time.
		Limit *Limit `json:"limit,omitempty" bson:"limit,omitempty"`
		// Delay is applied between loop iterations.
		Delay *Delay `json:"delay,omitempty" bson:"delay,omitempty"`
		// Catch handles errors raised inside a Scope.
		Catch map[string]*Action `json:"catch,omitempty" bson:"catch,omitempty"`
		// RetryPolicy shapes the Retry action's redelivery curve.
		RetryPolicy *RetrySpec `json:"retryPolicy,omitempty" bson:"retryPolicy,omitempty"`
	}

	// Limit bounds a loop. Count is required for every loop action.
	Limit struct {
		// Count is the hard iteration cap.
		Count int `json:"count" bson:"count"`
		// Timeout is an ISO 8601 duration capping elapsed loop time.
		Timeout string `json:"timeout,omitempty" bson:"timeout,omitempty"`
	}

	// Delay is a pause between loop iterations.
	Delay struct {
		Interval Interval `json:"interval" bson:"interval"`
	}

	// Interval is a count of time units.
	Interval struct {
		Count int `json:"count" bson:"count"`
		// Unit is one of second, minute, hour, day (case-insensitive,
		// plural accepted).
		Unit string `json:"unit" bson:"unit"`
	}

	// RetrySpec shapes the Retry action. Intervals are ISO 8601 durations.
	RetrySpec struct {
		// Type is fixed, linear or exponential. Defaults to exponential.
		Type string `json:"type,omitempty" bson:"type,omitempty"`
		// Count is the total number of attempts including the first.
		Count int `json:"count,omitempty" bson:"count,omitempty"`
		// Interval seeds the delay curve.
		Interval string `json:"interval,omitempty" bson:"interval,omitempty"`
		// MaximumInterval caps computed delays.
		MaximumInterval string `json:"maximumInterval,omitempty" bson:"maximumInterval,omitempty"`
		// MinimumInterval floors computed delays.
		MinimumInterval string `json:"minimumInterval,omitempty" bson:"minimumInterval,omitempty"`
	}
)

// Action types.
const (
	TypeActor    = "Actor"
	TypeActivity = "Activity"
	TypeAI       = "AI"
	TypeHTTP     = "Http"
	TypeCompose  = "Compose"
	TypeIf       = "If"
	TypeForeach  = "Foreach"
	TypeParallel = "Parallel"
	TypeScope    = "Scope"
	TypeUntil    = "Until"
	TypeWhile    = "While"
	TypeDoUntil  = "DoUntil"
	TypeRetry    = "Retry"
)

// Action statuses recorded by the executor and matched by runAfter.
const (
	StatusSucceeded = "Succeeded"
	StatusFailed    = "Failed"
	StatusSkipped   = "Skipped"
	StatusTimedOut  = "TimedOut"
)

// actionTypes is the set of valid Action.Type values.
var actionTypes = map[string]struct{}{
	TypeActor:    {},
	TypeActivity: {},
	TypeAI:       {},
	TypeHTTP:     {},
	TypeCompose:  {},
	TypeIf:       {},
	TypeForeach:  {},
	TypeParallel: {},
	TypeScope:    {},
	TypeUntil:    {},
	TypeWhile:    {},
	TypeDoUntil:  {},
	TypeRetry:    {},
}

// KnownType reports whether t is a supported action type.
func KnownType(t string) bool {
	_, ok := actionTypes[t]
	return ok
}

// Loop reports whether the action type is one of the bounded loops. Foreach
// is bounded by its sequence and only honors Limit when present.
func (a *Action) Loop() bool {
	switch a.Type {
	case TypeUntil, TypeWhile, TypeDoUntil:
		return true
	}
	return false
}

// Parse decodes a JSON workflow definition.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	return &def, nil
}
