package workflow

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// CompileError is one validation failure.
	CompileError struct {
		// Action names the offending action when the error is local to one.
		Action string `json:"action,omitempty"`
		// Message describes the failure.
		Message string `json:"message"`
	}

	// Result is the outcome of compiling one definition.
	Result struct {
		Valid  bool           `json:"valid"`
		Errors []CompileError `json:"errors,omitempty"`
	}

	// Compiler validates workflow definitions: a structural pass against the
	// definition schema, then semantic checks over the action graph.
	Compiler struct {
		schema *jsonschema.Schema
	}
)

// definitionSchema is the structural contract of the wire format. Semantic
// rules (known types, resolvable references, acyclicity) are checked
// separately so their messages can name the offending action.
const definitionSchema = `{
	"type": "object",
	"properties": {
		"$schema": {"type": "string"},
		"contentVersion": {"type": "string"},
		"parameters": {
			"type": "object",
			"additionalProperties": {"type": "object"}
		},
		"triggers": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string"},
					"inputs": {"type": "object"}
				}
			}
		},
		"actions": {
			"type": "object",
			"additionalProperties": {"$ref": "#/$defs/action"}
		},
		"outputs": {"type": "object"}
	},
	"$defs": {
		"action": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {"type": "string"},
				"runAfter": {
					"type": "object",
					"additionalProperties": {
						"type": "array",
						"items": {"type": "string"}
					}
				},
				"actions": {
					"type": "object",
					"additionalProperties": {"$ref": "#/$defs/action"}
				},
				"else": {
					"type": "object",
					"additionalProperties": {"$ref": "#/$defs/action"}
				},
				"catch": {
					"type": "object",
					"additionalProperties": {"$ref": "#/$defs/action"}
				},
				"limit": {
					"type": "object",
					"properties": {
						"count": {"type": "integer"},
						"timeout": {"type": "string"}
					}
				},
				"delay": {"type": "object"},
				"retryPolicy": {"type": "object"}
			}
		}
	}
}`

// NewCompiler returns a Compiler with the definition schema compiled.
func NewCompiler() (*Compiler, error) {
	var doc any
	if err := json.Unmarshal([]byte(definitionSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &Compiler{schema: schema}, nil
}

// CompileJSON parses and compiles a raw JSON definition. Parse failures and
// structural failures are reported as compile errors, not Go errors.
func (c *Compiler) CompileJSON(raw []byte) (*Definition, Result) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, invalid(CompileError{Message: fmt.Sprintf("Invalid JSON: %s", err)})
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, invalid(CompileError{Message: err.Error()})
	}
	def, err := Parse(raw)
	if err != nil {
		return nil, invalid(CompileError{Message: err.Error()})
	}
	return def, c.Compile(def)
}

// Compile runs the semantic checks over a parsed definition.
func (c *Compiler) Compile(def *Definition) Result {
	var errs []CompileError
	if len(def.Triggers) == 0 {
		errs = append(errs, CompileError{Message: "Workflow must have at least one trigger"})
	}
	if len(def.Actions) == 0 {
		errs = append(errs, CompileError{Message: "Workflow must have at least one action"})
	}
	errs = append(errs, checkActions(def.Actions)...)
	if hasCycle(def.Actions) {
		errs = append(errs, CompileError{Message: "Circular dependency detected in runAfter"})
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

// checkActions validates one action scope and recurses into nested scopes.
// runAfter references resolve within their own scope only.
func checkActions(actions map[string]*Action) []CompileError {
	var errs []CompileError
	for _, name := range sortedNames(actions) {
		a := actions[name]
		if a == nil {
			errs = append(errs, CompileError{Action: name, Message: fmt.Sprintf("[%s] Action is empty", name)})
			continue
		}
		if !KnownType(a.Type) {
			errs = append(errs, CompileError{Action: name, Message: fmt.Sprintf("[%s] Unknown action type: %s", name, a.Type)})
		}
		for _, prereq := range sortedKeys(a.RunAfter) {
			if _, ok := actions[prereq]; !ok {
				errs = append(errs, CompileError{Action: name, Message: fmt.Sprintf("[%s] Unknown dependency: %s", name, prereq)})
			}
		}
		if a.Loop() && (a.Limit == nil || a.Limit.Count <= 0) {
			errs = append(errs, CompileError{Action: name, Message: fmt.Sprintf("[%s] Loop must declare limit.count", name)})
		}
		errs = append(errs, checkActions(a.Actions)...)
		errs = append(errs, checkActions(a.Else)...)
		errs = append(errs, checkActions(a.Catch)...)
	}
	return errs
}

// hasCycle reports whether any action scope's runAfter graph contains a
// cycle. Each nested scope forms its own graph, so the check recurses the
// same way checkActions does.
func hasCycle(actions map[string]*Action) bool {
	if scopeCycle(actions) {
		return true
	}
	for _, a := range actions {
		if a == nil {
			continue
		}
		if hasCycle(a.Actions) || hasCycle(a.Else) || hasCycle(a.Catch) {
			return true
		}
	}
	return false
}

// scopeCycle runs DFS with an on-stack set over one scope's runAfter graph.
func scopeCycle(actions map[string]*Action) bool {
	visited := make(map[string]bool, len(actions))
	onStack := make(map[string]bool, len(actions))
	var visit func(name string) bool
	visit = func(name string) bool {
		if onStack[name] {
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		onStack[name] = true
		if a := actions[name]; a != nil {
			for prereq := range a.RunAfter {
				if _, ok := actions[prereq]; !ok {
					continue
				}
				if visit(prereq) {
					return true
				}
			}
		}
		onStack[name] = false
		return false
	}
	for name := range actions {
		if visit(name) {
			return true
		}
	}
	return false
}

func invalid(errs ...CompileError) Result {
	return Result{Valid: false, Errors: errs}
}

func sortedNames(actions map[string]*Action) []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
