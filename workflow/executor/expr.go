package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/loomhq/loom/workflow/secrets"
)

// scope is the evaluation environment of one expression: workflow
// parameters, completed action results, the active variable bindings, and
// the optional secrets client.
type scope struct {
	params  map[string]any
	actions map[string]*ActionResult
	vars    map[string]any
	secrets secrets.Store
}

// child returns a scope with a copied variable map so loop iterations and
// parallel branches cannot observe each other's bindings.
func (sc *scope) child() *scope {
	vars := make(map[string]any, len(sc.vars)+2)
	for k, v := range sc.vars {
		vars[k] = v
	}
	return &scope{params: sc.params, actions: sc.actions, vars: vars, secrets: sc.secrets}
}

// evaluate resolves expressions recursively through maps and sequences.
// Strings starting with '@' are parsed as expressions; "@@" escapes a
// literal '@'. Everything else passes through unchanged.
func evaluate(ctx context.Context, v any, sc *scope) (any, error) {
	switch t := v.(type) {
	case string:
		return evalString(ctx, t, sc)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			ev, err := evaluate(ctx, elem, sc)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			ev, err := evaluate(ctx, elem, sc)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	default:
		return v, nil
	}
}

func evalString(ctx context.Context, s string, sc *scope) (any, error) {
	if !strings.HasPrefix(s, "@") {
		return s, nil
	}
	if strings.HasPrefix(s, "@@") {
		return s[1:], nil
	}
	p := &exprParser{src: s, pos: 1, ctx: ctx, scope: sc}
	v, err := p.parseCall()
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", s, err)
	}
	p.skipSpaces()
	if p.pos != len(s) {
		return nil, fmt.Errorf("evaluate %q: unexpected trailing input at offset %d", s, p.pos)
	}
	return v, nil
}

// evalCondition evaluates a loop or If condition to a boolean.
func evalCondition(ctx context.Context, cond any, sc *scope) (bool, error) {
	v, err := evaluate(ctx, cond, sc)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("condition is not boolean: %v", v)
	}
	return b, nil
}

// exprParser is a recursive descent parser over the @function grammar:
// a call with literal or nested-call arguments followed by an optional
// dotted field path.
type exprParser struct {
	src   string
	pos   int
	ctx   context.Context
	scope *scope
}

func (p *exprParser) parseCall() (any, error) {
	name := p.parseIdent()
	if name == "" {
		return nil, fmt.Errorf("expected function name at offset %d", p.pos)
	}
	if !p.consume('(') {
		return nil, fmt.Errorf("expected '(' after @%s", name)
	}
	var args []any
	p.skipSpaces()
	if !p.consume(')') {
		for {
			arg, err := p.parseArg()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			p.skipSpaces()
			if p.consume(',') {
				continue
			}
			if p.consume(')') {
				break
			}
			return nil, fmt.Errorf("expected ',' or ')' at offset %d", p.pos)
		}
	}
	v, err := p.apply(name, args)
	if err != nil {
		return nil, err
	}
	return p.parseTrailer(v)
}

func (p *exprParser) parseArg() (any, error) {
	p.skipSpaces()
	if p.pos >= len(p.src) {
		return nil, errors.New("unexpected end of expression")
	}
	switch c := p.src[p.pos]; {
	case c == '@':
		p.pos++
		return p.parseCall()
	case c == '\'':
		return p.parseString()
	case c == '-' || unicode.IsDigit(rune(c)):
		return p.parseNumber()
	default:
		if ident := p.peekIdent(); ident == "true" || ident == "false" || ident == "null" {
			p.pos += len(ident)
			switch ident {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return nil, nil
		}
		// Bare identifier followed by '(' is a nested call without '@'.
		return p.parseCall()
	}
}

func (p *exprParser) parseTrailer(v any) (any, error) {
	for p.pos < len(p.src) && p.src[p.pos] == '.' {
		p.pos++
		field := p.parseIdent()
		if field == "" {
			return nil, fmt.Errorf("expected field name at offset %d", p.pos)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot access field %q of %T", field, v)
		}
		v = m[field]
	}
	return v, nil
}

func (p *exprParser) apply(name string, args []any) (any, error) {
	switch name {
	case "parameters":
		key, err := oneString(name, args)
		if err != nil {
			return nil, err
		}
		v, ok := p.scope.params[key]
		if !ok {
			return nil, fmt.Errorf("Unknown parameter: %s", key)
		}
		return v, nil
	case "variables":
		key, err := oneString(name, args)
		if err != nil {
			return nil, err
		}
		v, ok := p.scope.vars[key]
		if !ok {
			return nil, fmt.Errorf("Unknown variable: %s", key)
		}
		return v, nil
	case "actions":
		key, err := oneString(name, args)
		if err != nil {
			return nil, err
		}
		res, ok := p.scope.actions[key]
		if !ok {
			return nil, fmt.Errorf("Unknown action reference: %s", key)
		}
		return res.view(), nil
	case "secret":
		key, err := oneString(name, args)
		if err != nil {
			return nil, err
		}
		if p.scope.secrets == nil {
			return nil, errors.New("No secrets client configured")
		}
		sec, err := p.scope.secrets.GetSecret(p.ctx, key, "")
		if err != nil {
			if errors.Is(err, secrets.ErrNotFound) {
				return nil, fmt.Errorf("Secret not found: %s", key)
			}
			return nil, fmt.Errorf("secret lookup failed: %w", err)
		}
		return sec.Value, nil
	case "equals":
		if len(args) != 2 {
			return nil, fmt.Errorf("equals expects 2 arguments, got %d", len(args))
		}
		return looseEqual(args[0], args[1]), nil
	case "less":
		a, b, err := twoNumbers(name, args)
		if err != nil {
			return nil, err
		}
		return a < b, nil
	case "greaterOrEquals":
		a, b, err := twoNumbers(name, args)
		if err != nil {
			return nil, err
		}
		return a >= b, nil
	case "not":
		if len(args) != 1 {
			return nil, fmt.Errorf("not expects 1 argument, got %d", len(args))
		}
		b, ok := args[0].(bool)
		if !ok {
			return nil, fmt.Errorf("not expects a boolean, got %T", args[0])
		}
		return !b, nil
	default:
		return nil, fmt.Errorf("unknown function @%s", name)
	}
}

func (p *exprParser) parseString() (string, error) {
	// Opening quote already inspected.
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '\'' {
			// Two quotes in a row escape one.
			if p.pos+1 < len(p.src) && p.src[p.pos+1] == '\'' {
				b.WriteByte('\'')
				p.pos += 2
				continue
			}
			p.pos++
			return b.String(), nil
		}
		b.WriteByte(c)
		p.pos++
	}
	return "", errors.New("unterminated string literal")
}

func (p *exprParser) parseNumber() (any, error) {
	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.src) && (unicode.IsDigit(rune(p.src[p.pos])) || p.src[p.pos] == '.') {
		p.pos++
	}
	lit := p.src[start:p.pos]
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed number %q", lit)
	}
	return f, nil
}

func (p *exprParser) parseIdent() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := rune(p.src[p.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *exprParser) peekIdent() string {
	save := p.pos
	ident := p.parseIdent()
	p.pos = save
	return ident
}

func (p *exprParser) consume(c byte) bool {
	p.skipSpaces()
	if p.pos < len(p.src) && p.src[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func oneString(fn string, args []any) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s expects 1 argument, got %d", fn, len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("%s expects a string argument, got %T", fn, args[0])
	}
	return s, nil
}

func twoNumbers(fn string, args []any) (float64, float64, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("%s expects 2 arguments, got %d", fn, len(args))
	}
	a, aok := asNumber(args[0])
	b, bok := asNumber(args[1])
	if !aok || !bok {
		return 0, 0, fmt.Errorf("%s expects numeric arguments, got %T and %T", fn, args[0], args[1])
	}
	return a, b, nil
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// looseEqual compares with numeric coercion so 4 and 4.0 compare equal
// regardless of decode path.
func looseEqual(a, b any) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
