package cypher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/orneryd/skalddb/pkg/fsm"
)

// evalContext holds what an expression can reference: client parameters
// and variables bound by the surrounding clause (UNWIND, MATCH, CREATE).
type evalContext struct {
	params map[string]any
	vars   map[string]any
}

func (ec *evalContext) bind(name string, value any) *evalContext {
	child := &evalContext{params: ec.params, vars: map[string]any{}}
	for k, v := range ec.vars {
		child.vars[k] = v
	}
	child.vars[name] = value
	return child
}

// evalExpression evaluates a literal, a parameter reference, a bound
// variable, or a property access on a bound variable.
func evalExpression(expr string, ec *evalContext) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fsm.SyntaxError("empty expression")
	}

	switch strings.ToLower(expr) {
	case "null":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	// Parameter reference.
	if name, ok := strings.CutPrefix(expr, "$"); ok {
		value, found := ec.params[name]
		if !found {
			return nil, fsm.SyntaxError(fmt.Sprintf("parameter $%s is not provided", name))
		}
		return value, nil
	}

	// Quoted string.
	if len(expr) >= 2 {
		if (expr[0] == '\'' && expr[len(expr)-1] == '\'') ||
			(expr[0] == '"' && expr[len(expr)-1] == '"') {
			return expr[1 : len(expr)-1], nil
		}
	}

	// List literal.
	if strings.HasPrefix(expr, "[") && strings.HasSuffix(expr, "]") {
		items := splitTopLevel(expr[1 : len(expr)-1])
		list := make([]any, 0, len(items))
		for _, item := range items {
			value, err := evalExpression(item, ec)
			if err != nil {
				return nil, err
			}
			list = append(list, value)
		}
		return list, nil
	}

	// Map literal.
	if strings.HasPrefix(expr, "{") && strings.HasSuffix(expr, "}") {
		return evalMapLiteral(expr, ec)
	}

	// Numbers. Integers stay int64 to round-trip through PackStream.
	if i, err := strconv.ParseInt(expr, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return f, nil
	}

	// Variable or variable.property.
	if name, prop, found := strings.Cut(expr, "."); found {
		value, ok := ec.vars[strings.TrimSpace(name)]
		if !ok {
			return nil, fsm.SyntaxError(fmt.Sprintf("variable %s not defined", name))
		}
		return propertyOf(value, strings.TrimSpace(prop))
	}
	if value, ok := ec.vars[expr]; ok {
		return value, nil
	}

	return nil, fsm.SyntaxError(fmt.Sprintf("unsupported expression: %s", expr))
}

// evalMapLiteral evaluates {key: expr, ...} into a map.
func evalMapLiteral(expr string, ec *evalContext) (map[string]any, error) {
	inner := strings.TrimSpace(expr[1 : len(expr)-1])
	result := make(map[string]any)
	if inner == "" {
		return result, nil
	}
	for _, pair := range splitTopLevel(inner) {
		key, value, found := strings.Cut(pair, ":")
		if !found {
			return nil, fsm.SyntaxError(fmt.Sprintf("malformed map entry: %s", pair))
		}
		key = strings.Trim(strings.TrimSpace(key), "`'\"")
		evaluated, err := evalExpression(value, ec)
		if err != nil {
			return nil, err
		}
		result[key] = evaluated
	}
	return result, nil
}

// splitTopLevel splits on commas that are not nested inside quotes,
// brackets, or braces.
func splitTopLevel(s string) []string {
	var parts []string
	var depth int
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '[' || c == '{' || c == '(':
			depth++
		case c == ']' || c == '}' || c == ')':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}
