// Package cypher implements the built-in query executor.
//
// It covers the Cypher subset SkaldDB clients exercise in practice:
//
//	RETURN <expr> [AS alias][, ...]
//	UNWIND <list> AS x RETURN <expr> [AS alias]
//	CREATE (n:Label {props}) [RETURN n]
//	MATCH (n:Label) RETURN <expr> [AS alias][, ...] [LIMIT k]
//	MATCH (n:Label) DELETE n
//
// Expressions support literals (strings, integers, floats, booleans,
// null, lists, maps), $parameters, bound variables, and property access.
// Anything outside the subset fails with a SyntaxError status the
// session layer reports to the client.
package cypher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/skalddb/pkg/fsm"
	"github.com/orneryd/skalddb/pkg/storage"
	"github.com/orneryd/skalddb/pkg/tx"
)

// Clause patterns. Parsed once; queries are short so regex dispatch is
// fast enough and keeps the parser honest about what it accepts.
var (
	returnRe = regexp.MustCompile(`(?is)^\s*RETURN\s+(.+?)\s*$`)
	unwindRe = regexp.MustCompile(`(?is)^\s*UNWIND\s+(.+?)\s+AS\s+(\w+)\s+RETURN\s+(.+?)\s*$`)
	createRe = regexp.MustCompile(`(?is)^\s*CREATE\s+\(\s*(\w+)?\s*:(\w+)\s*(\{.*\})?\s*\)\s*(?:RETURN\s+(.+?))?\s*$`)
	matchRe  = regexp.MustCompile(`(?is)^\s*MATCH\s+\(\s*(\w+)\s*:(\w+)\s*\)\s+RETURN\s+(.+?)(?:\s+LIMIT\s+(\d+))?\s*$`)
	deleteRe = regexp.MustCompile(`(?is)^\s*MATCH\s+\(\s*(\w+)\s*:(\w+)\s*\)\s+DELETE\s+(\w+)\s*$`)
	aliasRe  = regexp.MustCompile(`(?is)^(.+?)\s+AS\s+(\w+)$`)
)

// Executor executes queries against a storage transaction. It implements
// tx.Executor and is safe for concurrent use; all per-query state lives
// on the stack.
type Executor struct{}

// New creates the built-in executor.
func New() *Executor {
	return &Executor{}
}

// Execute parses and runs one query inside the given transaction.
func (e *Executor) Execute(ctx context.Context, stx *storage.Transaction, query string, params map[string]any) (*tx.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	ec := &evalContext{params: params, vars: map[string]any{}}

	switch {
	case unwindRe.MatchString(query):
		return e.unwind(unwindRe.FindStringSubmatch(query), ec)
	case returnRe.MatchString(query):
		return e.returnOnly(returnRe.FindStringSubmatch(query)[1], ec)
	case createRe.MatchString(query):
		return e.create(stx, createRe.FindStringSubmatch(query), ec)
	case deleteRe.MatchString(query):
		return e.deleteNodes(stx, deleteRe.FindStringSubmatch(query))
	case matchRe.MatchString(query):
		return e.match(stx, matchRe.FindStringSubmatch(query), ec)
	}
	return nil, fsm.SyntaxError(fmt.Sprintf("unable to parse query: %s", strings.TrimSpace(query)))
}

// projection is one RETURN item: an expression and its output column.
type projection struct {
	expr  string
	alias string
}

func parseProjections(clause string) ([]projection, error) {
	items := splitTopLevel(clause)
	if len(items) == 0 {
		return nil, fsm.SyntaxError("RETURN requires at least one expression")
	}
	var projections []projection
	for _, item := range items {
		if m := aliasRe.FindStringSubmatch(item); m != nil {
			projections = append(projections, projection{expr: strings.TrimSpace(m[1]), alias: m[2]})
			continue
		}
		projections = append(projections, projection{expr: item, alias: item})
	}
	return projections, nil
}

func projectRow(projections []projection, ec *evalContext) ([]any, error) {
	row := make([]any, len(projections))
	for i, p := range projections {
		value, err := evalExpression(p.expr, ec)
		if err != nil {
			return nil, err
		}
		row[i] = value
	}
	return row, nil
}

func columnsOf(projections []projection) []string {
	columns := make([]string, len(projections))
	for i, p := range projections {
		columns[i] = p.alias
	}
	return columns
}

func (e *Executor) returnOnly(clause string, ec *evalContext) (*tx.Result, error) {
	projections, err := parseProjections(clause)
	if err != nil {
		return nil, err
	}
	row, err := projectRow(projections, ec)
	if err != nil {
		return nil, err
	}
	return &tx.Result{Columns: columnsOf(projections), Rows: [][]any{row}}, nil
}

func (e *Executor) unwind(m []string, ec *evalContext) (*tx.Result, error) {
	listExpr, variable, returnClause := m[1], m[2], m[3]

	value, err := evalExpression(listExpr, ec)
	if err != nil {
		return nil, err
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fsm.SyntaxError(fmt.Sprintf("UNWIND requires a list, got %T", value))
	}
	projections, err := parseProjections(returnClause)
	if err != nil {
		return nil, err
	}

	rows := make([][]any, 0, len(list))
	for _, item := range list {
		row, err := projectRow(projections, ec.bind(variable, item))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return &tx.Result{Columns: columnsOf(projections), Rows: rows}, nil
}

func (e *Executor) create(stx *storage.Transaction, m []string, ec *evalContext) (*tx.Result, error) {
	variable, label, propsExpr, returnClause := m[1], m[2], m[3], m[4]

	props := map[string]any{}
	if propsExpr != "" {
		var err error
		props, err = evalMapLiteral(propsExpr, ec)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	node := &storage.Node{
		ID:         newNodeID(label),
		Labels:     []string{label},
		Properties: props,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := stx.SetNode(node); err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	result := &tx.Result{Columns: []string{}, Writes: true}
	if returnClause == "" {
		return result, nil
	}

	projections, err := parseProjections(returnClause)
	if err != nil {
		return nil, err
	}
	row, err := projectRow(projections, ec.bind(variable, node))
	if err != nil {
		return nil, err
	}
	result.Columns = columnsOf(projections)
	result.Rows = [][]any{row}
	return result, nil
}

func (e *Executor) match(stx *storage.Transaction, m []string, ec *evalContext) (*tx.Result, error) {
	variable, label, returnClause, limitStr := m[1], m[2], m[3], m[4]

	nodes, err := stx.NodesByLabel(label)
	if err != nil {
		return nil, fmt.Errorf("failed to match label %s: %w", label, err)
	}
	if limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err == nil && limit < len(nodes) {
			nodes = nodes[:limit]
		}
	}

	projections, err := parseProjections(returnClause)
	if err != nil {
		return nil, err
	}

	rows := make([][]any, 0, len(nodes))
	for _, node := range nodes {
		row, err := projectRow(projections, ec.bind(variable, node))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return &tx.Result{Columns: columnsOf(projections), Rows: rows}, nil
}

func (e *Executor) deleteNodes(stx *storage.Transaction, m []string) (*tx.Result, error) {
	variable, label, target := m[1], m[2], m[3]
	if variable != target {
		return nil, fsm.SyntaxError(fmt.Sprintf("variable %s not defined", target))
	}
	nodes, err := stx.NodesByLabel(label)
	if err != nil {
		return nil, fmt.Errorf("failed to match label %s: %w", label, err)
	}
	for _, node := range nodes {
		if err := stx.DeleteNode(node.ID); err != nil {
			return nil, fmt.Errorf("failed to delete node %s: %w", node.ID, err)
		}
	}
	return &tx.Result{Columns: []string{}, Writes: true}, nil
}

// propertyOf resolves variable.property access against nodes and maps.
func propertyOf(value any, prop string) (any, error) {
	switch v := value.(type) {
	case *storage.Node:
		return v.Properties[prop], nil
	case map[string]any:
		return v[prop], nil
	default:
		return nil, fsm.SyntaxError(fmt.Sprintf("cannot access property %s on %T", prop, value))
	}
}

// newNodeID generates a unique id of the form label-<16 hex chars>.
func newNodeID(label string) storage.NodeID {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return storage.NodeID(strings.ToLower(label) + "-" + hex.EncodeToString(buf[:]))
}
