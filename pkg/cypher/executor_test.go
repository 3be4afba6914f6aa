package cypher

import (
	"context"
	"testing"

	"github.com/orneryd/skalddb/pkg/fsm"
	"github.com/orneryd/skalddb/pkg/storage"
	"github.com/orneryd/skalddb/pkg/tx"
)

func execute(t *testing.T, stx *storage.Transaction, query string, params map[string]any) *tx.Result {
	t.Helper()
	result, err := New().Execute(context.Background(), stx, query, params)
	if err != nil {
		t.Fatalf("query %q failed: %v", query, err)
	}
	return result
}

func newTestTx(t *testing.T) *storage.Transaction {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	return storage.NewTransaction(engine)
}

func TestReturnLiterals(t *testing.T) {
	stx := newTestTx(t)
	result := execute(t, stx, "RETURN 1 AS one, 'two' AS two, 3.5, true, null", nil)

	if got := result.Columns; len(got) != 5 || got[0] != "one" || got[1] != "two" || got[2] != "3.5" {
		t.Fatalf("unexpected columns: %v", got)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows))
	}
	row := result.Rows[0]
	if row[0] != int64(1) || row[1] != "two" || row[2] != 3.5 || row[3] != true || row[4] != nil {
		t.Errorf("unexpected row: %v", row)
	}
	if result.Writes {
		t.Error("RETURN must not be a write")
	}
}

func TestReturnParameters(t *testing.T) {
	stx := newTestTx(t)
	result := execute(t, stx, "RETURN $name AS name, $tags AS tags", map[string]any{
		"name": "skald",
		"tags": []any{"a", "b"},
	})

	if result.Rows[0][0] != "skald" {
		t.Errorf("expected parameter value, got %v", result.Rows[0][0])
	}
	tags, ok := result.Rows[0][1].([]any)
	if !ok || len(tags) != 2 {
		t.Errorf("expected list parameter, got %v", result.Rows[0][1])
	}
}

func TestReturnMissingParameter(t *testing.T) {
	stx := newTestTx(t)
	_, err := New().Execute(context.Background(), stx, "RETURN $missing", nil)
	if err == nil {
		t.Fatal("expected error for missing parameter")
	}
	if fsm.StatusOf(err).Code != fsm.CodeSyntaxError {
		t.Errorf("expected syntax error classification, got %v", err)
	}
}

func TestUnwindList(t *testing.T) {
	stx := newTestTx(t)
	result := execute(t, stx, "UNWIND [1, 2, 3] AS x RETURN x", nil)

	if len(result.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(result.Rows))
	}
	if result.Columns[0] != "x" {
		t.Errorf("expected column x, got %v", result.Columns)
	}
	for i, row := range result.Rows {
		if row[0] != int64(i+1) {
			t.Errorf("row %d: expected %d, got %v", i, i+1, row[0])
		}
	}
}

func TestUnwindParameterList(t *testing.T) {
	stx := newTestTx(t)
	result := execute(t, stx, "UNWIND $items AS item RETURN item AS value", map[string]any{
		"items": []any{"x", "y"},
	})
	if len(result.Rows) != 2 || result.Rows[1][0] != "y" || result.Columns[0] != "value" {
		t.Errorf("unexpected result: columns=%v rows=%v", result.Columns, result.Rows)
	}
}

func TestUnwindRejectsNonList(t *testing.T) {
	stx := newTestTx(t)
	_, err := New().Execute(context.Background(), stx, "UNWIND 42 AS x RETURN x", nil)
	if err == nil {
		t.Fatal("expected error for non-list UNWIND")
	}
}

func TestCreateNode(t *testing.T) {
	stx := newTestTx(t)
	result := execute(t, stx, "CREATE (n:User {name: 'Alice', age: 30})", nil)

	if !result.Writes {
		t.Error("CREATE must be a write")
	}
	if len(result.Rows) != 0 {
		t.Errorf("CREATE without RETURN should produce no rows, got %v", result.Rows)
	}

	users, err := stx.NodesByLabel("User")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Properties["name"] != "Alice" || users[0].Properties["age"] != int64(30) {
		t.Errorf("unexpected properties: %v", users[0].Properties)
	}
}

func TestCreateReturnsNode(t *testing.T) {
	stx := newTestTx(t)
	result := execute(t, stx, "CREATE (n:User {name: $name}) RETURN n", map[string]any{"name": "Bob"})

	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows))
	}
	node, ok := result.Rows[0][0].(*storage.Node)
	if !ok {
		t.Fatalf("expected node, got %T", result.Rows[0][0])
	}
	if node.Properties["name"] != "Bob" || !node.HasLabel("User") {
		t.Errorf("unexpected node: %+v", node)
	}
}

func TestMatchByLabel(t *testing.T) {
	stx := newTestTx(t)
	execute(t, stx, "CREATE (n:User {name: 'Alice'})", nil)
	execute(t, stx, "CREATE (n:User {name: 'Bob'})", nil)
	execute(t, stx, "CREATE (n:Document {title: 'Saga'})", nil)

	result := execute(t, stx, "MATCH (u:User) RETURN u.name AS name", nil)
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if result.Columns[0] != "name" {
		t.Errorf("expected column name, got %v", result.Columns)
	}

	limited := execute(t, stx, "MATCH (u:User) RETURN u LIMIT 1", nil)
	if len(limited.Rows) != 1 {
		t.Errorf("LIMIT not applied: got %d rows", len(limited.Rows))
	}
}

func TestMatchDelete(t *testing.T) {
	stx := newTestTx(t)
	execute(t, stx, "CREATE (n:Temp {x: 1})", nil)

	result := execute(t, stx, "MATCH (n:Temp) DELETE n", nil)
	if !result.Writes {
		t.Error("DELETE must be a write")
	}

	remaining := execute(t, stx, "MATCH (n:Temp) RETURN n", nil)
	if len(remaining.Rows) != 0 {
		t.Errorf("expected no rows after delete, got %d", len(remaining.Rows))
	}
}

func TestUnparsableQuery(t *testing.T) {
	stx := newTestTx(t)
	_, err := New().Execute(context.Background(), stx, "FOREACH (x IN [1] | SET x.y = 1)", nil)
	if err == nil {
		t.Fatal("expected syntax error")
	}
	if fsm.StatusOf(err).Code != fsm.CodeSyntaxError {
		t.Errorf("expected syntax error classification, got %v", err)
	}
}
