package tx

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/orneryd/skalddb/pkg/fsm"
	"github.com/orneryd/skalddb/pkg/storage"
)

// Tx is one open transaction. It implements fsm.Transaction.
//
// All methods run on the single goroutine driving the session, except
// Terminate, which any goroutine may call. The terminated flag is the
// only state shared across goroutines.
type Tx struct {
	manager  *Manager
	database string
	stx      *storage.Transaction
	deadline time.Time // zero when the client set no timeout

	statements map[int64]*Stmt
	nextID     int64
	lastID     int64 // most recently opened statement; -1 when none yet

	closed     bool
	terminated atomic.Bool
}

func newTx(m *Manager, database string, opts fsm.TxOptions) *Tx {
	t := &Tx{
		manager:    m,
		database:   database,
		stx:        storage.NewTransaction(m.engine),
		statements: make(map[int64]*Stmt),
		lastID:     -1,
	}
	if opts.Timeout > 0 {
		t.deadline = time.Now().Add(opts.Timeout)
	}
	return t
}

// Database returns the database this transaction runs against.
func (t *Tx) Database() string { return t.database }

// Terminate marks the transaction for cancellation. Safe from any
// goroutine. The transaction stays open; the next operation observes the
// flag and fails with a termination status.
func (t *Tx) Terminate() {
	t.terminated.Store(true)
}

// Terminated reports whether Terminate has been called or the client's
// transaction timeout has elapsed.
func (t *Tx) Terminated() bool {
	if t.terminated.Load() {
		return true
	}
	if !t.deadline.IsZero() && time.Now().After(t.deadline) {
		t.terminated.Store(true)
		return true
	}
	return false
}

// Run executes a query and opens a statement over its results.
func (t *Tx) Run(ctx context.Context, query string, params map[string]any) (fsm.Statement, error) {
	if t.closed {
		return nil, storage.ErrTransactionClosed
	}
	if t.Terminated() {
		return nil, fsm.Terminated()
	}
	if !t.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, t.deadline)
		defer cancel()
	}

	start := time.Now()
	result, err := t.manager.executor.Execute(ctx, t.stx, query, params)
	if err != nil {
		return nil, err
	}

	stmt := newStmt(t, t.nextID, result, time.Since(start))
	t.statements[stmt.id] = stmt
	t.lastID = stmt.id
	t.nextID++
	return stmt, nil
}

// Statement looks up an open statement by id.
func (t *Tx) Statement(qid int64) (fsm.Statement, error) {
	stmt, ok := t.statements[qid]
	if !ok {
		return nil, fsm.StatementNotFound(qid)
	}
	return stmt, nil
}

// LastStatement returns the most recently opened statement, even if older
// statements are still open.
func (t *Tx) LastStatement() (fsm.Statement, error) {
	if t.lastID < 0 {
		return nil, fsm.StatementNotFound(t.lastID)
	}
	return t.Statement(t.lastID)
}

// removeStatement drops an exhausted statement from the table. Its id is
// never reused.
func (t *Tx) removeStatement(qid int64) {
	delete(t.statements, qid)
}

// Commit applies the transaction's writes and returns the bookmark of the
// commit position. Open statements are discarded. A terminated transaction
// refuses to commit and rolls back instead.
//
// The transaction is closed on return whether or not commit succeeded.
func (t *Tx) Commit(_ context.Context) (fsm.Bookmark, error) {
	if t.closed {
		return "", storage.ErrTransactionClosed
	}
	t.close()

	if t.Terminated() {
		_ = t.stx.Rollback()
		return "", fsm.Terminated()
	}

	position, err := t.stx.Commit()
	if err != nil {
		return "", fsm.Status{Code: fsm.CodeTxCommitFailed, Message: err.Error()}
	}
	return FormatBookmark(t.database, position), nil
}

// Rollback discards the transaction and every open statement.
func (t *Tx) Rollback(_ context.Context) error {
	if t.closed {
		return storage.ErrTransactionClosed
	}
	t.close()

	if err := t.stx.Rollback(); err != nil {
		return fsm.Status{Code: fsm.CodeTxRollbackFailed, Message: err.Error()}
	}
	return nil
}

func (t *Tx) close() {
	t.closed = true
	t.statements = nil
	t.manager.open.Add(-1)
}
