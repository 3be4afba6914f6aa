// Package tx implements the transaction capability consumed by the Bolt
// session state machine (pkg/fsm).
//
// A Manager opens transactions over a storage engine; each Tx owns a
// table of open statements keyed by statement id (qid) and a buffered
// storage transaction. Statement results are produced by a pluggable
// query executor, keeping this package independent of any particular
// query language implementation.
//
// Bookmarks encode the engine's commit position. Commit produces one;
// Begin parses the ones the client hands back and refuses malformed
// tokens, which keeps read-your-writes chains honest across connections.
package tx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/orneryd/skalddb/pkg/fsm"
	"github.com/orneryd/skalddb/pkg/storage"
)

// Result holds the rows produced by one executed query.
type Result struct {
	Columns []string
	Rows    [][]any
	// Writes reports whether the query buffered any writes. Drives the
	// "type" response metadata and decides whether commit advances the
	// bookmark position.
	Writes bool
}

// Executor executes one query inside a storage transaction. pkg/cypher
// provides the built-in implementation; servers embedding SkaldDB can
// plug their own engine.
//
// Errors carrying an fsm.Status are surfaced to the client verbatim;
// anything else is classified as a statement error.
type Executor interface {
	Execute(ctx context.Context, stx *storage.Transaction, query string, params map[string]any) (*Result, error)
}

// Manager opens transactions for one hosted database. It implements
// fsm.TransactionManager.
type Manager struct {
	engine   storage.Engine
	executor Executor
	database string

	// open counts live transactions, for shutdown diagnostics.
	open atomic.Int64
}

// NewManager creates a manager over the given engine and executor.
// database is the single database name this instance hosts.
func NewManager(engine storage.Engine, executor Executor, database string) *Manager {
	return &Manager{
		engine:   engine,
		executor: executor,
		database: database,
	}
}

// OpenTransactions returns the number of transactions currently open.
func (m *Manager) OpenTransactions() int64 {
	return m.open.Load()
}

// Begin opens a transaction. The database name must match the hosted
// database and every bookmark must parse; both failures carry a Status
// the session reports to the client unchanged.
func (m *Manager) Begin(_ context.Context, opts fsm.TxOptions) (fsm.Transaction, error) {
	db := opts.DatabaseName
	if db == "" {
		db = m.database
	}
	if db != m.database {
		return nil, fsm.DatabaseNotFound(db)
	}

	// Single-instance deployment: any parseable position has already
	// been reached, so bookmarks only need validation, never waiting.
	for _, bookmark := range opts.Bookmarks {
		if _, _, err := ParseBookmark(bookmark); err != nil {
			return nil, fsm.InvalidBookmark(string(bookmark))
		}
	}

	m.open.Add(1)
	return newTx(m, db, opts), nil
}

// bookmarkPrefix versions the bookmark format so a future layout change
// can still parse tokens minted by older servers.
const bookmarkPrefix = "skalddb:bookmark:v1"

// FormatBookmark builds the bookmark for a commit position.
func FormatBookmark(database string, position uint64) fsm.Bookmark {
	return fsm.Bookmark(fmt.Sprintf("%s:%s:%d", bookmarkPrefix, database, position))
}

// ParseBookmark splits a bookmark into database name and commit position.
func ParseBookmark(b fsm.Bookmark) (database string, position uint64, err error) {
	rest, ok := strings.CutPrefix(string(b), bookmarkPrefix+":")
	if !ok {
		return "", 0, fmt.Errorf("not a skalddb bookmark: %q", b)
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx <= 0 {
		return "", 0, fmt.Errorf("malformed bookmark: %q", b)
	}
	position, err = strconv.ParseUint(rest[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed bookmark position in %q: %w", b, err)
	}
	return rest[:idx], position, nil
}
