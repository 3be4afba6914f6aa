package fsm

import (
	"context"
	"time"
)

// Bookmark is an opaque token naming a point in the transaction log that a
// client has observed. Commit produces one; begin consumes them as a
// lower bound ("start no earlier than here"). The session core never
// inspects the contents; only the transaction manager interprets them.
type Bookmark string

func (b Bookmark) String() string { return string(b) }

// TxOptions carries the client-supplied options of a transaction, both for
// explicit BEGIN and for the implicit transaction opened by an autocommit
// RUN.
type TxOptions struct {
	Bookmarks        []Bookmark
	Timeout          time.Duration
	AccessMode       AccessMode
	Metadata         map[string]any
	DatabaseName     string
	ImpersonatedUser string
}

// TransactionManager opens transactions. It is the single entry point the
// session core has into the database underneath; pkg/tx provides the real
// implementation over a storage engine.
type TransactionManager interface {
	// Begin opens a transaction positioned no earlier than the given
	// bookmarks. Errors carrying a Status (database not found, invalid
	// bookmark) are surfaced to the client verbatim.
	Begin(ctx context.Context, opts TxOptions) (Transaction, error)
}

// Transaction is the capability handle for one open transaction. At most
// one Transaction is attached to a StateMachine at a time, and every
// Statement it owns dies with it.
//
// Implementations are called from the single goroutine that drives the
// state machine, except Terminate which may be called from anywhere.
type Transaction interface {
	// Run opens a new statement. Statement ids are small non-negative
	// integers assigned monotonically within the transaction.
	Run(ctx context.Context, query string, params map[string]any) (Statement, error)

	// Statement looks up an open statement by id. Returns an error
	// classified as StatementNotFound when the id is unknown or the
	// statement has already been exhausted.
	Statement(qid int64) (Statement, error)

	// LastStatement returns the most recently opened statement, the
	// default target for PULL and DISCARD without an explicit qid.
	LastStatement() (Statement, error)

	// Commit closes the transaction and returns the bookmark of the
	// position it committed at. The transaction is unusable afterward
	// whether or not commit succeeded.
	Commit(ctx context.Context) (Bookmark, error)

	// Rollback discards the transaction and every open statement.
	Rollback(ctx context.Context) error

	// Terminate marks the transaction for cancellation. Safe to call
	// from any goroutine; the next operation fails with a termination
	// status instead of executing.
	Terminate()

	// Terminated reports whether Terminate has been called.
	Terminated() bool
}

// Statement is one query's open result cursor within a transaction.
type Statement interface {
	// ID returns the statement id (qid) within the owning transaction.
	ID() int64

	// Fields returns the result column names, reported in the RUN
	// success metadata.
	Fields() []string

	// TFirst returns the milliseconds the statement took to produce its
	// first result, for the t_first metadata key.
	TFirst() int64

	// Pull streams up to n records into the sink (AllRecords streams to
	// exhaustion). An exhausted statement is removed from its
	// transaction's statement table before Pull returns.
	Pull(ctx context.Context, n int64, records RecordWriter) (StreamSummary, error)

	// Discard drops up to n records without emitting them.
	Discard(ctx context.Context, n int64) (StreamSummary, error)

	// HasRemaining reports whether unconsumed records remain.
	HasRemaining() bool
}

// RecordWriter receives streamed records. ResponseSink satisfies it.
type RecordWriter interface {
	OnRecord(values []any) error
}

// StreamSummary describes the outcome of one Pull or Discard call.
type StreamSummary struct {
	// HasMore is true when unconsumed records remain after this call.
	HasMore bool

	// TLast is the total streaming time in milliseconds, reported only
	// when the stream closed (HasMore false).
	TLast int64

	// Type classifies the statement for the final metadata: "r" for
	// read-only, "w" for write, "rw" for both, "s" for schema.
	Type string
}
