// Package fsm implements the Bolt session protocol state machine for
// SkaldDB.
//
// The state machine turns a sequence of decoded client requests (HELLO,
// BEGIN, RUN, PULL, DISCARD, COMMIT, ROLLBACK, RESET, GOODBYE, ROUTE) into
// a well-ordered sequence of response signals, while tracking exactly one
// active transaction and the open result streams of that transaction.
//
// This package deliberately knows nothing about the wire: pkg/bolt decodes
// PackStream messages into the request structs in request.go and encodes
// the signals written to the ResponseSink back into PackStream chunks. It
// also knows nothing about query execution or storage: both are reached
// through the narrow Transaction and Statement capabilities in tx.go,
// implemented by pkg/tx.
//
// State model:
//
//	CONNECTED --HELLO--> READY
//	READY --RUN--> AUTOCOMMIT --stream exhausted--> READY (implicit commit)
//	READY --BEGIN--> IN_TRANSACTION --COMMIT/ROLLBACK--> READY
//	any recoverable failure --> FAILED --RESET--> READY
//	interrupt observed --> INTERRUPTED --RESET--> READY
//
// Concurrency:
//
//	Process is never invoked concurrently for the same connection; the
//	transport guarantees one in-flight request at a time. The only
//	cross-goroutine signal is Connection.Interrupt (an atomic counter),
//	which takes effect on the next processed request.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrConnectionClosed is returned by Process when the client asked for a
// clean shutdown (GOODBYE). Not an error condition; the transport should
// close the connection without logging a failure.
var ErrConnectionClosed = errors.New("connection closed by client")

// ErrConnectionFatality is returned by Process after a fatal protocol
// violation. The failure response has already been written; the transport
// must tear the connection down and process no further requests.
var ErrConnectionFatality = errors.New("fatal protocol violation")

// Config holds the static, shared-read-only configuration of a state
// machine. Connections never share mutable state beyond this.
type Config struct {
	// ServerAgent is reported in HELLO success metadata, e.g.
	// "SkaldDB/0.1.0".
	ServerAgent string

	// DefaultDatabase is used when a transaction names no database.
	DefaultDatabase string

	// AdvertisedAddress, when set, is returned as the sole server in
	// ROUTE responses. Empty disables routing table entries.
	AdvertisedAddress string
}

// StateMachine drives one connection's protocol session. It holds the
// current state, the active transaction (if any), and the interrupt
// counter value observed at the last reset.
type StateMachine struct {
	conn    *Connection
	manager TransactionManager
	config  Config

	state State

	// txMu guards the tx pointer itself. The processing goroutine swaps
	// it on attach/detach while the transport may read it through
	// Transaction() to terminate out-of-band; everything else about the
	// transaction is owned by the processing goroutine.
	txMu sync.Mutex
	tx   Transaction
	txDB string

	// seenInterrupts is the connection interrupt counter value as of the
	// last processed RESET. A live counter above this value means an
	// interrupt is pending.
	seenInterrupts int64
}

// NewStateMachine creates a state machine in the CONNECTED state, owned by
// the given connection.
func NewStateMachine(conn *Connection, manager TransactionManager, config Config) *StateMachine {
	return &StateMachine{
		conn:    conn,
		manager: manager,
		config:  config,
		state:   StateConnected,
	}
}

// State returns the current protocol state.
func (m *StateMachine) State() State { return m.state }

// Connection returns the owning connection.
func (m *StateMachine) Connection() *Connection { return m.conn }

// Transaction returns the attached transaction, or nil. Exposed so the
// transport can terminate it out-of-band and tests can assert lifecycle.
// Safe from any goroutine.
func (m *StateMachine) Transaction() Transaction {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.tx
}

// HasTransaction reports whether a transaction is attached.
func (m *StateMachine) HasTransaction() bool { return m.tx != nil }

// ValidateTransaction checks the attached transaction for external
// termination without processing a request. Returns a Terminated status
// error when the transaction has been terminated; the transaction stays
// attached either way.
func (m *StateMachine) ValidateTransaction() error {
	if m.tx != nil && m.tx.Terminated() {
		return Terminated()
	}
	return nil
}

// outcome is the explicit result of one handler call. Instead of raising
// and catching errors to distinguish recoverable failures from protocol
// violations, handlers return one of four kinds and Process writes the
// terminal signal and commits the transition.
type outcome struct {
	kind   outcomeKind
	next   State
	meta   map[string]any
	status Status
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeIgnored
	outcomeFailure
	outcomeFatal
)

// succeedTo acknowledges the request with success metadata and moves to
// next.
func succeedTo(next State, meta map[string]any) outcome {
	return outcome{kind: outcomeSuccess, next: next, meta: meta}
}

// ignore acknowledges the request with IGNORED and stays in the given
// state.
func ignore(stay State) outcome {
	return outcome{kind: outcomeIgnored, next: stay}
}

// failWith reports a recoverable failure and moves to FAILED.
func failWith(status Status) outcome {
	return outcome{kind: outcomeFailure, next: StateFailed, status: status}
}

// fatal reports a protocol violation that kills the connection.
func fatal(status Status) outcome {
	return outcome{kind: outcomeFatal, status: status}
}

// Process dispatches one request to the current state's handler and
// applies the resulting transition. Exactly one terminal signal (success,
// failure or ignored) is written to the sink per call, preceded by any
// records the request streamed.
//
// The returned error is nil for normal processing (including recoverable
// failures, which are client-visible but keep the connection alive),
// ErrConnectionClosed after GOODBYE, ErrConnectionFatality after a
// protocol violation, or a transport write error.
func (m *StateMachine) Process(ctx context.Context, req Request, sink ResponseSink) error {
	// A pending interrupt preempts everything except RESET. The request
	// is not executed at all; it is acknowledged with IGNORED.
	if pending := m.conn.InterruptCount(); pending > m.seenInterrupts {
		if _, ok := req.(ResetRequest); ok {
			m.closeTransaction(ctx)
			m.seenInterrupts = pending
			m.state = StateReady
			return sink.OnSuccess(nil)
		}
		m.state = StateInterrupted
		return sink.OnIgnored()
	}

	// GOODBYE is a clean close from any state.
	if _, ok := req.(GoodbyeRequest); ok {
		m.closeTransaction(ctx)
		return ErrConnectionClosed
	}

	var out outcome
	switch m.state {
	case StateConnected:
		out = m.processConnected(req)
	case StateReady:
		out = m.processReady(ctx, req)
	case StateAutoCommit:
		out = m.processAutoCommit(ctx, req, sink)
	case StateInTransaction:
		out = m.processInTransaction(ctx, req, sink)
	case StateFailed, StateInterrupted:
		out = m.processDormant(ctx, req)
	default:
		out = fatal(RequestInvalid(fmt.Sprintf("session in unknown state %d", m.state)))
	}

	switch out.kind {
	case outcomeSuccess:
		m.state = out.next
		return sink.OnSuccess(out.meta)
	case outcomeIgnored:
		m.state = out.next
		return sink.OnIgnored()
	case outcomeFailure:
		m.state = StateFailed
		return sink.OnFailure(out.status)
	default: // outcomeFatal
		if err := sink.OnFailure(out.status); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrConnectionFatality, out.status.Message)
	}
}

// processConnected handles the CONNECTED state. Only HELLO is legal;
// anything else before authentication is a protocol violation.
func (m *StateMachine) processConnected(req Request) outcome {
	hello, ok := req.(HelloRequest)
	if !ok {
		return fatal(m.invalidRequest(req))
	}

	features := NegotiateFeatures(hello.PatchBolt)
	m.conn.SetFeatures(features)

	meta := map[string]any{
		"server":        m.config.ServerAgent,
		"connection_id": m.conn.ID(),
		"hints":         map[string]any{},
	}
	if granted := features.Granted(); len(granted) > 0 {
		meta["patch_bolt"] = granted
	}
	return succeedTo(StateReady, meta)
}

// processReady handles the READY state: RUN opens an implicit autocommit
// transaction, BEGIN opens an explicit one.
func (m *StateMachine) processReady(ctx context.Context, req Request) outcome {
	switch r := req.(type) {
	case RunRequest:
		if out, ok := m.beginTransaction(ctx, r.Meta); !ok {
			return out
		}
		st, err := m.tx.Run(ctx, r.Query, r.Params)
		if err != nil {
			// The implicit transaction stays attached until RESET so
			// failure handling is uniform across both transaction kinds.
			return failWith(StatusOf(err))
		}
		return succeedTo(StateAutoCommit, map[string]any{
			"fields":  st.Fields(),
			"t_first": st.TFirst(),
		})

	case BeginRequest:
		if out, ok := m.beginTransaction(ctx, r.Options()); !ok {
			return out
		}
		return succeedTo(StateInTransaction, nil)

	case ResetRequest:
		// No failure or transaction to clear; acknowledged as a no-op.
		m.closeTransaction(ctx)
		return succeedTo(StateReady, nil)

	case RouteRequest:
		return succeedTo(StateReady, m.routingTable(r))

	default:
		return fatal(m.invalidRequest(req))
	}
}

// processAutoCommit handles the AUTOCOMMIT state. The implicit transaction
// holds exactly one statement; exhausting its stream commits the
// transaction and attaches the bookmark to the final success metadata.
func (m *StateMachine) processAutoCommit(ctx context.Context, req Request, sink ResponseSink) outcome {
	switch r := req.(type) {
	case PullRequest:
		return m.streamStatement(ctx, sink, r.Qid, r.N, false)
	case DiscardRequest:
		return m.streamStatement(ctx, sink, r.Qid, r.N, true)
	case ResetRequest:
		m.closeTransaction(ctx)
		return succeedTo(StateReady, nil)
	default:
		return fatal(m.invalidRequest(req))
	}
}

// processInTransaction handles the IN_TRANSACTION state with its
// multiplexed statement table.
func (m *StateMachine) processInTransaction(ctx context.Context, req Request, sink ResponseSink) outcome {
	switch r := req.(type) {
	case RunRequest:
		if m.tx.Terminated() {
			return failWith(Terminated())
		}
		st, err := m.tx.Run(ctx, r.Query, r.Params)
		if err != nil {
			return failWith(StatusOf(err))
		}
		return succeedTo(StateInTransaction, map[string]any{
			"fields":  st.Fields(),
			"t_first": st.TFirst(),
			"qid":     st.ID(),
		})

	case PullRequest:
		return m.streamStatement(ctx, sink, r.Qid, r.N, false)

	case DiscardRequest:
		return m.streamStatement(ctx, sink, r.Qid, r.N, true)

	case CommitRequest:
		bookmark, err := m.tx.Commit(ctx)
		if err != nil {
			// A failed commit leaves no reusable transaction behind,
			// except termination, which keeps the transaction attached
			// until the client resets.
			if !IsTerminated(err) {
				m.detachTransaction()
			}
			return failWith(StatusOf(err))
		}
		m.detachTransaction()
		return succeedTo(StateReady, map[string]any{
			"bookmark": bookmark.String(),
		})

	case RollbackRequest:
		err := m.tx.Rollback(ctx)
		m.detachTransaction()
		if err != nil {
			return failWith(StatusOf(err))
		}
		return succeedTo(StateReady, nil)

	case ResetRequest:
		m.closeTransaction(ctx)
		return succeedTo(StateReady, nil)

	default:
		return fatal(m.invalidRequest(req))
	}
}

// processDormant handles FAILED and INTERRUPTED: every request except
// RESET is acknowledged with IGNORED and has no side effect. The attached
// transaction, if any, survives until the reset so the client can still
// inspect and acknowledge the failure.
func (m *StateMachine) processDormant(ctx context.Context, req Request) outcome {
	if _, ok := req.(ResetRequest); ok {
		m.closeTransaction(ctx)
		return succeedTo(StateReady, nil)
	}
	return ignore(m.state)
}

// beginTransaction opens a transaction via the manager and attaches it.
// Returns ok=false with a failure outcome when begin was refused (unknown
// database, malformed bookmark, storage failure).
func (m *StateMachine) beginTransaction(ctx context.Context, opts TxOptions) (outcome, bool) {
	if opts.DatabaseName == "" {
		opts.DatabaseName = m.config.DefaultDatabase
	}
	tx, err := m.manager.Begin(ctx, opts)
	if err != nil {
		return failWith(StatusOf(err)), false
	}
	m.txMu.Lock()
	m.tx = tx
	m.txMu.Unlock()
	m.txDB = opts.DatabaseName
	return outcome{}, true
}

// detachTransaction clears the transaction pointer without touching the
// transaction itself. Used after commit/rollback, which already closed it.
func (m *StateMachine) detachTransaction() {
	m.txMu.Lock()
	m.tx = nil
	m.txMu.Unlock()
	m.txDB = ""
}

// closeTransaction rolls back and detaches the attached transaction, if
// any. Rollback errors are swallowed: reset must always succeed.
func (m *StateMachine) closeTransaction(ctx context.Context) {
	if m.tx == nil {
		return
	}
	_ = m.tx.Rollback(ctx)
	m.detachTransaction()
}

// invalidRequest builds the fatal status for a request type the current
// state does not recognize.
func (m *StateMachine) invalidRequest(req Request) Status {
	return RequestInvalid(fmt.Sprintf(
		"message %s cannot be handled by a session in the %s state", req.Name(), m.state))
}

// routingTable builds the single-instance routing table for ROUTE.
func (m *StateMachine) routingTable(req RouteRequest) map[string]any {
	db := req.DatabaseName
	if db == "" {
		db = m.config.DefaultDatabase
	}
	servers := []any{}
	if addr := m.config.AdvertisedAddress; addr != "" {
		for _, role := range []string{"WRITE", "READ", "ROUTE"} {
			servers = append(servers, map[string]any{
				"addresses": []any{addr},
				"role":      role,
			})
		}
	}
	return map[string]any{
		"rt": map[string]any{
			"ttl":     int64(300),
			"db":      db,
			"servers": servers,
		},
	}
}
