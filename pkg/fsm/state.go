package fsm

// State identifies a position in the Bolt session protocol state machine.
//
// States are a closed set of tagged values rather than a type hierarchy.
// All mutable session data (the active transaction, interrupt bookkeeping,
// negotiated features) lives on the StateMachine and Connection; a State
// carries identity only. Protocol version differences are expressed as
// negotiated feature flags on the Connection, never as distinct states.
type State int

const (
	// StateConnected is the initial state after the wire handshake.
	// Only HELLO is accepted; successful authentication advances to Ready.
	StateConnected State = iota

	// StateReady accepts RUN (opening an implicit autocommit transaction)
	// and BEGIN (opening an explicit transaction).
	StateReady

	// StateAutoCommit streams the single statement of an implicit
	// transaction. Exhausting the stream commits the transaction and
	// returns to Ready.
	StateAutoCommit

	// StateInTransaction holds an explicit transaction with zero or more
	// open statements, multiplexed by statement id.
	StateInTransaction

	// StateInterrupted answers every request except RESET with IGNORED.
	// Entered when the connection's interrupt counter advances.
	StateInterrupted

	// StateFailed is entered after a recoverable failure. Every request
	// except RESET is answered with IGNORED until the client resets.
	StateFailed
)

// String returns the protocol name of the state, matching the names used
// by Neo4j server logs so driver-side debugging output lines up.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateReady:
		return "READY"
	case StateAutoCommit:
		return "AUTOCOMMIT"
	case StateInTransaction:
		return "IN_TRANSACTION"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
