package fsm

import "sync/atomic"

// FeatureSet holds the optional protocol features negotiated in HELLO.
// Features only affect value encoding in the wire layer (for example the
// UTC datetime patch changes how timestamps are packed); they never change
// state machine behavior.
type FeatureSet struct {
	// UTCDateTime is the "utc" patch: datetimes are encoded with UTC
	// offsets instead of the legacy local-time structures.
	UTCDateTime bool
}

// Granted lists the negotiated features in patch_bolt metadata form.
func (f FeatureSet) Granted() []string {
	var granted []string
	if f.UTCDateTime {
		granted = append(granted, "utc")
	}
	return granted
}

// NegotiateFeatures matches the client's requested patch_bolt entries
// against what this server supports. Unknown entries are ignored, per
// protocol: the client falls back for anything not echoed back.
func NegotiateFeatures(requested []string) FeatureSet {
	var fs FeatureSet
	for _, f := range requested {
		if f == "utc" {
			fs.UTCDateTime = true
		}
	}
	return fs
}

// Connection is the longest-lived owner of a client session. It holds the
// negotiated features and the interrupt counter, and owns one StateMachine.
//
// Concurrency contract: every field is owned by the goroutine processing
// requests for this connection, except the interrupt counter, which is an
// atomic cell so that Interrupt may be called from any goroutine (the
// transport raises it when an out-of-band cancellation arrives, or during
// server shutdown). The counter takes effect on the next processed
// request, never synchronously.
type Connection struct {
	id         string
	features   FeatureSet
	interrupts atomic.Int64
}

// NewConnection creates a connection with the given identity. Features
// start empty and are set once HELLO negotiates them.
func NewConnection(id string) *Connection {
	return &Connection{id: id}
}

// ID returns the connection identity handed to clients in HELLO metadata.
func (c *Connection) ID() string { return c.id }

// Features returns the negotiated feature set.
func (c *Connection) Features() FeatureSet { return c.features }

// SetFeatures records the outcome of HELLO feature negotiation.
func (c *Connection) SetFeatures(fs FeatureSet) { c.features = fs }

// Interrupt raises the interrupt counter. Safe from any goroutine at any
// time. Every request processed after this call is answered with IGNORED
// until a RESET is processed.
func (c *Connection) Interrupt() {
	c.interrupts.Add(1)
}

// InterruptCount returns the current interrupt counter value.
func (c *Connection) InterruptCount() int64 {
	return c.interrupts.Load()
}
