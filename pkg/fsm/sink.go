package fsm

// ResponseSink receives the ordered response signals produced while
// processing one request. Implementations encode them for the transport
// (pkg/bolt writes PackStream chunks) or record them for tests.
//
// The sink is one-way and append-only per request: the state machine
// writes zero or more records followed by exactly one terminal signal
// (success, failure or ignored).
type ResponseSink interface {
	// OnRecord emits one result row.
	OnRecord(values []any) error

	// OnSuccess acknowledges the request. meta may be nil for an empty
	// metadata map. Recognized keys include "bookmark", "db", "qid",
	// "fields", "t_first", "t_last", "has_more" and "patch_bolt".
	OnSuccess(meta map[string]any) error

	// OnFailure reports a classified failure.
	OnFailure(status Status) error

	// OnIgnored acknowledges a request that was not executed because the
	// session is failed or interrupted. Not an error signal.
	OnIgnored() error
}
