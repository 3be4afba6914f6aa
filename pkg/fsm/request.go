package fsm

import "time"

// Request is a decoded client request message, ready for dispatch by the
// state machine. The wire layer (pkg/bolt) is responsible for PackStream
// decoding; the state machine only ever sees these semantic structs.
//
// Version differences between Bolt revisions (for example the
// impersonated_user field added in 4.4, or the UTC datetime patch) are
// optional fields and negotiated features, not distinct request types.
type Request interface {
	// Name returns the protocol name of the request, used in error
	// messages and logs ("RUN", "PULL", ...).
	Name() string
}

// AccessMode declares the intended access pattern of a transaction.
// Single-instance deployments treat both modes identically; the mode is
// recorded so routing-aware clients observe consistent metadata.
type AccessMode int

const (
	AccessModeWrite AccessMode = iota
	AccessModeRead
)

func (m AccessMode) String() string {
	if m == AccessModeRead {
		return "r"
	}
	return "w"
}

// HelloRequest carries connection metadata from the client's HELLO message.
// Authentication happens in the wire layer before the request reaches the
// state machine; by the time Process sees a HelloRequest the credentials
// have already been accepted.
type HelloRequest struct {
	UserAgent string
	// PatchBolt lists optional protocol features the client requests,
	// e.g. "utc" for UTC-offset datetime encoding.
	PatchBolt []string
	Meta      map[string]any
}

func (HelloRequest) Name() string { return "HELLO" }

// GoodbyeRequest asks for a clean connection shutdown.
type GoodbyeRequest struct{}

func (GoodbyeRequest) Name() string { return "GOODBYE" }

// ResetRequest clears failure and interrupt conditions and rolls back any
// open transaction. It is the only request processed while interrupted.
type ResetRequest struct{}

func (ResetRequest) Name() string { return "RESET" }

// RunRequest executes a query. Outside an explicit transaction it opens an
// implicit autocommit transaction; inside one it opens a new statement.
type RunRequest struct {
	Query  string
	Params map[string]any
	// Meta carries autocommit transaction options (bookmarks, tx_timeout,
	// mode, db, ...). Ignored when already inside an explicit transaction.
	Meta TxOptions
}

func (RunRequest) Name() string { return "RUN" }

// AllRecords is the n value meaning "stream to exhaustion" in PULL and
// DISCARD requests.
const AllRecords int64 = -1

// DefaultStatement is the qid value targeting the most recently opened
// statement.
const DefaultStatement int64 = -1

// PullRequest streams up to N records from a statement. Qid selects the
// statement; DefaultStatement targets the most recently opened one.
type PullRequest struct {
	N   int64
	Qid int64
}

func (PullRequest) Name() string { return "PULL" }

// DiscardRequest drops up to N records from a statement without sending
// them to the client.
type DiscardRequest struct {
	N   int64
	Qid int64
}

func (DiscardRequest) Name() string { return "DISCARD" }

// BeginRequest opens an explicit transaction.
type BeginRequest struct {
	Bookmarks        []Bookmark
	TxTimeout        time.Duration
	AccessMode       AccessMode
	TxMetadata       map[string]any
	DatabaseName     string
	ImpersonatedUser string
}

func (BeginRequest) Name() string { return "BEGIN" }

// Options converts the request into transaction options for the manager.
func (r BeginRequest) Options() TxOptions {
	return TxOptions{
		Bookmarks:        r.Bookmarks,
		Timeout:          r.TxTimeout,
		AccessMode:       r.AccessMode,
		Metadata:         r.TxMetadata,
		DatabaseName:     r.DatabaseName,
		ImpersonatedUser: r.ImpersonatedUser,
	}
}

// CommitRequest commits the open explicit transaction.
type CommitRequest struct{}

func (CommitRequest) Name() string { return "COMMIT" }

// RollbackRequest rolls back the open explicit transaction.
type RollbackRequest struct{}

func (RollbackRequest) Name() string { return "ROLLBACK" }

// RouteRequest asks for the cluster routing table. Single-instance
// deployments answer with themselves as the only server.
type RouteRequest struct {
	Context      map[string]any
	Bookmarks    []Bookmark
	DatabaseName string
}

func (RouteRequest) Name() string { return "ROUTE" }
