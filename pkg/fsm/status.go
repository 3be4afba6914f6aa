package fsm

import (
	"errors"
	"fmt"
)

// Status is a machine-readable failure classification surfaced to clients
// in FAILURE responses. Codes follow the Neo4j status code taxonomy so
// existing drivers classify retries and rollbacks correctly.
//
// Status implements error so collaborators (transaction manager, query
// executor) can return one directly; StatusOf recovers it on the other
// side of the interface boundary.
type Status struct {
	Code    string
	Message string
}

func (s Status) Error() string {
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Status codes surfaced by the session core.
const (
	CodeSyntaxError        = "Neo.ClientError.Statement.SyntaxError"
	CodeEntityNotFound     = "Neo.ClientError.Statement.EntityNotFound"
	CodeRequestInvalid     = "Neo.ClientError.Request.Invalid"
	CodeTxTerminated       = "Neo.TransientError.Transaction.Terminated"
	CodeInvalidBookmark    = "Neo.ClientError.Transaction.InvalidBookmark"
	CodeDatabaseNotFound   = "Neo.ClientError.Database.DatabaseNotFound"
	CodeTxCommitFailed     = "Neo.DatabaseError.Transaction.TransactionCommitFailed"
	CodeTxRollbackFailed   = "Neo.DatabaseError.Transaction.TransactionRollbackFailed"
	CodeTxStartFailed      = "Neo.DatabaseError.Transaction.TransactionStartFailed"
	CodeConstraintViolated = "Neo.ClientError.Schema.ConstraintValidationFailed"
	CodeUnauthorized       = "Neo.ClientError.Security.Unauthorized"
	CodeForbidden          = "Neo.ClientError.Security.Forbidden"
)

// SyntaxError classifies a query the engine could not parse or plan.
func SyntaxError(msg string) Status {
	return Status{Code: CodeSyntaxError, Message: msg}
}

// StatementNotFound reports a PULL or DISCARD targeting a statement id
// that is not open in the current transaction. Recoverable: the session
// moves to Failed, not to teardown.
func StatementNotFound(qid int64) Status {
	return Status{
		Code:    CodeEntityNotFound,
		Message: fmt.Sprintf("no open statement with id %d in the current transaction", qid),
	}
}

// RequestInvalid reports a request type that is not legal in the current
// state. This is the fatal, connection-killing classification.
func RequestInvalid(msg string) Status {
	return Status{Code: CodeRequestInvalid, Message: msg}
}

// Terminated reports an externally terminated transaction. The transaction
// stays attached to the session until the client resets, so it can still
// be acknowledged.
func Terminated() Status {
	return Status{
		Code:    CodeTxTerminated,
		Message: "The transaction has been terminated. Retry your operation in a new transaction.",
	}
}

// DatabaseNotFound reports a BEGIN or autocommit RUN against a database
// this instance does not host.
func DatabaseNotFound(name string) Status {
	return Status{
		Code:    CodeDatabaseNotFound,
		Message: fmt.Sprintf("database %q does not exist", name),
	}
}

// InvalidBookmark reports a begin bookmark this instance cannot interpret.
func InvalidBookmark(bookmark string) Status {
	return Status{
		Code:    CodeInvalidBookmark,
		Message: fmt.Sprintf("unable to parse bookmark %q", bookmark),
	}
}

// StatusOf classifies an arbitrary error from a collaborator. A Status in
// the chain wins; anything else is reported as a statement error, matching
// how the query layer surfaces unclassified failures.
func StatusOf(err error) Status {
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return SyntaxError(err.Error())
}

// IsTerminated reports whether err classifies as a transaction
// termination. Termination is the one recoverable failure that must not
// roll back the open transaction.
func IsTerminated(err error) bool {
	var s Status
	return errors.As(err, &s) && s.Code == CodeTxTerminated
}
