// Package ponderr defines the typed error taxonomy the indexing core
// surfaces upstream, so the orchestrator can decide retry-vs-fatal without
// string matching.
package ponderr

import "fmt"

// Kind classifies an error for orchestrator dispatch.
type Kind string

const (
	KindUndefinedTable    Kind = "undefined_table"
	KindInvalidStoreMethod Kind = "invalid_store_method"
	KindRecordNotFound    Kind = "record_not_found"
	KindUniqueConstraint  Kind = "unique_constraint"
	KindNotNull           Kind = "not_null"
	KindCheckConstraint   Kind = "check_constraint"
	KindRPCTransient      Kind = "rpc_transient"
	KindRPCPermanent      Kind = "rpc_permanent"
	KindDeepReorg         Kind = "deep_reorg"
	KindHeartbeatLost     Kind = "heartbeat_lost"
	KindDBConnectionLost  Kind = "db_connection_lost"
)

// Error is a typed engine error. The Kind field lets callers use errors.As
// to recover it and branch on Kind without parsing messages.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Fatal reports whether an error of this kind should terminate the instance
// with exit code 1, per spec.md §7.
func Fatal(kind Kind) bool {
	switch kind {
	case KindUndefinedTable, KindInvalidStoreMethod, KindRecordNotFound,
		KindUniqueConstraint, KindNotNull, KindCheckConstraint, KindDeepReorg:
		return true
	default:
		return false
	}
}

// Restart reports whether an error of this kind should terminate the
// instance with exit code 75 (transient, ask for restart).
func Restart(kind Kind) bool {
	return kind == KindHeartbeatLost
}
