package dberr

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure as reported to the presentation layer.
type Kind string

// Error kinds.
const (
	KindValidation                 Kind = "validation"
	KindSyntax                     Kind = "syntax"
	KindConstraint                 Kind = "constraint"
	KindEngine                     Kind = "engine"
	KindConnectionNotOpen          Kind = "connection_not_open"
	KindConnectionBusy             Kind = "connection_busy"
	KindCancelled                  Kind = "cancelled"
	KindNotFound                   Kind = "not_found"
	KindPermissionDenied           Kind = "permission_denied"
	KindNotASqliteFile             Kind = "not_a_sqlite_file"
	KindAlreadyOpen                Kind = "already_open"
	KindTooManyConnections         Kind = "too_many_connections"
	KindUnknownConnection          Kind = "unknown_connection"
	KindUnknownCursor              Kind = "unknown_cursor"
	KindConnectionClosedUnderneath Kind = "connection_closed_underneath"
	KindNoSnapshotYet              Kind = "no_snapshot_yet"
	KindTransactionAlreadyActive   Kind = "transaction_already_active"
	KindNoActiveTransaction        Kind = "no_active_transaction"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its kind:
//
//	if errors.Is(err, dberr.ErrConstraint) {
//	    // highlight the offending field
//	}
var (
	ErrValidation                 = &Error{Kind: KindValidation}
	ErrSyntax                     = &Error{Kind: KindSyntax}
	ErrConstraint                 = &Error{Kind: KindConstraint}
	ErrEngine                     = &Error{Kind: KindEngine}
	ErrConnectionNotOpen          = &Error{Kind: KindConnectionNotOpen}
	ErrConnectionBusy             = &Error{Kind: KindConnectionBusy}
	ErrCancelled                  = &Error{Kind: KindCancelled}
	ErrNotFound                   = &Error{Kind: KindNotFound}
	ErrPermissionDenied           = &Error{Kind: KindPermissionDenied}
	ErrNotASqliteFile             = &Error{Kind: KindNotASqliteFile}
	ErrAlreadyOpen                = &Error{Kind: KindAlreadyOpen}
	ErrTooManyConnections         = &Error{Kind: KindTooManyConnections}
	ErrUnknownConnection          = &Error{Kind: KindUnknownConnection}
	ErrUnknownCursor              = &Error{Kind: KindUnknownCursor}
	ErrConnectionClosedUnderneath = &Error{Kind: KindConnectionClosedUnderneath}
	ErrNoSnapshotYet              = &Error{Kind: KindNoSnapshotYet}
	ErrTransactionAlreadyActive   = &Error{Kind: KindTransactionAlreadyActive}
	ErrNoActiveTransaction        = &Error{Kind: KindNoActiveTransaction}
)

// ConstraintKind names the violated constraint.
type ConstraintKind string

// Constraint kinds, from the engine's extended result codes.
const (
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintPrimaryKey ConstraintKind = "primary_key"
	ConstraintNotNull    ConstraintKind = "not_null"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintCheck      ConstraintKind = "check"
	ConstraintTrigger    ConstraintKind = "trigger"
	ConstraintDatatype   ConstraintKind = "datatype"
	ConstraintRowID      ConstraintKind = "rowid"
	ConstraintOther      ConstraintKind = "other"
)

// Constraint carries enough detail for a caller to highlight the
// offending field.
type Constraint struct {
	Kind    ConstraintKind `json:"kind"`
	Table   string         `json:"table,omitempty"`
	Columns []string       `json:"columns,omitempty"`
	Name    string         `json:"name,omitempty"`
}

// Position locates a syntax error in the submitted SQL text.
// Offset is a byte offset into the whole request; Line and Column are 1-based.
type Position struct {
	Statement int `json:"statement"`
	Offset    int `json:"offset"`
	Line      int `json:"line"`
	Column    int `json:"column"`
}

// Error is the single error type that crosses the boundary.
type Error struct {
	Kind       Kind
	Message    string
	Position   *Position
	Constraint *Constraint

	// Near is the token the engine reported a syntax error at, if any.
	Near string

	// Fatal marks engine failures that leave the connection unusable.
	Fatal bool

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind that wraps err. The message
// defaults to err's text.
func Wrap(kind Kind, err error, message string) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As returns the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsFatal reports whether err leaves its connection unusable.
func IsFatal(err error) bool {
	e, ok := As(err)
	return ok && e.Fatal
}
