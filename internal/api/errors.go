package api

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/litelens/litelens-core/internal/dberr"
)

// Error is the encoded form of every failure.
type Error struct {
	Status     int               `json:"status"`
	Code       string            `json:"code"`
	Kind       dberr.Kind        `json:"kind,omitempty"`
	Message    string            `json:"message"`
	RequestID  string            `json:"request_id,omitempty"`
	Position   *dberr.Position   `json:"position,omitempty"`
	Constraint *dberr.Constraint `json:"constraint,omitempty"`
}

// Error codes for failures that do not come from the core.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeInternal       = "internal_error"
	ErrCodeUnknownCommand = "unknown_command"
)

// statusByKind maps error kinds to HTTP statuses.
var statusByKind = map[dberr.Kind]int{
	dberr.KindValidation:                 http.StatusBadRequest,
	dberr.KindSyntax:                     http.StatusBadRequest,
	dberr.KindConstraint:                 http.StatusConflict,
	dberr.KindEngine:                     http.StatusInternalServerError,
	dberr.KindConnectionNotOpen:          http.StatusConflict,
	dberr.KindConnectionBusy:             http.StatusConflict,
	dberr.KindCancelled:                  http.StatusConflict,
	dberr.KindNotFound:                   http.StatusNotFound,
	dberr.KindPermissionDenied:           http.StatusForbidden,
	dberr.KindNotASqliteFile:             http.StatusUnprocessableEntity,
	dberr.KindAlreadyOpen:                http.StatusConflict,
	dberr.KindTooManyConnections:         http.StatusTooManyRequests,
	dberr.KindUnknownConnection:          http.StatusNotFound,
	dberr.KindUnknownCursor:              http.StatusNotFound,
	dberr.KindConnectionClosedUnderneath: http.StatusGone,
	dberr.KindNoSnapshotYet:              http.StatusConflict,
	dberr.KindTransactionAlreadyActive:   http.StatusConflict,
	dberr.KindNoActiveTransaction:        http.StatusConflict,
}

// encodeError converts err into an Error. Errors without a kind are
// internal; their text is not exposed.
func encodeError(err error, requestID string) Error {
	var ce *commandError
	if errors.As(err, &ce) {
		return Error{Status: ce.status, Code: ce.code, Message: ce.message, RequestID: requestID}
	}

	e, ok := dberr.As(err)
	if !ok {
		return Error{
			Status:    http.StatusInternalServerError,
			Code:      ErrCodeInternal,
			Message:   "internal error",
			RequestID: requestID,
		}
	}
	status, ok := statusByKind[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return Error{
		Status:     status,
		Code:       string(e.Kind),
		Kind:       e.Kind,
		Message:    e.Error(),
		RequestID:  requestID,
		Position:   e.Position,
		Constraint: e.Constraint,
	}
}

// commandError is a boundary failure that never reached the core.
type commandError struct {
	status  int
	code    string
	message string
}

func (e *commandError) Error() string { return e.message }

func badRequest(message string) error {
	return &commandError{status: http.StatusBadRequest, code: ErrCodeBadRequest, message: message}
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes err as an Error response.
func writeError(w http.ResponseWriter, err error, requestID string) {
	e := encodeError(err, requestID)
	writeJSON(w, e.Status, e)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, Error{
		Status:  http.StatusUnauthorized,
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}
