package txn

import (
	"time"

	"github.com/litelens/litelens-core/internal/sqltext"
)

// State is the state of a connection's transaction.
type State string

// Transaction states. Idle means no transaction has been started yet;
// Committed and RolledBack are terminal until the next Begin.
const (
	StateIdle       State = "idle"
	StateActive     State = "active"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// Mode is the locking mode of BEGIN.
type Mode string

// BEGIN modes.
const (
	ModeDeferred  Mode = "deferred"
	ModeImmediate Mode = "immediate"
	ModeExclusive Mode = "exclusive"
)

// ParseMode validates a configured mode.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(s); m {
	case ModeDeferred, ModeImmediate, ModeExclusive:
		return m, true
	case "":
		return ModeDeferred, true
	}
	return "", false
}

// AppliedStatement is one statement executed inside a transaction, kept
// for diagnostics.
type AppliedStatement struct {
	RequestID    string       `json:"request_id,omitempty"`
	Index        int          `json:"index"`
	Kind         sqltext.Kind `json:"kind"`
	SQL          string       `json:"sql"`
	RowsAffected int64        `json:"rows_affected"`
	At           time.Time    `json:"at"`
}

// Transaction is an explicit begin ... commit/rollback span.
type Transaction struct {
	ID           string             `json:"id,omitempty"`
	ConnectionID string             `json:"connection_id"`
	State        State              `json:"state"`
	Mode         Mode               `json:"mode,omitempty"`
	StartedAt    time.Time          `json:"started_at,omitempty"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	HasDDL       bool               `json:"has_ddl,omitempty"`
	Statements   []AppliedStatement `json:"statements,omitempty"`
}

func (t *Transaction) clone() Transaction {
	out := *t
	out.Statements = append([]AppliedStatement(nil), t.Statements...)
	if t.EndedAt != nil {
		ended := *t.EndedAt
		out.EndedAt = &ended
	}
	return out
}
