package query

import (
	"strings"

	"github.com/litelens/litelens-core/internal/cursor"
	"github.com/litelens/litelens-core/internal/sqltext"
	"github.com/litelens/litelens-core/internal/sqlvalue"
	"github.com/litelens/litelens-core/internal/txn"
)

// Request is one execute call. An empty ConnectionID means the active
// connection; an empty RequestID is generated.
type Request struct {
	ConnectionID string `json:"connection_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	SQL          string `json:"sql"`
	Params       Params `json:"params"`

	// Count asks for the total row count of a single read statement.
	Count bool `json:"count,omitempty"`
}

// Params are the bind values of a request. Positional values are consumed
// by the statements in order; named values may be keyed with or without
// their ':', '@' or '$' prefix.
type Params struct {
	Positional []sqlvalue.Value          `json:"positional,omitempty"`
	Named      map[string]sqlvalue.Value `json:"named,omitempty"`
}

func normalizeName(name string) string {
	return strings.TrimLeft(name, ":@$")
}

// MutationSummary totals the writes of a request. LastInsertRowID is the
// rowid of the last INSERT or REPLACE, if any ran.
type MutationSummary struct {
	RowsAffected    int64  `json:"rows_affected"`
	LastInsertRowID *int64 `json:"last_insert_rowid,omitempty"`
}

// StatementOutcome describes one executed statement.
type StatementOutcome struct {
	Index        int          `json:"index"`
	Kind         sqltext.Kind `json:"kind"`
	RowsAffected int64        `json:"rows_affected,omitempty"`
}

// Result is the outcome of a request. ResultSet is set when the final
// statement is a read or a write with RETURNING, Mutation when any
// statement wrote, and Transaction when the request changed the
// transaction state.
type Result struct {
	RequestID     string             `json:"request_id"`
	ConnectionID  string             `json:"connection_id"`
	Kind          sqltext.Kind       `json:"kind"`
	ResultSet     *cursor.Info       `json:"result_set,omitempty"`
	Mutation      *MutationSummary   `json:"mutation,omitempty"`
	Transaction   *txn.Transaction   `json:"transaction,omitempty"`
	SchemaChanged bool               `json:"schema_changed,omitempty"`
	Statements    []StatementOutcome `json:"statements"`
}

func (r *Result) addMutation(affected int64, lastID *int64) {
	if r.Mutation == nil {
		r.Mutation = &MutationSummary{}
	}
	r.Mutation.RowsAffected += affected
	if lastID != nil {
		r.Mutation.LastInsertRowID = lastID
	}
}
