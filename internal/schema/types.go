package schema

import (
	"sort"
	"strings"
	"time"

	"github.com/litelens/litelens-core/internal/sqlvalue"
)

// Object types as stored in sqlite_master.
const (
	TypeTable = "table"
	TypeView  = "view"
)

// RowIDColumn is the implicit key of rowid tables.
const RowIDColumn = "rowid"

// Snapshot is the schema of one connection at a point in time.
//
// A Snapshot is never modified after it is built; a refresh replaces it
// as a whole. Callers must treat the slices as read-only.
type Snapshot struct {
	ConnectionID string    `json:"connection_id"`
	Version      uint64    `json:"version"`
	TakenAt      time.Time `json:"taken_at"`
	Tables       []Table   `json:"tables"`
	Indexes      []Index   `json:"indexes"`
	Triggers     []Trigger `json:"triggers"`
}

// Table is a table or view.
type Table struct {
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	SQL          string       `json:"sql,omitempty"`
	Columns      []Column     `json:"columns"`
	PrimaryKey   []string     `json:"primary_key,omitempty"`
	ForeignKeys  []ForeignKey `json:"foreign_keys,omitempty"`
	Indexes      []Index      `json:"indexes,omitempty"`
	WithoutRowID bool         `json:"without_rowid,omitempty"`
	Strict       bool         `json:"strict,omitempty"`
	Virtual      bool         `json:"virtual,omitempty"`

	// Malformed tables are kept in the snapshot with Issue describing
	// what could not be read.
	Malformed bool   `json:"malformed,omitempty"`
	Issue     string `json:"issue,omitempty"`
}

// Column describes one column of a table or view.
type Column struct {
	Position     int               `json:"position"`
	Name         string            `json:"name"`
	DeclaredType string            `json:"declared_type"`
	Affinity     sqlvalue.Affinity `json:"affinity"`
	NotNull      bool              `json:"not_null"`
	Default      *string           `json:"default,omitempty"`
	PrimaryKey   int               `json:"primary_key"` // 1-based position in the key, 0 if not part of it
	Hidden       int               `json:"hidden,omitempty"`
}

// ForeignKey is one foreign key constraint; From and To are parallel.
// An empty To entry refers to the parent's primary key.
type ForeignKey struct {
	ID       int      `json:"id"`
	Table    string   `json:"table"`
	From     []string `json:"from"`
	To       []string `json:"to"`
	OnUpdate string   `json:"on_update"`
	OnDelete string   `json:"on_delete"`
	Match    string   `json:"match"`
}

// Index describes an index. Origin is "c" for CREATE INDEX, "u" for a
// UNIQUE constraint and "pk" for a PRIMARY KEY. An empty column name is
// an expression.
type Index struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Unique  bool     `json:"unique"`
	Origin  string   `json:"origin"`
	Partial bool     `json:"partial"`
	Columns []string `json:"columns"`
	SQL     string   `json:"sql,omitempty"`
}

// Trigger is a trigger definition.
type Trigger struct {
	Name  string `json:"name"`
	Table string `json:"table"`
	SQL   string `json:"sql"`
}

// Table returns the table or view named name, ignoring case as SQLite does.
func (s *Snapshot) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// TableNames returns table and view names in snapshot order.
func (s *Snapshot) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// Identifier is a completion candidate.
type Identifier struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"` // table, view or column
	Table string `json:"table,omitempty"`
}

// Identifiers lists every table, view and column name, sorted by name,
// for autocomplete.
func (s *Snapshot) Identifiers() []Identifier {
	var ids []Identifier
	for _, t := range s.Tables {
		ids = append(ids, Identifier{Name: t.Name, Kind: t.Type})
		for _, c := range t.Columns {
			ids = append(ids, Identifier{Name: c.Name, Kind: "column", Table: t.Name})
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return strings.ToLower(ids[i].Name) < strings.ToLower(ids[j].Name)
	})
	return ids
}

// Column returns the column named name, ignoring case.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns the visible column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.Hidden == 1 {
			continue
		}
		names = append(names, c.Name)
	}
	return names
}

// RowKey returns the columns that identify a row: the primary key, or
// rowid for a rowid table without one. Views have no row key.
func (t *Table) RowKey() ([]string, bool) {
	if t.Type != TypeTable {
		return nil, false
	}
	if len(t.PrimaryKey) > 0 {
		return t.PrimaryKey, true
	}
	if t.WithoutRowID || t.Virtual {
		return nil, false
	}
	return []string{RowIDColumn}, true
}

// UsesRowID reports whether rows are addressed by the implicit rowid.
func (t *Table) UsesRowID() bool {
	key, ok := t.RowKey()
	return ok && len(key) == 1 && key[0] == RowIDColumn
}
