package sqltext

import (
	"errors"
	"testing"

	"github.com/litelens/litelens-core/internal/dberr"
)

func TestSplit_Boundaries(t *testing.T) {
	sql := "-- leading comment\nSELECT 'a;b' AS x; ; /* only a comment */;\n" +
		`INSERT INTO "semi;colon" VALUES (1)` + ";\n" +
		"SELECT [odd;name] FROM t -- trailing"

	stmts, err := Split(sql)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	want := []struct {
		text string
		kind Kind
	}{
		{text: "SELECT 'a;b' AS x", kind: KindRead},
		{text: `INSERT INTO "semi;colon" VALUES (1)`, kind: KindWrite},
		{text: "SELECT [odd;name] FROM t", kind: KindRead},
	}
	if len(stmts) != len(want) {
		t.Fatalf("Split() returned %d statements, want %d: %+v", len(stmts), len(want), stmts)
	}
	for i, w := range want {
		if stmts[i].Text != w.text {
			t.Errorf("stmt[%d].Text = %q, want %q", i, stmts[i].Text, w.text)
		}
		if stmts[i].Kind != w.kind {
			t.Errorf("stmt[%d].Kind = %q, want %q", i, stmts[i].Kind, w.kind)
		}
		if sql[stmts[i].Offset:stmts[i].Offset+len(stmts[i].Text)] != stmts[i].Text {
			t.Errorf("stmt[%d].Offset %d does not point at its text", i, stmts[i].Offset)
		}
		if stmts[i].Index != i {
			t.Errorf("stmt[%d].Index = %d", i, stmts[i].Index)
		}
	}
}

func TestSplit_TriggerBody(t *testing.T) {
	sql := `CREATE TEMP TRIGGER audit AFTER UPDATE ON t
WHEN new.a <> old.a
BEGIN
    INSERT INTO log VALUES (CASE WHEN new.a IS NULL THEN 'null' ELSE new.a END);
    UPDATE t SET touched = 1 WHERE rowid = new.rowid;
END;
SELECT 1`

	stmts, err := Split(sql)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("Split() returned %d statements, want 2", len(stmts))
	}
	if stmts[0].Kind != KindDDL {
		t.Errorf("trigger kind = %q, want ddl", stmts[0].Kind)
	}
	if stmts[1].Text != "SELECT 1" {
		t.Errorf("second statement = %q", stmts[1].Text)
	}
}

func TestSplit_LexErrors(t *testing.T) {
	tests := []struct {
		name   string
		sql    string
		offset int
		line   int
		column int
	}{
		{name: "unterminated string", sql: "SELECT 'abc", offset: 7, line: 1, column: 8},
		{name: "unterminated comment", sql: "SELECT 1;\n/* never closed", offset: 10, line: 2, column: 1},
		{name: "stray character", sql: "SELECT 1 FROM t WHERE a = #", offset: 26, line: 1, column: 27},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(tt.sql)
			if !errors.Is(err, dberr.ErrSyntax) {
				t.Fatalf("Split() error = %v, want syntax error", err)
			}
			e, _ := dberr.As(err)
			if e.Position == nil {
				t.Fatal("syntax error without position")
			}
			if e.Position.Offset != tt.offset || e.Position.Line != tt.line || e.Position.Column != tt.column {
				t.Errorf("Position = %+v, want offset %d line %d column %d", *e.Position, tt.offset, tt.line, tt.column)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		sql  string
		kind Kind
	}{
		{sql: "select * from t", kind: KindRead},
		{sql: "VALUES (1), (2)", kind: KindRead},
		{sql: "EXPLAIN QUERY PLAN SELECT 1", kind: KindRead},
		{sql: "WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM c) SELECT x FROM c", kind: KindRead},
		{sql: "WITH old AS (SELECT id FROM t) DELETE FROM t WHERE id IN old", kind: KindWrite},
		{sql: "PRAGMA table_info(t)", kind: KindRead},
		{sql: "PRAGMA user_version = 3", kind: KindMaintenance},
		{sql: "REPLACE INTO t VALUES (1)", kind: KindWrite},
		{sql: "ALTER TABLE t ADD COLUMN b", kind: KindDDL},
		{sql: "BEGIN IMMEDIATE", kind: KindBegin},
		{sql: "END TRANSACTION", kind: KindCommit},
		{sql: "ROLLBACK", kind: KindRollback},
		{sql: "ROLLBACK TRANSACTION TO SAVEPOINT sp", kind: KindSavepoint},
		{sql: "RELEASE sp", kind: KindSavepoint},
		{sql: "VACUUM", kind: KindMaintenance},
		{sql: "ATTACH 'other.db' AS other", kind: KindAttach},
		{sql: "FROBNICATE t", kind: KindUnknown},
		{sql: "(SELECT 1)", kind: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			stmts, err := Split(tt.sql)
			if err != nil {
				t.Fatalf("Split() error = %v", err)
			}
			if len(stmts) != 1 {
				t.Fatalf("Split() returned %d statements", len(stmts))
			}
			if stmts[0].Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", stmts[0].Kind, tt.kind)
			}
		})
	}
}

func TestStatement_ReturningAndCountable(t *testing.T) {
	stmts, err := Split(`INSERT INTO t (a) VALUES (1) RETURNING id;
UPDATE t SET a = (SELECT returning FROM x);
WITH c AS (SELECT 1) SELECT * FROM c;
PRAGMA table_info(t)`)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	if !stmts[0].Returning {
		t.Error("INSERT ... RETURNING should be flagged")
	}
	if stmts[1].Returning {
		t.Error("RETURNING inside a subquery is not a RETURNING clause")
	}
	if !stmts[2].Countable() {
		t.Error("WITH ... SELECT should be countable")
	}
	if stmts[3].Countable() {
		t.Error("PRAGMA results are not countable")
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		sql   string
		count int
		mixed bool
		named []string
	}{
		{sql: "SELECT ?, ?", count: 2},
		{sql: "SELECT ?2, ?1, ?2", count: 2},
		{sql: "SELECT :a, @b, :a, $c", count: 3, named: []string{"a", "b", "c"}},
		{sql: "SELECT ?, :a", count: 2, mixed: true, named: []string{"a"}},
		{sql: "SELECT '?', \":x\"", count: 0},
	}

	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			stmts, err := Split(tt.sql)
			if err != nil {
				t.Fatalf("Split() error = %v", err)
			}
			p := stmts[0].Params
			if p.Count() != tt.count {
				t.Errorf("Count() = %d, want %d", p.Count(), tt.count)
			}
			if p.Mixed() != tt.mixed {
				t.Errorf("Mixed() = %v, want %v", p.Mixed(), tt.mixed)
			}
			if len(p.Named) != len(tt.named) {
				t.Fatalf("Named = %v, want %v", p.Named, tt.named)
			}
			for i := range tt.named {
				if p.Named[i] != tt.named[i] {
					t.Errorf("Named = %v, want %v", p.Named, tt.named)
				}
			}
		})
	}
}

func TestStatement_SyntaxError(t *testing.T) {
	sql := "SELECT 1;\nSELECT * FORM t"
	stmts, err := Split(sql)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	e := stmts[1].SyntaxError(sql, `near "t": syntax error`, "t")
	if e.Position.Statement != 1 {
		t.Errorf("Statement = %d, want 1", e.Position.Statement)
	}
	if e.Position.Line != 2 || e.Position.Column != 15 {
		t.Errorf("Position = %+v, want line 2 column 15", *e.Position)
	}

	end := stmts[1].SyntaxError(sql, "incomplete input", "")
	if end.Position.Offset != len(sql) {
		t.Errorf("incomplete input offset = %d, want %d", end.Position.Offset, len(sql))
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("QuoteIdent() = %s", got)
	}
}
