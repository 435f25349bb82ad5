package sqltext

import (
	"strconv"
	"strings"

	"github.com/litelens/litelens-core/internal/dberr"
)

// Kind classifies a statement by what executing it does.
type Kind string

// Statement kinds.
const (
	KindRead        Kind = "read"
	KindWrite       Kind = "write"
	KindDDL         Kind = "ddl"
	KindBegin       Kind = "begin"
	KindCommit      Kind = "commit"
	KindRollback    Kind = "rollback"
	KindSavepoint   Kind = "savepoint"
	KindMaintenance Kind = "maintenance"
	KindAttach      Kind = "attach"
	KindUnknown     Kind = "unknown"
)

// TransactionControl reports whether k opens or closes a transaction.
func (k Kind) TransactionControl() bool {
	return k == KindBegin || k == KindCommit || k == KindRollback
}

// Mutates reports whether k may change the file.
func (k Kind) Mutates() bool {
	return k == KindWrite || k == KindDDL || k == KindMaintenance
}

// Statement is one statement of a request.
type Statement struct {
	// Text is the statement without surrounding comments or the trailing
	// semicolon. Offset is where Text starts in the request.
	Text   string
	Offset int
	Index  int

	Kind    Kind
	Keyword string

	// Returning is set for DML with a RETURNING clause.
	Returning bool

	Params Placeholders

	tokens []Token
}

// Placeholders summarises the bind parameters a statement references.
type Placeholders struct {
	Positional  int      // bare "?"
	MaxNumbered int      // highest "?NNN"
	Named       []string // distinct ":x", "@x", "$x" names without prefix, in order of appearance
}

// Count is the number of values the statement binds.
func (p Placeholders) Count() int {
	if p.MaxNumbered > 0 {
		return p.MaxNumbered
	}
	return p.Positional + len(p.Named)
}

// Mixed reports whether more than one placeholder style is used.
func (p Placeholders) Mixed() bool {
	styles := 0
	for _, used := range []bool{p.Positional > 0, p.MaxNumbered > 0, len(p.Named) > 0} {
		if used {
			styles++
		}
	}
	return styles > 1
}

// Split breaks a request into statements at top-level semicolons. Empty
// statements and comment-only fragments are dropped. Trigger bodies
// (CREATE TRIGGER ... BEGIN ... END) stay in one piece.
func Split(sql string) ([]Statement, error) {
	tokens, err := tokenize(sql)
	if err != nil {
		return nil, err
	}

	var (
		stmts []Statement
		start int
		depth int
	)
	flush := func(end int) {
		if end > start {
			stmts = append(stmts, newStatement(sql, tokens[start:end], len(stmts)))
		}
		start = end + 1
	}

	for i, tok := range tokens {
		switch {
		case tok.Type == tokSemicolon && depth == 0:
			flush(i)
		case tok.IsKeyword("BEGIN") && isTrigger(tokens[start:i]):
			depth++
		case tok.IsKeyword("CASE") && depth > 0:
			depth++
		case tok.IsKeyword("END") && depth > 0:
			depth--
		}
	}
	flush(len(tokens))

	return stmts, nil
}

// isTrigger reports whether the tokens so far open a CREATE TRIGGER.
func isTrigger(tokens []Token) bool {
	if len(tokens) < 2 || !tokens[0].IsKeyword("CREATE") {
		return false
	}
	next := tokens[1]
	if (next.IsKeyword("TEMP") || next.IsKeyword("TEMPORARY")) && len(tokens) > 2 {
		next = tokens[2]
	}
	return next.IsKeyword("TRIGGER")
}

func newStatement(sql string, tokens []Token, index int) Statement {
	first, last := tokens[0], tokens[len(tokens)-1]
	st := Statement{
		Text:    sql[first.Offset:last.end()],
		Offset:  first.Offset,
		Index:   index,
		Keyword: strings.ToUpper(first.Value),
		tokens:  tokens,
	}
	st.Kind = classify(tokens)
	st.Params = placeholders(tokens)
	if st.Kind == KindWrite {
		st.Returning = hasTopLevel(tokens, "RETURNING")
	}
	return st
}

func classify(tokens []Token) Kind {
	first := tokens[0]
	if first.Type != tokIdent {
		return KindUnknown
	}
	switch strings.ToUpper(first.Value) {
	case "SELECT", "VALUES", "EXPLAIN":
		return KindRead
	case "WITH":
		return classifyWith(tokens)
	case "PRAGMA":
		for _, t := range tokens {
			if t.isOperator("=") {
				return KindMaintenance
			}
		}
		return KindRead
	case "INSERT", "UPDATE", "DELETE", "REPLACE":
		return KindWrite
	case "CREATE", "ALTER", "DROP":
		return KindDDL
	case "BEGIN":
		return KindBegin
	case "COMMIT", "END":
		return KindCommit
	case "ROLLBACK":
		for _, t := range tokens[1:] {
			if t.IsKeyword("TO") {
				return KindSavepoint
			}
		}
		return KindRollback
	case "SAVEPOINT", "RELEASE":
		return KindSavepoint
	case "VACUUM", "ANALYZE", "REINDEX":
		return KindMaintenance
	case "ATTACH", "DETACH":
		return KindAttach
	}
	return KindUnknown
}

// classifyWith finds the statement a common table expression prefix
// belongs to: the first data keyword outside parentheses.
func classifyWith(tokens []Token) Kind {
	depth := 0
	for _, t := range tokens[1:] {
		switch {
		case t.isOperator("("):
			depth++
		case t.isOperator(")"):
			depth--
		case depth == 0 && (t.IsKeyword("SELECT") || t.IsKeyword("VALUES")):
			return KindRead
		case depth == 0 && (t.IsKeyword("INSERT") || t.IsKeyword("UPDATE") ||
			t.IsKeyword("DELETE") || t.IsKeyword("REPLACE")):
			return KindWrite
		}
	}
	return KindUnknown
}

func hasTopLevel(tokens []Token, kw string) bool {
	depth := 0
	for _, t := range tokens {
		switch {
		case t.isOperator("("):
			depth++
		case t.isOperator(")"):
			depth--
		case depth == 0 && t.IsKeyword(kw):
			return true
		}
	}
	return false
}

func placeholders(tokens []Token) Placeholders {
	var (
		p    Placeholders
		seen = make(map[string]bool)
	)
	for _, t := range tokens {
		if t.Type != tokParam {
			continue
		}
		switch {
		case t.Value == "?":
			p.Positional++
		case t.Value[0] == '?':
			if n, err := strconv.Atoi(t.Value[1:]); err == nil && n > p.MaxNumbered {
				p.MaxNumbered = n
			}
		default:
			name := t.Value[1:]
			if !seen[name] {
				seen[name] = true
				p.Named = append(p.Named, name)
			}
		}
	}
	return p
}

// Locate returns the request offset of the first token in the statement
// whose text is near. An empty near, or one that cannot be found, points
// at the end of the statement.
func (s Statement) Locate(near string) int {
	if near != "" {
		for _, t := range s.tokens {
			if t.Value == near {
				return t.Offset
			}
		}
		for _, t := range s.tokens {
			if strings.EqualFold(t.Value, near) {
				return t.Offset
			}
		}
	}
	return s.Offset + len(s.Text)
}

// SyntaxError builds a positioned syntax error for this statement of the
// request text sql.
func (s Statement) SyntaxError(sql, msg, near string) *dberr.Error {
	e := syntaxAt(sql, s.Locate(near), msg)
	e.Position.Statement = s.Index
	e.Near = near
	return e
}

// Countable reports whether the statement can be wrapped in
// SELECT COUNT(*) FROM (...) to size its result.
func (s Statement) Countable() bool {
	if s.Kind != KindRead {
		return false
	}
	switch s.Keyword {
	case "SELECT", "VALUES", "WITH":
		return true
	}
	return false
}
