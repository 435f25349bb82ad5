package dberr

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// constraintDatatype is SQLITE_CONSTRAINT_DATATYPE (STRICT tables), which
// the driver does not name.
var constraintDatatype = sqlite3.ErrNoExtended(int(sqlite3.ErrConstraint) | 12<<8)

var (
	nearPattern     = regexp.MustCompile(`near "((?:[^"]|"")*)"`)
	tokenPattern    = regexp.MustCompile(`unrecognized token: "((?:[^"]|"")*)"`)
	columnsPattern  = regexp.MustCompile(`constraint failed: (.+)$`)
	datatypePattern = regexp.MustCompile(`column ([^ ]+)$`)
)

// Classify maps a driver or context error onto the taxonomy. Errors that
// already are *Error pass through unchanged; nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindCancelled, err, "request cancelled")
	}

	var se sqlite3.Error
	if !errors.As(err, &se) {
		if strings.HasPrefix(err.Error(), "sql: expected") {
			// database/sql argument count check
			return Wrap(KindValidation, err, strings.TrimPrefix(err.Error(), "sql: "))
		}
		return Wrap(KindEngine, err, "")
	}

	msg := se.Error()
	switch se.Code {
	case sqlite3.ErrConstraint:
		return &Error{Kind: KindConstraint, Message: msg, Constraint: parseConstraint(se.ExtendedCode, msg), Err: err}
	case sqlite3.ErrInterrupt:
		return Wrap(KindCancelled, err, "statement interrupted")
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return Wrap(KindConnectionBusy, err, msg)
	case sqlite3.ErrError:
		if near, ok := syntaxNear(msg); ok {
			return &Error{Kind: KindSyntax, Message: msg, Near: near, Err: err}
		}
		return Wrap(KindValidation, err, msg)
	case sqlite3.ErrRange, sqlite3.ErrMismatch, sqlite3.ErrTooBig:
		return Wrap(KindValidation, err, msg)
	case sqlite3.ErrReadonly, sqlite3.ErrPerm, sqlite3.ErrAuth:
		return Wrap(KindPermissionDenied, err, msg)
	case sqlite3.ErrIoErr, sqlite3.ErrCorrupt, sqlite3.ErrFull, sqlite3.ErrNotADB,
		sqlite3.ErrCantOpen, sqlite3.ErrNomem, sqlite3.ErrProtocol, sqlite3.ErrFormat:
		return &Error{Kind: KindEngine, Message: msg, Fatal: true, Err: err}
	default:
		return Wrap(KindEngine, err, msg)
	}
}

// syntaxNear reports whether msg is a parse error and which token it names.
// "incomplete input" has no token; the empty string means end of statement.
func syntaxNear(msg string) (string, bool) {
	switch {
	case strings.Contains(msg, "syntax error"):
		if m := nearPattern.FindStringSubmatch(msg); m != nil {
			return strings.ReplaceAll(m[1], `""`, `"`), true
		}
		return "", true
	case strings.Contains(msg, "unrecognized token"):
		if m := tokenPattern.FindStringSubmatch(msg); m != nil {
			return strings.ReplaceAll(m[1], `""`, `"`), true
		}
		return "", true
	case strings.Contains(msg, "incomplete input"):
		return "", true
	}
	return "", false
}

func parseConstraint(ext sqlite3.ErrNoExtended, msg string) *Constraint {
	c := &Constraint{Kind: ConstraintOther}
	switch ext {
	case sqlite3.ErrConstraintUnique:
		c.Kind = ConstraintUnique
	case sqlite3.ErrConstraintPrimaryKey:
		c.Kind = ConstraintPrimaryKey
	case sqlite3.ErrConstraintNotNull:
		c.Kind = ConstraintNotNull
	case sqlite3.ErrConstraintForeignKey:
		c.Kind = ConstraintForeignKey
		return c
	case sqlite3.ErrConstraintCheck:
		c.Kind = ConstraintCheck
	case sqlite3.ErrConstraintTrigger:
		c.Kind = ConstraintTrigger
		return c
	case sqlite3.ErrConstraintRowID:
		c.Kind = ConstraintRowID
	case constraintDatatype:
		c.Kind = ConstraintDatatype
		if m := datatypePattern.FindStringSubmatch(msg); m != nil {
			c.Table, c.Columns = splitQualified([]string{m[1]})
		}
		return c
	}

	m := columnsPattern.FindStringSubmatch(msg)
	if m == nil {
		return c
	}
	detail := strings.TrimSpace(m[1])
	if c.Kind == ConstraintCheck {
		c.Name = detail
		return c
	}
	if name, ok := strings.CutPrefix(detail, "index "); ok {
		c.Name = strings.Trim(name, `'"`)
		return c
	}
	c.Table, c.Columns = splitQualified(strings.Split(detail, ", "))
	return c
}

// splitQualified turns ["t.a", "t.b"] into ("t", ["a", "b"]).
func splitQualified(parts []string) (string, []string) {
	var table string
	columns := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if i := strings.LastIndexByte(p, '.'); i >= 0 {
			table = p[:i]
			p = p[i+1:]
		}
		columns = append(columns, p)
	}
	return table, columns
}
