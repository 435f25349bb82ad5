package sqltext

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"

	"github.com/litelens/litelens-core/internal/dberr"
)

// sqlLexer tokenizes SQLite's surface syntax: enough to find statement
// boundaries, leading keywords and bind parameters. It does not parse.
var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `--[^\n]*|/\*(?:[^*]|\*+[^*/])*\*+/`},
	{Name: "Blob", Pattern: `[xX]'(?:[0-9a-fA-F][0-9a-fA-F])*'`},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "QuotedIdent", Pattern: `"(?:[^"]|"")*"|\[[^\]]*\]|` + "`(?:[^`]|``)*`"},
	{Name: "Unterminated", Pattern: `/\*|['"\x60\[]`},
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F]+|(?:[0-9]+(?:\.[0-9]*)?|\.[0-9]+)(?:[eE][+-]?[0-9]+)?`},
	{Name: "Param", Pattern: `\?[0-9]*|[:@$][A-Za-z_0-9]+`},
	{Name: "Ident", Pattern: `[A-Za-z_\x{80}-\x{10FFFF}][A-Za-z0-9_$\x{80}-\x{10FFFF}]*`},
	{Name: "Semicolon", Pattern: `;`},
	{Name: "Operator", Pattern: `\|\||<<|>>|<=|>=|==|!=|<>|->>|->|[-+*/%&|~<>=(),.]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var (
	symbols       = sqlLexer.Symbols()
	tokComment    = symbols["Comment"]
	tokOpen       = symbols["Unterminated"]
	tokParam      = symbols["Param"]
	tokIdent      = symbols["Ident"]
	tokSemicolon  = symbols["Semicolon"]
	tokOperator   = symbols["Operator"]
	tokWhitespace = symbols["Whitespace"]
)

// Token is a significant token: whitespace and comments are dropped.
type Token struct {
	Type   lexer.TokenType
	Value  string
	Offset int
	Line   int
	Column int
}

// IsKeyword reports whether t is the bare identifier kw, case-insensitively.
func (t Token) IsKeyword(kw string) bool {
	return t.Type == tokIdent && strings.EqualFold(t.Value, kw)
}

func (t Token) isOperator(op string) bool {
	return t.Type == tokOperator && t.Value == op
}

func (t Token) end() int { return t.Offset + len(t.Value) }

// tokenize returns the significant tokens of sql. A lexing failure (an
// unterminated string, comment or quoted identifier, or a stray character)
// is reported as a syntax error at the first byte that could not be read.
func tokenize(sql string) ([]Token, error) {
	lex, err := sqlLexer.LexString("", sql)
	if err != nil {
		return nil, syntaxAt(sql, 0, "unreadable SQL text")
	}

	var (
		tokens []Token
		pos    int
	)
	for {
		tok, err := lex.Next()
		if err != nil {
			return nil, syntaxAt(sql, pos, unreadable(sql, pos))
		}
		if tok.EOF() {
			return tokens, nil
		}
		pos = tok.Pos.Offset + len(tok.Value)
		if tok.Type == tokWhitespace || tok.Type == tokComment {
			continue
		}
		if tok.Type == tokOpen {
			return nil, syntaxAt(sql, tok.Pos.Offset, unreadable(sql, tok.Pos.Offset))
		}
		tokens = append(tokens, Token{
			Type:   tok.Type,
			Value:  tok.Value,
			Offset: tok.Pos.Offset,
			Line:   tok.Pos.Line,
			Column: tok.Pos.Column,
		})
	}
}

func unreadable(sql string, pos int) string {
	if pos >= len(sql) {
		return "incomplete input"
	}
	switch sql[pos] {
	case '\'':
		return "unterminated string literal"
	case '"', '[', '`':
		return "unterminated quoted identifier"
	case '/':
		return "unterminated comment"
	}
	return "unrecognized token: " + string([]rune(sql[pos:])[0])
}

func syntaxAt(sql string, offset int, msg string) *dberr.Error {
	line, col := LineColumn(sql, offset)
	return &dberr.Error{
		Kind:     dberr.KindSyntax,
		Message:  msg,
		Position: &dberr.Position{Offset: offset, Line: line, Column: col},
	}
}

// LineColumn converts a byte offset in text into a 1-based line and column.
// Columns count runes.
func LineColumn(text string, offset int) (int, int) {
	if offset > len(text) {
		offset = len(text)
	}
	prefix := text[:offset]
	line := strings.Count(prefix, "\n") + 1
	lineStart := strings.LastIndexByte(prefix, '\n') + 1
	return line, len([]rune(prefix[lineStart:])) + 1
}

// QuoteIdent quotes an identifier for interpolation into SQL text.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
