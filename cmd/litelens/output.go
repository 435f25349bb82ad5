package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"

	"github.com/litelens/litelens-core/internal/cursor"
	"github.com/litelens/litelens-core/internal/schema"
	"github.com/litelens/litelens-core/internal/sqlvalue"
)

// maxCellWidth truncates long text cells in table output.
const maxCellWidth = 48

// printer writes command output in the selected format. The first write
// error is kept in err and later writes are skipped.
type printer struct {
	w      io.Writer
	format string
	err    error
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

func (p *printer) json(v any) error {
	if p.err != nil {
		return p.err
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	p.err = enc.Encode(v)
	return p.err
}

func (p *printer) linef(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) schema(snap *schema.Snapshot) error {
	if p.format == formatJSON {
		return p.json(snap)
	}

	for _, t := range snap.Tables {
		kind := t.Type
		if t.WithoutRowID {
			kind += ", without rowid"
		}
		if t.Virtual {
			kind += ", virtual"
		}
		p.linef("%s (%s)", t.Name, kind)
		if t.Malformed {
			p.linef("  ! %s", t.Issue)
			continue
		}

		tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
		for _, c := range t.Columns {
			var flags []string
			if c.PrimaryKey > 0 {
				flags = append(flags, "pk")
			}
			if c.NotNull {
				flags = append(flags, "not null")
			}
			if c.Default != nil {
				flags = append(flags, "default "+*c.Default)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", c.Name, c.DeclaredType, strings.Join(flags, ", "))
		}
		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(tw, "  (%s)\t-> %s\t\n", strings.Join(fk.From, ", "), fk.Table)
		}
		if err := tw.Flush(); err != nil && p.err == nil {
			p.err = err
		}
	}
	p.linef("%s tables and views, %s indexes, %s triggers (version %d)",
		humanize.Comma(int64(len(snap.Tables))),
		humanize.Comma(int64(len(snap.Indexes))),
		humanize.Comma(int64(len(snap.Triggers))),
		snap.Version)
	return p.err
}

// table starts a tab-aligned rows listing with a header line.
func (p *printer) table(columns []cursor.Column) *tabwriter.Writer {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	fmt.Fprintln(tw, strings.Join(names, "\t"))
	return tw
}

func (p *printer) rows(tw *tabwriter.Writer, rows [][]sqlvalue.Value) {
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = cell(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
}

func cell(v sqlvalue.Value) string {
	switch {
	case v.IsNull():
		return "NULL"
	case v.Type == sqlvalue.Blob:
		return "<blob " + humanize.Bytes(uint64(len(v.Blob))) + ">"
	}
	s := strings.NewReplacer("\t", " ", "\n", " ").Replace(v.String())
	if r := []rune(s); len(r) > maxCellWidth {
		s = string(r[:maxCellWidth-1]) + "…"
	}
	return s
}
