package main

import (
	"context"
	"fmt"

	humanize "github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/litelens/litelens-core/internal/core"
	"github.com/litelens/litelens-core/internal/query"
	"github.com/litelens/litelens-core/internal/sqlvalue"
)

// openOne starts a core service with a single database open. The returned
// function closes everything.
func openOne(ctx context.Context, opts *rootOptions, path string, readOnly bool) (*core.Service, string, func(), error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, "", nil, err
	}
	svc := core.New(cfg.Engine, opts.logger(cfg))
	info, _, err := svc.OpenDatabase(ctx, core.OpenRequest{Path: path, ReadOnly: readOnly})
	if err != nil {
		svc.Close(context.WithoutCancel(ctx)) //nolint:errcheck // The open error is the one to report
		return nil, "", nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return svc, info.ID, func() {
		svc.Close(context.WithoutCancel(ctx)) //nolint:errcheck // One-shot command exit
	}, nil
}

func newSchemaCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <database>",
		Short: "Print the schema of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, connID, done, err := openOne(cmd.Context(), opts, args[0], true)
			if err != nil {
				return err
			}
			defer done()

			snap, err := svc.GetSchema(cmd.Context(), connID)
			if err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), opts.Format).schema(snap)
		},
	}
}

type queryOptions struct {
	*rootOptions
	Window   int
	Limit    int64
	Params   []string
	ReadOnly bool
}

// queryOutput is the JSON form of a query command.
type queryOutput struct {
	Result *query.Result      `json:"result"`
	Rows   [][]sqlvalue.Value `json:"rows,omitempty"`
}

func newQueryCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &queryOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <database> <sql>",
		Short: "Execute SQL and page through the results",
		Long: `Execute one or more SQL statements against a database and print the
rows of the last read statement, fetched in windows.

Parameters are bound in order. Each --param is parsed as JSON when it
can be (42, 1.5, null, "text") and bound as text otherwise.

Example:
  litelens query shop.db "SELECT * FROM books WHERE author_id = ?" --param 1
  litelens query shop.db "UPDATE books SET price = price * 1.1" --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().IntVarP(&opts.Window, "window", "w", 0, "rows per fetch (default engine.default_window)")
	cmd.Flags().Int64Var(&opts.Limit, "limit", 0, "stop after this many rows (0 for all)")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "positional parameter (repeatable)")
	cmd.Flags().BoolVar(&opts.ReadOnly, "read-only", false, "open the database read-only")

	return cmd
}

func parseParams(raw []string) []sqlvalue.Value {
	values := make([]sqlvalue.Value, len(raw))
	for i, s := range raw {
		if err := json.Unmarshal([]byte(s), &values[i]); err != nil {
			values[i] = sqlvalue.TextValue(s)
		}
	}
	return values
}

func runQuery(cmd *cobra.Command, opts *queryOptions, path, sql string) error {
	ctx := cmd.Context()
	svc, connID, done, err := openOne(ctx, opts.rootOptions, path, opts.ReadOnly)
	if err != nil {
		return err
	}
	defer done()

	res, err := svc.Execute(ctx, query.Request{
		ConnectionID: connID,
		SQL:          sql,
		Params:       query.Params{Positional: parseParams(opts.Params)},
	})
	if err != nil {
		return err
	}

	out := newPrinter(cmd.OutOrStdout(), opts.Format)
	if res.ResultSet == nil {
		if opts.Format == formatJSON {
			return out.json(queryOutput{Result: res})
		}
		printSummary(out, res)
		return out.err
	}
	defer svc.CloseCursor(res.ResultSet.Handle)

	if opts.Format == formatJSON {
		rows, fetchErr := collect(ctx, svc, res.ResultSet.Handle, opts.Window, opts.Limit)
		if fetchErr != nil {
			return fetchErr
		}
		return out.json(queryOutput{Result: res, Rows: rows})
	}

	tw := out.table(res.ResultSet.Columns)
	var total int64
	err = pages(ctx, svc, res.ResultSet.Handle, opts.Window, opts.Limit, func(rows [][]sqlvalue.Value) {
		out.rows(tw, rows)
		total += int64(len(rows))
	})
	if flushErr := tw.Flush(); err == nil {
		err = flushErr
	}
	if err != nil {
		return err
	}
	out.linef("(%s rows)", humanize.Comma(total))
	if res.Mutation != nil {
		printSummary(out, res)
	}
	return out.err
}

func printSummary(out *printer, res *query.Result) {
	if res.Mutation != nil {
		out.linef("%s rows affected", humanize.Comma(res.Mutation.RowsAffected))
		if res.Mutation.LastInsertRowID != nil {
			out.linef("last insert rowid %d", *res.Mutation.LastInsertRowID)
		}
	}
	if res.Transaction != nil {
		out.linef("transaction %s", res.Transaction.State)
	}
	if res.SchemaChanged {
		out.linef("schema changed")
	}
	if res.Mutation == nil && res.Transaction == nil && !res.SchemaChanged {
		out.linef("ok (%d statements)", len(res.Statements))
	}
}

// pages fetches windows until the cursor is exhausted or limit rows were
// handed to fn.
func pages(ctx context.Context, svc *core.Service, handle string, window int, limit int64, fn func([][]sqlvalue.Value)) error {
	var seen int64
	for {
		page, err := svc.FetchRows(ctx, handle, window)
		if err != nil {
			return err
		}
		rows := page.Rows
		if limit > 0 && seen+int64(len(rows)) > limit {
			rows = rows[:limit-seen]
		}
		if len(rows) > 0 {
			fn(rows)
			seen += int64(len(rows))
		}
		if page.Exhausted || len(page.Rows) == 0 || (limit > 0 && seen >= limit) {
			return nil
		}
	}
}

func collect(ctx context.Context, svc *core.Service, handle string, window int, limit int64) ([][]sqlvalue.Value, error) {
	all := [][]sqlvalue.Value{}
	err := pages(ctx, svc, handle, window, limit, func(rows [][]sqlvalue.Value) {
		all = append(all, rows...)
	})
	return all, err
}
