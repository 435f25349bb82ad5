package api

import (
	"bytes"
	"context"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/litelens/litelens-core/internal/core"
	"github.com/litelens/litelens-core/internal/query"
)

// Command names accepted by both transports.
const (
	CmdOpenDatabase     = "open_database"
	CmdCloseDatabase    = "close_database"
	CmdListDatabases    = "list_databases"
	CmdSetActive        = "set_active"
	CmdGetSchema        = "get_schema"
	CmdRefreshSchema    = "refresh_schema"
	CmdExecute          = "execute"
	CmdFetchRows        = "fetch_rows"
	CmdCloseCursor      = "close_cursor"
	CmdBegin            = "begin"
	CmdCommit           = "commit"
	CmdRollback         = "rollback"
	CmdTransactionState = "transaction_state"
	CmdCancel           = "cancel"
	CmdBrowseTable      = "browse_table"
	CmdInsertRow        = "insert_row"
	CmdUpdateCell       = "update_cell"
	CmdDeleteRow        = "delete_row"
)

// call is one decoded command. RequestID is the transport's id for the
// call: the X-Request-ID of an HTTP request or the id of a frame.
type call struct {
	RequestID string
	Payload   json.RawMessage
}

type commandFunc func(ctx context.Context, c call) (any, error)

type connectionArgs struct {
	ConnectionID string `json:"connection_id"`
}

type cursorArgs struct {
	Handle string `json:"cursor_handle"`
	Window int    `json:"window"`
}

type cancelArgs struct {
	RequestID string `json:"request_id"`
}

func (s *Server) commandTable() map[string]commandFunc {
	return map[string]commandFunc{
		CmdOpenDatabase:     s.openDatabase,
		CmdCloseDatabase:    s.closeDatabase,
		CmdListDatabases:    s.listDatabases,
		CmdSetActive:        s.setActive,
		CmdGetSchema:        s.getSchema,
		CmdRefreshSchema:    s.refreshSchema,
		CmdExecute:          s.execute,
		CmdFetchRows:        s.fetchRows,
		CmdCloseCursor:      s.closeCursor,
		CmdBegin:            s.begin,
		CmdCommit:           s.commit,
		CmdRollback:         s.rollback,
		CmdTransactionState: s.transactionState,
		CmdCancel:           s.cancelRequest,
		CmdBrowseTable:      s.browseTable,
		CmdInsertRow:        s.insertRow,
		CmdUpdateCell:       s.updateCell,
		CmdDeleteRow:        s.deleteRow,
	}
}

// dispatch runs a command by name.
func (s *Server) dispatch(ctx context.Context, name string, c call) (any, error) {
	fn, ok := s.commands[name]
	if !ok {
		return nil, &commandError{status: http.StatusNotFound, code: ErrCodeUnknownCommand, message: "unknown command: " + name}
	}
	s.logger.Debug("command", "command", name, "request_id", c.RequestID)
	return fn(ctx, c)
}

// decode unmarshals a payload. An empty payload leaves v untouched.
func decode(payload json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid payload: " + err.Error())
	}
	return nil
}

func (s *Server) openDatabase(ctx context.Context, c call) (any, error) {
	var req core.OpenRequest
	if err := decode(c.Payload, &req); err != nil {
		return nil, err
	}
	if req.Path == "" {
		return nil, badRequest("path is required")
	}
	info, snap, err := s.core.OpenDatabase(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"connection": info, "schema": snap}, nil
}

func (s *Server) closeDatabase(ctx context.Context, c call) (any, error) {
	var args connectionArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	if err := s.core.CloseDatabase(ctx, args.ConnectionID); err != nil {
		return nil, err
	}
	return map[string]any{"closed": true}, nil
}

func (s *Server) listDatabases(_ context.Context, _ call) (any, error) {
	return map[string]any{"connections": s.core.ListDatabases()}, nil
}

func (s *Server) setActive(_ context.Context, c call) (any, error) {
	var args connectionArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	if args.ConnectionID == "" {
		return nil, badRequest("connection_id is required")
	}
	return s.core.SetActive(args.ConnectionID)
}

func (s *Server) getSchema(ctx context.Context, c call) (any, error) {
	var args connectionArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	return s.core.GetSchema(ctx, args.ConnectionID)
}

func (s *Server) refreshSchema(ctx context.Context, c call) (any, error) {
	var args connectionArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	return s.core.RefreshSchema(ctx, args.ConnectionID)
}

func (s *Server) execute(ctx context.Context, c call) (any, error) {
	var req query.Request
	if err := decode(c.Payload, &req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = c.RequestID
	}
	return s.core.Execute(ctx, req)
}

func (s *Server) fetchRows(ctx context.Context, c call) (any, error) {
	var args cursorArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	if args.Handle == "" {
		return nil, badRequest("cursor_handle is required")
	}
	return s.core.FetchRows(ctx, args.Handle, args.Window)
}

func (s *Server) closeCursor(_ context.Context, c call) (any, error) {
	var args cursorArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	s.core.CloseCursor(args.Handle)
	return map[string]any{"closed": true}, nil
}

func (s *Server) begin(ctx context.Context, c call) (any, error) {
	var args connectionArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	return s.core.Begin(ctx, args.ConnectionID)
}

func (s *Server) commit(ctx context.Context, c call) (any, error) {
	var args connectionArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	return s.core.Commit(ctx, args.ConnectionID)
}

func (s *Server) rollback(ctx context.Context, c call) (any, error) {
	var args connectionArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	return s.core.Rollback(ctx, args.ConnectionID)
}

func (s *Server) transactionState(_ context.Context, c call) (any, error) {
	var args connectionArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	return s.core.TransactionState(args.ConnectionID)
}

func (s *Server) cancelRequest(_ context.Context, c call) (any, error) {
	var args cancelArgs
	if err := decode(c.Payload, &args); err != nil {
		return nil, err
	}
	if args.RequestID == "" {
		return nil, badRequest("request_id is required")
	}
	return map[string]any{"request_id": args.RequestID, "cancelled": s.core.Cancel(args.RequestID)}, nil
}

func (s *Server) browseTable(ctx context.Context, c call) (any, error) {
	var req query.BrowseRequest
	if err := decode(c.Payload, &req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = c.RequestID
	}
	return s.core.Browse(ctx, req)
}

func (s *Server) insertRow(ctx context.Context, c call) (any, error) {
	req, err := decodeEdit(c)
	if err != nil {
		return nil, err
	}
	return s.core.InsertRow(ctx, req)
}

func (s *Server) updateCell(ctx context.Context, c call) (any, error) {
	req, err := decodeEdit(c)
	if err != nil {
		return nil, err
	}
	return s.core.UpdateCell(ctx, req)
}

func (s *Server) deleteRow(ctx context.Context, c call) (any, error) {
	req, err := decodeEdit(c)
	if err != nil {
		return nil, err
	}
	return s.core.DeleteRow(ctx, req)
}

func decodeEdit(c call) (query.EditRequest, error) {
	var req query.EditRequest
	if err := decode(c.Payload, &req); err != nil {
		return req, err
	}
	if req.RequestID == "" {
		req.RequestID = c.RequestID
	}
	return req, nil
}
