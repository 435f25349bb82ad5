package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
)

// activeConnection in a route stands for the active connection.
const activeConnection = "active"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.Post("/commands/{command}", s.handleCommand)

			r.Route("/databases", func(r chi.Router) {
				r.Get("/", s.command(CmdListDatabases))
				r.Post("/", s.command(CmdOpenDatabase))

				r.Route("/{conn}", func(r chi.Router) {
					r.Delete("/", s.command(CmdCloseDatabase, connParam))
					r.Post("/activate", s.command(CmdSetActive, connParam))
					r.Get("/schema", s.command(CmdGetSchema, connParam))
					r.Post("/schema/refresh", s.command(CmdRefreshSchema, connParam))
					r.Post("/execute", s.command(CmdExecute, connParam))

					r.Get("/transaction", s.command(CmdTransactionState, connParam))
					r.Post("/transaction/begin", s.command(CmdBegin, connParam))
					r.Post("/transaction/commit", s.command(CmdCommit, connParam))
					r.Post("/transaction/rollback", s.command(CmdRollback, connParam))

					r.Route("/tables/{table}", func(r chi.Router) {
						r.Post("/browse", s.command(CmdBrowseTable, connParam, pathParam("table", "table")))
						r.Post("/rows", s.command(CmdInsertRow, connParam, pathParam("table", "table")))
						r.Patch("/rows", s.command(CmdUpdateCell, connParam, pathParam("table", "table")))
						r.Delete("/rows", s.command(CmdDeleteRow, connParam, pathParam("table", "table")))
					})
				})
			})

			r.Route("/cursors/{handle}", func(r chi.Router) {
				r.Get("/", s.command(CmdFetchRows, pathParam("handle", "cursor_handle"), windowParam))
				r.Delete("/", s.command(CmdCloseCursor, pathParam("handle", "cursor_handle")))
			})

			r.Post("/requests/{request}/cancel", s.command(CmdCancel, pathParam("request", "request_id")))
		})
	})

	return r
}

// binding copies part of an HTTP request into a command payload.
type binding func(r *http.Request, fields map[string]json.RawMessage) error

func setString(fields map[string]json.RawMessage, key, value string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	fields[key] = raw
	return nil
}

// pathParam binds a route parameter to a payload field.
func pathParam(param, key string) binding {
	return func(r *http.Request, fields map[string]json.RawMessage) error {
		return setString(fields, key, chi.URLParam(r, param))
	}
}

// connParam binds {conn}, leaving the connection id empty for "active".
func connParam(r *http.Request, fields map[string]json.RawMessage) error {
	id := chi.URLParam(r, "conn")
	if id == activeConnection {
		id = ""
	}
	return setString(fields, "connection_id", id)
}

// windowParam binds the optional ?window= query parameter.
func windowParam(r *http.Request, fields map[string]json.RawMessage) error {
	v := r.URL.Query().Get("window")
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return badRequest("window must be an integer")
	}
	fields["window"] = json.RawMessage(strconv.Itoa(n))
	return nil
}

// command serves one command over HTTP. The payload is the JSON body with
// the bindings applied on top.
func (s *Server) command(name string, binds ...binding) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFrom(r.Context())

		fields := map[string]json.RawMessage{}
		if r.ContentLength != 0 && r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&fields); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, badRequest("invalid JSON body"), requestID)
				return
			}
		}
		for _, bind := range binds {
			if err := bind(r, fields); err != nil {
				writeError(w, err, requestID)
				return
			}
		}

		payload, err := json.Marshal(fields)
		if err != nil {
			writeError(w, err, requestID)
			return
		}
		s.respond(w, r, name, call{RequestID: requestID, Payload: payload})
	}
}

// handleCommand serves POST /commands/{command} with the body as payload.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if r.ContentLength != 0 && r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, badRequest("invalid JSON body"), requestIDFrom(r.Context()))
			return
		}
	}
	s.respond(w, r, chi.URLParam(r, "command"), call{RequestID: requestIDFrom(r.Context()), Payload: payload})
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, name string, c call) {
	res, err := s.dispatch(r.Context(), name, c)
	if err != nil {
		writeError(w, err, c.RequestID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"connections": len(s.core.ListDatabases()),
	})
}
