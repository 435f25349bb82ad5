// Package api is the command and event boundary of LiteLens Core.
//
// It translates requests from the presentation layer into core.Service
// calls and pushes core events back out. It never interprets SQL itself.
//
// One command table serves two transports:
//   - HTTP under /api/v1, with a REST-style route per command and a
//     generic POST /api/v1/commands/{command}.
//   - WebSocket frames of the form
//     {"type":"command","id":"r1","command":"execute","payload":{...}},
//     answered by a "response" or "error" frame with the same id. Clients
//     "subscribe" to event types and receive "event" frames.
//
// Every failure is encoded once, as an Error carrying the error kind, and
// for syntax and constraint errors the position or the constraint.
//
// # Security
//
// When security.auth_enabled is set every route except /health requires a
// bearer session token. WebSocket connections authenticate with a
// single-use ticket from POST /api/v1/auth/ws-ticket so tokens never
// appear in URLs.
package api
