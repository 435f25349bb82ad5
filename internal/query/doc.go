// Package query implements the Query Executor.
//
// Execute splits a request into statements, classifies and validates all
// of them, then runs them in order on the connection while holding its
// statement gate. Reads become cursors owned by the paginator, writes
// return a MutationSummary, DDL refreshes the schema snapshot once per
// request and transaction control is routed to the coordinator.
//
// A failing batch stops at the first error. Inside an explicit
// transaction the whole transaction is rolled back; outside one, a batch
// of several statements runs in an implicit transaction of its own.
//
// Browse, InsertRow, UpdateCell and DeleteRow build SQL from structured
// commands. Identifiers are checked against the schema snapshot and
// quoted; values are always bound, never spliced into the text.
package query
