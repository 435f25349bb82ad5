// Package txn implements the Transaction Coordinator.
//
// Each connection has at most one explicit transaction. The state machine
// is Idle -> Active -> Committed | RolledBack, and the next Begin starts a
// new Active transaction. Begin while Active fails with
// TransactionAlreadyActive; Commit or Rollback with nothing active fails
// with NoActiveTransaction. Every state change is published as a
// transaction.state_changed event, including the implicit rollback when a
// connection closes.
//
// SQLite can end a transaction by itself (after an interrupt or some
// errors). Sync compares the tracked state with the engine's autocommit
// flag before every operation.
package txn
