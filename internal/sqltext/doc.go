// Package sqltext reads SQL text without executing it: it splits a request
// into statements, classifies each one (read, write, DDL, transaction
// control, ...), counts bind placeholders and quotes identifiers.
//
// Classification happens before any engine call, so a request containing
// ATTACH or an unknown leading keyword is rejected without touching the
// file. The engine stays the authority on whether a statement is valid.
package sqltext
