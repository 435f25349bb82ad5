// Package sqlvalue models the typed scalars stored in SQLite cells (null,
// integer, real, text, blob) and their JSON form at the boundary.
package sqlvalue
