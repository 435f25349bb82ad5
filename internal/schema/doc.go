// Package schema implements the Schema Inspector.
//
// The inspector reads sqlite_master and the table, foreign key and index
// pragmas into an immutable Snapshot per connection. A refresh builds a
// new Snapshot and swaps it in whole, so readers see either the old or
// the new schema, never a mix. Tables and views whose columns cannot be
// read are kept with Malformed set.
package schema
