// Package dberr defines the error taxonomy shared by every component that
// touches a user database, and the mapping from SQLite result codes onto it.
//
// Components return *Error values (or wrap them with fmt.Errorf). The
// boundary turns the Kind into a transport status and passes Position and
// Constraint through so the presentation layer can point at the offending
// token or field.
//
//	if errors.Is(err, dberr.ErrConnectionBusy) {
//	    // the caller may retry once the running statement finishes
//	}
package dberr
