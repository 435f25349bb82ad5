// Package cursor implements the Result Paginator.
//
// A cursor wraps the rows of a read statement. Opening a cursor reads
// nothing; each Fetch reads at most one window of rows with the
// connection's statement gate held, so memory stays bounded whatever the
// size of the result. Windows are clamped to a configured maximum.
//
// Cursors close when the client closes them, when their connection
// closes, when their request is cancelled or after an idle timeout. Every
// close emits one cursor.closed event.
package cursor
