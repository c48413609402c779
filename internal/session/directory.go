package session

import "errors"

// ErrNameExists is returned by Directory.TryRename when the requested
// nickname is already held by another live session.
var ErrNameExists = errors.New("session: name already exists")

// WhoRow is one row of the `who` built-in's listing, or of the admin
// API's equivalent endpoint.
type WhoRow struct {
	U        int
	Nickname string
	Addr     string
}

// Directory is the slice of the session multiplexer's shared state a
// Session needs in order to dispatch the messaging built-ins and the
// user-pipe source/disposition branches of pipeline dispatch.
// Implemented by mux.SessionTable; kept as an interface here so this
// package never imports mux (mux imports session, not the reverse).
type Directory interface {
	// IsLive reports whether user id u currently holds a live session.
	// Implementations must treat any u outside [0,29] as not live,
	// rather than panicking, since ids arrive unchecked from user
	// input (tell targets, pipe endpoints).
	IsLive(u int) bool

	// Nickname returns u's current display name. ok is false if u is
	// not live.
	Nickname(u int) (name string, ok bool)

	// TryRename atomically checks name against every other live
	// session's nickname and, if free, assigns it to u. Returns
	// ErrNameExists if name is already held by a different live user.
	TryRename(u int, name string) error

	// Who lists every live session, ordered by ascending user id.
	Who() []WhoRow

	// SendTo best-effort delivers msg to u's stream. Returns false if
	// u is not live; write failures are swallowed the same way
	// Broadcast swallows them.
	SendTo(u int, msg string) bool

	// Broadcast best-effort delivers msg to every live session,
	// including the caller's own.
	Broadcast(msg string)
}
