// Package broadcast implements the server-wide message fan-out used by
// the `yell` built-in, login/logout notices, and the `name`/user-pipe
// announcements every session's built-ins raise, per spec.md §4.6.
//
// Grounded on processmgr.ProcessManager.GetLogs's read-lock-then-copy
// shape: the set of live targets is snapshotted under a read lock, then
// written to outside it, so one slow or blocked peer can never stall
// the lock every other session's dispatch loop needs.
package broadcast

// Sender is anything a message can be best-effort delivered to. It is
// satisfied by *session.Session without this package importing
// session, keeping the dependency direction broadcast <- mux <-
// session instead of a cycle.
type Sender interface {
	Send(msg string) error
}

// Source supplies the current snapshot of live broadcast targets.
// mux.SessionTable implements this.
type Source interface {
	LiveSessions() []Sender
}

// Bus fans one message out to every currently-live session.
type Bus struct {
	src Source
}

// NewBus constructs a Bus reading its membership from src on every
// Broadcast call — there is no separate subscribe/unsubscribe step,
// since membership is exactly "whatever SessionTable currently holds".
func NewBus(src Source) *Bus {
	return &Bus{src: src}
}

// Broadcast delivers msg to every live session, swallowing individual
// write failures: a broken peer is detected and reaped via its own
// read loop, not here (spec.md §4.6).
func (b *Bus) Broadcast(msg string) {
	for _, s := range b.src.LiveSessions() {
		_ = s.Send(msg)
	}
}
