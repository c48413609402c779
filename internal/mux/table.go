// Package mux implements the session multiplexer: admission of new
// TCP clients by lowest-free-id, the shared SessionTable every live
// session is reachable through, and the goroutine-per-session dispatch
// loop, per spec.md §4.5.
package mux

import (
	"sync"

	"github.com/edirooss/npshelld/internal/broadcast"
	"github.com/edirooss/npshelld/internal/session"
)

// MaxSessions is the server's fixed concurrent-client cap (spec.md §1).
const MaxSessions = 30

// entry is the multiplexer's own view of one slot's display state.
// Nickname and Addr are kept here — not read from the Session struct
// directly — because they are written by the session's own goroutine
// (via TryRename) but read by every other session's built-ins; caching
// them under the table's lock is what makes that safe without forcing
// Session to export a synchronized nickname accessor of its own.
type entry struct {
	sess     *session.Session
	nickname string
	addr     string
}

// SessionTable is the fixed [30]*Session-equivalent registry shared by
// every session goroutine and the broadcast bus, grounded on
// processmgr.ProcessManager's processes map guarded by a
// sync.RWMutex — generalized from a growable id-keyed map to a fixed
// 30-slot array, since npshell's user id space is bounded and dense.
type SessionTable struct {
	mu      sync.RWMutex
	entries [MaxSessions]*entry
	bus     *broadcast.Bus
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	t := &SessionTable{}
	t.bus = broadcast.NewBus(t)
	return t
}

// Allocate reserves and returns the lowest free user id in [0,29], or
// -1 if the table is full. Grounded on processmgr.PIDAllocator's
// increment-and-skip-in-use algorithm, generalized from a wrapping
// counter over a large id space to a linear scan over the fixed small
// range spec.md requires ("choosing the lowest free u").
func (t *SessionTable) Allocate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < MaxSessions; i++ {
		if t.entries[i] == nil {
			t.entries[i] = &entry{} // reserved placeholder until Bind
			return i
		}
	}
	return -1
}

// Bind attaches the constructed session to a slot already reserved by
// Allocate, filling in its initial display state.
func (t *SessionTable) Bind(u int, s *session.Session, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[u] = &entry{sess: s, nickname: session.DefaultNickname, addr: addr}
}

// Free releases a slot on session teardown.
func (t *SessionTable) Free(u int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[u] = nil
}

// IsLive implements session.Directory.
func (t *SessionTable) IsLive(u int) bool {
	if u < 0 || u >= MaxSessions {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[u] != nil && t.entries[u].sess != nil
}

// Nickname implements session.Directory.
func (t *SessionTable) Nickname(u int) (string, bool) {
	if u < 0 || u >= MaxSessions {
		return "", false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.entries[u]
	if e == nil || e.sess == nil {
		return "", false
	}
	return e.nickname, true
}

// TryRename implements session.Directory.
func (t *SessionTable) TryRename(u int, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if i == u || e == nil || e.sess == nil {
			continue
		}
		if e.nickname == name {
			return session.ErrNameExists
		}
	}
	if e := t.entries[u]; e != nil {
		e.nickname = name
	}
	return nil
}

// Who implements session.Directory.
func (t *SessionTable) Who() []session.WhoRow {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var rows []session.WhoRow
	for i, e := range t.entries {
		if e == nil || e.sess == nil {
			continue
		}
		rows = append(rows, session.WhoRow{U: i, Nickname: e.nickname, Addr: e.addr})
	}
	return rows
}

// SendTo implements session.Directory.
func (t *SessionTable) SendTo(u int, msg string) bool {
	if u < 0 || u >= MaxSessions {
		return false
	}
	t.mu.RLock()
	e := t.entries[u]
	t.mu.RUnlock()
	if e == nil || e.sess == nil {
		return false
	}
	_ = e.sess.Send(msg)
	return true
}

// Broadcast implements session.Directory by delegating to the shared
// broadcast.Bus.
func (t *SessionTable) Broadcast(msg string) {
	t.bus.Broadcast(msg)
}

// RecentLines returns the last n lines sent to session u's client
// stream, for the admin API's GET /sessions/:id/logs.
func (t *SessionTable) RecentLines(u, n int) ([]string, bool) {
	if u < 0 || u >= MaxSessions {
		return nil, false
	}
	t.mu.RLock()
	e := t.entries[u]
	t.mu.RUnlock()
	if e == nil || e.sess == nil {
		return nil, false
	}
	return e.sess.RecentLines(n), true
}

// LiveSessions implements broadcast.Source: a snapshot of every
// currently-live session taken under the read lock, so Bus.Broadcast
// never holds the table lock while writing to a peer.
func (t *SessionTable) LiveSessions() []broadcast.Sender {
	t.mu.RLock()
	defer t.mu.RUnlock()
	targets := make([]broadcast.Sender, 0, MaxSessions)
	for _, e := range t.entries {
		if e != nil && e.sess != nil {
			targets = append(targets, e.sess)
		}
	}
	return targets
}
