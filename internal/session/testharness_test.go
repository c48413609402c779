package session

import (
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/npshelld/internal/userpipe"
)

// socketpair returns two ends of a bidirectional AF_UNIX stream socket,
// standing in for the duplicated client connection fd a real session
// would hold — unlike os.Pipe, each end can be both written and read,
// matching net.Conn.File()'s contract.
func socketpair(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	return os.NewFile(uintptr(fds[0]), "session-a"), os.NewFile(uintptr(fds[1]), "session-b")
}

// fakeDirectory is a minimal in-memory Directory for exercising a
// Session's messaging built-ins and user-pipe wiring without a real
// multiplexer.
type fakeDirectory struct {
	mu             sync.Mutex
	sess           map[int]*Session
	broadcastCount int
	lastBroadcast  string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{sess: make(map[int]*Session)}
}

func (d *fakeDirectory) add(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sess[s.U] = s
}

func (d *fakeDirectory) IsLive(u int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sess[u]
	return ok
}

func (d *fakeDirectory) Nickname(u int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sess[u]
	if !ok {
		return "", false
	}
	return s.Nickname, true
}

func (d *fakeDirectory) TryRename(u int, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.sess {
		if id != u && s.Nickname == name {
			return ErrNameExists
		}
	}
	return nil
}

func (d *fakeDirectory) Who() []WhoRow {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rows []WhoRow
	for u := 0; u < 30; u++ {
		if s, ok := d.sess[u]; ok {
			rows = append(rows, WhoRow{U: u, Nickname: s.Nickname, Addr: s.Addr})
		}
	}
	return rows
}

func (d *fakeDirectory) SendTo(u int, msg string) bool {
	d.mu.Lock()
	s, ok := d.sess[u]
	d.mu.Unlock()
	if !ok {
		return false
	}
	_ = s.Send(msg)
	return true
}

func (d *fakeDirectory) Broadcast(msg string) {
	d.mu.Lock()
	d.broadcastCount++
	d.lastBroadcast = msg
	targets := make([]*Session, 0, len(d.sess))
	for _, s := range d.sess {
		targets = append(targets, s)
	}
	d.mu.Unlock()
	for _, s := range targets {
		_ = s.Send(msg)
	}
}

// newTestSession wires a Session to a socketpair peer the test can
// read/write as if it were the remote client, and registers it with
// dir so other sessions' built-ins/broadcasts can reach it.
func newTestSession(t *testing.T, u int, addr string, matrix *userpipe.Matrix, dir *fakeDirectory) (*Session, *os.File) {
	t.Helper()
	raw, peer := socketpair(t)
	s := New(u, addr, raw, matrix, dir, zap.NewNop())
	s.Env["PATH"] = "/usr/bin:/bin"
	dir.add(s)
	return s, peer
}
