package mux

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/npshelld/internal/audit"
	"github.com/edirooss/npshelld/internal/session"
	"github.com/edirooss/npshelld/internal/userpipe"
)

// welcomeBanner is sent verbatim to every newly admitted client, text
// confirmed against the original server's startup banner.
const welcomeBanner = "" +
	"****************************************\n" +
	"** Welcome to the information server. **\n" +
	"****************************************\n"

const prompt = "% "

// Multiplexer accepts TCP clients, admits each under the lowest free
// user id, and runs its dispatch loop to completion in its own
// goroutine — the concurrent analogue of the original single-threaded
// select()-driven command loop (spec.md §4.5), grounded on
// processmgr.ProcessManager's one-goroutine-per-supervised-unit shape.
type Multiplexer struct {
	log    *zap.Logger
	table  *SessionTable
	matrix *userpipe.Matrix

	// audit, if set via SetAuditLog, records a login/logout event for
	// every admitted session and is attached to each constructed
	// session so its own built-ins and pipe operations can audit
	// themselves too. Left nil by default (e.g. in tests).
	audit *audit.Log
}

// NewMultiplexer constructs a multiplexer sharing the given user-pipe
// matrix across every admitted session.
func NewMultiplexer(log *zap.Logger, matrix *userpipe.Matrix) *Multiplexer {
	return &Multiplexer{
		log:    log.Named("mux"),
		table:  NewSessionTable(),
		matrix: matrix,
	}
}

// Table exposes the shared session directory, e.g. for the admin API
// and the broadcast bus to read `who` state without going through a
// live connection.
func (m *Multiplexer) Table() *SessionTable { return m.table }

// SetAuditLog attaches an audit log: every session admitted from this
// point on records a login event on entry, a logout event on exit, and
// carries the log forward for its own name/pipe audit events.
func (m *Multiplexer) SetAuditLog(a *audit.Log) { m.audit = a }

// Serve accepts connections from ln until Accept returns an error,
// which happens when ln is closed (normally via ctx cancellation in
// the caller driving the listener's lifetime).
func (m *Multiplexer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go m.admit(conn)
	}
}

// fileConn is implemented by *net.TCPConn (and *net.UnixConn, used by
// tests): File returns a duplicated, blocking-mode descriptor sharing
// the same underlying socket as conn. Handing this directly to spawned
// children as fd 0/1/2 is the original's dup2(sock, i) translated to
// Go — no copy goroutine needed to shuttle bytes between the network
// conn and a child's pipe.
type fileConn interface {
	File() (*os.File, error)
}

func (m *Multiplexer) admit(conn net.Conn) {
	u := m.table.Allocate()
	if u < 0 {
		m.log.Warn("rejecting connection: server full", zap.String("addr", conn.RemoteAddr().String()))
		_, _ = conn.Write([]byte("*** Error: server full. ***\n"))
		_ = conn.Close()
		return
	}

	addr := conn.RemoteAddr().String()
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		addr = fmt.Sprintf("%s/%d", ta.IP, ta.Port)
	}
	fc, ok := conn.(fileConn)
	if !ok {
		m.log.Error("connection type does not support fd extraction", zap.String("addr", addr))
		m.table.Free(u)
		_ = conn.Close()
		return
	}
	raw, err := fc.File()
	if err != nil {
		m.log.Error("cannot duplicate client fd", zap.Error(err), zap.String("addr", addr))
		m.table.Free(u)
		_ = conn.Close()
		return
	}

	sess := session.New(u, addr, raw, m.matrix, m.table, m.log)
	sess.Audit = m.audit
	m.table.Bind(u, sess, addr)

	log := m.log.With(zap.Int("user", u+1), zap.String("addr", addr))
	log.Info("session admitted")
	m.recordAudit(audit.KindLogin, u, addr)

	_ = sess.Send(welcomeBanner)
	m.table.Broadcast(fmt.Sprintf("*** User '%s' entered from %s. ***\n", session.DefaultNickname, addr))
	_ = sess.Send(prompt)

	for {
		line, err := readCommandLine(conn)
		if err != nil {
			// Peer closed or read error: ends the session exactly like
			// the original's getline() failure, without processing
			// whatever unterminated partial line (if any) preceded it.
			break
		}
		if sess.Dispatch(line) {
			break
		}
		_ = sess.Send(prompt)
	}

	name := sess.Nickname // safe: only this goroutine ever writes it
	m.table.Free(u)
	sess.Close()
	_ = conn.Close()
	m.table.Broadcast(fmt.Sprintf("*** User '%s' left. ***\n", name))
	m.recordAudit(audit.KindLogout, u, addr)
	log.Info("session torn down")
}

// readCommandLine reads one newline-terminated command line directly
// off conn, one byte at a time. A bufio.Reader must not be used here:
// its underlying Read pulls a full chunk out of the kernel socket
// buffer, and anything past the first '\n' in that chunk — e.g. a
// pipeline's stdin payload sent in the same write as its command line
// — would be stranded in the bufio.Reader's private buffer, forever
// invisible to the spawned child reading stdin off s.Raw, a second,
// separate fd on the same socket. Reading one byte per syscall keeps
// every byte past the line's terminating '\n' in the kernel buffer for
// that child to read.
func readCommandLine(conn net.Conn) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		n, err := conn.Read(b)
		if n > 0 {
			buf = append(buf, b[0])
			if b[0] == '\n' {
				return string(buf), nil
			}
		}
		if err != nil {
			return string(buf), err
		}
	}
}

// recordAudit is a no-op when no audit log is attached.
func (m *Multiplexer) recordAudit(kind audit.Kind, u int, detail string) {
	if m.audit == nil {
		return
	}
	m.audit.Record(context.Background(), audit.Event{
		Kind: kind, User: u, Detail: detail, Time: time.Now(),
	})
}
