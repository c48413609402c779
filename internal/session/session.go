// Package session implements one connected client's npshell state
// machine: environment map, line counter, numbered-pipe ring, and
// dispatch of built-ins and pipelines, per spec.md §3/§4.3/§4.4.
//
// Grounded on processmgr's per-id supervised-unit shape (one long-lived
// goroutine owning private state, touched by outside callers only
// through a handful of synchronized accessor methods) — generalized
// from "supervise a restarting daemon" to "run one client's shell for
// the life of its connection".
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/npshelld/internal/audit"
	"github.com/edirooss/npshelld/internal/exec"
	"github.com/edirooss/npshelld/internal/npipe"
	"github.com/edirooss/npshelld/internal/pipealloc"
	"github.com/edirooss/npshelld/internal/userpipe"
)

// DefaultNickname is what every session is named before its first
// successful `name` built-in.
const DefaultNickname = "(no name)"

// Session is one connected client's shell state. Every exported method
// except Send and RecentLines is intended to be called only from the
// goroutine that owns the session (the one running the dispatch loop);
// Send is safe for concurrent use because the broadcast bus and other
// sessions' `tell`/`yell`/`name` built-ins write into it from their own
// goroutines, and RecentLines reads the locked log buffer on behalf of
// the admin API.
type Session struct {
	U    int    // user id, 0-indexed; display form is always U+1
	Addr string // "IP/port" advertised to other sessions

	// Raw is the client connection's duplicated file descriptor. It
	// backs every "use stdin/stdout/stderr" default in the numbered-
	// pipe and disposition wiring, exactly as the original single-
	// process implementation dup2's the accepted socket onto fds 0-2
	// at session start. Writing npshell's own prompts and messages
	// through the same fd keeps the two indistinguishable to the
	// client, matching the original's behavior.
	Raw *os.File

	Nickname string
	Env      map[string]string
	L        int

	Ring   *npipe.Ring
	Matrix *userpipe.Matrix
	Alloc  *pipealloc.Allocator
	Exec   *exec.Executor

	Dir Directory
	log *zap.Logger

	// Audit, if non-nil, receives a record of every name change and
	// user-pipe create/consume this session performs. Left nil by
	// default (e.g. in tests) since the audit trail is an optional
	// side concern, not part of the shell protocol itself.
	Audit *audit.Log

	writeMu sync.Mutex
	logs    logBuffer
}

// New constructs a session for a freshly accepted client. matrix is the
// multiplexer-wide user-pipe table; dir is the multiplexer's directory
// view used for liveness/name/broadcast operations.
func New(u int, addr string, raw *os.File, matrix *userpipe.Matrix, dir Directory, log *zap.Logger) *Session {
	alloc := pipealloc.NewAllocator()
	sessLog := log.Named("session").With(zap.Int("user", u+1), zap.String("addr", addr))
	s := &Session{
		U:        u,
		Addr:     addr,
		Raw:      raw,
		Nickname: DefaultNickname,
		Env:      map[string]string{"PATH": "bin:."},
		Ring:     npipe.NewRing(),
		Matrix:   matrix,
		Alloc:    alloc,
		Dir:      dir,
		log:      sessLog,
	}
	s.Exec = exec.New(sessLog.Named("exec"), alloc)
	return s
}

// Send best-effort writes msg to the client stream. Safe for
// concurrent use; the write error is returned, and callers discard it
// per spec.md §4.6 — a broken peer connection is detected and reaped
// via the read side, not here.
func (s *Session) Send(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.logs.Append(msg)
	_, err := io.WriteString(s.Raw, msg)
	return err
}

// RecentLines returns up to n lines most recently sent to this
// session's client stream, newest first (0 or >500 clamps to 500; see
// logBuffer.Read).
func (s *Session) RecentLines(n int) []string {
	return s.logs.Read(n)
}

// Close releases every resource the session privately owns: its
// numbered-pipe ring (real pipes are closed; pending children are
// released, not awaited, per spec.md §3 Session lifecycle) and its
// entries in the shared user-pipe matrix.
func (s *Session) Close() {
	s.Ring.CloseAll()
	s.Matrix.CloseSession(s.U)
	_ = s.Raw.Close()
}

// record best-effort appends one audit event if an audit log is
// attached; a no-op otherwise.
func (s *Session) record(kind audit.Kind, detail string) {
	if s.Audit == nil {
		return
	}
	s.Audit.Record(context.Background(), audit.Event{
		Kind: kind, User: s.U, Detail: detail, Time: time.Now(),
	})
}

// environ flattens the session's env map to "K=V" pairs for exec.Cmd.
func (s *Session) environ() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// splitToken mimics istream's `>>`: it skips leading whitespace and
// returns the next whitespace-delimited token plus everything after
// the delimiter that followed it.
func splitToken(s string) (tok, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// restOfLine mimics istream's `ws(ss); getline(ss, arg)`: skip leading
// whitespace, then take the remainder of the line verbatim (internal
// whitespace preserved).
func restOfLine(s string) string {
	return strings.TrimLeft(s, " \t")
}

// errorf formats one of the `*** Error: ... ***` user-error messages
// spec.md §4.3/§7.1 prescribes, newline-terminated.
func errorf(format string, args ...any) string {
	return fmt.Sprintf("*** Error: "+format+" ***\n", args...)
}
