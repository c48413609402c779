// Package exec spawns a pipeline's stages with correctly wired standard
// streams and returns the set of spawned child handles, per spec.md
// §4.2.
//
// Grounded on processmgr/process.go's pipe-setup-and-teardown idiom
// (the pipes() helper's atomicity, the Setpgid/Pdeathsig SysProcAttr)
// and processmgr/process_manager.go's exec.Command construction,
// adapted from "supervise one long-lived daemon, restart on exit" to
// "run one pipeline stage to completion, never restart" — spec.md §5
// explicitly rules out cancellation/timeouts/supervision for npshell
// children.
package exec

import (
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/edirooss/npshelld/internal/pipealloc"
	"github.com/edirooss/npshelld/internal/shell"
)

// Handle is an opaque reference to one spawned pipeline stage, whether
// backed by a real OS process or a synthetic "unknown command" stand-in
// (see Executor.spawn). Reaping only ever needs the Done channel, never
// the raw pid — the wait queue itself is implementation detail.
type Handle struct {
	ID   int64
	Pid  int // 0 for a synthetic unknown-command handle
	done chan struct{}
}

// Done reports readiness to the pipealloc retry allocator and to
// whatever awaits pipeline completion.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Executor runs pipeline stages against a pipealloc.Allocator that
// provides the backpressure-without-deadlock retry loop for pipe
// creation and process spawning.
type Executor struct {
	log    *zap.Logger
	alloc  *pipealloc.Allocator
	nextID atomic.Int64
}

// New constructs an Executor. alloc is typically the owning session's
// own allocator, since numbered-pipe fd pressure is a per-session
// resource the session's own pending-children queue can relieve.
func New(log *zap.Logger, alloc *pipealloc.Allocator) *Executor {
	return &Executor{log: log, alloc: alloc}
}

// Run spawns stages left to right, wiring stdin of the first stage to
// in, stdout of the last stage to out, and — if dupStderr is set —
// stderr of the last stage to out as well. Intermediate stages get
// fresh pipes for inter-stage wiring. Every stage's stderr defaults to
// errOut (the session's own client stream, per the original session
// dup'ing its socket onto fd 2 at login) unless overridden by
// dupStderr on the final stage. env is the session's environment,
// flattened to "K=V" pairs, and pathEnv is the PATH value within it
// used for program resolution (spec.md §4.1).
//
// Returns the handles for every stage that was launched, in order, even
// if a later stage failed to start — the caller is responsible for
// deciding whether to await or abandon them.
func (e *Executor) Run(stages []shell.Stage, in io.Reader, out io.Writer, errOut io.Writer, dupStderr bool, env []string, pathEnv string) ([]*Handle, error) {
	n := len(stages)
	if n == 0 {
		return nil, fmt.Errorf("exec: empty pipeline")
	}

	handles := make([]*Handle, 0, n)
	var prevRead *os.File // read end of the previous inter-stage pipe, owned by us until handed off

	for i, stage := range stages {
		var stdin io.Reader = in
		if i > 0 {
			stdin = prevRead
		}

		var stdout io.Writer = out
		var nextRead *os.File
		var ourWrite *os.File
		if i < n-1 {
			var err error
			err = e.alloc.Retry(func() error {
				r, w, perr := os.Pipe()
				if perr != nil {
					return perr
				}
				nextRead, ourWrite = r, w
				return nil
			})
			if err != nil {
				return handles, fmt.Errorf("exec: stage %d pipe: %w", i, err)
			}
			stdout = ourWrite
		}

		var stderr io.Writer = errOut
		if i == n-1 && dupStderr {
			stderr = out
		}

		h, err := e.spawn(stage.Argv, stdin, stdout, stderr, env, pathEnv)

		// Parent-side cleanup: close ends we no longer need, regardless
		// of spawn success, so a failed stage doesn't wedge the pipe.
		if prevRead != nil {
			_ = prevRead.Close()
		}
		if ourWrite != nil {
			_ = ourWrite.Close()
		}

		if err != nil {
			return handles, fmt.Errorf("exec: stage %d spawn: %w", i, err)
		}

		handles = append(handles, h)
		prevRead = nextRead
	}

	return handles, nil
}

// spawn launches one stage. If the program cannot be resolved on
// pathEnv, it synthesizes a handle whose only behavior is writing
// "Unknown command: [<prog>]." to stderr and completing immediately —
// the externally observable equivalent of spec.md §7.2's "child writes
// to its stderr and exits 0", since Go's exec package resolves missing
// executables before any process exists to fork and print from.
func (e *Executor) spawn(argv []string, stdin io.Reader, stdout, stderr io.Writer, env []string, pathEnv string) (*Handle, error) {
	id := e.nextID.Add(1)

	path, ok := LookPath(pathEnv, argv[0])
	if !ok {
		done := make(chan struct{})
		go func() {
			fmt.Fprintf(stderr, "Unknown command: [%s].\n", argv[0])
			close(done)
		}()
		return &Handle{ID: id, done: done}, nil
	}

	cmd := osexec.Command(path, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Env = env
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := e.alloc.Retry(cmd.Start); err != nil {
		done := make(chan struct{})
		go func() {
			fmt.Fprintf(stderr, "Unknown command: [%s].\n", argv[0])
			close(done)
		}()
		e.log.Warn("stage failed to start, reporting as unknown command",
			zap.Strings("argv", argv), zap.Error(err))
		return &Handle{ID: id, done: done}, nil
	}

	done := make(chan struct{})
	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	h := &Handle{ID: id, Pid: pid, done: done}
	e.alloc.Track(pipealloc.Waiter{Pid: pid, Done: done})
	return h, nil
}
