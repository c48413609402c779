package session

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/edirooss/npshelld/internal/audit"
	"github.com/edirooss/npshelld/internal/npipe"
	"github.com/edirooss/npshelld/internal/shell"
)

// Dispatch processes one line read from the client stream: CR/LF
// already stripped by the caller is not assumed, so this trims them
// itself. Returns true if the session should terminate — only the
// "exit" built-in does this; a parse error or user error drops the
// line and keeps the session open.
//
// Per spec.md §4.3, L advances before any non-empty line is
// dispatched; an empty line is ignored and never advances L.
func (s *Session) Dispatch(line string) (exit bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return false
	}
	s.L = (s.L + 1) % npipe.Size

	first, _ := splitToken(line)
	if shell.IsBuiltin(first) {
		return s.dispatchBuiltin(line)
	}

	pl, err := shell.Parse(line)
	if err != nil {
		_ = s.Send(errorf("%s", err.Error()))
		return false
	}

	s.runPipeline(pl)
	return false
}

// runPipeline implements spec.md §4.3's non-built-in procedure: ring
// offset computation, carry-forward, source and disposition wiring,
// spawn, fd hygiene, and the Wait policy.
func (s *Session) runPipeline(pl *shell.Pipeline) {
	L := s.L
	offset := 0
	if pl.Disposition.Kind == shell.NumberedOut || pl.Disposition.Kind == shell.NumberedOutErr {
		offset = pl.Disposition.N
	}
	nline := (L + offset) % npipe.Size

	// Carry forward: merge NP[u][L]'s pending children to the front
	// of NP[u][nline]'s queue before anything else, even though a
	// subsequent user-id error aborts the rest of the line — see
	// DESIGN.md for why the literal step ordering is followed as-is.
	s.Ring.MergeForward(L, nline)

	fin, drainedRing, sourceReadEnd, ok := s.wireSource(pl, nline)
	if !ok {
		return
	}

	fout, dupStderr, userOutTarget, cleanup, ok := s.wireDisposition(pl, nline, drainedRing)
	if !ok {
		if sourceReadEnd != nil {
			_ = sourceReadEnd.Close()
		}
		return
	}

	// The slot being drained (L) no longer needs its write end once
	// we've captured fin from it: closing it now lets the eventual
	// reader see EOF once the producer children that fed it exit.
	slotL := s.Ring.At(L)
	if slotL.Write != nil {
		_ = slotL.Write.Close()
		slotL.Write = nil
	}

	handles, err := s.Exec.Run(pl.Stages, fin, fout, s.Raw, dupStderr, s.environ(), s.Env["PATH"])
	if err != nil {
		s.log.Warn("pipeline spawn error", zap.Error(err), zap.String("line", pl.Raw))
	}

	if slotL.Read != nil {
		_ = slotL.Read.Close()
		slotL.Read = nil
	}
	if sourceReadEnd != nil {
		_ = sourceReadEnd.Close()
	}
	if cleanup != nil {
		cleanup()
	}

	switch pl.Disposition.Kind {
	case shell.NumberedOut, shell.NumberedOutErr:
		// Awaited later, by the line whose counter reaches nline.
		for _, h := range handles {
			s.Ring.AddHandles(nline, h)
		}

	case shell.UserOut:
		// Awaited later, by the consuming session's "<u" dispatch.
		for _, h := range handles {
			s.Matrix.AddHandles(s.U, userOutTarget, h)
		}
		s.Matrix.CloseWriteEnd(s.U, userOutTarget)

	default: // Ordinary, ToFile
		slotN := s.Ring.At(nline)
		wait := append([]npipe.Awaitable{}, slotN.Handles...)
		slotN.Handles = nil
		for _, h := range handles {
			wait = append(wait, h)
		}
		for _, h := range wait {
			<-h.Done()
		}
	}

	s.Ring.Reset(L)
}

// wireSource resolves the pipeline's stdin, per spec.md §4.3's
// "Source wiring". drainedRing reports whether fin came from this
// session's own numbered-pipe ring slot L (as opposed to a user pipe
// or the raw client stream) — wireDisposition needs this to avoid
// wiring an Ordinary command's stdout back into the very pipe it just
// read its stdin from. consumedUserRead, if non-nil, is the user-pipe
// read end that the caller must close once the stages have started.
func (s *Session) wireSource(pl *shell.Pipeline, nline int) (fin io.Reader, drainedRing bool, consumedUserRead *os.File, ok bool) {
	if pl.Source.Kind == shell.UserIn {
		i := pl.Source.I
		if !s.Dir.IsLive(i) {
			_ = s.Send(errorf("user #%d does not exist yet.", i+1))
			return nil, false, nil, false
		}
		if !s.Matrix.Exists(i, s.U) {
			_ = s.Send(errorf("the pipe #%d->#%d does not exist yet.", i+1, s.U+1))
			return nil, false, nil, false
		}

		senderName, _ := s.Dir.Nickname(i)
		s.Dir.Broadcast(fmt.Sprintf("*** %s (#%d) just received from %s (#%d) by '%s' ***\n",
			s.Nickname, s.U+1, senderName, i+1, pl.Raw))

		read, handles, _ := s.Matrix.Consume(i, s.U)
		s.Ring.AddHandles(nline, handles...)
		s.record(audit.KindPipeConsume, fmt.Sprintf("#%d->#%d", i+1, s.U+1))
		return read, false, read, true
	}

	slot := s.Ring.At(s.L)
	if slot.Latched() {
		return slot.Read, true, nil, true
	}
	return s.Raw, false, nil, true
}

// wireDisposition resolves the pipeline's final stdout (and, for
// NumberedOutErr, stderr), per spec.md §4.3's "Disposition wiring".
// cleanup, when non-nil, must run once Exec.Run returns regardless of
// the Wait policy (closing an opened file). userOutTarget is the
// 0-indexed recipient when Kind == UserOut, else -1.
func (s *Session) wireDisposition(pl *shell.Pipeline, nline int, drainedRing bool) (fout io.Writer, dupStderr bool, userOutTarget int, cleanup func(), ok bool) {
	userOutTarget = -1

	switch pl.Disposition.Kind {
	case shell.ToFile:
		f, err := os.OpenFile(pl.Disposition.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
		if err != nil {
			_ = s.Send(errorf("cannot open %s: %s", pl.Disposition.Path, err.Error()))
			return nil, false, -1, nil, false
		}
		return f, false, -1, func() { _ = f.Close() }, true

	case shell.NumberedOut, shell.NumberedOutErr:
		var w *os.File
		err := s.Alloc.Retry(func() error {
			ww, e := s.Ring.Latch(nline)
			w = ww
			return e
		})
		if err != nil {
			s.log.Warn("numbered pipe latch failed", zap.Error(err), zap.Int("nline", nline))
			return s.Raw, false, -1, nil, true
		}
		return w, pl.Disposition.Kind == shell.NumberedOutErr, -1, nil, true

	case shell.UserOut:
		j := pl.Disposition.N
		if !s.Dir.IsLive(j) {
			_ = s.Send(errorf("user #%d does not exist yet.", j+1))
			return nil, false, -1, nil, false
		}
		if s.Matrix.Exists(s.U, j) {
			_ = s.Send(errorf("the pipe #%d->#%d already exists.", s.U+1, j+1))
			return nil, false, -1, nil, false
		}

		targetName, _ := s.Dir.Nickname(j)
		s.Dir.Broadcast(fmt.Sprintf("*** %s (#%d) just piped '%s' to %s (#%d) ***\n",
			s.Nickname, s.U+1, pl.Raw, targetName, j+1))

		var w *os.File
		err := s.Alloc.Retry(func() error {
			ww, e := s.Matrix.Create(s.U, j)
			w = ww
			return e
		})
		if err != nil {
			s.log.Warn("user pipe create failed", zap.Error(err), zap.Int("to", j))
			return s.Raw, false, -1, nil, true
		}
		s.record(audit.KindPipeCreate, fmt.Sprintf("#%d->#%d", s.U+1, j+1))
		return w, false, j, nil, true

	default: // Ordinary
		// nline == L here (no ring offset), so a still-latched slot L
		// is the same pipe drainedRing just read stdin from; see the
		// doc comment on wireSource.
		if drainedRing {
			return s.Raw, false, -1, nil, true
		}
		slot := s.Ring.At(nline)
		if slot.Latched() {
			return slot.Write, false, -1, nil, true
		}
		return s.Raw, false, -1, nil, true
	}
}
