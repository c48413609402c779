// Package npipe implements the per-session numbered-pipe ring: a fixed
// array of 2000 slots, each able to hold a real pipe plus the queue of
// children whose stdout is destined for it.
//
// The fixed-capacity, no-reallocation array is grounded on
// processmgr.logBuffer's circular-buffer discipline, generalized from
// storing log lines to storing (read end, write end, pending-child
// queue) triples. Unlike logBuffer, a Ring is owned by exactly one
// session goroutine, so it carries no internal lock.
package npipe

import "os"

// Size is the hard limit on outstanding numbered-pipe offset span.
const Size = 2000

// Awaitable is anything a slot can queue up for a later line to reap.
// *exec.Handle satisfies this without either package importing the
// other.
type Awaitable interface {
	Done() <-chan struct{}
}

// Slot holds one ring cell's pipe ends and pending children.
//
// Read == nil means "use stdin" (fd 0 in the spec's terms); Write == nil
// means "use stdout" (fd 1). A non-nil field means the slot holds a real
// pipe end.
type Slot struct {
	Read    *os.File
	Write   *os.File
	Handles []Awaitable
}

// Latched reports whether the slot holds a real pipe (as opposed to the
// (nil, nil) "use stdin/stdout" default).
func (s *Slot) Latched() bool { return s.Read != nil }

// Ring is a session's fixed 2000-slot numbered-pipe table.
type Ring struct {
	slots [Size]Slot
}

// NewRing returns an empty ring; every slot defaults to (nil, nil, nil).
func NewRing() *Ring { return &Ring{} }

// At returns a pointer to slot k for direct inspection/mutation by the
// owning session's dispatch loop. k must already be reduced mod Size.
func (r *Ring) At(k int) *Slot { return &r.slots[k] }

// Latch creates a real pipe at slot k if one is not already present and
// returns its write end. Calling Latch on an already-latched slot is a
// no-op that returns the existing write end.
func (r *Ring) Latch(k int) (*os.File, error) {
	s := r.At(k)
	if s.Latched() {
		return s.Write, nil
	}
	read, write, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	s.Read = read
	s.Write = write
	return write, nil
}

// MergeForward moves from's pending child queue to the front of to's
// queue and clears from's queue. Used when a line both drains its own
// slot and latches a future one in the same dispatch, so children
// spawned before this line — and never awaited, because the lines that
// spawned them didn't block — aren't orphaned.
func (r *Ring) MergeForward(from, to int) {
	if from == to {
		return
	}
	fromSlot := r.At(from)
	toSlot := r.At(to)
	if len(fromSlot.Handles) == 0 {
		return
	}
	toSlot.Handles = append(append([]Awaitable{}, fromSlot.Handles...), toSlot.Handles...)
	fromSlot.Handles = nil
}

// AddHandles appends handles to slot k's pending queue.
func (r *Ring) AddHandles(k int, handles ...Awaitable) {
	s := r.At(k)
	s.Handles = append(s.Handles, handles...)
}

// Reset clears slot k's bookkeeping back to the (nil, nil, nil) default.
// Callers must close any real pipe ends themselves first; Reset only
// drops the references.
func (r *Ring) Reset(k int) {
	s := r.At(k)
	s.Read = nil
	s.Write = nil
	s.Handles = nil
}

// CloseAll closes every real pipe end still held by the ring. Called on
// session teardown; per spec, pending children are released, not
// awaited.
func (r *Ring) CloseAll() {
	for i := range r.slots {
		s := &r.slots[i]
		if s.Read != nil {
			_ = s.Read.Close()
		}
		if s.Write != nil {
			_ = s.Write.Close()
		}
		s.Read, s.Write, s.Handles = nil, nil, nil
	}
}
