// Package userpipe implements the 30x30 matrix of inter-session pipes
// used by the ">N" / "<N" user-pipe feature. Unlike a numbered-pipe ring
// (owned by one session), a cell here is written by its producer
// session and read by its consumer session, so the whole matrix is
// shared state protected by one mutex — the same ownership-tracked
// pattern processmgr.slotPool uses for its semaphore, generalized from
// a flat counter to a per-(i,j) cell.
package userpipe

import (
	"fmt"
	"os"
	"sync"
)

// Size is the number of user ids the matrix supports, matching the
// server's 30-client cap.
const Size = 30

// Awaitable is anything a cell can queue up for a later consumer to
// reap. *exec.Handle satisfies this without either package importing
// the other.
type Awaitable interface {
	Done() <-chan struct{}
}

// Cell holds one (producer, consumer) pipe's ends and the handles of
// children producing into it.
type Cell struct {
	Read    *os.File
	Write   *os.File
	Handles []Awaitable
}

// Matrix is the shared i->j pipe table. Zero value is not usable; use
// NewMatrix.
type Matrix struct {
	mu    sync.Mutex
	cells [Size][Size]Cell // cells[i][j]: pipe from session i to session j
}

// NewMatrix returns an empty 30x30 matrix.
func NewMatrix() *Matrix { return &Matrix{} }

// ErrAlreadyExists is returned by Create when a pending pipe i->j is
// already open.
type ErrAlreadyExists struct{ I, J int }

func (e *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("pipe #%d->#%d already exists", e.I+1, e.J+1)
}

// Create opens a fresh pipe from i to j and returns its write end. It
// fails if a pipe i->j is already pending (spec: at most one pending
// pipe from i to j at any time).
func (m *Matrix) Create(i, j int) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &m.cells[i][j]
	if c.Read != nil {
		return nil, &ErrAlreadyExists{I: i, J: j}
	}
	read, write, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	c.Read, c.Write = read, write
	return write, nil
}

// Exists reports whether a real pipe i->j is currently open.
func (m *Matrix) Exists(i, j int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cells[i][j].Read != nil
}

// AddHandles appends producer handles to the i->j cell's queue.
func (m *Matrix) AddHandles(i, j int, handles ...Awaitable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &m.cells[i][j]
	c.Handles = append(c.Handles, handles...)
}

// Consume drains the i->j pipe: it returns the read end and the
// accumulated producer handles, then resets the cell. ok is false if no
// real pipe i->j exists.
func (m *Matrix) Consume(i, j int) (read *os.File, handles []Awaitable, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &m.cells[i][j]
	if c.Read == nil {
		return nil, nil, false
	}
	read, handles = c.Read, c.Handles
	c.Read, c.Write, c.Handles = nil, nil, nil
	return read, handles, true
}

// CloseWriteEnd closes and clears the write end of i->j, used once the
// producer side has handed all stages off and closed its local copy.
func (m *Matrix) CloseWriteEnd(i, j int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &m.cells[i][j]
	if c.Write != nil {
		_ = c.Write.Close()
		c.Write = nil
	}
}

// CloseSession tears down every pipe touching user u, as either
// producer or consumer, on session exit.
func (m *Matrix) CloseSession(u int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for j := 0; j < Size; j++ {
		closeCell(&m.cells[u][j])
		closeCell(&m.cells[j][u])
	}
}

func closeCell(c *Cell) {
	if c.Read != nil {
		_ = c.Read.Close()
	}
	if c.Write != nil {
		_ = c.Write.Close()
	}
	c.Read, c.Write, c.Handles = nil, nil, nil
}
