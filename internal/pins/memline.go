package pins

import (
	"sync"
	"time"
)

// MemLine is an in-memory Line for tests. Output transitions are recorded
// for assertion; input edges are scripted with Feed.
type MemLine struct {
	mu          sync.Mutex
	level       bool
	transitions []bool
	closed      bool

	edges chan bool

	// OnEdge, if set, runs after WaitForEdge consumes an edge and before
	// it returns. Tests use it to advance a mock clock between the rising
	// and falling edge of a scripted pulse.
	OnEdge func(level bool)
}

// NewMemLine creates a MemLine with room for 64 queued edges.
func NewMemLine() *MemLine {
	return &MemLine{edges: make(chan bool, 64)}
}

// SetHigh records a transition to high.
func (l *MemLine) SetHigh() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = true
	l.transitions = append(l.transitions, true)
	return nil
}

// SetLow records a transition to low.
func (l *MemLine) SetLow() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = false
	l.transitions = append(l.transitions, false)
	return nil
}

// Read returns the current level.
func (l *MemLine) Read() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level, nil
}

// WaitForEdge consumes the next scripted edge, or returns false after the
// timeout when none arrive.
func (l *MemLine) WaitForEdge(timeout time.Duration) bool {
	select {
	case level := <-l.edges:
		l.mu.Lock()
		l.level = level
		hook := l.OnEdge
		l.mu.Unlock()
		if hook != nil {
			hook(level)
		}
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close marks the line closed.
func (l *MemLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Feed queues an input edge to the given level.
func (l *MemLine) Feed(level bool) {
	l.edges <- level
}

// Transitions returns a copy of the recorded output transitions.
func (l *MemLine) Transitions() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bool, len(l.transitions))
	copy(out, l.transitions)
	return out
}

// Pulses counts completed high-low output pairs.
func (l *MemLine) Pulses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := 0; i+1 < len(l.transitions); i++ {
		if l.transitions[i] && !l.transitions[i+1] {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (l *MemLine) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
