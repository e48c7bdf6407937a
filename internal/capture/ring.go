package capture

import "github.com/banshee-data/proximity.report/internal/sonar"

// ringBuffer holds the most recent readings for one sensor, bounded so a
// long-running session cannot grow without limit. Statistics are always
// recomputed from the buffer contents, never cached alongside it.
type ringBuffer struct {
	buf  []sonar.Reading
	next int
	full bool
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{buf: make([]sonar.Reading, capacity)}
}

// Append adds a reading, evicting the oldest once the buffer is full.
func (r *ringBuffer) Append(reading sonar.Reading) {
	r.buf[r.next] = reading
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Len reports how many readings the buffer currently holds.
func (r *ringBuffer) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Snapshot returns the buffered readings in arrival order, oldest first.
func (r *ringBuffer) Snapshot() []sonar.Reading {
	if !r.full {
		out := make([]sonar.Reading, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]sonar.Reading, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
