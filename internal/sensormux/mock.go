package sensormux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"
)

// MockSensorPort implements SensorPorter for dev mode, backed by a pipe fed
// with synthetic frames.
type MockSensorPort struct {
	io.Reader
	w *io.PipeWriter
}

func (m *MockSensorPort) Close() error {
	return m.w.Close()
}

// NewMockSensorMux creates a SensorMux backed by a synthetic sensor that
// reports roughly ten ranges per second, wandering around baseCM the way a
// real target drifts. Useful for running without hardware (--dev).
func NewMockSensorMux(baseCM int) *SensorMux[*MockSensorPort] {
	r, w := io.Pipe()

	mockPort := &MockSensorPort{
		Reader: r,
		w:      w,
	}

	// generate frames periodically to simulate sensor output
	go func() {
		cm := baseCM
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			cm += rand.Intn(7) - 3
			if cm < 30 {
				cm = 30
			}
			if cm > 765 {
				cm = 765
			}
			if _, err := fmt.Fprintf(w, "R%d\r", cm); err != nil {
				return
			}
		}
	}()

	return NewSensorMux(mockPort)
}

// TestableSensorPort implements SensorPorter with configurable behaviour for
// testing. It provides fine-grained control over reads, errors, and latency.
type TestableSensorPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// ReadLatency adds a delay to each Read call
	ReadLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// readCond is used to signal blocked readers
	readCond *sync.Cond
}

// NewTestableSensorPort creates a new TestableSensorPort for testing.
func NewTestableSensorPort() *TestableSensorPort {
	tsp := &TestableSensorPort{
		ReadBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally simulating latency and errors.
func (t *TestableSensorPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.ReadLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.ReadLatency)
		t.mu.Lock()
	}

	// If blocking reads are enabled and buffer is empty, wait for data
	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("serial port closed")
		}
	}

	return t.ReadBuffer.Read(p)
}

// Close marks the port as closed.
func (t *TestableSensorPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// SetReadTimeout implements TimeoutSensorPorter.
func (t *TestableSensorPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSensorPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal() // Wake up a blocked reader
}

// Reset clears all buffers and resets state.
func (t *TestableSensorPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.ReadCalls = 0
	t.Closed = false
	t.ReadError = nil
	t.CloseError = nil
	t.ReadLatency = 0
}
