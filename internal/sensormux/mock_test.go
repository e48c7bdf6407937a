package sensormux

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/proximity.report/internal/testutil"
)

func TestTestableSensorPort_Read(t *testing.T) {
	port := NewTestableSensorPort()

	// Add data to read buffer
	testData := []byte(testutil.RangeFrames(123))
	port.AddReadData(testData)

	buf := make([]byte, 100)
	n, err := port.Read(buf)
	if err != nil {
		t.Errorf("Read returned error: %v", err)
	}
	if string(buf[:n]) != string(testData) {
		t.Errorf("Read returned %q, expected %q", string(buf[:n]), string(testData))
	}
	if port.ReadCalls != 1 {
		t.Errorf("Expected 1 read call, got %d", port.ReadCalls)
	}
}

func TestTestableSensorPort_Errors(t *testing.T) {
	port := NewTestableSensorPort()

	// Test read error
	port.ReadError = errors.New("read error")
	_, err := port.Read(make([]byte, 10))
	if err == nil || err.Error() != "read error" {
		t.Errorf("Expected 'read error', got: %v", err)
	}
	// Error should be cleared
	port.AddReadData([]byte("x"))
	_, err = port.Read(make([]byte, 10))
	if err != nil {
		t.Errorf("Expected no error after error cleared, got: %v", err)
	}

	// Test close error
	port.CloseError = errors.New("close error")
	err = port.Close()
	if err == nil || err.Error() != "close error" {
		t.Errorf("Expected 'close error', got: %v", err)
	}
}

func TestTestableSensorPort_Closed(t *testing.T) {
	port := NewTestableSensorPort()

	port.Close()

	if !port.Closed {
		t.Error("Expected port to be closed")
	}

	// Read should fail
	_, err := port.Read(make([]byte, 10))
	if err == nil {
		t.Error("Expected error reading from closed port")
	}
}

func TestTestableSensorPort_Latency(t *testing.T) {
	port := NewTestableSensorPort()
	port.ReadLatency = 50 * time.Millisecond

	port.AddReadData([]byte("R1\r"))

	start := time.Now()
	port.Read(make([]byte, 10))
	readDuration := time.Since(start)
	if readDuration < 40*time.Millisecond {
		t.Errorf("Read was too fast: %v", readDuration)
	}
}

func TestTestableSensorPort_SetReadTimeout(t *testing.T) {
	port := NewTestableSensorPort()

	err := port.SetReadTimeout(100 * time.Millisecond)
	if err != nil {
		t.Errorf("SetReadTimeout returned error: %v", err)
	}
	if port.ReadTimeout != 100*time.Millisecond {
		t.Errorf("Expected timeout 100ms, got %v", port.ReadTimeout)
	}
}

func TestTestableSensorPort_Reset(t *testing.T) {
	port := NewTestableSensorPort()

	// Set up state
	port.AddReadData([]byte("R1\r"))
	port.ReadError = errors.New("error")
	port.ReadLatency = time.Second
	port.Close()

	// Reset
	port.Reset()

	// Verify reset state
	if port.ReadCalls != 0 {
		t.Errorf("Expected ReadCalls 0, got %d", port.ReadCalls)
	}
	if port.Closed {
		t.Error("Expected port not closed")
	}
	if port.ReadError != nil {
		t.Error("Expected ReadError to be nil")
	}
	if port.ReadLatency != 0 {
		t.Error("Expected latency to be 0")
	}
	if port.ReadBuffer.Len() != 0 {
		t.Error("Expected ReadBuffer to be empty")
	}
}

func TestTestableSensorPort_BlockReads(t *testing.T) {
	port := NewTestableSensorPort()
	port.BlockReads = true

	result := make(chan int, 1)
	go func() {
		buf := make([]byte, 10)
		n, _ := port.Read(buf)
		result <- n
	}()

	// The read should stay blocked while the buffer is empty
	time.Sleep(20 * time.Millisecond)
	select {
	case <-result:
		t.Fatal("Read returned before data was added")
	default:
	}

	port.AddReadData([]byte("R1\r"))

	select {
	case n := <-result:
		if n != 3 {
			t.Errorf("Read returned %d bytes, expected 3", n)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for blocked read to return")
	}
}

func TestTestableSensorPort_BlockReads_CloseUnblocks(t *testing.T) {
	port := NewTestableSensorPort()
	port.BlockReads = true

	errc := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 10))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	port.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Expected error from read unblocked by Close")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Close did not unblock the read")
	}
}

func TestNewMockSensorMux(t *testing.T) {
	mux := NewMockSensorMux(150)

	if mux == nil {
		t.Fatal("NewMockSensorMux returned nil")
	}

	id, ch := mux.Subscribe()
	if id == "" {
		t.Error("Subscribe returned empty ID")
	}
	if ch == nil {
		t.Error("Subscribe returned nil channel")
	}

	done := make(chan error, 1)
	go func() {
		done <- mux.Monitor(context.Background())
	}()

	// The synthetic sensor reports about ten times a second, so a frame
	// should arrive well within two seconds.
	select {
	case frame := <-ch:
		if !strings.HasPrefix(frame, "R") {
			t.Fatalf("frame %q does not look like a range report", frame)
		}
		cm, err := strconv.Atoi(frame[1:])
		if err != nil {
			t.Fatalf("frame %q has non-numeric range: %v", frame, err)
		}
		if cm < 30 || cm > 765 {
			t.Errorf("frame %q outside the sensor's reporting window", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for synthetic frame")
	}

	mux.Unsubscribe(id)

	if err := mux.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Logf("Monitor returned: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Monitor did not exit after Close")
	}
}
