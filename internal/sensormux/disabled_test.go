package sensormux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDisabledSensorMux_UnsubscribeClosesChannel(t *testing.T) {
	d := NewDisabledSensorMux()
	id, ch := d.Subscribe()

	done := make(chan struct{})
	go func() {
		_, ok := <-ch
		if ok {
			t.Errorf("expected channel to be closed on unsubscribe")
		}
		close(done)
	}()

	// Give goroutine a moment to start and block on read
	time.Sleep(10 * time.Millisecond)

	d.Unsubscribe(id)

	select {
	case <-done:
		// success
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for subscriber to be unblocked after Unsubscribe")
	}
}

func TestDisabledSensorMux_CloseClosesAllChannels(t *testing.T) {
	d := NewDisabledSensorMux()
	id1, ch1 := d.Subscribe()
	_, ch2 := d.Subscribe()

	done1 := make(chan struct{})
	done2 := make(chan struct{})

	go func() {
		_, ok := <-ch1
		if ok {
			t.Errorf("expected ch1 to be closed on Close")
		}
		close(done1)
	}()

	go func() {
		_, ok := <-ch2
		if ok {
			t.Errorf("expected ch2 to be closed on Close")
		}
		close(done2)
	}()

	// Give goroutines a moment to start and block on read
	time.Sleep(10 * time.Millisecond)

	if err := d.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	select {
	case <-done1:
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for ch1 to be closed after Close")
	}

	select {
	case <-done2:
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for ch2 to be closed after Close")
	}

	// Ensure unsubscribing a non-existent id is a no-op (should not panic)
	d.Unsubscribe(id1)
}

func TestDisabledSensorMux_SubscribeAfterClose(t *testing.T) {
	d := NewDisabledSensorMux()
	if err := d.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	_, ch := d.Subscribe()

	// The channel should already be closed so readers never block.
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected a closed channel after Close")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("subscribe after close returned a blocking channel")
	}

	// A second Close is a no-op.
	if err := d.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestDisabledSensorMux_MonitorWaitsForCancel(t *testing.T) {
	d := NewDisabledSensorMux()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- d.Monitor(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Monitor did not exit after cancellation")
	}
}

func TestDisabledSensorMux_Stats(t *testing.T) {
	d := NewDisabledSensorMux()

	stats := d.Stats()
	if stats.Frames != 0 {
		t.Errorf("Frames = %d, want 0", stats.Frames)
	}
	if !stats.LastFrameAt.IsZero() {
		t.Errorf("LastFrameAt = %v, want zero time", stats.LastFrameAt)
	}
}

func TestDisabledSensorMux_AttachAdminRoutes(t *testing.T) {
	d := NewDisabledSensorMux()

	httpMux := http.NewServeMux()
	d.AttachAdminRoutes(httpMux, "sensor-2")

	req := httptest.NewRequest(http.MethodGet, "/debug/sensor-2/serial-disabled", nil)
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 from disabled route, got %d", w.Code)
	}
}
