package sensormux

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// DisabledSensorMux is a no-op Muxer used when a sensor slot has no serial
// stream, either because the slot is unpopulated or because the sensor runs
// in pulse-width mode. It allows the server and admin routes to run without
// a serial device. Subscribers are tracked so their channels can be
// deterministically closed on Unsubscribe() or Close(), allowing readers to
// unblock predictably during shutdown.
type DisabledSensorMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewDisabledSensorMux() *DisabledSensorMux {
	return &DisabledSensorMux{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledSensorMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		d.mu.Unlock()
		return id, ch
	}
	d.subscribers[id] = ch
	d.mu.Unlock()
	return id, ch
}

func (d *DisabledSensorMux) Unsubscribe(id string) {
	d.mu.Lock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
	d.mu.Unlock()
}

func (d *DisabledSensorMux) Stats() Stats { return Stats{LastFrameAt: time.Time{}} }

func (d *DisabledSensorMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledSensorMux) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	// Close all subscriber channels
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	d.mu.Unlock()
	return nil
}

func (d *DisabledSensorMux) AttachAdminRoutes(mux *http.ServeMux, slug string) {
	mux.HandleFunc("/debug/"+slug+"/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled for " + slug))
	})
}
