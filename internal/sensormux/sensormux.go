// Package sensormux provides an abstraction over a rangefinder's serial
// stream with the ability for multiple clients to subscribe to the frames
// arriving from the sensor.
package sensormux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/proximity.report/internal/timeutil"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var tailPageTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/tail.html.tmpl"))

// SensorMux is a generic serial stream multiplexer that allows multiple
// clients to subscribe to frames from a single rangefinder.
type SensorMux[T SensorPorter] struct {
	port         T
	clock        timeutil.Clock
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	statsMu     sync.Mutex
	frames      int64
	lastFrameAt time.Time
}

// Stats reports how many frames the mux has seen and when the last one
// arrived. The capture layer uses LastFrameAt for liveness checks.
type Stats struct {
	Frames      int64     `json:"frames"`
	LastFrameAt time.Time `json:"last_frame_at"`
}

// Muxer defines the interface for the SensorMux type.
type Muxer interface {
	// Subscribe creates a new channel for receiving frames from the
	// sensor. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// Monitor reads frames from the serial stream and sends them to the
	// appropriate channels.
	Monitor(context.Context) error
	// Stats returns frame counters for liveness and status reporting.
	Stats() Stats
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints for this
	// sensor to the given HTTP mux served at /debug/. The slug keeps the
	// two sensors' routes apart.
	AttachAdminRoutes(mux *http.ServeMux, slug string)
}

// NewSensorMux creates a SensorMux instance backed by the given serial port.
func NewSensorMux[T SensorPorter](port T) *SensorMux[T] {
	return &SensorMux[T]{
		port:        port,
		clock:       timeutil.RealClock{},
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SensorMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the sensor mux.
func (s *SensorMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Stats returns the frame counters.
func (s *SensorMux[T]) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{Frames: s.frames, LastFrameAt: s.lastFrameAt}
}

// scanFrames splits the stream on the MB1300's carriage-return terminator.
// A trailing fragment with no terminator is dropped rather than surfaced,
// so a stream that never frames produces nothing.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\r'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// Monitor reads frames from the serial stream and fans them out to
// subscribers. It returns when the context is cancelled, the stream ends or
// the port errors.
func (s *SensorMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Split(scanFrames)

	frameChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// start a goroutine to read from the serial port & send any frames that
	// are scanned to frameChan, and any errors to the scanErrChan
	//
	// the blocking scan.Scan will not interfere with our outer loop awaiting
	// frames & context cancellation.
	go func() {
		defer close(frameChan)
		for scan.Scan() {
			select {
			case frameChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		// check if the context is done
		// and exit the loop if so
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case frame, ok := <-frameChan:
			// if the channel is closed, we're done reading from the serial port
			if !ok {
				if err := scan.Err(); err != nil {
					return err
				}
				return nil
			}
			// Check if we're closing
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.statsMu.Lock()
			s.frames++
			s.lastFrameAt = s.clock.Now()
			s.statsMu.Unlock()

			// take the subscriber lock and fan the frame out
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- frame:
				default:
					// if the channel is full/blocking skip so as not to block the outer loop
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SensorMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SensorMux[T]) AttachAdminRoutes(mux *http.ServeMux, slug string) {
	debug := tsweb.Debugger(mux)

	// Live frame monitor page backed by the SSE endpoint below.
	debug.HandleFunc(slug+"/frames", "live frame tail for "+slug, func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := tailPageTemplate.Execute(buf, struct{ Slug string }{Slug: slug}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to issue Server-Side Events (SSE) in response to frames
	// coming from the sensor.
	debug.HandleSilentFunc(slug+"/tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				_, err := w.Write([]byte(fmt.Sprintf("data: %s\n\n", payload)))
				if err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc(slug+"/tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// serve tail.js from adminTemplateFS
		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
