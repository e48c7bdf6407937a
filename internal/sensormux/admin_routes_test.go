package sensormux

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// Debug routes are gated by tsweb's access checks, so unauthenticated test
// requests may come back 403. Registration is what these tests verify: a 404
// means the route was never attached.

func TestSensorMux_AttachAdminRoutes(t *testing.T) {
	port := NewTestableSensorPort()
	mux := NewSensorMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux, "sensor-1")

	t.Run("frames_registered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/sensor-1/frames", nil)
		w := httptest.NewRecorder()
		httpMux.ServeHTTP(w, req)

		if w.Code == http.StatusNotFound {
			t.Errorf("Route /debug/sensor-1/frames should be registered, got 404")
		}
	})

	t.Run("tail_registered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/sensor-1/tail", nil)
		w := httptest.NewRecorder()
		httpMux.ServeHTTP(w, req)

		if w.Code == http.StatusNotFound {
			t.Errorf("Route /debug/sensor-1/tail should be registered, got 404")
		}
	})

	t.Run("tail.js_registered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/sensor-1/tail.js", nil)
		w := httptest.NewRecorder()
		httpMux.ServeHTTP(w, req)

		if w.Code == http.StatusNotFound {
			t.Errorf("Route /debug/sensor-1/tail.js should be registered, got 404")
		}
	})
}

// TestSensorMux_AttachAdminRoutes_TwoSensors checks that both sensors can
// attach their routes to the same mux under different slugs.
func TestSensorMux_AttachAdminRoutes_TwoSensors(t *testing.T) {
	muxA := NewSensorMux(NewTestableSensorPort())
	muxB := NewSensorMux(NewTestableSensorPort())

	httpMux := http.NewServeMux()
	muxA.AttachAdminRoutes(httpMux, "sensor-1")
	muxB.AttachAdminRoutes(httpMux, "sensor-2")

	for _, path := range []string{
		"/debug/sensor-1/frames",
		"/debug/sensor-2/frames",
		"/debug/sensor-1/tail",
		"/debug/sensor-2/tail",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		httpMux.ServeHTTP(w, req)

		if w.Code == http.StatusNotFound {
			t.Errorf("Route %s should be registered, got 404", path)
		}
	}
}

// TestTailPageTemplate renders the embedded tail page directly and checks
// the slug is threaded through to the SSE endpoint and script tag.
func TestTailPageTemplate(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	err := tailPageTemplate.Execute(buf, struct{ Slug string }{Slug: "sensor-1"})
	if err != nil {
		t.Fatalf("template render failed: %v", err)
	}

	html := buf.String()
	if !strings.Contains(html, "/debug/sensor-1/tail") {
		t.Error("rendered page does not reference the SSE endpoint")
	}
	if !strings.Contains(html, "/debug/sensor-1/tail.js") {
		t.Error("rendered page does not reference tail.js")
	}
}

// TestEmbeddedTailScript checks tail.js is present in the embedded FS.
func TestEmbeddedTailScript(t *testing.T) {
	f, err := adminTemplateFS.Open("templates/tail.js")
	if err != nil {
		t.Fatalf("tail.js missing from embedded FS: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading tail.js: %v", err)
	}
	if !strings.Contains(string(data), "EventSource") {
		t.Error("tail.js does not open an EventSource")
	}
}
