package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func serveLogged(t *testing.T, status int, target string) map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(Logger(zerolog.New(&buf)))
	r.Get("/api/rooms/{roomId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte("{}"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogger_Fields(t *testing.T) {
	entry := serveLogged(t, http.StatusOK, "/api/rooms/r-1")

	if entry["method"] != "GET" {
		t.Errorf("expected method GET, got %v", entry["method"])
	}
	if entry["path"] != "/api/rooms/r-1" {
		t.Errorf("expected path /api/rooms/r-1, got %v", entry["path"])
	}
	if entry["status"] != float64(200) {
		t.Errorf("expected status 200, got %v", entry["status"])
	}
	if entry["bytes"] != float64(2) {
		t.Errorf("expected 2 bytes, got %v", entry["bytes"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("expected request_id from chi RequestID")
	}
	if entry["message"] != "request completed" {
		t.Errorf("unexpected message %v", entry["message"])
	}
}

func TestLogger_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusCreated, "info"},
		{http.StatusNotFound, "warn"},
		{http.StatusConflict, "warn"},
		{http.StatusInternalServerError, "error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			entry := serveLogged(t, tt.status, "/api/rooms/r-2")
			if entry["level"] != tt.level {
				t.Errorf("status %d logged at %v, want %s", tt.status, entry["level"], tt.level)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get("/api/rooms/{roomId}", func(w http.ResponseWriter, req *http.Request) {
		got = endpoint(req)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/rooms/abc", nil))

	if got != "/api/rooms/{roomId}" {
		t.Errorf("expected route pattern, got %q", got)
	}

	if e := endpoint(httptest.NewRequest(http.MethodGet, "/nowhere", nil)); e != "unmatched" {
		t.Errorf("expected unmatched without chi context, got %q", e)
	}
}
