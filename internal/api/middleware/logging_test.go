package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func logRequest(t *testing.T, h http.HandlerFunc, method, path string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	req := httptest.NewRequest(method, path, nil)
	StructuredLogger(logger)(h).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestStructuredLogger(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		method    string
		wantCode  float64
		wantLevel string
	}{
		{"implicit 200", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) }, http.MethodGet, 200, "INFO"},
		{"explicit 404", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }, http.MethodPost, 404, "INFO"},
		{"no write", func(w http.ResponseWriter, r *http.Request) {}, http.MethodGet, 200, "INFO"},
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }, http.MethodPost, 502, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := logRequest(t, tt.handler, tt.method, "/api/v1/state")
			if entry["method"] != tt.method {
				t.Errorf("method = %v", entry["method"])
			}
			if entry["path"] != "/api/v1/state" {
				t.Errorf("path = %v", entry["path"])
			}
			if entry["status"] != tt.wantCode {
				t.Errorf("status = %v, want %v", entry["status"], tt.wantCode)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", entry["level"], tt.wantLevel)
			}
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("missing duration_ms")
			}
		})
	}
}

func TestStructuredLoggerKeepsHijacker(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := StructuredLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Hijacker); !ok {
			t.Error("wrapped writer lost http.Hijacker")
		}
	}))

	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
}
