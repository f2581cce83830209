package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/ws-audio-ingest/internal/audio"
	"github.com/skypro1111/ws-audio-ingest/internal/protocol"
)

func newTestHTTP(t *testing.T, endpoint string) *HTTP {
	t.Helper()

	p, err := NewHTTP(HTTPConfig{
		Endpoint:      endpoint,
		APIKey:        "test-key",
		Timeout:       5 * time.Second,
		MaxRetries:    2,
		MaxConcurrent: 4,
		Format:        "raw",
	})
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	return p
}

func TestHTTPSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}

		if got := r.FormValue("session_id"); got != "sess-1" {
			t.Errorf("Expected session_id sess-1, got %q", got)
		}
		if got := r.FormValue("bytes"); got != "600" {
			t.Errorf("Expected bytes=600, got %q", got)
		}

		file, _, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, "missing audio", http.StatusBadRequest)
			return
		}
		defer file.Close()

		json.NewEncoder(w).Encode(map[string]any{
			"request_id": r.FormValue("request_id"),
			"text":       "ack",
			"confidence": 0.9,
		})
	}))
	defer srv.Close()

	p := newTestHTTP(t, srv.URL)
	defer p.Close()

	ev, err := p.Submit(context.Background(), testWindow(false))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if ev.Kind != protocol.KindPartial || ev.Text != "ack" {
		t.Errorf("Unexpected result event: %+v", ev)
	}

	stats := p.Stats()
	if stats.Succeeded != 1 {
		t.Errorf("Expected 1 success, got %+v", stats)
	}
}

func TestHTTPRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"text": "ok after retry"})
	}))
	defer srv.Close()

	var retryNotices atomic.Int32
	p, err := NewHTTP(HTTPConfig{
		Endpoint:   srv.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		Format:     "raw",
		OnRetry:    func() { retryNotices.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	defer p.Close()

	ev, err := p.Submit(context.Background(), testWindow(false))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if ev.Text != "ok after retry" {
		t.Errorf("Unexpected result text: %q", ev.Text)
	}

	if calls.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls.Load())
	}

	if p.Stats().Retries == 0 {
		t.Error("Expected retry counter to be incremented")
	}

	if retryNotices.Load() == 0 {
		t.Error("Expected the retry callback to fire")
	}
}

func TestHTTPPermanentClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newTestHTTP(t, srv.URL)
	defer p.Close()

	_, err := p.Submit(context.Background(), testWindow(false))
	if err == nil {
		t.Fatal("Expected error for 400 response")
	}

	if IsFatal(err) {
		t.Error("400 should not be a fatal pipeline error")
	}

	if calls.Load() != 1 {
		t.Errorf("Expected no retries for 4xx, got %d attempts", calls.Load())
	}
}

func TestHTTPFatalOnAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := newTestHTTP(t, srv.URL)
	defer p.Close()

	_, err := p.Submit(context.Background(), testWindow(false))
	if !IsFatal(err) {
		t.Fatalf("Expected fatal error for 401 response, got %v", err)
	}
}

func TestHTTPWAVFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, "missing audio", http.StatusBadRequest)
			return
		}
		defer file.Close()

		// 600 bytes of PCM plus the 44-byte WAV header.
		if header.Size != 644 {
			t.Errorf("Expected 644-byte WAV upload, got %d", header.Size)
		}

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "unreadable audio", http.StatusBadRequest)
			return
		}
		if err := audio.ValidateWAV(data); err != nil {
			t.Errorf("Uploaded payload is not a valid WAV: %v", err)
		}
		if d, err := audio.GetWAVDuration(data); err != nil || d < 0.037 || d > 0.038 {
			t.Errorf("Expected ~37.5ms WAV duration, got %f (%v)", d, err)
		}

		json.NewEncoder(w).Encode(map[string]any{"text": "wav ok"})
	}))
	defer srv.Close()

	p, err := NewHTTP(HTTPConfig{Endpoint: srv.URL, Format: "wav"})
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	defer p.Close()

	if _, err := p.Submit(context.Background(), testWindow(false)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
}

func TestNewHTTPValidation(t *testing.T) {
	if _, err := NewHTTP(HTTPConfig{}); err == nil {
		t.Error("Expected error for empty endpoint")
	}

	if _, err := NewHTTP(HTTPConfig{Endpoint: "http://localhost:1", Format: "flac"}); err == nil {
		t.Error("Expected error for unsupported format")
	}
}
