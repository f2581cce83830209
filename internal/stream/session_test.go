package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/ws-audio-ingest/internal/audio"
	"github.com/skypro1111/ws-audio-ingest/internal/metrics"
	"github.com/skypro1111/ws-audio-ingest/internal/pipeline"
	"github.com/skypro1111/ws-audio-ingest/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWith(prometheus.NewRegistry())
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		WindowBytes:      600,
		MaxFragmentBytes: 4096,
		QueueCapacity:    8,
		OverflowPolicy:   PolicyBlock,
		BlockTimeout:     time.Second,
		DrainTimeout:     2 * time.Second,
		SampleRate:       8000,
	}
}

// fakeWriter collects delivered events. It fails every write once
// failWrites is set, simulating a dead client connection.
type fakeWriter struct {
	events     []protocol.ResultEvent
	failWrites bool
	mu         sync.Mutex
}

func (f *fakeWriter) WriteResult(ev protocol.ResultEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWrites {
		return errors.New("connection reset")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeWriter) Events() []protocol.ResultEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]protocol.ResultEvent, len(f.events))
	copy(out, f.events)
	return out
}

// flakyPipeline fails its first submission and succeeds afterwards.
type flakyPipeline struct {
	mu    sync.Mutex
	calls int
}

func (p *flakyPipeline) Submit(ctx context.Context, w *audio.Window) (protocol.ResultEvent, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ResultEvent{}, err
	}

	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()

	if first {
		return protocol.ResultEvent{}, errors.New("backend unavailable")
	}
	return protocol.ResultEvent{
		SessionID: w.SessionID,
		Kind:      pipeline.KindFor(w),
		StartSeq:  w.StartSeq,
		EndSeq:    w.EndSeq,
		Bytes:     len(w.Data),
	}, nil
}

func (p *flakyPipeline) Stats() pipeline.Stats { return pipeline.Stats{} }
func (p *flakyPipeline) Close() error          { return nil }

// fatalPipeline rejects every submission with a session-ending error.
type fatalPipeline struct{}

func (p *fatalPipeline) Submit(ctx context.Context, w *audio.Window) (protocol.ResultEvent, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ResultEvent{}, err
	}
	return protocol.ResultEvent{}, &pipeline.FatalError{Err: errors.New("credentials rejected")}
}

func (p *fatalPipeline) Stats() pipeline.Stats { return pipeline.Stats{} }
func (p *fatalPipeline) Close() error          { return nil }

func waitClosed(t *testing.T, s *Session) {
	t.Helper()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Session %s did not close in time (state %s)", s.ID, s.State())
	}
}

func TestSessionLifecycle(t *testing.T) {
	writer := &fakeWriter{}
	s := NewSession("sess-1", testSessionConfig(), pipeline.NewEcho(), writer, testLogger(), testMetrics())

	if s.State() != StateHandshaking {
		t.Errorf("Expected handshaking state, got %s", s.State())
	}

	s.Activate()
	if s.State() != StateActive {
		t.Errorf("Expected active state, got %s", s.State())
	}

	s.Drain(ReasonClientClose)
	waitClosed(t, s)

	if s.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", s.State())
	}
	if s.CloseReason() != ReasonClientClose {
		t.Errorf("Expected close reason client_close, got %s", s.CloseReason())
	}
}

func TestSessionDeliversWindows(t *testing.T) {
	writer := &fakeWriter{}
	s := NewSession("sess-1", testSessionConfig(), pipeline.NewEcho(), writer, testLogger(), testMetrics())
	s.Activate()

	// 500 + 300 bytes against a 600-byte window: one full window plus
	// a 200-byte remainder flushed at drain.
	if err := s.Ingest(make([]byte, 500)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if err := s.Ingest(make([]byte, 300)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	s.Drain(ReasonClientClose)
	waitClosed(t, s)

	events := writer.Events()
	if len(events) != 2 {
		t.Fatalf("Expected 2 result events, got %d: %+v", len(events), events)
	}

	if events[0].Kind != protocol.KindPartial || events[0].Bytes != 600 {
		t.Errorf("Expected partial event for 600 bytes, got %+v", events[0])
	}
	if events[1].Kind != protocol.KindFinal || events[1].Bytes != 200 {
		t.Errorf("Expected final event for 200-byte remainder, got %+v", events[1])
	}
}

func TestSessionDrainWithoutRemainder(t *testing.T) {
	writer := &fakeWriter{}
	s := NewSession("sess-1", testSessionConfig(), pipeline.NewEcho(), writer, testLogger(), testMetrics())
	s.Activate()

	// Exactly two full windows, nothing left to flush.
	if err := s.Ingest(make([]byte, 1200)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	s.Drain(ReasonClientClose)
	waitClosed(t, s)

	events := writer.Events()
	if len(events) != 2 {
		t.Fatalf("Expected 2 result events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Kind != protocol.KindPartial {
			t.Errorf("Event %d: expected partial kind, got %s", i, ev.Kind)
		}
		if ev.Bytes != 600 {
			t.Errorf("Event %d: expected 600 bytes, got %d", i, ev.Bytes)
		}
	}
}

func TestSessionIngestBeforeActivate(t *testing.T) {
	s := NewSession("sess-1", testSessionConfig(), pipeline.NewEcho(), &fakeWriter{}, testLogger(), testMetrics())

	if err := s.Ingest(make([]byte, 100)); err == nil {
		t.Error("Expected error for ingest before activation")
	}
}

func TestSessionOutOfOrderFragment(t *testing.T) {
	s := NewSession("sess-1", testSessionConfig(), pipeline.NewEcho(), &fakeWriter{}, testLogger(), testMetrics())
	s.Activate()
	defer s.Abort(ReasonProtocolViolation)

	if err := s.IngestFragment(audio.Fragment{Seq: 0, Data: make([]byte, 100), Arrived: time.Now()}); err != nil {
		t.Fatalf("First fragment failed: %v", err)
	}

	err := s.IngestFragment(audio.Fragment{Seq: 5, Data: make([]byte, 100), Arrived: time.Now()})
	if !errors.Is(err, audio.ErrFragmentOutOfOrder) {
		t.Errorf("Expected ErrFragmentOutOfOrder, got %v", err)
	}
}

func TestSessionOversizedFragment(t *testing.T) {
	s := NewSession("sess-1", testSessionConfig(), pipeline.NewEcho(), &fakeWriter{}, testLogger(), testMetrics())
	s.Activate()
	defer s.Abort(ReasonProtocolViolation)

	err := s.Ingest(make([]byte, 5000))
	if !errors.Is(err, audio.ErrOversizedFragment) {
		t.Errorf("Expected ErrOversizedFragment, got %v", err)
	}
}

func TestSessionPipelineFailureContinues(t *testing.T) {
	writer := &fakeWriter{}
	s := NewSession("sess-1", testSessionConfig(), &flakyPipeline{}, writer, testLogger(), testMetrics())
	s.Activate()

	// First window fails in the pipeline, second succeeds. The failure
	// costs one window; later windows must still be delivered.
	if err := s.Ingest(make([]byte, 600)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if err := s.Ingest(make([]byte, 600)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	s.Drain(ReasonClientClose)
	waitClosed(t, s)

	if s.CloseReason() != ReasonClientClose {
		t.Errorf("Expected close reason client_close, got %s", s.CloseReason())
	}

	events := writer.Events()
	if len(events) != 2 {
		t.Fatalf("Expected 2 result events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != protocol.KindError || events[0].Bytes != 600 {
		t.Errorf("Expected error event for the failed window, got %+v", events[0])
	}
	if events[1].Kind != protocol.KindPartial || events[1].Bytes != 600 {
		t.Errorf("Expected partial event for the second window, got %+v", events[1])
	}
}

func TestSessionFatalPipelineFailure(t *testing.T) {
	writer := &fakeWriter{}
	s := NewSession("sess-1", testSessionConfig(), &fatalPipeline{}, writer, testLogger(), testMetrics())
	s.Activate()

	if err := s.Ingest(make([]byte, 600)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	waitClosed(t, s)

	if s.CloseReason() != ReasonPipelineFailure {
		t.Errorf("Expected close reason pipeline_failure, got %s", s.CloseReason())
	}

	events := writer.Events()
	if len(events) != 1 || events[0].Kind != protocol.KindError {
		t.Errorf("Expected one error event before teardown, got %+v", events)
	}
}

func TestSessionTransportFailure(t *testing.T) {
	writer := &fakeWriter{failWrites: true}
	s := NewSession("sess-1", testSessionConfig(), pipeline.NewEcho(), writer, testLogger(), testMetrics())
	s.Activate()

	if err := s.Ingest(make([]byte, 600)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	waitClosed(t, s)

	if s.CloseReason() != ReasonTransportFailure {
		t.Errorf("Expected close reason transport_failure, got %s", s.CloseReason())
	}
}

func TestSessionAbort(t *testing.T) {
	s := NewSession("sess-1", testSessionConfig(), pipeline.NewEcho(), &fakeWriter{}, testLogger(), testMetrics())
	s.Activate()

	if err := s.Ingest(make([]byte, 600)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	s.Abort(ReasonTransportFailure)
	waitClosed(t, s)

	if s.CloseReason() != ReasonTransportFailure {
		t.Errorf("Expected close reason transport_failure, got %s", s.CloseReason())
	}

	// A second abort must be a harmless no-op.
	s.Abort(ReasonShutdown)
	if s.CloseReason() != ReasonTransportFailure {
		t.Errorf("Second abort must not overwrite the close reason")
	}
}

func TestSessionDropOldestPolicy(t *testing.T) {
	cfg := testSessionConfig()
	cfg.QueueCapacity = 1
	cfg.OverflowPolicy = PolicyDropOldest

	// A pipeline that never finishes keeps the delivery loop busy so
	// pushed windows pile up in the buffer.
	blocked := make(chan struct{})
	writer := &fakeWriter{}
	m := testMetrics()
	s := NewSession("sess-1", cfg, &blockingPipeline{release: blocked}, writer, testLogger(), m)
	s.Activate()

	// First window is taken by the delivery loop, the next two contend
	// for the single buffer slot.
	for i := 0; i < 3; i++ {
		if err := s.Ingest(make([]byte, 600)); err != nil {
			t.Fatalf("Ingest %d failed: %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for s.buffer.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("Expected at least one dropped window under drop_oldest")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if got := testutil.ToFloat64(m.WindowsDropped); got < 1 {
		t.Errorf("Expected dropped-window metric of at least 1, got %f", got)
	}

	close(blocked)
	s.Abort(ReasonClientClose)
	waitClosed(t, s)
}

// blockingPipeline parks every submission until release is closed.
type blockingPipeline struct {
	release chan struct{}
}

func (p *blockingPipeline) Submit(ctx context.Context, w *audio.Window) (protocol.ResultEvent, error) {
	select {
	case <-p.release:
	case <-ctx.Done():
		return protocol.ResultEvent{}, ctx.Err()
	}
	return protocol.ResultEvent{
		SessionID: w.SessionID,
		Kind:      pipeline.KindFor(w),
		StartSeq:  w.StartSeq,
		EndSeq:    w.EndSeq,
		Bytes:     len(w.Data),
	}, nil
}

func (p *blockingPipeline) Stats() pipeline.Stats { return pipeline.Stats{} }
func (p *blockingPipeline) Close() error          { return nil }
