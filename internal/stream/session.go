package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/ws-audio-ingest/internal/audio"
	"github.com/skypro1111/ws-audio-ingest/internal/metrics"
	"github.com/skypro1111/ws-audio-ingest/internal/pipeline"
	"github.com/skypro1111/ws-audio-ingest/internal/protocol"
)

// State is the lifecycle phase of a session.
type State int

const (
	// StateHandshaking covers the window between connection upgrade and
	// the ready notice being sent.
	StateHandshaking State = iota

	// StateActive accepts audio fragments and delivers results.
	StateActive

	// StateDraining stopped accepting input and is flushing pending work.
	StateDraining

	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonClientClose       CloseReason = "client_close"
	ReasonProtocolViolation CloseReason = "protocol_violation"
	ReasonPipelineFailure   CloseReason = "pipeline_failure"
	ReasonTransportFailure  CloseReason = "transport_failure"
	ReasonDrainTimeout      CloseReason = "drain_timeout"
	ReasonOverload          CloseReason = "overload"
	ReasonShutdown          CloseReason = "shutdown"
)

// ResultWriter delivers result events back to the session's client.
// Implementations must be safe for use from the delivery goroutine.
type ResultWriter interface {
	WriteResult(ev protocol.ResultEvent) error
}

// SessionConfig contains per-session ingestion parameters.
type SessionConfig struct {
	WindowBytes      int
	MaxFragmentBytes int
	QueueCapacity    int
	OverflowPolicy   OverflowPolicy
	BlockTimeout     time.Duration
	DrainTimeout     time.Duration
	SampleRate       int
}

// Session owns one client connection's ingestion state: the frame
// assembler, the bounded window buffer, and the delivery goroutine that
// pushes windows through the pipeline and results back to the client.
type Session struct {
	ID        string
	StartTime time.Time

	cfg       SessionConfig
	assembler *audio.Assembler
	buffer    *SessionBuffer
	pipeline  pipeline.Pipeline
	writer    ResultWriter
	logger    *slog.Logger
	metrics   *metrics.Metrics

	state        State
	closeReason  CloseReason
	lastActivity time.Time
	activated    bool
	droppedSeen  uint64

	ctx    context.Context
	cancel context.CancelFunc

	deliveryDone chan struct{}
	done         chan struct{}
	closeOnce    sync.Once

	// Set by the registry at admission for self-unregistration.
	onClosed func(*Session)

	mu sync.RWMutex
}

// NewSession creates a session in the handshaking state.
func NewSession(id string, cfg SessionConfig, pl pipeline.Pipeline, writer ResultWriter, logger *slog.Logger, m *metrics.Metrics) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	now := time.Now()
	return &Session{
		ID:        id,
		StartTime: now,
		cfg:       cfg,
		assembler: audio.NewAssembler(id, audio.AssemblerConfig{
			WindowBytes:      cfg.WindowBytes,
			MaxFragmentBytes: cfg.MaxFragmentBytes,
			SampleRate:       cfg.SampleRate,
		}),
		buffer:       NewSessionBuffer(cfg.QueueCapacity, cfg.OverflowPolicy, cfg.BlockTimeout),
		pipeline:     pl,
		writer:       writer,
		logger:       logger,
		metrics:      m,
		state:        StateHandshaking,
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
		deliveryDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Activate transitions the session to active and starts the delivery
// goroutine. Calling it twice is a no-op.
func (s *Session) Activate() {
	s.mu.Lock()
	if s.state != StateHandshaking {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	s.activated = true
	s.mu.Unlock()

	go s.deliveryLoop()

	s.logger.Debug("Session activated",
		slog.String("session_id", s.ID),
	)
}

// Ingest accepts one raw binary fragment, stamping the next sequence
// number. The transport delivers messages in order, so this is the
// normal ingest path.
func (s *Session) Ingest(data []byte) error {
	return s.IngestFragment(audio.Fragment{
		Seq:     s.assembler.NextSeq(),
		Data:    data,
		Arrived: time.Now(),
	})
}

// IngestFragment accepts a fragment with a caller-supplied sequence
// number. A sequence break or oversized payload is a protocol violation
// and is returned to the caller unconsumed.
func (s *Session) IngestFragment(frag audio.Fragment) error {
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s is not active (state %s)", s.ID, state)
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.metrics.RecordFragment(len(frag.Data))

	windows, err := s.assembler.Feed(frag)
	if err != nil {
		s.metrics.RecordProtocolViolation()
		return err
	}

	for _, w := range windows {
		if err := s.buffer.Push(s.ctx, w); err != nil {
			return err
		}
		s.metrics.RecordWindowAssembled()
	}

	s.recordDrops()
	return nil
}

// recordDrops publishes buffer evictions that happened since the last
// ingest under the drop-oldest policy.
func (s *Session) recordDrops() {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := s.buffer.Dropped()
	if dropped > s.droppedSeen {
		s.metrics.RecordWindowsDropped(dropped - s.droppedSeen)
		s.droppedSeen = dropped
	}
}

// deliveryLoop pops windows, submits them to the pipeline, and writes
// results back to the client until the buffer drains or the session is
// cancelled.
func (s *Session) deliveryLoop() {
	defer close(s.deliveryDone)

	for {
		w, err := s.buffer.Pop(s.ctx)
		if err != nil {
			return
		}

		start := time.Now()
		s.metrics.RecordPipelineRequest()

		ev, err := s.pipeline.Submit(s.ctx, w)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}

			fatal := pipeline.IsFatal(err)
			s.metrics.RecordPipelineFailure(time.Since(start).Seconds())
			s.logger.Error("Pipeline submission failed",
				slog.String("session_id", s.ID),
				slog.Uint64("start_seq", w.StartSeq),
				slog.Uint64("end_seq", w.EndSeq),
				slog.Bool("fatal", fatal),
				slog.String("error", err.Error()),
			)

			errEv := protocol.ResultEvent{
				SessionID: s.ID,
				Kind:      protocol.KindError,
				StartSeq:  w.StartSeq,
				EndSeq:    w.EndSeq,
				Bytes:     len(w.Data),
				Text:      "processing failed",
			}
			if werr := s.writer.WriteResult(errEv); werr != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Warn("Result delivery failed",
					slog.String("session_id", s.ID),
					slog.String("error", werr.Error()),
				)
				go s.fail(ReasonTransportFailure)
				return
			}

			if fatal {
				go s.fail(ReasonPipelineFailure)
				return
			}

			// Non-fatal failures cost one window, not the session.
			s.metrics.RecordResultDelivered(protocol.KindError)
			continue
		}

		s.metrics.RecordPipelineSuccess(time.Since(start).Seconds())

		if err := s.writer.WriteResult(ev); err != nil {
			if s.ctx.Err() != nil {
				return
			}

			s.logger.Warn("Result delivery failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)

			go s.fail(ReasonTransportFailure)
			return
		}

		s.metrics.RecordResultDelivered(ev.Kind)
	}
}

// Drain performs an orderly close: flush the assembler remainder as a
// final window, let the delivery loop work off the backlog, then close.
// If the backlog does not clear within the drain timeout the session is
// cancelled and closed with ReasonDrainTimeout.
func (s *Session) Drain(reason CloseReason) {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateHandshaking {
		s.mu.Unlock()
		return
	}
	activated := s.activated
	s.state = StateDraining
	s.mu.Unlock()

	finalReason := reason

	if activated {
		if w := s.assembler.Flush(); w != nil {
			pushCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
			if err := s.buffer.Push(pushCtx, w); err != nil {
				s.logger.Warn("Failed to enqueue final window",
					slog.String("session_id", s.ID),
					slog.String("error", err.Error()),
				)
			} else {
				s.metrics.RecordWindowAssembled()
			}
			cancel()
		}

		s.buffer.Close()

		select {
		case <-s.deliveryDone:
		case <-time.After(s.cfg.DrainTimeout):
			s.logger.Warn("Drain timeout expired, cancelling delivery",
				slog.String("session_id", s.ID),
				slog.Int("undelivered", s.buffer.Len()),
			)
			finalReason = ReasonDrainTimeout
			s.cancel()
			<-s.deliveryDone
		}
	} else {
		s.buffer.Close()
	}

	s.finish(finalReason)
}

// Abort tears the session down without waiting for pending work. Used
// for transport failures and forced shutdown.
func (s *Session) Abort(reason CloseReason) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	activated := s.activated
	s.state = StateDraining
	s.mu.Unlock()

	s.cancel()
	s.buffer.Close()
	if activated {
		<-s.deliveryDone
	}

	s.finish(reason)
}

// fail is the delivery loop's teardown path. It must run on a separate
// goroutine because finish is reached while deliveryDone is still open.
func (s *Session) fail(reason CloseReason) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	s.mu.Unlock()

	s.cancel()
	s.buffer.Close()
	<-s.deliveryDone

	s.finish(reason)
}

// finish moves the session to the terminal state exactly once.
func (s *Session) finish(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeReason = reason
		s.mu.Unlock()

		s.cancel()
		s.buffer.Close()
		close(s.done)

		duration := time.Since(s.StartTime)
		s.metrics.RecordSessionClosed(string(reason), duration.Seconds())

		stats := s.assembler.GetStats()
		s.logger.Info("Session closed",
			slog.String("session_id", s.ID),
			slog.String("reason", string(reason)),
			slog.Duration("duration", duration),
			slog.Uint64("fragments", stats.FragmentsReceived),
			slog.Uint64("bytes", stats.BytesReceived),
			slog.Uint64("windows", stats.WindowsAssembled),
			slog.Uint64("dropped", s.buffer.Dropped()),
		)

		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
}

// Done is closed when the session reaches the terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CloseReason returns why the session ended. Empty until closed.
func (s *Session) CloseReason() CloseReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeReason
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SessionID         string        `json:"session_id"`
	State             string        `json:"state"`
	StartTime         time.Time     `json:"start_time"`
	LastActivity      time.Time     `json:"last_activity"`
	Duration          time.Duration `json:"duration"`
	FragmentsReceived uint64        `json:"fragments_received"`
	BytesReceived     uint64        `json:"bytes_received"`
	WindowsAssembled  uint64        `json:"windows_assembled"`
	WindowsDropped    uint64        `json:"windows_dropped"`
	PendingBytes      int           `json:"pending_bytes"`
	QueueDepth        int           `json:"queue_depth"`
	CloseReason       string        `json:"close_reason,omitempty"`
}

// GetSessionInfo returns a monitoring snapshot of the session.
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.assembler.GetStats()
	return SessionInfo{
		SessionID:         s.ID,
		State:             s.state.String(),
		StartTime:         s.StartTime,
		LastActivity:      s.lastActivity,
		Duration:          time.Since(s.StartTime),
		FragmentsReceived: stats.FragmentsReceived,
		BytesReceived:     stats.BytesReceived,
		WindowsAssembled:  stats.WindowsAssembled,
		WindowsDropped:    s.buffer.Dropped(),
		PendingBytes:      stats.PendingBytes,
		QueueDepth:        s.buffer.Len(),
		CloseReason:       string(s.closeReason),
	}
}
