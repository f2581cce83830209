package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/ws-audio-ingest/internal/metrics"
)

var (
	// ErrAtCapacity is returned when the session limit is reached.
	ErrAtCapacity = errors.New("session limit reached")

	// ErrShuttingDown is returned once shutdown has begun.
	ErrShuttingDown = errors.New("service is shutting down")
)

// Registry tracks all live sessions and enforces the admission limit.
// Admission and insertion are a single atomic step so the limit holds
// under concurrent connection attempts.
type Registry struct {
	sessions     map[string]*Session
	maxSessions  int
	shuttingDown bool

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.RWMutex
}

// NewRegistry creates a registry with the given session limit.
func NewRegistry(maxSessions int, logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		logger:      logger,
		metrics:     m,
	}
}

// Register admits a session, or rejects it when the service is at
// capacity or shutting down. An admitted session unregisters itself
// when it closes.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shuttingDown {
		r.metrics.RecordSessionRejected()
		return ErrShuttingDown
	}

	if len(r.sessions) >= r.maxSessions {
		r.metrics.RecordSessionRejected()
		r.logger.Warn("Session rejected at capacity",
			slog.String("session_id", s.ID),
			slog.Int("max_sessions", r.maxSessions),
		)
		return ErrAtCapacity
	}

	s.onClosed = r.remove
	r.sessions[s.ID] = s

	r.metrics.RecordSessionCreated()
	r.metrics.SetActiveSessions(len(r.sessions))

	r.logger.Info("Session admitted",
		slog.String("session_id", s.ID),
		slog.Int("active_sessions", len(r.sessions)),
	)

	return nil
}

// remove drops a closed session from the registry.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	active := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(active)
}

// Get retrieves a session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a monitoring snapshot of all live sessions.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.GetSessionInfo())
	}
	return infos
}

// Shutdown stops admission and drains every live session. Sessions
// still open when the grace period expires are aborted.
func (r *Registry) Shutdown(grace time.Duration) {
	r.mu.Lock()
	r.shuttingDown = true
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	r.logger.Info("Draining sessions for shutdown",
		slog.Int("session_count", len(snapshot)),
		slog.Duration("grace", grace),
	)

	var wg sync.WaitGroup
	for _, s := range snapshot {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Drain(ReasonShutdown)
			<-s.Done()
		}(s)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		r.logger.Info("All sessions drained")
	case <-time.After(grace):
		r.logger.Warn("Shutdown grace expired, aborting remaining sessions",
			slog.Int("remaining", r.Count()),
		)
		for _, s := range snapshot {
			s.Abort(ReasonShutdown)
		}
		<-drained
	}
}
