package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/skypro1111/ws-audio-ingest/internal/audio"
	"github.com/skypro1111/ws-audio-ingest/internal/config"
	"github.com/skypro1111/ws-audio-ingest/internal/metrics"
	"github.com/skypro1111/ws-audio-ingest/internal/pipeline"
	"github.com/skypro1111/ws-audio-ingest/internal/protocol"
	"github.com/skypro1111/ws-audio-ingest/internal/stream"
)

// writeTimeout bounds every outbound WebSocket write.
const writeTimeout = 10 * time.Second

// WSServer accepts WebSocket connections and runs one ingestion
// session per connection.
type WSServer struct {
	server   *http.Server
	upgrader websocket.Upgrader
	config   *config.Config
	logger   *slog.Logger
	registry *stream.Registry
	pipeline pipeline.Pipeline
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Connection counters
	connectionsTotal    uint64
	connectionsRejected uint64
	mu                  sync.RWMutex
}

// NewWSServer creates the WebSocket ingestion server.
func NewWSServer(cfg *config.Config, logger *slog.Logger, registry *stream.Registry,
	pl pipeline.Pipeline, m *metrics.Metrics) *WSServer {

	ctx, cancel := context.WithCancel(context.Background())

	s := &WSServer{
		config:   cfg,
		logger:   logger,
		registry: registry,
		pipeline: pl,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.Server.GetHandshakeTimeout(),
			ReadBufferSize:   cfg.Server.ReadBufferSize,
			WriteBufferSize:  cfg.Server.WriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WSPath, s.handleWS)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		Handler:      cors.AllowAll().Handler(mux),
		ReadTimeout:  0, // WebSocket connections are long-lived
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for connections.
func (s *WSServer) Start() error {
	s.logger.Info("Starting WebSocket server",
		slog.String("address", s.server.Addr),
		slog.String("ws_path", s.config.Server.WSPath),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop closes the listener. Live sessions are drained separately by
// the registry so results in flight still reach their clients.
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	s.cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	s.wg.Wait()

	s.mu.RLock()
	total := s.connectionsTotal
	rejected := s.connectionsRejected
	s.mu.RUnlock()

	s.logger.Info("WebSocket server stopped",
		slog.Uint64("connections_total", total),
		slog.Uint64("connections_rejected", rejected),
	)

	return nil
}

// wsConn serializes writes to one WebSocket connection and implements
// stream.ResultWriter.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// WriteResult sends one result event as a text message.
func (c *wsConn) WriteResult(ev protocol.ResultEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(protocol.EncodeResult(ev)))
}

// writeText sends one raw text message.
func (c *wsConn) writeText(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// writeClose sends a close frame. Best effort.
func (c *wsConn) writeClose(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
}

// handleWS upgrades the connection and runs the session until the
// client closes or an error tears it down.
func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":"WebSocket upgrade required","path":%q}`, s.config.Server.WSPath)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.connectionsTotal++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSession(conn, r.RemoteAddr)
	}()
}

// runSession owns one connection from admission to close frame.
func (s *WSServer) runSession(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()

	wc := &wsConn{conn: conn}
	sessionID := uuid.NewString()

	sess := stream.NewSession(sessionID, s.sessionConfig(), s.pipeline, wc, s.logger, s.metrics)

	if err := s.registry.Register(sess); err != nil {
		s.mu.Lock()
		s.connectionsRejected++
		s.mu.Unlock()

		s.logger.Info("Connection rejected",
			slog.String("session_id", sessionID),
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)

		wc.writeClose(websocket.CloseTryAgainLater, protocol.CloseReasonCapacity)
		return
	}

	s.logger.Info("Connection accepted",
		slog.String("session_id", sessionID),
		slog.String("remote_addr", remoteAddr),
	)

	// The ready notice completes the handshake.
	if err := wc.writeText(protocol.ReadyNotice); err != nil {
		s.logger.Warn("Failed to send ready notice",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		sess.Abort(stream.ReasonTransportFailure)
		return
	}

	sess.Activate()

	// Oversized messages kill the read loop with ErrReadLimit.
	conn.SetReadLimit(int64(s.config.Session.MaxFragmentBytes))

	// Suppress the default close-frame echo: pending results must be
	// delivered before our close frame goes out after the drain.
	conn.SetCloseHandler(func(code int, text string) error { return nil })

	// Close the socket with the right frame when the session ends
	// before the read loop does, e.g. pipeline failure or shutdown.
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		<-sess.Done()
		if code, reason, ok := closeFrameFor(sess.CloseReason()); ok {
			wc.writeClose(code, reason)
		}
		conn.Close()
	}()

	s.readLoop(conn, wc, sess)
	<-watchdogDone
}

// readLoop consumes client messages until the connection ends, then
// maps the terminating condition onto the session lifecycle.
func (s *WSServer) readLoop(conn *websocket.Conn, wc *wsConn, sess *stream.Session) {
	idleTimeout := s.config.Session.GetIdleTimeout()

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case isNormalClose(err):
				sess.Drain(stream.ReasonClientClose)
			case errors.Is(err, websocket.ErrReadLimit):
				s.metrics.RecordProtocolViolation()
				s.logger.Warn("Fragment exceeds read limit",
					slog.String("session_id", sess.ID),
					slog.Int("limit", s.config.Session.MaxFragmentBytes),
				)
				wc.writeClose(websocket.ClosePolicyViolation, protocol.CloseReasonViolation)
				sess.Abort(stream.ReasonProtocolViolation)
			default:
				s.logger.Debug("Connection read failed",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()),
				)
				sess.Abort(stream.ReasonTransportFailure)
			}
			return
		}

		if msgType != websocket.BinaryMessage {
			// Only binary frames carry audio. Anything else is noise.
			s.logger.Debug("Ignoring non-binary message",
				slog.String("session_id", sess.ID),
				slog.Int("message_type", msgType),
			)
			continue
		}

		if err := sess.Ingest(data); err != nil {
			s.handleIngestError(wc, sess, err)
			return
		}
	}
}

// handleIngestError classifies an ingest failure and tears the
// session down with the matching close frame.
func (s *WSServer) handleIngestError(wc *wsConn, sess *stream.Session, err error) {
	switch {
	case errors.Is(err, audio.ErrOversizedFragment), errors.Is(err, audio.ErrFragmentOutOfOrder):
		s.logger.Warn("Protocol violation",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		wc.writeClose(websocket.ClosePolicyViolation, protocol.CloseReasonViolation)
		sess.Abort(stream.ReasonProtocolViolation)

	case errors.Is(err, stream.ErrPushTimeout):
		s.logger.Warn("Session backpressure timeout",
			slog.String("session_id", sess.ID),
		)
		wc.writeClose(websocket.CloseTryAgainLater, protocol.CloseReasonCapacity)
		sess.Abort(stream.ReasonOverload)

	default:
		s.logger.Error("Ingest failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		wc.writeClose(websocket.CloseInternalServerErr, protocol.CloseReasonInternal)
		sess.Abort(stream.ReasonTransportFailure)
	}
}

// closeFrameFor maps a close reason to the close frame sent to the
// client. Transport failures send none, the peer is already gone.
func closeFrameFor(reason stream.CloseReason) (int, string, bool) {
	switch reason {
	case stream.ReasonClientClose:
		return websocket.CloseNormalClosure, "", true
	case stream.ReasonPipelineFailure, stream.ReasonDrainTimeout:
		return websocket.CloseInternalServerErr, protocol.CloseReasonInternal, true
	case stream.ReasonShutdown:
		return websocket.CloseNormalClosure, protocol.CloseReasonShutdown, true
	default:
		return 0, "", false
	}
}

// isNormalClose reports whether the read error represents an orderly
// client close.
func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure ||
			ce.Code == websocket.CloseGoingAway ||
			ce.Code == websocket.CloseNoStatusReceived
	}
	return false
}

// sessionConfig builds the per-session config from service config.
func (s *WSServer) sessionConfig() stream.SessionConfig {
	policy, err := stream.ParseOverflowPolicy(s.config.Session.OverflowPolicy)
	if err != nil {
		// Config validation guarantees a known policy; fall back anyway.
		policy = stream.PolicyBlock
	}

	return stream.SessionConfig{
		WindowBytes:      s.config.Session.WindowBytes,
		MaxFragmentBytes: s.config.Session.MaxFragmentBytes,
		QueueCapacity:    s.config.Session.QueueCapacity,
		OverflowPolicy:   policy,
		BlockTimeout:     s.config.Session.GetBlockTimeout(),
		DrainTimeout:     s.config.Session.GetDrainTimeout(),
		SampleRate:       s.config.Session.SampleRate,
	}
}

// GetStatistics returns current server statistics
func (s *WSServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		ConnectionsTotal:    s.connectionsTotal,
		ConnectionsRejected: s.connectionsRejected,
		ActiveSessions:      uint64(s.registry.Count()),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	ConnectionsTotal    uint64 `json:"connections_total"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	ActiveSessions      uint64 `json:"active_sessions"`
}

// handleRoot serves a minimal browser test page.
func (s *WSServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, landingPage, s.config.Server.WSPath)
}

const landingPage = `<!DOCTYPE html>
<html>
<head><title>Audio Ingest</title></head>
<body>
<h1>WebSocket Audio Ingest</h1>
<p>Connect to <code>%s</code> and send audio as binary messages.</p>
<pre id="log"></pre>
<script>
const log = document.getElementById("log");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "%[1]s");
ws.onmessage = (ev) => { log.textContent += ev.data + "\n"; };
ws.onclose = (ev) => { log.textContent += "closed: " + ev.code + " " + ev.reason + "\n"; };
</script>
</body>
</html>
`
