// Package coord implements the tunnelgrid coordinator: the control-plane
// endpoint that admits agent connections, runs the authentication handshake,
// and monitors liveness.
package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tunnelgrid/tunnelgrid/internal/config"
	"github.com/tunnelgrid/tunnelgrid/pkg/proto"
)

// WebSocket close codes used by the coordinator.
const (
	closeCodeNormal          = websocket.CloseNormalClosure
	closeCodeGoingAway       = websocket.CloseGoingAway
	closeCodePolicyViolation = websocket.ClosePolicyViolation
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // agents are not browsers; origin is meaningless here
	},
}

// Server is the coordinator. It owns the admission pool, the passive
// heartbeat monitor, and the per-connection protocol loops.
type Server struct {
	cfg      *config.CoordinatorConfig
	mux      *http.ServeMux
	pool     *Pool
	monitor  *heartbeatMonitor
	metrics  *Metrics
	verifier CredentialVerifier

	httpServer *http.Server
	cancel     context.CancelFunc
	shutdownMu sync.Mutex
	shutdown   bool
}

// NewServer creates a coordinator from the given configuration. verifier may
// be nil, in which case the interactive login exchange is rejected.
func NewServer(cfg *config.CoordinatorConfig, verifier CredentialVerifier) *Server {
	metrics := InitMetrics(nil)
	srv := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		pool:     NewPool(cfg.MaxConnections, cfg.MaxPerIP, metrics),
		monitor:  newHeartbeatMonitor(cfg.HeartbeatCheckInterval(), cfg.HeartbeatStaleAfter()),
		metrics:  metrics,
		verifier: verifier,
	}
	srv.setupRoutes()
	return srv
}

// Pool exposes the admission pool for embedding processes and tests.
func (s *Server) Pool() *Pool { return s.pool }

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/v1/connect", s.handleConnect)
	s.mux.HandleFunc("/api/v1/stats", s.handleStats)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.pool.Stats())
}

// handleConnect is the agent entry point. Admission is decided before the
// transport upgrade so a rejected attempt never creates a connection record,
// heartbeat context, or auth state.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	remoteIP := remoteIPOf(r)
	if verdict := s.pool.CanAccept(remoteIP); verdict != Accept {
		s.pool.RecordRejection(verdict)
		log.Info().
			Str("remote_ip", remoteIP).
			Str("reason", verdict.String()).
			Msg("connection rejected before upgrade")
		http.Error(w, verdict.String(), http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("remote_ip", remoteIP).Msg("websocket upgrade failed")
		return
	}

	conn := newWSConn(ws)
	rec := &Record{
		ID:           uuid.NewString(),
		Conn:         conn,
		RemoteIP:     remoteIP,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		Metadata:     make(map[string]string),
	}

	// Defensive re-check: capacity may have filled between CanAccept and now.
	if verdict := s.pool.Add(rec); verdict != Accept {
		_ = conn.CloseWithCode(closeCodeGoingAway, verdict.String())
		conn.finish()
		return
	}
	s.monitor.Track(rec.ID)

	s.serveConn(rec, conn)
}

// serveConn runs the per-connection protocol loop until the transport closes.
func (s *Server) serveConn(rec *Record, conn *wsConn) {
	defer func() {
		s.monitor.Forget(rec.ID)
		s.pool.Remove(rec.ID)
		conn.finish()
		log.Info().Str("id", rec.ID).Msg("connection closed")
	}()

	if err := conn.sendMessage(proto.ClientID{ID: rec.ID}); err != nil {
		log.Warn().Err(err).Str("id", rec.ID).Msg("failed to send client id")
		return
	}

	if s.cfg.Auth.Enabled {
		if err := conn.sendMessage(proto.AuthRequest{}); err != nil {
			log.Warn().Err(err).Str("id", rec.ID).Msg("failed to send auth request")
			return
		}
	} else {
		// With auth disabled the handshake is trivially satisfied, but the
		// agent still gates readiness on an explicit outcome, not on the
		// socket opening.
		s.pool.MarkAuthenticated(rec.ID)
		if err := conn.sendMessage(proto.AuthResult{Success: true, Status: 200, Message: "authentication not required"}); err != nil {
			log.Warn().Err(err).Str("id", rec.ID).Msg("failed to send auth result")
			return
		}
	}

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, closeCodeNormal, closeCodeGoingAway) {
				log.Debug().Err(err).Str("id", rec.ID).Msg("connection read error")
			}
			return
		}

		s.pool.UpdateActivity(rec.ID)

		if msgType == websocket.TextMessage && string(data) == proto.Ping {
			s.monitor.RecordProbe(rec.ID)
			if s.metrics != nil {
				s.metrics.HeartbeatsTotal.Inc()
			}
			if err := conn.sendText(proto.Pong); err != nil {
				log.Debug().Err(err).Str("id", rec.ID).Msg("failed to send pong")
				return
			}
			continue
		}

		msg, err := proto.Decode(data)
		if err != nil {
			// Fail closed: malformed or unknown payloads are never
			// partially applied.
			log.Debug().Err(err).Str("id", rec.ID).Msg("ignoring unparseable message")
			continue
		}

		switch m := msg.(type) {
		case *proto.AuthResponse:
			if closed := s.handleAuthResponse(rec, conn, m); closed {
				return
			}
		case *proto.LoginRequest:
			if closed := s.handleLoginRequest(rec, conn, m); closed {
				return
			}
		default:
			log.Debug().
				Str("id", rec.ID).
				Str("type", fmt.Sprintf("%T", msg)).
				Msg("unexpected message from agent")
		}
	}
}

// handleAuthResponse validates the agent's bearer token. An invalid or
// expired token closes the transport; an absent token does not, leaving the
// door open for a login exchange. Returns true when the connection was closed.
func (s *Server) handleAuthResponse(rec *Record, conn *wsConn, m *proto.AuthResponse) bool {
	if m.Token == "" {
		log.Info().Str("id", rec.ID).Msg("agent has no token, offering login")
		_ = conn.sendMessage(proto.AuthResult{Success: false, Status: 401, Message: "login required"})
		return false
	}

	claims, err := s.ValidateToken(m.Token)
	if err != nil {
		log.Warn().Err(err).Str("id", rec.ID).Msg("token validation failed")
		_ = conn.sendMessage(proto.AuthResult{Success: false, Status: 401, Message: "invalid or expired token"})
		_ = conn.CloseWithCode(closeCodePolicyViolation, "authentication failed")
		return true
	}

	s.pool.MarkAuthenticated(rec.ID)
	if claims.Username != "" {
		rec.Metadata["username"] = claims.Username
	}
	log.Info().Str("id", rec.ID).Str("username", claims.Username).Msg("agent authenticated")
	_ = conn.sendMessage(proto.AuthResult{Success: true, Status: 200})
	return false
}

// handleLoginRequest verifies interactive credentials and issues a fresh
// token on success. A failed login closes the transport. Returns true when
// the connection was closed.
func (s *Server) handleLoginRequest(rec *Record, conn *wsConn, m *proto.LoginRequest) bool {
	err := ErrLoginDisabled
	if s.verifier != nil {
		err = s.verifier.Verify(m.Username, m.Password)
	}
	if err != nil {
		log.Warn().Err(err).Str("id", rec.ID).Str("username", m.Username).Msg("login failed")
		_ = conn.sendMessage(proto.LoginResponse{Success: false, Message: "invalid credentials"})
		_ = conn.CloseWithCode(closeCodePolicyViolation, "login failed")
		return true
	}

	token, err := s.GenerateToken(m.Username)
	if err != nil {
		log.Error().Err(err).Str("id", rec.ID).Msg("failed to issue token")
		_ = conn.sendMessage(proto.LoginResponse{Success: false, Message: "internal error"})
		_ = conn.CloseWithCode(closeCodePolicyViolation, "login failed")
		return true
	}

	s.pool.MarkAuthenticated(rec.ID)
	rec.Metadata["username"] = m.Username
	log.Info().Str("id", rec.ID).Str("username", m.Username).Msg("login succeeded, token issued")
	_ = conn.sendMessage(proto.LoginResponse{Success: true, Token: token})
	return false
}

// ListenAndServe starts the coordinator, its heartbeat monitor, and the idle
// sweeper, then blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.runHeartbeatMonitor(ctx)
	go s.runIdleSweeper(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("listen", s.cfg.Listen).
		Int("max_connections", s.cfg.MaxConnections).
		Int("max_per_ip", s.cfg.MaxPerIP).
		Bool("auth", s.cfg.Auth.Enabled).
		Msg("starting coordinator")
	return s.httpServer.ListenAndServe()
}

// runIdleSweeper periodically closes connections that have gone idle.
func (s *Server) runIdleSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleTimeoutDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.pool.CloseIdleConnections(s.cfg.IdleTimeoutDuration()); n > 0 {
				log.Info().Int("count", n).Msg("idle sweep complete")
			}
		}
	}
}

// Shutdown drains the pool and closes every connection gracefully: new
// transports are rejected while existing ones are asked to close, bounded by
// the pool's per-connection wait.
func (s *Server) Shutdown() error {
	s.shutdownMu.Lock()
	if s.shutdown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.shutdown = true
	s.shutdownMu.Unlock()

	log.Info().Msg("coordinator shutting down")

	s.pool.StartDraining()
	s.pool.CloseAll(closeCodeGoingAway, "server shutting down")

	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), CloseAllWait)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// remoteIPOf extracts the remote IP from a request, without the port.
func remoteIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsConn wraps a websocket connection with the close bookkeeping the pool
// needs: an idempotent close request and a done channel closed once the
// connection loop has fully exited.
type wsConn struct {
	ws         *websocket.Conn
	writeMu    sync.Mutex
	done       chan struct{}
	finishOnce sync.Once
	closeOnce  sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, done: make(chan struct{})}
}

// CloseWithCode sends a close frame and bounds how long the read loop may
// linger waiting for the acknowledgment.
func (c *wsConn) CloseWithCode(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(CloseAllWait)
		err = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.SetReadDeadline(deadline)
	})
	return err
}

// Done reports transport teardown completion.
func (c *wsConn) Done() <-chan struct{} { return c.done }

// finish tears down the underlying socket and releases Done waiters.
func (c *wsConn) finish() {
	c.finishOnce.Do(func() {
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *wsConn) sendMessage(msg any) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) sendText(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}
