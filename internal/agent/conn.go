package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tunnelgrid/tunnelgrid/internal/config"
	"github.com/tunnelgrid/tunnelgrid/pkg/proto"
)

// ErrNotConnected is returned when a send is attempted with no open transport.
var ErrNotConnected = errors.New("not connected to coordinator")

// immediateRejectionWindow classifies a transport failure as an origin-side
// rejection (pool full, per-IP limit, draining) when it arrives this soon
// after a non-first connect attempt.
const immediateRejectionWindow = 100 * time.Millisecond

// httpToWSURL converts an HTTP(S) URL to a WebSocket URL.
func httpToWSURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return u.String(), nil
}

// Conn is the reconnection engine. It owns one logical connection to the
// coordinator across many physical transport attempts: the state machine,
// the heartbeat prober, the handshake, and all retry timing.
type Conn struct {
	cfg    *config.AgentConfig
	sm     *StateMachine
	creds  CredentialStore
	prompt LoginPrompt

	mu          sync.Mutex
	ws          *websocket.Conn
	hb          *heartbeat
	retryTimer  *time.Timer
	dialCancel  context.CancelFunc
	attempts    int
	intentional bool
	dialStart   time.Time
	openedAt    time.Time
	clientID    string

	writeMu sync.Mutex
}

// NewConn creates a reconnection engine. prompt may be nil when interactive
// login is unavailable. Listeners observe every state change.
func NewConn(cfg *config.AgentConfig, creds CredentialStore, prompt LoginPrompt, listeners ...Listener) *Conn {
	return &Conn{
		cfg:    cfg,
		sm:     NewStateMachine(listeners...),
		creds:  creds,
		prompt: prompt,
	}
}

// StateMachine exposes the engine's state machine for observation.
func (c *Conn) StateMachine() *StateMachine { return c.sm }

// State returns the current connection state.
func (c *Conn) State() State { return c.sm.State() }

// ClientID returns the coordinator-assigned identifier for the current
// transport, or empty before readiness.
func (c *Conn) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Connect opens a transport toward the coordinator. A warning no-op when a
// transport is already active. The connect attempt itself is bounded by the
// configured connect timeout; the timeout is released the moment the dial
// resolves either way.
func (c *Conn) Connect() {
	if c.sm.IsActive() {
		log.Warn().Str("state", c.sm.State().String()).Msg("connect requested while already active")
		return
	}

	c.mu.Lock()
	c.intentional = false
	c.clearRetryTimerLocked()
	c.mu.Unlock()

	c.dial()
}

// redial runs when the retry timer fires. Unlike Connect it never clears the
// intentional flag, so a close issued while the timer was armed still wins
// even if the timer managed to fire first.
func (c *Conn) redial() {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.sm.IsActive() {
		return
	}
	c.dial()
}

// dial performs one transport attempt. The in-flight dial can be aborted by
// Close, and the resulting socket is only installed if no close arrived
// while the dial was outstanding.
func (c *Conn) dial() {
	c.mu.Lock()
	c.dialStart = time.Now()
	attempt := c.attempts
	c.mu.Unlock()

	c.sm.Transition(EventConnectRequested)

	wsURL, err := httpToWSURL(c.cfg.Server)
	if err != nil {
		// A URL that does not parse cannot start working on retry.
		log.Error().Err(err).Str("server", c.cfg.Server).Msg("invalid coordinator URL, not retrying")
		c.sm.Transition(EventConnectionError)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeoutDuration())
	c.mu.Lock()
	c.dialCancel = cancel
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeoutDuration()}
	ws, resp, err := dialer.DialContext(ctx, wsURL+"/api/v1/connect", nil)
	cancel()

	c.mu.Lock()
	c.dialCancel = nil
	aborted := c.intentional
	c.mu.Unlock()

	if err != nil {
		if aborted {
			return
		}
		c.classifyDialFailure(err, resp, attempt)
		c.sm.Transition(EventConnectionError)
		c.handleDisconnect(err)
		return
	}

	hs := newHandshake(c.creds, c.prompt, c.sendMessage,
		func() { c.sm.Transition(EventAuthCompleted) },
		func(id string) {
			c.mu.Lock()
			c.clientID = id
			c.mu.Unlock()
			c.sm.Transition(EventClientIDAssigned)
		})

	hb := newHeartbeat(c.cfg.HeartbeatInterval(), c.cfg.HeartbeatReplyTimeout(),
		func() error { return c.sendText(proto.Ping) },
		func(reason string) {
			log.Warn().Str("reason", reason).Msg("heartbeat declared transport dead")
			_ = ws.Close()
		})

	c.mu.Lock()
	if c.intentional {
		// A close arrived after the dial succeeded; the fresh socket must
		// not outlive it.
		c.mu.Unlock()
		_ = ws.Close()
		log.Debug().Msg("discarding transport opened after close request")
		return
	}
	c.ws = ws
	c.hb = hb
	c.attempts = 0
	c.openedAt = time.Now()
	c.clientID = ""
	c.mu.Unlock()

	log.Info().Str("server", c.cfg.Server).Msg("transport opened")
	c.sm.Transition(EventConnectionOpened)

	hb.start()
	go c.readLoop(ws, hb, hs)
}

// classifyDialFailure separates an origin-side admission rejection from a
// generic network failure, so the operator sees an actionable message.
func (c *Conn) classifyDialFailure(err error, resp *http.Response, attempt int) {
	if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
		defer resp.Body.Close()
		body := make([]byte, 256)
		n, _ := resp.Body.Read(body)
		log.Warn().
			Str("reason", string(body[:n])).
			Msg("connection rejected by coordinator")
		return
	}

	c.mu.Lock()
	sinceDial := time.Since(c.dialStart)
	c.mu.Unlock()

	if sinceDial < immediateRejectionWindow && attempt > 0 {
		log.Warn().
			Err(err).
			Dur("elapsed", sinceDial).
			Msg("connection failed immediately, likely rejected by coordinator")
		return
	}

	log.Warn().Err(err).Msg("connection failed")
}

// readLoop consumes frames until the transport dies, then routes the
// failure into disconnect handling.
func (c *Conn) readLoop(ws *websocket.Conn, hb *heartbeat, hs *Handshake) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			c.onTransportClosed(err)
			return
		}

		if msgType == websocket.TextMessage && string(data) == proto.Pong {
			hb.replyReceived()
			continue
		}

		msg, err := proto.Decode(data)
		if err != nil {
			log.Debug().Err(err).Msg("ignoring unparseable message")
			continue
		}
		hs.Handle(msg)
	}
}

// onTransportClosed runs once per transport teardown: it stops the
// heartbeat, fires the terminal state event, and enters disconnect handling.
func (c *Conn) onTransportClosed(err error) {
	c.mu.Lock()
	hb := c.hb
	c.hb = nil
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	intentional := c.intentional
	sinceDial := time.Since(c.dialStart)
	attempts := c.attempts
	c.mu.Unlock()

	if hb != nil {
		hb.stopMonitor()
	}

	if !intentional && sinceDial < immediateRejectionWindow && attempts > 0 {
		log.Warn().
			Dur("elapsed", sinceDial).
			Msg("transport closed immediately after open, likely rejected by coordinator")
	}

	// The error path may already have forced disconnected; don't fire twice.
	if c.sm.State() != StateDisconnected {
		if intentional {
			c.sm.Transition(EventDisconnectRequested)
		} else {
			log.Info().Err(err).Msg("transport closed")
			c.sm.Transition(EventConnectionClosed)
		}
	}

	c.handleDisconnect(err)
}

// handleDisconnect decides whether to retry. Intentional closes and disabled
// reconnection stop here; exhausted retries are terminal and logged, leaving
// the engine idle until the caller issues a new Connect.
func (c *Conn) handleDisconnect(err error) {
	c.mu.Lock()
	c.clearRetryTimerLocked()

	if c.intentional {
		c.mu.Unlock()
		return
	}
	if !c.cfg.Reconnect.Enabled {
		c.mu.Unlock()
		log.Debug().Msg("reconnection disabled, staying disconnected")
		return
	}
	if max := c.cfg.Reconnect.MaxAttempts; max > 0 && c.attempts >= max {
		attempts := c.attempts
		c.mu.Unlock()
		log.Error().
			Int("attempts", attempts).
			Msg("reconnection attempts exhausted, giving up")
		return
	}

	delay := c.backoffDelay(c.attempts)
	c.attempts++
	attempt := c.attempts
	c.retryTimer = time.AfterFunc(delay, c.redial)
	c.mu.Unlock()

	log.Warn().
		Err(err).
		Int("attempt", attempt).
		Dur("retry_in", delay).
		Msg("scheduling reconnection")
}

// backoffDelay computes the retry delay for the given attempt count:
// min(interval * 2^attempts, maxDelay) with backoff enabled, a flat interval
// otherwise.
func (c *Conn) backoffDelay(attempts int) time.Duration {
	base := c.cfg.ReconnectInterval()
	if !c.cfg.Reconnect.Backoff {
		return base
	}

	maxDelay := c.cfg.ReconnectMaxDelay()
	if attempts > 30 {
		return maxDelay
	}
	delay := base << uint(attempts)
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

// Close intentionally shuts the connection down: all timers are cleared, an
// in-flight dial is aborted, the transport is closed, and the state machine
// is forced to disconnected.
// Idempotent, and never triggers a reconnection regardless of the close and
// error events that follow.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.intentional = true
	c.clearRetryTimerLocked()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	hb := c.hb
	c.hb = nil
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if hb != nil {
		hb.stopMonitor()
	}
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
		log.Info().Msg("connection closed by request")
	}

	c.sm.ForceState(StateDisconnected, "close requested")
	return nil
}

// clearRetryTimerLocked cancels a pending reconnect. Caller holds c.mu.
func (c *Conn) clearRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Conn) sendMessage(msg any) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Conn) sendText(text string) error {
	return c.write([]byte(text))
}

func (c *Conn) write(data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}
