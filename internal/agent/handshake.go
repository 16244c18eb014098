package agent

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tunnelgrid/tunnelgrid/pkg/proto"
)

// LoginPrompt supplies interactive credentials for the login fallback.
// Typically backed by a terminal prompt; in tests, a stub.
type LoginPrompt func() (username, password string, err error)

// Handshake drives the agent side of the token-challenge protocol over an
// already-open transport. It owns the ordering guarantee that readiness is
// only reached after authentication is satisfied: the client id is held back
// until the coordinator reports a successful auth outcome.
type Handshake struct {
	creds  CredentialStore
	prompt LoginPrompt
	send   func(msg any) error

	// onAuthCompleted fires once per transport when authentication is
	// satisfied. onClientID fires after it, with the assigned id.
	onAuthCompleted func()
	onClientID      func(id string)

	mu           sync.Mutex
	clientID     string
	satisfied    bool
	loginPending bool // re-entrancy guard for the login exchange
}

// newHandshake wires a handshake to a transport's send function.
func newHandshake(creds CredentialStore, prompt LoginPrompt, send func(msg any) error,
	onAuthCompleted func(), onClientID func(id string)) *Handshake {
	return &Handshake{
		creds:           creds,
		prompt:          prompt,
		send:            send,
		onAuthCompleted: onAuthCompleted,
		onClientID:      onClientID,
	}
}

// Handle processes one decoded control message from the coordinator.
func (h *Handshake) Handle(msg any) {
	switch m := msg.(type) {
	case *proto.ClientID:
		h.handleClientID(m)
	case *proto.AuthRequest:
		h.handleAuthRequest()
	case *proto.AuthResult:
		h.handleAuthResult(m)
	case *proto.LoginResponse:
		h.handleLoginResponse(m)
	default:
		log.Debug().Msgf("handshake: ignoring unexpected message %T", msg)
	}
}

func (h *Handshake) handleClientID(m *proto.ClientID) {
	h.mu.Lock()
	h.clientID = m.ID
	emit := h.satisfied
	h.mu.Unlock()

	log.Debug().Str("client_id", m.ID).Msg("client id assigned")
	if emit {
		h.onClientID(m.ID)
	}
}

func (h *Handshake) handleAuthRequest() {
	token := ""
	if creds, err := h.creds.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load credentials, sending empty token")
	} else {
		token = creds.Token
	}

	if token == "" {
		log.Info().Msg("no stored token, signalling coordinator")
	}
	if err := h.send(proto.AuthResponse{Token: token}); err != nil {
		log.Warn().Err(err).Msg("failed to send auth response")
	}
}

func (h *Handshake) handleAuthResult(m *proto.AuthResult) {
	if m.Success {
		h.markSatisfied()
		return
	}

	creds, err := h.creds.Load()
	if err == nil && creds.Token != "" {
		// Invalid or expired token: the coordinator closes the transport.
		log.Warn().
			Int("status", m.Status).
			Str("message", m.Message).
			Msg("stored token rejected")
		return
	}

	// No token: the transport stays open and we fall back to login.
	h.beginLogin()
}

// beginLogin starts the interactive login exchange. While one exchange is
// outstanding, spurious auth-failure notifications do not trigger a second
// overlapping prompt.
func (h *Handshake) beginLogin() {
	h.mu.Lock()
	if h.loginPending {
		h.mu.Unlock()
		log.Debug().Msg("login already in progress, ignoring auth failure")
		return
	}
	if h.prompt == nil {
		h.mu.Unlock()
		log.Warn().Msg("no login prompt configured, cannot authenticate")
		return
	}
	h.loginPending = true
	h.mu.Unlock()

	// The prompt may block on user input; keep it off the read loop.
	go func() {
		username, password, err := h.prompt()
		if err != nil {
			log.Warn().Err(err).Msg("login prompt failed")
			h.mu.Lock()
			h.loginPending = false
			h.mu.Unlock()
			return
		}

		log.Info().Str("username", username).Msg("attempting login")
		if err := h.send(proto.LoginRequest{Username: username, Password: password}); err != nil {
			log.Warn().Err(err).Msg("failed to send login request")
			h.mu.Lock()
			h.loginPending = false
			h.mu.Unlock()
		}
	}()
}

func (h *Handshake) handleLoginResponse(m *proto.LoginResponse) {
	h.mu.Lock()
	h.loginPending = false
	h.mu.Unlock()

	if !m.Success {
		// Failed login: the coordinator closes the transport.
		log.Warn().Str("message", m.Message).Msg("login rejected")
		return
	}

	if m.Token != "" {
		if err := h.creds.Save(&Credentials{Token: m.Token}); err != nil {
			log.Error().Err(err).Msg("failed to persist token")
		} else {
			log.Info().Msg("login succeeded, token persisted")
		}
	}
	h.markSatisfied()
}

// markSatisfied records the auth outcome and releases readiness: auth
// completion first, then the held client id if one has arrived.
func (h *Handshake) markSatisfied() {
	h.mu.Lock()
	if h.satisfied {
		h.mu.Unlock()
		return
	}
	h.satisfied = true
	id := h.clientID
	h.mu.Unlock()

	h.onAuthCompleted()
	if id != "" {
		h.onClientID(id)
	}
}
