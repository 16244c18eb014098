// Package proto defines the control messages exchanged between the
// tunnelgrid coordinator and its agents.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type discriminators carried in the envelope "type" field.
const (
	TypeClientID      = "client_id"
	TypeAuthRequest   = "auth_request"
	TypeAuthResponse  = "auth_response"
	TypeAuthResult    = "auth_result"
	TypeLoginRequest  = "login_request"
	TypeLoginResponse = "login_response"
)

// Liveness probes are bare text frames, not envelopes.
const (
	Ping = "ping"
	Pong = "pong"
)

// ErrUnknownMessage is returned when the envelope carries an unrecognized type.
var ErrUnknownMessage = errors.New("unknown message type")

// ClientID assigns a connection identifier to a freshly admitted agent.
type ClientID struct {
	ID string `json:"id"`
}

// AuthRequest asks the agent to present its bearer token.
type AuthRequest struct{}

// AuthResponse carries the agent's stored token, or an empty string when the
// agent holds no credentials.
type AuthResponse struct {
	Token string `json:"token,omitempty"`
}

// AuthResult reports the outcome of token validation. Status is 200 on
// success and 401 on failure.
type AuthResult struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// LoginRequest carries interactive credentials for the login fallback.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse reports the login outcome. On success Token holds a freshly
// signed bearer token for the agent to persist.
type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// envelope is the wire form of every control message.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a message in an envelope and marshals it.
func Encode(msg any) ([]byte, error) {
	var typ string
	switch msg.(type) {
	case ClientID, *ClientID:
		typ = TypeClientID
	case AuthRequest, *AuthRequest:
		typ = TypeAuthRequest
	case AuthResponse, *AuthResponse:
		typ = TypeAuthResponse
	case AuthResult, *AuthResult:
		typ = TypeAuthResult
	case LoginRequest, *LoginRequest:
		typ = TypeLoginRequest
	case LoginResponse, *LoginResponse:
		typ = TypeLoginResponse
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return json.Marshal(envelope{Type: typ, Payload: payload})
}

// Decode parses an envelope and returns the typed message it carries.
// Malformed or unrecognized data fails closed: an error is returned and no
// partially decoded message escapes.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeClientID:
		msg = &ClientID{}
	case TypeAuthRequest:
		msg = &AuthRequest{}
	case TypeAuthResponse:
		msg = &AuthResponse{}
	case TypeAuthResult:
		msg = &AuthResult{}
	case TypeLoginRequest:
		msg = &LoginRequest{}
	case TypeLoginResponse:
		msg = &LoginResponse{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
		}
	}

	return msg, nil
}
