package coord

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelgrid/tunnelgrid/internal/config"
	"github.com/tunnelgrid/tunnelgrid/pkg/proto"
)

func newTestServer(t *testing.T, mutate func(*config.CoordinatorConfig)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.CoordinatorConfig{}
	require.NoError(t, cfg.ApplyDefaults())
	if mutate != nil {
		mutate(cfg)
	}

	var verifier CredentialVerifier
	if len(cfg.Auth.Users) > 0 {
		verifier = StaticVerifier(cfg.Auth.Users)
	}
	srv := NewServer(cfg, verifier)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialConnect(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/connect"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readProto reads the next frame and decodes it through the message envelope.
func readProto(t *testing.T, ws *websocket.Conn) any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := proto.Decode(data)
	require.NoError(t, err)
	return msg
}

func sendProto(t *testing.T, ws *websocket.Conn, msg any) {
	t.Helper()
	data, err := proto.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func TestConnectRequiresUpgrade(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/connect")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestConnectRejectedWhileDraining(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	srv.Pool().StartDraining()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/connect"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Nil(t, ws)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	// The rejection happens before the upgrade, as a plain HTTP response
	// with the reason in the body.
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body [64]byte
	n, _ := resp.Body.Read(body[:])
	assert.Contains(t, string(body[:n]), "server is draining")

	assert.Equal(t, int64(1), srv.Pool().Stats().Rejected)
}

func TestConnectRejectedAtCapacity(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.CoordinatorConfig) {
		cfg.MaxConnections = 1
	})

	first := dialConnect(t, ts)
	// Wait for admission before attempting the second connection.
	_, ok := readProto(t, first).(*proto.ClientID)
	require.True(t, ok)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/connect"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int64(1), srv.Pool().Stats().Rejected)
}

func TestConnectRejectedPerIP(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.CoordinatorConfig) {
		cfg.MaxPerIP = 1
	})

	first := dialConnect(t, ts)
	_, ok := readProto(t, first).(*proto.ClientID)
	require.True(t, ok)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/connect"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int64(1), srv.Pool().Stats().RejectedPerIP)
}

func TestConnectAuthDisabled(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	ws := dialConnect(t, ts)

	id, ok := readProto(t, ws).(*proto.ClientID)
	require.True(t, ok)
	assert.NotEmpty(t, id.ID)

	// With auth disabled the coordinator still sends an explicit outcome.
	result, ok := readProto(t, ws).(*proto.AuthResult)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.Equal(t, 200, result.Status)

	require.Eventually(t, func() bool {
		rec := srv.Pool().Get(id.ID)
		return rec != nil && rec.Authenticated
	}, time.Second, 10*time.Millisecond)
}

func TestConnectPingPong(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dialConnect(t, ts)

	readProto(t, ws) // client_id
	readProto(t, ws) // auth_result

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(proto.Ping)))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, proto.Pong, string(data))
}

func TestConnectValidToken(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.CoordinatorConfig) {
		cfg.Auth = config.AuthConfig{Enabled: true, Secret: "test-secret"}
	})
	token, err := srv.GenerateToken("alice")
	require.NoError(t, err)

	ws := dialConnect(t, ts)

	id, ok := readProto(t, ws).(*proto.ClientID)
	require.True(t, ok)
	_, ok = readProto(t, ws).(*proto.AuthRequest)
	require.True(t, ok)

	sendProto(t, ws, proto.AuthResponse{Token: token})

	result, ok := readProto(t, ws).(*proto.AuthResult)
	require.True(t, ok)
	assert.True(t, result.Success)

	rec := srv.Pool().Get(id.ID)
	require.NotNil(t, rec)
	assert.True(t, rec.Authenticated)
	assert.Equal(t, "alice", rec.Metadata["username"])
}

func TestConnectInvalidTokenCloses(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.CoordinatorConfig) {
		cfg.Auth = config.AuthConfig{Enabled: true, Secret: "test-secret"}
	})

	ws := dialConnect(t, ts)
	readProto(t, ws) // client_id
	readProto(t, ws) // auth_request

	sendProto(t, ws, proto.AuthResponse{Token: "bogus"})

	result, ok := readProto(t, ws).(*proto.AuthResult)
	require.True(t, ok)
	assert.False(t, result.Success)
	assert.Equal(t, 401, result.Status)

	// The coordinator then closes with a policy violation.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestConnectLoginFlow(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.CoordinatorConfig) {
		cfg.Auth = config.AuthConfig{
			Enabled: true,
			Secret:  "test-secret",
			Users:   map[string]string{"alice": "hunter2"},
		}
	})

	ws := dialConnect(t, ts)
	readProto(t, ws) // client_id
	readProto(t, ws) // auth_request

	// No stored token: the coordinator answers 401 but keeps the
	// connection open for a login exchange.
	sendProto(t, ws, proto.AuthResponse{})

	result, ok := readProto(t, ws).(*proto.AuthResult)
	require.True(t, ok)
	assert.False(t, result.Success)
	assert.Equal(t, 401, result.Status)

	sendProto(t, ws, proto.LoginRequest{Username: "alice", Password: "hunter2"})

	login, ok := readProto(t, ws).(*proto.LoginResponse)
	require.True(t, ok)
	assert.True(t, login.Success)
	require.NotEmpty(t, login.Token)

	claims, err := srv.ValidateToken(login.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
}

func TestConnectLoginBadCredentials(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.CoordinatorConfig) {
		cfg.Auth = config.AuthConfig{
			Enabled: true,
			Secret:  "test-secret",
			Users:   map[string]string{"alice": "hunter2"},
		}
	})

	ws := dialConnect(t, ts)
	readProto(t, ws) // client_id
	readProto(t, ws) // auth_request

	sendProto(t, ws, proto.LoginRequest{Username: "alice", Password: "wrong"})

	login, ok := readProto(t, ws).(*proto.LoginResponse)
	require.True(t, ok)
	assert.False(t, login.Success)
	assert.Empty(t, login.Token)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestConnectMalformedMessageIgnored(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dialConnect(t, ts)

	readProto(t, ws) // client_id
	readProto(t, ws) // auth_result

	// Garbage and unknown types are discarded without tearing the
	// connection down.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{{not json")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"no_such_type","payload":{}}`)))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(proto.Ping)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, proto.Pong, string(data))
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	ws := dialConnect(t, ts)
	id, ok := readProto(t, ws).(*proto.ClientID)
	require.True(t, ok)
	require.NotEmpty(t, id.ID)

	resp, err := http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, int64(1), stats.Connected)
}

func TestRecordRemovedOnDisconnect(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	ws := dialConnect(t, ts)
	id, ok := readProto(t, ws).(*proto.ClientID)
	require.True(t, ok)

	ws.Close()

	require.Eventually(t, func() bool {
		return srv.Pool().Get(id.ID) == nil
	}, 2*time.Second, 10*time.Millisecond)
}
