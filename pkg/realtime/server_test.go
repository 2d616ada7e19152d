package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	writes chan []byte

	mu        sync.Mutex
	closeCode int
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Write(_ context.Context, payload []byte) error {
	f.writes <- append([]byte(nil), payload...)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("transport not closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTransport) nextEnvelope(t *testing.T) Envelope {
	t.Helper()
	select {
	case payload := <-f.writes:
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope written")
		return Envelope{}
	}
}

func authOpts() Options {
	return Options{
		AuthenticateFn: func(_ context.Context, data map[string]interface{}) (*AuthResult, error) {
			if token, _ := data["token"].(string); token != "" {
				return &AuthResult{UserID: "u1"}, nil
			}
			return nil, nil
		},
	}
}

func authenticate(t *testing.T, h *Helper, client *Client) Envelope {
	t.Helper()
	h.Dispatch(context.Background(), client, Envelope{
		Event: EventAuthenticate,
		Data:  map[string]interface{}{"token": "valid"},
	})
	return client.transport.(*fakeTransport).nextEnvelope(t)
}

func TestConnectAuthenticateFlow(t *testing.T) {
	h := NewHelper(authOpts(), nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)

	assert.Equal(t, StateUnauthorized, client.State())

	env := authenticate(t, h, client)
	assert.Equal(t, EventConnected, env.Event)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, client.ID, data["id"])
	assert.Equal(t, "u1", data["userId"])
	assert.NotNil(t, data["time"])

	assert.Equal(t, StateAuthenticated, client.State())
	assert.ElementsMatch(t, []string{"ws-default", "ws-notification", client.ID}, client.Rooms())

	got, ok := h.GetClient(client.ID)
	assert.True(t, ok)
	assert.Same(t, client, got)
	assert.Equal(t, "u1", client.UserID)
}

func TestAuthFailureCloses4003(t *testing.T) {
	h := NewHelper(authOpts(), nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)

	h.Dispatch(context.Background(), client, Envelope{
		Event: EventAuthenticate,
		Data:  map[string]interface{}{},
	})

	assert.Equal(t, CloseAuthFailure, transport.waitClosed(t))
	assert.Equal(t, StateDisconnected, client.State())
	assert.Equal(t, 0, h.ClientCount())
}

func TestAuthTimeoutCloses4001(t *testing.T) {
	opts := authOpts()
	opts.AuthTimeout = 20 * time.Millisecond
	h := NewHelper(opts, nil, nil)
	transport := newFakeTransport()
	h.Connect(transport)

	assert.Equal(t, CloseAuthTimeout, transport.waitClosed(t))
	assert.Equal(t, 0, h.ClientCount())
}

func TestJoinRejectedWithoutValidator(t *testing.T) {
	h := NewHelper(authOpts(), nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)
	authenticate(t, h, client)

	h.Dispatch(context.Background(), client, Envelope{
		Event: EventJoin,
		Data:  map[string]interface{}{"rooms": []interface{}{"game-1"}},
	})

	assert.NotContains(t, client.Rooms(), "game-1")
}

func TestJoinFilteredByValidator(t *testing.T) {
	opts := authOpts()
	opts.ValidateRoomsFn = func(_ context.Context, req RoomRequest) []string {
		var allowed []string
		for _, room := range req.Rooms {
			if room == "game-1" {
				allowed = append(allowed, room)
			}
		}
		return allowed
	}
	h := NewHelper(opts, nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)
	authenticate(t, h, client)

	h.Dispatch(context.Background(), client, Envelope{
		Event: EventJoin,
		Data:  map[string]interface{}{"rooms": []interface{}{"game-1", "admin"}},
	})

	assert.Contains(t, client.Rooms(), "game-1")
	assert.NotContains(t, client.Rooms(), "admin")
}

func TestLeaveRoom(t *testing.T) {
	h := NewHelper(authOpts(), nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)
	authenticate(t, h, client)

	h.Dispatch(context.Background(), client, Envelope{
		Event: EventLeave,
		Data:  map[string]interface{}{"rooms": []interface{}{"ws-default"}},
	})

	assert.NotContains(t, client.Rooms(), "ws-default")
	assert.Contains(t, client.Rooms(), "ws-notification")
}

func TestUnauthenticatedMessagesRejected(t *testing.T) {
	h := NewHelper(authOpts(), nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)

	h.Dispatch(context.Background(), client, Envelope{Event: "chat"})

	env := transport.nextEnvelope(t)
	assert.Equal(t, EventError, env.Event)
}

func TestSendToUserReachesAllClients(t *testing.T) {
	h := NewHelper(authOpts(), nil, nil)
	t1 := newFakeTransport()
	t2 := newFakeTransport()
	c1 := h.Connect(t1)
	c2 := h.Connect(t2)
	authenticate(t, h, c1)
	authenticate(t, h, c2)

	require.NoError(t, h.SendToUser(context.Background(), "u1", "ping", map[string]interface{}{"n": 1}))

	assert.Equal(t, "ping", t1.nextEnvelope(t).Event)
	assert.Equal(t, "ping", t2.nextEnvelope(t).Event)
}

func TestSendToRoomHonorsExclude(t *testing.T) {
	h := NewHelper(authOpts(), nil, nil)
	t1 := newFakeTransport()
	t2 := newFakeTransport()
	c1 := h.Connect(t1)
	c2 := h.Connect(t2)
	authenticate(t, h, c1)
	authenticate(t, h, c2)

	require.NoError(t, h.SendToRoom(context.Background(), "ws-default", "update", nil, c1.ID))

	assert.Equal(t, "update", t2.nextEnvelope(t).Event)
	select {
	case payload := <-t1.writes:
		t.Fatalf("excluded client received %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusMessageFromOwnServerDropped(t *testing.T) {
	h := NewHelper(authOpts(), nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)
	authenticate(t, h, client)

	h.onBusMessage(ChannelBroadcast, &Message{
		ServerID: h.ServerID(),
		Type:     TargetBroadcast,
		Event:    "dup",
	})
	select {
	case payload := <-transport.writes:
		t.Fatalf("own-server message delivered: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}

	h.onBusMessage(ChannelBroadcast, &Message{
		ServerID: "other-instance",
		Type:     TargetBroadcast,
		Event:    "fresh",
	})
	assert.Equal(t, "fresh", transport.nextEnvelope(t).Event)
}

func TestOutboundTransform(t *testing.T) {
	opts := authOpts()
	opts.Transform = func(_ *Client, event string, data interface{}) (string, interface{}, bool) {
		if event == "plain" {
			return "wrapped", map[string]interface{}{"inner": data}, true
		}
		return "", nil, false
	}
	h := NewHelper(opts, nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)
	authenticate(t, h, client)

	require.NoError(t, h.SendToClient(context.Background(), client.ID, "plain", "x"))
	env := transport.nextEnvelope(t)
	assert.Equal(t, "wrapped", env.Event)

	// A declined transform sends the original payload.
	require.NoError(t, h.SendToClient(context.Background(), client.ID, "other", "y"))
	env = transport.nextEnvelope(t)
	assert.Equal(t, "other", env.Event)
	assert.Equal(t, "y", env.Data)
}

func TestHeartbeatSweepCloses4002(t *testing.T) {
	opts := authOpts()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 30 * time.Millisecond
	h := NewHelper(opts, nil, nil)
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	transport := newFakeTransport()
	client := h.Connect(transport)
	authenticate(t, h, client)

	assert.Equal(t, CloseHeartbeatTimeout, transport.waitClosed(t))
	assert.Equal(t, 0, h.ClientCount())
}

func TestHeartbeatRefreshesActivity(t *testing.T) {
	opts := authOpts()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 60 * time.Millisecond
	h := NewHelper(opts, nil, nil)
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	transport := newFakeTransport()
	client := h.Connect(transport)
	authenticate(t, h, client)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		h.Dispatch(context.Background(), client, Envelope{Event: EventHeartbeat})
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, h.ClientCount())
}

func TestCloseShutsDownClients(t *testing.T) {
	h := NewHelper(authOpts(), nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)
	authenticate(t, h, client)

	require.NoError(t, h.Close())
	assert.Equal(t, CloseServerShutdown, transport.waitClosed(t))
	assert.Equal(t, StateDisconnected, client.State())
}

func TestRequireEncryptionWithoutHandshakeCloses4004(t *testing.T) {
	opts := authOpts()
	opts.RequireEncryption = true
	h := NewHelper(opts, nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)

	h.Dispatch(context.Background(), client, Envelope{
		Event: EventAuthenticate,
		Data:  map[string]interface{}{"token": "valid"},
	})

	assert.Equal(t, CloseEncryptionRequired, transport.waitClosed(t))
}

func TestHandshakeMaterialOnConnected(t *testing.T) {
	opts := authOpts()
	opts.RequireEncryption = true
	opts.HandshakeFn = func(_ context.Context, _, _ string, _ map[string]interface{}) (*HandshakeResult, error) {
		return &HandshakeResult{ServerPublicKey: "pub", Salt: "salt"}, nil
	}
	h := NewHelper(opts, nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)

	env := authenticate(t, h, client)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, "pub", data["serverPublicKey"])
	assert.Equal(t, "salt", data["salt"])
	assert.True(t, client.Encrypted())
}

func TestAuthFailureErrorEnvelopeBeforeClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := NewHelper(authOpts(), nil, nil)
		transport := newFakeTransport()
		client := h.Connect(transport)

		h.Dispatch(context.Background(), client, Envelope{
			Event: EventAuthenticate,
			Data:  map[string]interface{}{},
		})

		env := transport.nextEnvelope(t)
		require.Equal(t, EventError, env.Event)
		data := env.Data.(map[string]interface{})
		assert.Equal(t, "authentication failed", data["message"])
		assert.EqualValues(t, CloseAuthFailure, data["code"])
		assert.Equal(t, CloseAuthFailure, transport.waitClosed(t))
	}
}

func TestEncryptedClientSkipsNativeFanOut(t *testing.T) {
	opts := authOpts()
	opts.RequireEncryption = true
	opts.HandshakeFn = func(_ context.Context, _, _ string, _ map[string]interface{}) (*HandshakeResult, error) {
		return &HandshakeResult{ServerPublicKey: "pub", Salt: "salt"}, nil
	}
	h := NewHelper(opts, nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)
	authenticate(t, h, client)
	require.True(t, client.Encrypted())

	require.NoError(t, h.Broadcast(context.Background(), "news", "x"))

	select {
	case payload := <-transport.writes:
		t.Fatalf("native payload reached encrypted client: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEncryptedClientReceivesTransformedFanOut(t *testing.T) {
	opts := authOpts()
	opts.RequireEncryption = true
	opts.HandshakeFn = func(_ context.Context, _, _ string, _ map[string]interface{}) (*HandshakeResult, error) {
		return &HandshakeResult{ServerPublicKey: "pub", Salt: "salt"}, nil
	}
	opts.Transform = func(_ *Client, event string, data interface{}) (string, interface{}, bool) {
		return event, map[string]interface{}{"sealed": data}, true
	}
	h := NewHelper(opts, nil, nil)
	transport := newFakeTransport()
	client := h.Connect(transport)
	authenticate(t, h, client)

	require.NoError(t, h.Broadcast(context.Background(), "news", "x"))
	env := transport.nextEnvelope(t)
	assert.Equal(t, "news", env.Event)
	assert.Equal(t, map[string]interface{}{"sealed": "x"}, env.Data)
}
