package realtime

import (
	"context"
	"sync"
	"time"
)

// ClientState is the connection lifecycle state. Transitions out of
// unauthorized are monotonic except the terminal disconnected.
type ClientState string

const (
	StateUnauthorized   ClientState = "unauthorized"
	StateAuthenticating ClientState = "authenticating"
	StateAuthenticated  ClientState = "authenticated"
	StateDisconnected   ClientState = "disconnected"
)

// Close codes used by the helper.
const (
	CloseAuthTimeout        = 4001
	CloseHeartbeatTimeout   = 4002
	CloseAuthFailure        = 4003
	CloseEncryptionRequired = 4004
	CloseServerShutdown     = 1001
)

// Envelope is the JSON wire envelope in both directions.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	ID    string      `json:"id,omitempty"`
}

// Client events.
const (
	EventAuthenticate = "authenticate"
	EventHeartbeat    = "heartbeat"
	EventJoin         = "join"
	EventLeave        = "leave"
)

// Server events.
const (
	EventConnected = "connected"
	EventError     = "error"
	EventEncrypted = "encrypted"
)

// Transport is the seam between the helper and the wire protocol. The pure
// WebSocket transport is in transport.go; a Socket.IO framing would
// implement the same interface.
type Transport interface {
	// Write sends one marshaled envelope. Writing on a closed transport
	// returns an error classified transport-closed.
	Write(ctx context.Context, payload []byte) error
	// Close terminates with a close code and reason.
	Close(code int, reason string) error
}

// Client is one connected socket. The helper owns the entry: it is created
// on socket open and destroyed on close. Mutations run under mu.
type Client struct {
	ID string

	mu            sync.Mutex
	UserID        string
	state         ClientState
	rooms         map[string]struct{}
	backpressured bool
	encrypted     bool
	connectedAt   time.Time
	lastActivity  time.Time
	metadata      map[string]interface{}

	serverPublicKey string
	salt            string
	authTimer       *time.Timer
	closeCode       int
	closeReason     string

	transport Transport
	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(id string, transport Transport, sendBuffer int) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		state:        StateUnauthorized,
		rooms:        make(map[string]struct{}),
		connectedAt:  now,
		lastActivity: now,
		transport:    transport,
		send:         make(chan []byte, sendBuffer),
		closed:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Encrypted reports whether the per-client outbound transform carries
// encryption for this client. The flag is monotonic for the connection
// lifetime.
func (c *Client) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypted
}

// Backpressured reports the advisory per-client backpressure bit.
func (c *Client) Backpressured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backpressured
}

// Rooms returns a snapshot of the rooms the client has joined.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// Metadata returns the metadata attached by the authenticator.
func (c *Client) Metadata() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

func (c *Client) idle(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// enqueue hands a payload to the write loop without blocking. A full send
// buffer sets the backpressure bit and drops the payload; the write loop
// clears the bit once it drains.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.mu.Lock()
		c.backpressured = true
		c.mu.Unlock()
		return false
	}
}

// close transitions to disconnected exactly once and records the close
// code. The write loop flushes payloads queued ahead of the close before
// it shuts the transport, so an error envelope enqueued right before a
// disconnect still reaches the wire.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.closeCode = code
		c.closeReason = reason
		if c.authTimer != nil {
			c.authTimer.Stop()
			c.authTimer = nil
		}
		c.mu.Unlock()
		close(c.closed)
	})
}

// drainAndClose flushes what was queued before the close, then closes the
// transport with the recorded code. Runs on the write loop goroutine so
// transport writes stay single-threaded. A write failure cuts the flush
// short.
func (c *Client) drainAndClose(ctx context.Context) {
	for draining := true; draining; {
		select {
		case payload := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.transport.Write(writeCtx, payload)
			cancel()
			if err != nil {
				draining = false
			}
		default:
			draining = false
		}
	}
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	_ = c.transport.Close(code, reason)
}
