package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ignis-framework/ignis/pkg/errors"
	"github.com/ignis-framework/ignis/pkg/observability"
)

// Defaults for the helper options.
const (
	DefaultAuthTimeout         = 5 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultHeartbeatTimeout    = 90 * time.Second
	DefaultEncryptedBatchLimit = 10
	DefaultSendBuffer          = 64

	authTimerExtension = 3 // multiplier applied while authenticating
	writeTimeout       = 10 * time.Second
)

// DefaultRooms are auto-joined on successful authentication, alongside the
// client's own id room.
var DefaultRooms = []string{"ws-default", "ws-notification"}

// AuthResult is what the authenticator returns on success.
type AuthResult struct {
	UserID   string
	Metadata map[string]interface{}
}

// HandshakeResult carries the encryption handshake material returned to
// the client on the connected event.
type HandshakeResult struct {
	ServerPublicKey string
	Salt            string
}

// RoomRequest is handed to the room validator.
type RoomRequest struct {
	ClientID string
	UserID   string
	Rooms    []string
}

// TransformFunc rewrites (event, data) per client immediately before the
// transport write. Returning ok=false sends the original payload.
type TransformFunc func(client *Client, event string, data interface{}) (newEvent string, newData interface{}, ok bool)

// Options configures a Helper. Callback fields are optional except
// AuthenticateFn, without which every connection times out.
type Options struct {
	AuthTimeout         time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	EncryptedBatchLimit int
	RequireEncryption   bool
	DefaultRooms        []string
	MaxMessageSize      int64
	SendBuffer          int

	AuthenticateFn    func(ctx context.Context, data map[string]interface{}) (*AuthResult, error)
	HandshakeFn       func(ctx context.Context, clientID, userID string, data map[string]interface{}) (*HandshakeResult, error)
	ValidateRoomsFn   func(ctx context.Context, req RoomRequest) []string
	ClientConnectedFn func(client *Client)
	MessageHandler    func(ctx context.Context, client *Client, env Envelope)
	Transform         TransformFunc
}

func (o *Options) withDefaults() {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.EncryptedBatchLimit <= 0 {
		o.EncryptedBatchLimit = DefaultEncryptedBatchLimit
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.DefaultRooms == nil {
		o.DefaultRooms = DefaultRooms
	}
}

// Helper is the WebSocket server helper. It owns the client entries and
// the room and user indexes, runs the post-connection authentication state
// machine, sweeps silent clients, and fans messages out locally and across
// instances through the bus.
type Helper struct {
	opts     Options
	serverID string
	bus      Bus
	logger   observability.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	users   map[string]map[string]*Client
	rooms   map[string]map[string]*Client

	sweepStop chan struct{}
	closed    bool
}

// NewHelper creates a helper with a process-unique server id.
func NewHelper(opts Options, bus Bus, logger observability.Logger) *Helper {
	opts.withDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Helper{
		opts:     opts,
		serverID: uuid.NewString(),
		bus:      bus,
		logger:   logger.WithPrefix("realtime"),
		clients:  make(map[string]*Client),
		users:    make(map[string]map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
	}
}

// ServerID returns the instance's unique id used for pub/sub dedup.
func (h *Helper) ServerID() string { return h.serverID }

// Start begins the heartbeat sweep and, when a bus is attached, the
// cross-instance receive loop.
func (h *Helper) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.sweepStop != nil {
		h.mu.Unlock()
		return nil
	}
	h.sweepStop = make(chan struct{})
	stop := h.sweepStop
	h.mu.Unlock()

	go h.sweepLoop(stop)

	if h.bus != nil {
		return h.bus.Start(ctx, h.onBusMessage)
	}
	return nil
}

// Close shuts every client down with the server-shutdown code, stops the
// sweep and closes the bus subscriber.
func (h *Helper) Close() error {
	h.mu.Lock()
	h.closed = true
	if h.sweepStop != nil {
		close(h.sweepStop)
		h.sweepStop = nil
	}
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Disconnect(c, CloseServerShutdown, "server shutdown")
	}
	if h.bus != nil {
		return h.bus.Close()
	}
	return nil
}

// HandleHTTP upgrades the request and runs the connection until the socket
// closes. Mount it on the realtime path.
func (h *Helper) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	transport, conn, err := AcceptWebSocket(w, r, h.opts.MaxMessageSize)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := h.Connect(transport)
	ctx := r.Context()
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				h.logger.Debug("client closed", map[string]interface{}{"client_id": client.ID})
			}
			h.Disconnect(client, int(websocket.StatusNormalClosure), "")
			return
		}
		h.Dispatch(ctx, client, env)
	}
}

// Connect registers a new client entry in unauthorized state, subscribes
// it to its own per-client delivery queue and arms the auth timer.
func (h *Helper) Connect(transport Transport) *Client {
	client := newClient(uuid.NewString(), transport, h.opts.SendBuffer)

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	client.mu.Lock()
	client.authTimer = time.AfterFunc(h.opts.AuthTimeout, func() {
		h.Disconnect(client, CloseAuthTimeout, "authentication timeout")
	})
	client.mu.Unlock()

	go h.writeLoop(client)

	h.logger.Debug("client connected", map[string]interface{}{"client_id": client.ID})
	return client
}

// Disconnect removes the client entry from every index and closes its
// transport with the given code.
func (h *Helper) Disconnect(client *Client, code int, reason string) {
	memberOf := client.Rooms()
	client.mu.Lock()
	userID := client.UserID
	client.mu.Unlock()

	h.mu.Lock()
	delete(h.clients, client.ID)
	if userID != "" {
		if set, ok := h.users[userID]; ok {
			delete(set, client.ID)
			if len(set) == 0 {
				delete(h.users, userID)
			}
		}
	}
	for _, room := range memberOf {
		if set, ok := h.rooms[room]; ok {
			delete(set, client.ID)
			if len(set) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	client.close(code, reason)
}

// ClientCount returns the number of connected clients.
func (h *Helper) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetClient looks a client entry up by id.
func (h *Helper) GetClient(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Dispatch processes one inbound envelope in arrival order. Any event
// refreshes the activity clock.
func (h *Helper) Dispatch(ctx context.Context, client *Client, env Envelope) {
	client.touch()

	switch env.Event {
	case EventAuthenticate:
		h.handleAuthenticate(ctx, client, env)
	case EventHeartbeat:
		// Activity refresh is all a heartbeat does.
	case EventJoin:
		h.handleRooms(ctx, client, env, true)
	case EventLeave:
		h.handleRooms(ctx, client, env, false)
	default:
		if client.State() != StateAuthenticated {
			h.sendError(client, "not authenticated", 0)
			return
		}
		if h.opts.MessageHandler != nil {
			h.opts.MessageHandler(ctx, client, env)
		}
	}
}

func (h *Helper) handleAuthenticate(ctx context.Context, client *Client, env Envelope) {
	if client.State() != StateUnauthorized {
		return
	}
	client.setState(StateAuthenticating)

	// Extend the timer while the authenticator does async verification.
	client.mu.Lock()
	if client.authTimer != nil {
		client.authTimer.Reset(authTimerExtension * h.opts.AuthTimeout)
	}
	client.mu.Unlock()

	data, _ := env.Data.(map[string]interface{})

	var result *AuthResult
	var err error
	if h.opts.AuthenticateFn != nil {
		result, err = h.opts.AuthenticateFn(ctx, data)
	}
	if err != nil || result == nil {
		h.sendError(client, "authentication failed", CloseAuthFailure)
		h.Disconnect(client, CloseAuthFailure, "authentication failed")
		return
	}

	client.mu.Lock()
	if client.authTimer != nil {
		client.authTimer.Stop()
		client.authTimer = nil
	}
	client.state = StateAuthenticated
	client.metadata = result.Metadata
	client.UserID = result.UserID
	client.mu.Unlock()

	if h.opts.RequireEncryption {
		var handshake *HandshakeResult
		if h.opts.HandshakeFn != nil {
			handshake, err = h.opts.HandshakeFn(ctx, client.ID, result.UserID, data)
		}
		if err != nil || handshake == nil {
			h.Disconnect(client, CloseEncryptionRequired, "encryption required")
			return
		}
		client.mu.Lock()
		client.encrypted = true
		client.serverPublicKey = handshake.ServerPublicKey
		client.salt = handshake.Salt
		client.mu.Unlock()
	}

	h.mu.Lock()
	if result.UserID != "" {
		set, ok := h.users[result.UserID]
		if !ok {
			set = make(map[string]*Client)
			h.users[result.UserID] = set
		}
		set[client.ID] = client
	}
	// Auto-join the default rooms plus the client's own id room.
	for _, room := range append(append([]string{}, h.opts.DefaultRooms...), client.ID) {
		h.joinLocked(client, room)
	}
	h.mu.Unlock()

	connected := map[string]interface{}{
		"id":   client.ID,
		"time": time.Now().UnixMilli(),
	}
	client.mu.Lock()
	if client.UserID != "" {
		connected["userId"] = client.UserID
	}
	if client.serverPublicKey != "" {
		connected["serverPublicKey"] = client.serverPublicKey
	}
	if client.salt != "" {
		connected["salt"] = client.salt
	}
	client.mu.Unlock()

	h.deliver(client, EventConnected, connected)

	if h.opts.ClientConnectedFn != nil {
		h.opts.ClientConnectedFn(client)
	}
}

// joinLocked adds a client to a room. Caller holds h.mu.
func (h *Helper) joinLocked(client *Client, room string) {
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[string]*Client)
		h.rooms[room] = set
	}
	set[client.ID] = client
	client.mu.Lock()
	client.rooms[room] = struct{}{}
	client.mu.Unlock()
}

func (h *Helper) handleRooms(ctx context.Context, client *Client, env Envelope, join bool) {
	if client.State() != StateAuthenticated {
		h.sendError(client, "not authenticated", 0)
		return
	}
	rooms := parseRooms(env.Data)
	if len(rooms) == 0 {
		return
	}

	if !join {
		h.mu.Lock()
		for _, room := range rooms {
			if set, ok := h.rooms[room]; ok {
				delete(set, client.ID)
				if len(set) == 0 {
					delete(h.rooms, room)
				}
			}
			client.mu.Lock()
			delete(client.rooms, room)
			client.mu.Unlock()
		}
		h.mu.Unlock()
		return
	}

	// Without a configured validator every custom join is rejected.
	if h.opts.ValidateRoomsFn == nil {
		h.logger.Debug("join rejected, no room validator configured", map[string]interface{}{
			"client_id": client.ID,
			"rooms":     rooms,
		})
		return
	}
	allowed := h.opts.ValidateRoomsFn(ctx, RoomRequest{
		ClientID: client.ID,
		UserID:   client.UserID,
		Rooms:    rooms,
	})
	if len(allowed) == 0 {
		return
	}
	h.mu.Lock()
	for _, room := range allowed {
		h.joinLocked(client, room)
	}
	h.mu.Unlock()
}

func parseRooms(data interface{}) []string {
	obj, ok := data.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := obj["rooms"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// sweepLoop is the application-level heartbeat: clients silent longer than
// the heartbeat timeout are closed. Transport-level pings are delegated to
// the underlying runtime.
func (h *Helper) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			h.mu.RLock()
			var stale []*Client
			for _, c := range h.clients {
				if c.idle(now) > h.opts.HeartbeatTimeout {
					stale = append(stale, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range stale {
				h.logger.Info("heartbeat timeout", map[string]interface{}{"client_id": c.ID})
				h.Disconnect(c, CloseHeartbeatTimeout, "heartbeat timeout")
			}
		}
	}
}

func (h *Helper) writeLoop(client *Client) {
	ctx := context.Background()
	for {
		select {
		case <-client.closed:
			client.drainAndClose(ctx)
			return
		case payload := <-client.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := client.transport.Write(writeCtx, payload)
			cancel()
			if err != nil {
				// transport-closed: cleaning up the entry is the only action.
				h.Disconnect(client, int(websocket.StatusNormalClosure), "")
				client.drainAndClose(ctx)
				return
			}
			if len(client.send) == 0 {
				client.mu.Lock()
				client.backpressured = false
				client.mu.Unlock()
			}
		}
	}
}

func (h *Helper) sendError(client *Client, message string, code int) {
	data := map[string]interface{}{"message": message}
	if code != 0 {
		data["code"] = code
	}
	h.deliver(client, EventError, data)
}

// deliver applies the outbound transform (when configured) and enqueues
// the envelope for the write loop.
func (h *Helper) deliver(client *Client, event string, data interface{}) {
	if h.opts.Transform != nil {
		if newEvent, newData, ok := h.opts.Transform(client, event, data); ok {
			event, data = newEvent, newData
		}
	}
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error("envelope marshal failed", map[string]interface{}{
			"event": event,
			"error": err.Error(),
		})
		return
	}
	client.enqueue(payload)
}

// deliverRaw enqueues pre-marshaled bytes (native fan-out path).
func deliverRaw(client *Client, payload []byte) {
	client.enqueue(payload)
}

// SendToClient delivers to a client on this instance, or publishes on the
// client's channel for the owning instance.
func (h *Helper) SendToClient(ctx context.Context, clientID, event string, data interface{}) error {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if ok {
		h.deliver(client, event, data)
		return nil
	}
	return h.publish(ctx, ChannelClientPrefix+clientID, &Message{
		ServerID: h.serverID,
		Type:     TargetClient,
		Target:   clientID,
		Event:    event,
		Data:     data,
	})
}

// SendToUser delivers to every local client of the user and publishes so
// other instances reach theirs.
func (h *Helper) SendToUser(ctx context.Context, userID, event string, data interface{}) error {
	h.mu.RLock()
	set := h.users[userID]
	targets := make([]*Client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.fanOut(targets, event, data, nil)
	return h.publish(ctx, ChannelUserPrefix+userID, &Message{
		ServerID: h.serverID,
		Type:     TargetUser,
		Target:   userID,
		Event:    event,
		Data:     data,
	})
}

// SendToRoom delivers to the room's local members and publishes on the
// room channel.
func (h *Helper) SendToRoom(ctx context.Context, room, event string, data interface{}, exclude ...string) error {
	h.localRoomSend(room, event, data, exclude)
	return h.publish(ctx, ChannelRoomPrefix+room, &Message{
		ServerID: h.serverID,
		Type:     TargetRoom,
		Target:   room,
		Event:    event,
		Data:     data,
		Exclude:  exclude,
	})
}

// Broadcast delivers to every local client and publishes on the broadcast
// channel.
func (h *Helper) Broadcast(ctx context.Context, event string, data interface{}, exclude ...string) error {
	h.localBroadcast(event, data, exclude)
	return h.publish(ctx, ChannelBroadcast, &Message{
		ServerID: h.serverID,
		Type:     TargetBroadcast,
		Event:    event,
		Data:     data,
		Exclude:  exclude,
	})
}

// Send routes by destination: a known local client id, user id or room
// name goes out directly; anything else is published on the client channel
// for whichever instance owns the destination.
func (h *Helper) Send(ctx context.Context, target, event string, data interface{}) error {
	h.mu.RLock()
	_, isClient := h.clients[target]
	_, isUser := h.users[target]
	_, isRoom := h.rooms[target]
	h.mu.RUnlock()

	switch {
	case isClient:
		return h.SendToClient(ctx, target, event, data)
	case isUser:
		return h.SendToUser(ctx, target, event, data)
	case isRoom:
		return h.SendToRoom(ctx, target, event, data)
	default:
		return h.publish(ctx, ChannelClientPrefix+target, &Message{
			ServerID: h.serverID,
			Type:     TargetClient,
			Target:   target,
			Event:    event,
			Data:     data,
		})
	}
}

func (h *Helper) publish(ctx context.Context, channel string, msg *Message) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Publish(ctx, channel, msg)
}

func (h *Helper) localRoomSend(room, event string, data interface{}, exclude []string) {
	h.mu.RLock()
	set := h.rooms[room]
	targets := make([]*Client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.fanOut(targets, event, data, exclude)
}

func (h *Helper) localBroadcast(event string, data interface{}, exclude []string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.fanOut(targets, event, data, exclude)
}

// fanOut delivers to a set of clients. Without a transformer the envelope
// is marshaled once and written natively to every non-encrypted client.
// With a transformer each client's payload is produced individually under
// a bounded parallelism window so a slow transform cannot explode the task
// count.
func (h *Helper) fanOut(targets []*Client, event string, data interface{}, exclude []string) {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	if h.opts.Transform == nil {
		payload, err := json.Marshal(Envelope{Event: event, Data: data})
		if err != nil {
			h.logger.Error("envelope marshal failed", map[string]interface{}{
				"event": event,
				"error": err.Error(),
			})
			return
		}
		for _, c := range targets {
			if _, skip := excluded[c.ID]; skip {
				continue
			}
			// Encrypted clients only receive per-client transformed
			// payloads, never the shared native one.
			if c.Encrypted() {
				continue
			}
			deliverRaw(c, payload)
		}
		return
	}

	g := &errgroup.Group{}
	g.SetLimit(h.opts.EncryptedBatchLimit)
	for _, c := range targets {
		if _, skip := excluded[c.ID]; skip {
			continue
		}
		client := c
		g.Go(func() error {
			h.deliver(client, event, data)
			return nil
		})
	}
	_ = g.Wait()
}

// onBusMessage handles cross-instance deliveries. Messages from this
// instance's own serverId are dropped to prevent double delivery.
func (h *Helper) onBusMessage(channel string, msg *Message) {
	if msg.ServerID == h.serverID {
		return
	}
	switch msg.Type {
	case TargetClient:
		h.mu.RLock()
		client, ok := h.clients[msg.Target]
		h.mu.RUnlock()
		if ok {
			h.deliver(client, msg.Event, msg.Data)
		}
	case TargetUser:
		h.mu.RLock()
		set := h.users[msg.Target]
		targets := make([]*Client, 0, len(set))
		for _, c := range set {
			targets = append(targets, c)
		}
		h.mu.RUnlock()
		h.fanOut(targets, msg.Event, msg.Data, msg.Exclude)
	case TargetRoom:
		h.localRoomSend(msg.Target, msg.Event, msg.Data, msg.Exclude)
	case TargetBroadcast:
		h.localBroadcast(msg.Event, msg.Data, msg.Exclude)
	default:
		h.logger.Warn("unknown bus message type", map[string]interface{}{
			"type":    msg.Type,
			"channel": channel,
		})
	}
}

// TransportClosedError reports whether err came from a write on a closed
// socket.
func TransportClosedError(err error) bool {
	return errors.IsKind(err, errors.KindTransportClosed)
}
