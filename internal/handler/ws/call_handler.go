package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/service/signaling"
	"callbridge-backend/pkg/constants"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
)

// CallManager is the call service surface the hub needs
type CallManager interface {
	AuthorizeAccess(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error)
	ToggleMicrophone(ctx context.Context, callID, userID uuid.UUID) (bool, error)
	ToggleCamera(ctx context.Context, callID, userID uuid.UUID) (bool, error)
	ToggleScreenShare(ctx context.Context, callID, userID uuid.UUID) (bool, error)
}

// SignalRelay forwards validated envelopes to their recipients
type SignalRelay interface {
	RelaySignal(ctx context.Context, session *domain.CallSession, envelope *signaling.Envelope) error
}

// PresenceTracker records that the user has a live connection
type PresenceTracker interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// SignalingHub manages WebRTC signaling connections. Each client subscribes
// to its call's room topic plus the user's private channel, so envelopes
// published by any node reach every device.
type SignalingHub struct {
	// Registered clients per call room
	rooms map[string]map[*SignalingClient]bool

	// Cancel functions for room subscriptions
	subscriptionCancels map[string]context.CancelFunc

	redisClient *redis.Client
	calls       CallManager
	relay       SignalRelay
	presence    PresenceTracker

	mu sync.RWMutex

	register   chan *SignalingClient
	unregister chan *SignalingClient
	broadcast  chan *roomDelivery

	// maxConnections caps concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// roomDelivery is an envelope bound for the clients of one room
type roomDelivery struct {
	roomID   string
	envelope *signaling.Envelope
	payload  []byte
}

// SignalingClient represents one WebSocket connection in a call
type SignalingClient struct {
	hub     *SignalingHub
	conn    *websocket.Conn
	send    chan []byte
	userID  uuid.UUID
	session *domain.CallSession
	ctx     context.Context
	cancel  context.CancelFunc
}

var signalingUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}

		allowedOrigins := GetAllowedOrigins()
		for allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// NewSignalingHub creates a new signaling hub
func NewSignalingHub(redisClient *redis.Client, calls CallManager, relay SignalRelay, presence PresenceTracker) *SignalingHub {
	// Default max connections: 1000 (configurable via environment if needed)
	maxConns := 1000
	if val := os.Getenv("WS_MAX_SIGNALING_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &SignalingHub{
		rooms:               make(map[string]map[*SignalingClient]bool),
		subscriptionCancels: make(map[string]context.CancelFunc),
		redisClient:         redisClient,
		calls:               calls,
		relay:               relay,
		presence:            presence,
		register:            make(chan *SignalingClient),
		unregister:          make(chan *SignalingClient),
		broadcast:           make(chan *roomDelivery, 256),
		maxConnections:      maxConns,
		semaphore:           make(chan struct{}, maxConns),
	}

	go hub.run()

	return hub
}

// run handles hub operations
func (h *SignalingHub) run() {
	for {
		select {
		case client := <-h.register:
			roomID := client.session.RoomID
			h.mu.Lock()
			if h.rooms[roomID] == nil {
				h.rooms[roomID] = make(map[*SignalingClient]bool)

				ctx, cancel := context.WithCancel(context.Background())
				h.subscriptionCancels[roomID] = cancel
				go h.subscribeToRoom(ctx, roomID)
			}
			h.rooms[roomID][client] = true
			h.mu.Unlock()
			metrics.SignalingConnectionsActive.Inc()

		case client := <-h.unregister:
			h.removeClient(client)

		case delivery := <-h.broadcast:
			var dropped []*SignalingClient
			h.mu.RLock()
			for client := range h.rooms[delivery.roomID] {
				if !shouldReceive(client, delivery.envelope) {
					continue
				}
				select {
				case client.send <- delivery.payload:
				default:
					dropped = append(dropped, client)
				}
			}
			h.mu.RUnlock()

			// A slow client gets the full teardown, not just a closed
			// channel: its user-channel goroutine and the room
			// subscription must not outlive it.
			for _, client := range dropped {
				metrics.SignalingDroppedTotal.WithLabelValues("slow_client").Inc()
				h.removeClient(client)
			}
		}
	}
}

// removeClient tears down one connection: drops it from its room, closes the
// send channel, cancels the per-client context so the user-channel
// subscription exits, and releases the room subscription when the room
// empties. Safe to call twice for the same client.
func (h *SignalingHub) removeClient(client *SignalingClient) {
	roomID := client.session.RoomID
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}

	delete(clients, client)
	close(client.send)
	client.cancel()
	metrics.SignalingConnectionsActive.Dec()

	if len(clients) == 0 {
		if cancel, ok := h.subscriptionCancels[roomID]; ok {
			cancel()
			delete(h.subscriptionCancels, roomID)
		}
		delete(h.rooms, roomID)
	}
}

// shouldReceive filters room traffic: targeted envelopes reach only the
// target, everything else reaches everyone but the sender
func shouldReceive(client *SignalingClient, envelope *signaling.Envelope) bool {
	if envelope.TargetID != nil {
		return client.userID == *envelope.TargetID
	}
	return client.userID != envelope.SenderID
}

// subscribeToRoom forwards the room topic into the local broadcast loop
func (h *SignalingHub) subscribeToRoom(ctx context.Context, roomID string) {
	pubsub := h.redisClient.Subscribe(ctx, signaling.RoomTopic(roomID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("Failed to subscribe to room topic",
			zap.String("room_id", roomID),
			zap.Error(err))
		return
	}
	metrics.SignalingSubscriptionsActive.Inc()
	defer metrics.SignalingSubscriptionsActive.Dec()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			var envelope signaling.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				logger.Warn("Failed to unmarshal room envelope",
					zap.String("room_id", roomID),
					zap.Error(err))
				continue
			}
			h.broadcast <- &roomDelivery{
				roomID:   roomID,
				envelope: &envelope,
				payload:  []byte(msg.Payload),
			}
		}
	}
}

// subscribeToUserChannel forwards the client's private channel straight to
// its connection. Runs per client so every device of a user gets a copy.
func (h *SignalingHub) subscribeToUserChannel(client *SignalingClient) {
	pubsub := h.redisClient.Subscribe(client.ctx, signaling.UserCallChannel(client.userID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(client.ctx); err != nil {
		logger.Error("Failed to subscribe to user channel",
			zap.String("user_id", client.userID.String()),
			zap.Error(err))
		return
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-client.ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			select {
			case client.send <- []byte(msg.Payload):
			case <-client.ctx.Done():
				return
			}
		}
	}
}

// ServeWS handles WebSocket requests for signaling
func (h *SignalingHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	released := false
	release := func() {
		if !released {
			released = true
			<-h.semaphore
		}
	}
	defer release()

	callIDStr := c.Query("call_id")
	if callIDStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	callID, err := uuid.Parse(callIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid call_id"})
		return
	}

	// Set by auth middleware
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	session, err := h.calls.AuthorizeAccess(c.Request.Context(), callID, userID)
	if err != nil {
		metrics.SignalingDroppedTotal.WithLabelValues("unauthorized").Inc()
		if appErr, ok := apperrors.AsAppError(err); ok {
			c.JSON(appErr.StatusCode, gin.H{"error": appErr.Message})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	conn, err := signalingUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("call_id", callID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &SignalingClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		userID:  userID,
		session: session,
		ctx:     ctx,
		cancel:  cancel,
	}

	client.hub.register <- client

	if h.presence != nil {
		if err := h.presence.SetUserOnline(ctx, userID); err != nil {
			logger.Warn("Failed to mark user online",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	// The connection now owns the semaphore slot; readPump releases it
	released = true
	go h.subscribeToUserChannel(client)
	go client.writePump()
	go client.readPump(func() { <-h.semaphore })
}

// readPump reads envelopes from the WebSocket and hands them to the relay
func (c *SignalingClient) readPump(releaseSlot func()) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		releaseSlot()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		if c.hub.presence != nil {
			if err := c.hub.presence.RefreshPresence(c.ctx, c.userID); err != nil {
				logger.Debug("Failed to refresh presence", zap.Error(err))
			}
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("call_id", c.session.CallID.String()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var envelope signaling.Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			metrics.SignalingDroppedTotal.WithLabelValues("invalid").Inc()
			logger.Warn("Invalid envelope from WebSocket",
				zap.String("call_id", c.session.CallID.String()),
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}

		// Clients cannot spoof identity or cross calls
		envelope.SenderID = c.userID
		envelope.CallID = c.session.CallID

		c.hub.handleInbound(c, &envelope)
	}
}

// handleInbound applies side effects for media toggles and relays the
// envelope; failures turn into a CALL_ERROR back on this connection
func (h *SignalingHub) handleInbound(client *SignalingClient, envelope *signaling.Envelope) {
	ctx, cancel := context.WithTimeout(client.ctx, 10*time.Second)
	defer cancel()

	if envelope.Kind == signaling.KindMediaToggle && envelope.MediaToggle != nil {
		if err := h.applyMediaToggle(ctx, client, envelope); err != nil {
			h.sendError(client, envelope.CallID, err)
			return
		}
	}

	if err := h.relay.RelaySignal(ctx, client.session, envelope); err != nil {
		metrics.SignalingDroppedTotal.WithLabelValues("invalid").Inc()
		h.sendError(client, envelope.CallID, err)
	}
}

// applyMediaToggle persists the participant's new media state and rewrites
// the envelope with the stored value so receivers see the truth
func (h *SignalingHub) applyMediaToggle(ctx context.Context, client *SignalingClient, envelope *signaling.Envelope) error {
	var on bool
	var err error
	switch envelope.MediaToggle.Media {
	case "microphone":
		on, err = h.calls.ToggleMicrophone(ctx, envelope.CallID, client.userID)
	case "camera":
		on, err = h.calls.ToggleCamera(ctx, envelope.CallID, client.userID)
	case "screen_share":
		on, err = h.calls.ToggleScreenShare(ctx, envelope.CallID, client.userID)
	default:
		return apperrors.InvalidSignalError("unknown media kind: " + envelope.MediaToggle.Media)
	}
	if err != nil {
		return err
	}
	envelope.MediaToggle.On = on
	return nil
}

// sendError writes a CALL_ERROR envelope directly to the client
func (h *SignalingHub) sendError(client *SignalingClient, callID uuid.UUID, err error) {
	code := string(apperrors.ErrCodeInvalidSignal)
	message := "Invalid signal"
	if appErr, ok := apperrors.AsAppError(err); ok {
		code = string(appErr.Code)
		message = appErr.Message
	}

	envelope := &signaling.Envelope{
		Kind:      signaling.KindCallError,
		CallID:    callID,
		SenderID:  client.userID,
		Timestamp: time.Now().UnixMilli(),
		Error:     &signaling.ErrorInfo{Code: code, Message: message},
	}
	payload, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		return
	}
	select {
	case client.send <- payload:
	default:
		metrics.SignalingDroppedTotal.WithLabelValues("slow_client").Inc()
	}
}

// writePump writes messages to the WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
