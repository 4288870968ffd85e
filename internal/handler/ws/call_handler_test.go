package ws

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/service/signaling"
	"callbridge-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

func newTestHub() *SignalingHub {
	// Nothing listens on this address; room subscriptions fail fast and the
	// hub loop still runs, which is all these tests need.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	return NewSignalingHub(client, nil, nil, nil)
}

func newTestClient(hub *SignalingHub, session *domain.CallSession, sendBuffer int) *SignalingClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &SignalingClient{
		hub:     hub,
		send:    make(chan []byte, sendBuffer),
		userID:  uuid.New(),
		session: session,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (h *SignalingHub) roomState(roomID string) (clients int, subscribed bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, subscribed = h.subscriptionCancels[roomID]
	return len(h.rooms[roomID]), subscribed
}

func TestSlowClientDropTearsDownConnection(t *testing.T) {
	hub := newTestHub()

	callerID := uuid.New()
	chatRoomID := uuid.New()
	session := &domain.CallSession{
		CallID:     uuid.New(),
		RoomID:     domain.NewRoomID(),
		CallKind:   domain.CallKindAudio,
		CallMode:   domain.CallModeGroup,
		Status:     domain.CallStatusOngoing,
		CallerID:   callerID,
		ChatRoomID: &chatRoomID,
		CreatedAt:  time.Now().UTC(),
	}

	// Unbuffered send channel with no writePump draining it, so the first
	// delivery overflows immediately.
	client := newTestClient(hub, session, 0)
	hub.register <- client

	assert.Eventually(t, func() bool {
		clients, subscribed := hub.roomState(session.RoomID)
		return clients == 1 && subscribed
	}, time.Second, 10*time.Millisecond)

	hub.broadcast <- &roomDelivery{
		roomID: session.RoomID,
		envelope: &signaling.Envelope{
			Kind:     signaling.KindOffer,
			CallID:   session.CallID,
			SenderID: callerID,
		},
		payload: []byte(`{}`),
	}

	// The dropped client's context must be cancelled so its user-channel
	// subscription exits with it.
	assert.Eventually(t, func() bool {
		select {
		case <-client.ctx.Done():
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// Last client gone means the room and its subscription go too.
	assert.Eventually(t, func() bool {
		clients, subscribed := hub.roomState(session.RoomID)
		return clients == 0 && !subscribed
	}, time.Second, 10*time.Millisecond)
}

func TestRemoveClientIsIdempotent(t *testing.T) {
	hub := newTestHub()

	callerID := uuid.New()
	chatRoomID := uuid.New()
	session := &domain.CallSession{
		CallID:     uuid.New(),
		RoomID:     domain.NewRoomID(),
		CallKind:   domain.CallKindVideo,
		CallMode:   domain.CallModeGroup,
		Status:     domain.CallStatusOngoing,
		CallerID:   callerID,
		ChatRoomID: &chatRoomID,
		CreatedAt:  time.Now().UTC(),
	}

	client := newTestClient(hub, session, 1)
	hub.register <- client

	assert.Eventually(t, func() bool {
		clients, _ := hub.roomState(session.RoomID)
		return clients == 1
	}, time.Second, 10*time.Millisecond)

	hub.removeClient(client)
	assert.NotPanics(t, func() { hub.removeClient(client) })

	clients, subscribed := hub.roomState(session.RoomID)
	assert.Zero(t, clients)
	assert.False(t, subscribed)
}
