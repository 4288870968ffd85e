package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
)

// Transport fans envelopes out to connected clients. Delivery is at most
// once: an envelope published while a recipient is disconnected is dropped.
type Transport interface {
	SendToUser(ctx context.Context, userID uuid.UUID, envelope *Envelope) error
	BroadcastToRoom(ctx context.Context, roomID string, envelope *Envelope) error
}

// RedisTransport publishes envelopes over Redis Pub/Sub. Hub instances on any
// node subscribe to the same channels, so fan-out works across replicas.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport creates a Redis-backed transport
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// SendToUser publishes to the user's private call channel
func (t *RedisTransport) SendToUser(ctx context.Context, userID uuid.UUID, envelope *Envelope) error {
	return t.publish(ctx, UserCallChannel(userID), envelope)
}

// BroadcastToRoom publishes to the shared room topic
func (t *RedisTransport) BroadcastToRoom(ctx context.Context, roomID string, envelope *Envelope) error {
	return t.publish(ctx, RoomTopic(roomID), envelope)
}

func (t *RedisTransport) publish(ctx context.Context, channel string, envelope *Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// UserResolver provides the display names attached to lifecycle events
type UserResolver interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// Relay routes signaling envelopes between call participants. Direct-call
// traffic goes to each user's private channel; group-call traffic goes to the
// room topic.
type Relay struct {
	transport Transport
	users     UserResolver
}

// NewRelay creates a new signaling relay
func NewRelay(transport Transport, users UserResolver) *Relay {
	return &Relay{transport: transport, users: users}
}

// RelaySignal forwards a client-originated WebRTC envelope. The payload is
// opaque to the server; only routing metadata is inspected.
func (r *Relay) RelaySignal(ctx context.Context, session *domain.CallSession, envelope *Envelope) error {
	if !envelope.Kind.IsPeerSignal() {
		return apperrors.InvalidSignalError(fmt.Sprintf("kind %s is not a client signal", envelope.Kind))
	}
	if err := envelope.Validate(); err != nil {
		return apperrors.InvalidSignalError(err.Error())
	}
	envelope.stamp()

	metrics.SignalsRelayedTotal.WithLabelValues(string(envelope.Kind)).Inc()

	if envelope.TargetID != nil {
		return r.deliver(ctx, session, *envelope.TargetID, envelope)
	}
	if session.IsGroup() {
		return r.broadcast(ctx, session, envelope)
	}
	return apperrors.InvalidSignalError("direct call signals require a targetId")
}

// NotifyIncoming alerts each callee's private channel about a new call
func (r *Relay) NotifyIncoming(ctx context.Context, session *domain.CallSession, calleeIDs []uuid.UUID) {
	envelope := r.lifecycleEnvelope(ctx, KindIncomingCall, session, session.CallerID)
	for _, calleeID := range calleeIDs {
		if err := r.transport.SendToUser(ctx, calleeID, envelope); err != nil {
			logger.Warn("Failed to notify callee of incoming call",
				zap.String("call_id", session.CallID.String()),
				zap.String("callee_id", calleeID.String()),
				zap.Error(err))
		}
	}
}

// NotifyJoined announces that a user joined the call
func (r *Relay) NotifyJoined(ctx context.Context, session *domain.CallSession, userID uuid.UUID) {
	r.fanOutLifecycle(ctx, KindUserJoined, session, userID, nil)
}

// NotifyLeft announces that a user left the call
func (r *Relay) NotifyLeft(ctx context.Context, session *domain.CallSession, userID uuid.UUID) {
	r.fanOutLifecycle(ctx, KindUserLeft, session, userID, nil)
}

// NotifyRejected announces that a user declined the call
func (r *Relay) NotifyRejected(ctx context.Context, session *domain.CallSession, userID uuid.UUID) {
	r.fanOutLifecycle(ctx, KindCallRejected, session, userID, nil)
}

// NotifyEnded announces call termination to all participants. For direct
// calls the extra recipients cover callees that never joined the room topic.
func (r *Relay) NotifyEnded(ctx context.Context, session *domain.CallSession, endedBy uuid.UUID, recipients []uuid.UUID) {
	r.fanOutLifecycle(ctx, KindCallEnded, session, endedBy, recipients)
}

// NotifyCancelled announces that the caller withdrew a call nobody answered.
// A cancelled session is stored as REJECTED, so the envelope carries the same
// kind. The extra recipients cover callees that never joined the room topic.
func (r *Relay) NotifyCancelled(ctx context.Context, session *domain.CallSession, cancelledBy uuid.UUID, recipients []uuid.UUID) {
	r.fanOutLifecycle(ctx, KindCallRejected, session, cancelledBy, recipients)
}

// NotifyMissed tells the callees their ring went unanswered
func (r *Relay) NotifyMissed(ctx context.Context, session *domain.CallSession, calleeIDs []uuid.UUID) {
	envelope := r.lifecycleEnvelope(ctx, KindCallMissed, session, session.CallerID)
	for _, calleeID := range calleeIDs {
		if err := r.transport.SendToUser(ctx, calleeID, envelope); err != nil {
			logger.Warn("Failed to deliver missed call notice",
				zap.String("call_id", session.CallID.String()),
				zap.String("callee_id", calleeID.String()),
				zap.Error(err))
		}
	}
}

// SendError delivers an operation failure back to the sender's private
// channel
func (r *Relay) SendError(ctx context.Context, userID, callID uuid.UUID, code, message string) {
	envelope := &Envelope{
		Kind:     KindCallError,
		CallID:   callID,
		SenderID: userID,
		Error:    &ErrorInfo{Code: code, Message: message},
	}
	envelope.stamp()
	if err := r.transport.SendToUser(ctx, userID, envelope); err != nil {
		logger.Warn("Failed to deliver signaling error",
			zap.String("call_id", callID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

// deliver routes a targeted envelope: private channel for direct calls, room
// topic for group calls (the hub filters by target on delivery)
func (r *Relay) deliver(ctx context.Context, session *domain.CallSession, targetID uuid.UUID, envelope *Envelope) error {
	if session.IsDirect() {
		if err := r.transport.SendToUser(ctx, targetID, envelope); err != nil {
			return fmt.Errorf("failed to relay to user: %w", err)
		}
		return nil
	}
	return r.broadcast(ctx, session, envelope)
}

func (r *Relay) broadcast(ctx context.Context, session *domain.CallSession, envelope *Envelope) error {
	if err := r.transport.BroadcastToRoom(ctx, session.RoomID, envelope); err != nil {
		return fmt.Errorf("failed to relay to room: %w", err)
	}
	return nil
}

// fanOutLifecycle broadcasts a lifecycle event to the room topic and, when
// extra recipients are given, to their private channels as well
func (r *Relay) fanOutLifecycle(ctx context.Context, kind Kind, session *domain.CallSession, actorID uuid.UUID, recipients []uuid.UUID) {
	envelope := r.lifecycleEnvelope(ctx, kind, session, actorID)
	if err := r.transport.BroadcastToRoom(ctx, session.RoomID, envelope); err != nil {
		logger.Warn("Failed to broadcast lifecycle event",
			zap.String("call_id", session.CallID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	for _, recipientID := range recipients {
		if recipientID == actorID {
			continue
		}
		if err := r.transport.SendToUser(ctx, recipientID, envelope); err != nil {
			logger.Warn("Failed to deliver lifecycle event",
				zap.String("call_id", session.CallID.String()),
				zap.String("user_id", recipientID.String()),
				zap.Error(err))
		}
	}
}

func (r *Relay) lifecycleEnvelope(ctx context.Context, kind Kind, session *domain.CallSession, actorID uuid.UUID) *Envelope {
	event := &CallEvent{
		CallID:         session.CallID,
		RoomID:         session.RoomID,
		CallKind:       string(session.CallKind),
		CallMode:       string(session.CallMode),
		Status:         string(session.Status),
		CallerID:       session.CallerID,
		ConversationID: session.ConversationID,
		ChatRoomID:     session.ChatRoomID,
		Duration:       session.Duration,
	}
	if r.users != nil {
		if user, err := r.users.GetByID(ctx, actorID); err == nil && user != nil {
			event.CallerName = user.DisplayName
		}
	}
	envelope := &Envelope{
		Kind:     kind,
		CallID:   session.CallID,
		SenderID: actorID,
		Event:    event,
	}
	envelope.stamp()
	return envelope
}
