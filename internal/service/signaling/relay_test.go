package signaling

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"callbridge-backend/internal/domain"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

// Mocks

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) SendToUser(ctx context.Context, userID uuid.UUID, envelope *Envelope) error {
	args := m.Called(ctx, userID, envelope)
	return args.Error(0)
}

func (m *MockTransport) BroadcastToRoom(ctx context.Context, roomID string, envelope *Envelope) error {
	args := m.Called(ctx, roomID, envelope)
	return args.Error(0)
}

type MockUserResolver struct {
	mock.Mock
}

func (m *MockUserResolver) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func newTestRelay() (*Relay, *MockTransport, *MockUserResolver) {
	transport := new(MockTransport)
	users := new(MockUserResolver)
	return NewRelay(transport, users), transport, users
}

func directCall(callerID uuid.UUID) *domain.CallSession {
	conversationID := uuid.New()
	return &domain.CallSession{
		CallID:         uuid.New(),
		RoomID:         domain.NewRoomID(),
		CallKind:       domain.CallKindVideo,
		CallMode:       domain.CallModeDirect,
		Status:         domain.CallStatusOngoing,
		CallerID:       callerID,
		ConversationID: &conversationID,
	}
}

func groupCall(callerID uuid.UUID) *domain.CallSession {
	chatRoomID := uuid.New()
	return &domain.CallSession{
		CallID:     uuid.New(),
		RoomID:     domain.NewRoomID(),
		CallKind:   domain.CallKindAudio,
		CallMode:   domain.CallModeGroup,
		Status:     domain.CallStatusOngoing,
		CallerID:   callerID,
		ChatRoomID: &chatRoomID,
	}
}

func TestRelaySignalDirectTargeted(t *testing.T) {
	relay, transport, _ := newTestRelay()

	callerID := uuid.New()
	targetID := uuid.New()
	session := directCall(callerID)
	ctx := context.Background()

	envelope := &Envelope{
		Kind:     KindOffer,
		CallID:   session.CallID,
		SenderID: callerID,
		TargetID: &targetID,
		Offer:    &SessionDescription{Type: "offer", SDP: "v=0..."},
	}

	transport.On("SendToUser", ctx, targetID, envelope).Return(nil)

	err := relay.RelaySignal(ctx, session, envelope)

	assert.NoError(t, err)
	assert.NotZero(t, envelope.Timestamp)
	transport.AssertExpectations(t)
	transport.AssertNotCalled(t, "BroadcastToRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestRelaySignalGroupBroadcast(t *testing.T) {
	relay, transport, _ := newTestRelay()

	callerID := uuid.New()
	session := groupCall(callerID)
	ctx := context.Background()

	envelope := &Envelope{
		Kind:      KindICECandidate,
		CallID:    session.CallID,
		SenderID:  callerID,
		Candidate: &ICECandidate{Candidate: "candidate:1 1 udp ..."},
	}

	transport.On("BroadcastToRoom", ctx, session.RoomID, envelope).Return(nil)

	err := relay.RelaySignal(ctx, session, envelope)

	assert.NoError(t, err)
	transport.AssertExpectations(t)
}

func TestRelaySignalGroupTargetedStaysOnRoomTopic(t *testing.T) {
	relay, transport, _ := newTestRelay()

	callerID := uuid.New()
	targetID := uuid.New()
	session := groupCall(callerID)
	ctx := context.Background()

	// Targeted group traffic still rides the room topic; receivers filter
	envelope := &Envelope{
		Kind:     KindAnswer,
		CallID:   session.CallID,
		SenderID: callerID,
		TargetID: &targetID,
		Answer:   &SessionDescription{Type: "answer", SDP: "v=0..."},
	}

	transport.On("BroadcastToRoom", ctx, session.RoomID, envelope).Return(nil)

	err := relay.RelaySignal(ctx, session, envelope)

	assert.NoError(t, err)
	transport.AssertExpectations(t)
	transport.AssertNotCalled(t, "SendToUser", mock.Anything, mock.Anything, mock.Anything)
}

func TestRelaySignalRejectsLifecycleKind(t *testing.T) {
	relay, transport, _ := newTestRelay()

	callerID := uuid.New()
	session := directCall(callerID)

	envelope := &Envelope{
		Kind:     KindCallEnded,
		CallID:   session.CallID,
		SenderID: callerID,
		Event:    &CallEvent{CallID: session.CallID},
	}

	err := relay.RelaySignal(context.Background(), session, envelope)

	appErr, ok := apperrors.AsAppError(err)
	assert.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeInvalidSignal, appErr.Code)
	transport.AssertNotCalled(t, "SendToUser", mock.Anything, mock.Anything, mock.Anything)
	transport.AssertNotCalled(t, "BroadcastToRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestRelaySignalRejectsDirectWithoutTarget(t *testing.T) {
	relay, _, _ := newTestRelay()

	callerID := uuid.New()
	session := directCall(callerID)

	envelope := &Envelope{
		Kind:     KindOffer,
		CallID:   session.CallID,
		SenderID: callerID,
		Offer:    &SessionDescription{Type: "offer", SDP: "v=0..."},
	}

	err := relay.RelaySignal(context.Background(), session, envelope)

	appErr, ok := apperrors.AsAppError(err)
	assert.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeInvalidSignal, appErr.Code)
}

func TestRelaySignalRejectsInvalidEnvelope(t *testing.T) {
	relay, _, _ := newTestRelay()

	callerID := uuid.New()
	targetID := uuid.New()
	session := directCall(callerID)

	// OFFER kind without an offer payload
	envelope := &Envelope{
		Kind:     KindOffer,
		CallID:   session.CallID,
		SenderID: callerID,
		TargetID: &targetID,
	}

	err := relay.RelaySignal(context.Background(), session, envelope)
	assert.Error(t, err)
}

func TestNotifyIncomingFansOutToCallees(t *testing.T) {
	relay, transport, users := newTestRelay()

	callerID := uuid.New()
	calleeA := uuid.New()
	calleeB := uuid.New()
	session := directCall(callerID)
	session.Status = domain.CallStatusRinging
	ctx := context.Background()

	users.On("GetByID", ctx, callerID).Return(&domain.User{UserID: callerID, DisplayName: "Alice"}, nil)
	transport.On("SendToUser", ctx, calleeA, mock.MatchedBy(func(e *Envelope) bool {
		return e.Kind == KindIncomingCall && e.Event != nil && e.Event.CallerName == "Alice"
	})).Return(nil)
	transport.On("SendToUser", ctx, calleeB, mock.AnythingOfType("*signaling.Envelope")).Return(nil)

	relay.NotifyIncoming(ctx, session, []uuid.UUID{calleeA, calleeB})

	transport.AssertExpectations(t)
}

func TestNotifyEndedReachesRoomAndExtraRecipients(t *testing.T) {
	relay, transport, users := newTestRelay()

	callerID := uuid.New()
	calleeID := uuid.New()
	session := directCall(callerID)
	session.Status = domain.CallStatusEnded
	ctx := context.Background()

	users.On("GetByID", ctx, callerID).Return(&domain.User{UserID: callerID, DisplayName: "Alice"}, nil)
	transport.On("BroadcastToRoom", ctx, session.RoomID, mock.MatchedBy(func(e *Envelope) bool {
		return e.Kind == KindCallEnded
	})).Return(nil)
	transport.On("SendToUser", ctx, calleeID, mock.AnythingOfType("*signaling.Envelope")).Return(nil)

	relay.NotifyEnded(ctx, session, callerID, []uuid.UUID{callerID, calleeID})

	transport.AssertExpectations(t)
	// The actor never gets a private copy of their own event
	transport.AssertNumberOfCalls(t, "SendToUser", 1)
}

func TestNotifyCancelledCarriesRejectedKind(t *testing.T) {
	relay, transport, users := newTestRelay()

	callerID := uuid.New()
	calleeID := uuid.New()
	session := directCall(callerID)
	session.Status = domain.CallStatusRejected
	ctx := context.Background()

	users.On("GetByID", ctx, callerID).Return(&domain.User{UserID: callerID, DisplayName: "Alice"}, nil)
	// A withdrawn call is not an ended one; clients see the rejection kind
	transport.On("BroadcastToRoom", ctx, session.RoomID, mock.MatchedBy(func(e *Envelope) bool {
		return e.Kind == KindCallRejected && e.Event.Status == string(domain.CallStatusRejected)
	})).Return(nil)
	transport.On("SendToUser", ctx, calleeID, mock.MatchedBy(func(e *Envelope) bool {
		return e.Kind == KindCallRejected
	})).Return(nil)

	relay.NotifyCancelled(ctx, session, callerID, []uuid.UUID{calleeID})

	transport.AssertExpectations(t)
}

func TestNotifyMissedUsesPrivateChannels(t *testing.T) {
	relay, transport, users := newTestRelay()

	callerID := uuid.New()
	calleeID := uuid.New()
	session := directCall(callerID)
	session.Status = domain.CallStatusMissed
	ctx := context.Background()

	users.On("GetByID", ctx, callerID).Return(&domain.User{UserID: callerID, DisplayName: "Alice"}, nil)
	transport.On("SendToUser", ctx, calleeID, mock.MatchedBy(func(e *Envelope) bool {
		return e.Kind == KindCallMissed && e.Event.Status == string(domain.CallStatusMissed)
	})).Return(nil)

	relay.NotifyMissed(ctx, session, []uuid.UUID{calleeID})

	transport.AssertExpectations(t)
	transport.AssertNotCalled(t, "BroadcastToRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendError(t *testing.T) {
	relay, transport, _ := newTestRelay()

	userID := uuid.New()
	callID := uuid.New()
	ctx := context.Background()

	transport.On("SendToUser", ctx, userID, mock.MatchedBy(func(e *Envelope) bool {
		return e.Kind == KindCallError && e.Error != nil && e.Error.Code == "INVALID_SIGNAL"
	})).Return(nil)

	relay.SendError(ctx, userID, callID, "INVALID_SIGNAL", "kind CALL_ENDED is not a client signal")

	transport.AssertExpectations(t)
}
