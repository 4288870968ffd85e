package call

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"callbridge-backend/internal/domain"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/push"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

// Mocks

type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) Create(ctx context.Context, call *domain.CallSession) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockSessionStore) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetActiveByChatRoom(ctx context.Context, chatRoomID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, chatRoomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) IsUserInActiveCall(ctx context.Context, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionStore) Activate(ctx context.Context, callID uuid.UUID) (bool, error) {
	args := m.Called(ctx, callID)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionStore) Terminate(ctx context.Context, callID uuid.UUID, to domain.CallStatus, from ...domain.CallStatus) (bool, error) {
	args := m.Called(ctx, callID, to, from)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionStore) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, conversationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetByChatRoom(ctx context.Context, chatRoomID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, chatRoomID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) ListRingingBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	args := m.Called(ctx, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) ListActiveBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	args := m.Called(ctx, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetStatistics(ctx context.Context, userID uuid.UUID) (*domain.CallStats, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallStats), args.Error(1)
}

type MockParticipantStore struct {
	mock.Mock
}

func (m *MockParticipantStore) UpsertJoined(ctx context.Context, callID, userID uuid.UUID, cameraOn bool) error {
	args := m.Called(ctx, callID, userID, cameraOn)
	return args.Error(0)
}

func (m *MockParticipantStore) RecordRejected(ctx context.Context, callID, userID uuid.UUID) error {
	args := m.Called(ctx, callID, userID)
	return args.Error(0)
}

func (m *MockParticipantStore) MarkLeft(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, callID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockParticipantStore) MarkAllLeft(ctx context.Context, callID uuid.UUID) error {
	args := m.Called(ctx, callID)
	return args.Error(0)
}

func (m *MockParticipantStore) CountActive(ctx context.Context, callID uuid.UUID) (int, error) {
	args := m.Called(ctx, callID)
	return args.Int(0), args.Error(1)
}

func (m *MockParticipantStore) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error) {
	args := m.Called(ctx, callID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallParticipant), args.Error(1)
}

func (m *MockParticipantStore) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallParticipant), args.Error(1)
}

func (m *MockParticipantStore) ListActiveByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallParticipant), args.Error(1)
}

func (m *MockParticipantStore) ToggleMicrophone(ctx context.Context, callID, userID uuid.UUID) (bool, bool, error) {
	args := m.Called(ctx, callID, userID)
	return args.Bool(0), args.Bool(1), args.Error(2)
}

func (m *MockParticipantStore) ToggleCamera(ctx context.Context, callID, userID uuid.UUID) (bool, bool, error) {
	args := m.Called(ctx, callID, userID)
	return args.Bool(0), args.Bool(1), args.Error(2)
}

func (m *MockParticipantStore) ToggleScreenShare(ctx context.Context, callID, userID uuid.UUID) (bool, bool, error) {
	args := m.Called(ctx, callID, userID)
	return args.Bool(0), args.Bool(1), args.Error(2)
}

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

type MockConversationLookup struct {
	mock.Mock
}

func (m *MockConversationLookup) GetConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationLookup) ParticipantsOf(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *MockConversationLookup) GetChatRoom(ctx context.Context, chatRoomID uuid.UUID) (*domain.ChatRoom, error) {
	args := m.Called(ctx, chatRoomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ChatRoom), args.Error(1)
}

func (m *MockConversationLookup) MembersOf(ctx context.Context, chatRoomID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, chatRoomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *MockConversationLookup) IsMember(ctx context.Context, chatRoomID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, chatRoomID, userID)
	return args.Bool(0), args.Error(1)
}

type MockPresenceStore struct {
	mock.Mock
}

func (m *MockPresenceStore) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

type MockPushNotifier struct {
	mock.Mock
}

func (m *MockPushNotifier) SendCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []uuid.UUID) error {
	args := m.Called(ctx, data, calleeIDs)
	return args.Error(0)
}

func (m *MockPushNotifier) SendMissedCallNotification(ctx context.Context, callID, scopeID, callerID uuid.UUID, callerName string, calleeIDs []uuid.UUID) error {
	args := m.Called(ctx, callID, scopeID, callerID, callerName, calleeIDs)
	return args.Error(0)
}

type MockMissedNotifier struct {
	mock.Mock
}

func (m *MockMissedNotifier) NotifyMissed(ctx context.Context, session *domain.CallSession, calleeIDs []uuid.UUID) {
	m.Called(ctx, session, calleeIDs)
}

type testDeps struct {
	calls        *MockSessionStore
	participants *MockParticipantStore
	users        *MockDirectory
	convs        *MockConversationLookup
	presence     *MockPresenceStore
	push         *MockPushNotifier
}

func newTestService() (*Service, *testDeps) {
	deps := &testDeps{
		calls:        new(MockSessionStore),
		participants: new(MockParticipantStore),
		users:        new(MockDirectory),
		convs:        new(MockConversationLookup),
		presence:     new(MockPresenceStore),
		push:         new(MockPushNotifier),
	}
	svc := NewService(deps.calls, deps.participants, deps.users, deps.convs, deps.presence, deps.push, Config{
		RingTimeout:     2 * time.Minute,
		MaxCallDuration: 4 * time.Hour,
	})
	return svc, deps
}

func directSession(callerID, conversationID uuid.UUID, status domain.CallStatus) *domain.CallSession {
	return &domain.CallSession{
		CallID:         uuid.New(),
		RoomID:         domain.NewRoomID(),
		CallKind:       domain.CallKindVideo,
		CallMode:       domain.CallModeDirect,
		Status:         status,
		CallerID:       callerID,
		ConversationID: &conversationID,
		CreatedAt:      time.Now().UTC(),
	}
}

func groupSession(callerID, chatRoomID uuid.UUID, status domain.CallStatus) *domain.CallSession {
	return &domain.CallSession{
		CallID:     uuid.New(),
		RoomID:     domain.NewRoomID(),
		CallKind:   domain.CallKindAudio,
		CallMode:   domain.CallModeGroup,
		Status:     status,
		CallerID:   callerID,
		ChatRoomID: &chatRoomID,
		CreatedAt:  time.Now().UTC(),
	}
}

func assertAppError(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	appErr, ok := apperrors.AsAppError(err)
	assert.True(t, ok, "expected an AppError, got %v", err)
	assert.Equal(t, code, appErr.Code)
}

func TestInitiateDirect(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	calleeID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	deps.convs.On("GetConversation", ctx, conversationID).Return(&domain.Conversation{ConversationID: conversationID}, nil)
	deps.convs.On("ParticipantsOf", ctx, conversationID).Return([]uuid.UUID{callerID, calleeID}, nil)
	deps.calls.On("GetActiveByConversation", ctx, conversationID).Return(nil, nil)
	deps.calls.On("IsUserInActiveCall", ctx, callerID).Return(false, nil)
	deps.calls.On("Create", ctx, mock.AnythingOfType("*domain.CallSession")).Return(nil)
	deps.presence.On("IsUserOnline", ctx, calleeID).Return(true, nil)

	output, err := svc.InitiateDirect(ctx, callerID, conversationID, domain.CallKindVideo)

	assert.NoError(t, err)
	assert.NotNil(t, output)
	assert.Equal(t, domain.CallStatusRinging, output.Call.Status)
	assert.Equal(t, domain.CallModeDirect, output.Call.CallMode)
	assert.Equal(t, callerID, output.Call.CallerID)
	assert.Equal(t, []uuid.UUID{calleeID}, output.Callees)
	assert.NoError(t, output.Call.Validate())

	deps.calls.AssertExpectations(t)
	deps.convs.AssertExpectations(t)
	// Callee is online, so no push goes out
	deps.push.AssertNotCalled(t, "SendCallNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiateDirectWithActiveCall(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	calleeID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	existing := directSession(calleeID, conversationID, domain.CallStatusOngoing)

	deps.convs.On("GetConversation", ctx, conversationID).Return(&domain.Conversation{ConversationID: conversationID}, nil)
	deps.convs.On("ParticipantsOf", ctx, conversationID).Return([]uuid.UUID{callerID, calleeID}, nil)
	deps.calls.On("GetActiveByConversation", ctx, conversationID).Return(existing, nil)

	output, err := svc.InitiateDirect(ctx, callerID, conversationID, domain.CallKindAudio)

	assert.Nil(t, output)
	assertAppError(t, err, apperrors.ErrCodeAlreadyInCall)
	deps.calls.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestInitiateDirectByOutsider(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	deps.convs.On("GetConversation", ctx, conversationID).Return(&domain.Conversation{ConversationID: conversationID}, nil)
	deps.convs.On("ParticipantsOf", ctx, conversationID).Return([]uuid.UUID{uuid.New(), uuid.New()}, nil)

	output, err := svc.InitiateDirect(ctx, callerID, conversationID, domain.CallKindAudio)

	assert.Nil(t, output)
	assertAppError(t, err, apperrors.ErrCodeForbidden)
}

func TestInitiateGroup(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	memberA := uuid.New()
	memberB := uuid.New()
	chatRoomID := uuid.New()
	ctx := context.Background()

	deps.convs.On("GetChatRoom", ctx, chatRoomID).Return(&domain.ChatRoom{ChatRoomID: chatRoomID, Name: "standup"}, nil)
	deps.convs.On("IsMember", ctx, chatRoomID, callerID).Return(true, nil)
	deps.calls.On("GetActiveByChatRoom", ctx, chatRoomID).Return(nil, nil)
	deps.calls.On("IsUserInActiveCall", ctx, callerID).Return(false, nil)
	deps.calls.On("Create", ctx, mock.AnythingOfType("*domain.CallSession")).Return(nil)
	deps.participants.On("UpsertJoined", ctx, mock.AnythingOfType("uuid.UUID"), callerID, true).Return(nil)
	deps.convs.On("MembersOf", ctx, chatRoomID).Return([]uuid.UUID{callerID, memberA, memberB}, nil)
	deps.presence.On("IsUserOnline", ctx, memberA).Return(true, nil)
	deps.presence.On("IsUserOnline", ctx, memberB).Return(true, nil)

	output, err := svc.InitiateGroup(ctx, callerID, chatRoomID, domain.CallKindVideo)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallModeGroup, output.Call.CallMode)
	assert.Len(t, output.Callees, 2)
	assert.NotContains(t, output.Callees, callerID)

	deps.participants.AssertExpectations(t)
}

func TestInitiateDirectPushesToOfflineCallee(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	calleeID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	deps.convs.On("GetConversation", ctx, conversationID).Return(&domain.Conversation{ConversationID: conversationID}, nil)
	deps.convs.On("ParticipantsOf", ctx, conversationID).Return([]uuid.UUID{callerID, calleeID}, nil)
	deps.calls.On("GetActiveByConversation", ctx, conversationID).Return(nil, nil)
	deps.calls.On("IsUserInActiveCall", ctx, callerID).Return(false, nil)
	deps.calls.On("Create", ctx, mock.AnythingOfType("*domain.CallSession")).Return(nil)
	deps.presence.On("IsUserOnline", ctx, calleeID).Return(false, nil)
	deps.users.On("GetByID", ctx, callerID).Return(&domain.User{UserID: callerID, DisplayName: "Alice"}, nil)
	deps.push.On("SendCallNotification", ctx, mock.AnythingOfType("*push.CallNotificationData"), []uuid.UUID{calleeID}).Return(nil)

	_, err := svc.InitiateDirect(ctx, callerID, conversationID, domain.CallKindAudio)

	assert.NoError(t, err)
	deps.push.AssertExpectations(t)
}

func TestAcceptActivatesDirectCall(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	calleeID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	ringing := directSession(callerID, conversationID, domain.CallStatusRinging)
	ongoing := *ringing
	ongoing.Status = domain.CallStatusOngoing
	now := time.Now().UTC()
	ongoing.StartedAt = &now

	deps.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil).Once()
	deps.convs.On("ParticipantsOf", ctx, conversationID).Return([]uuid.UUID{callerID, calleeID}, nil)
	deps.participants.On("UpsertJoined", ctx, ringing.CallID, calleeID, true).Return(nil)
	deps.calls.On("Activate", ctx, ringing.CallID).Return(true, nil)
	deps.calls.On("GetByID", ctx, ringing.CallID).Return(&ongoing, nil).Once()

	session, err := svc.Accept(ctx, ringing.CallID, calleeID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, session.Status)
	assert.NotNil(t, session.StartedAt)
	deps.calls.AssertExpectations(t)
}

func TestAcceptEndedCall(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	ended := directSession(callerID, conversationID, domain.CallStatusEnded)
	deps.calls.On("GetByID", ctx, ended.CallID).Return(ended, nil)

	session, err := svc.Accept(ctx, ended.CallID, uuid.New())

	assert.Nil(t, session)
	assertAppError(t, err, apperrors.ErrCodeInvalidCallState)
	deps.participants.AssertNotCalled(t, "UpsertJoined", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAcceptUnknownCall(t *testing.T) {
	svc, deps := newTestService()

	callID := uuid.New()
	ctx := context.Background()

	deps.calls.On("GetByID", ctx, callID).Return(nil, nil)

	_, err := svc.Accept(ctx, callID, uuid.New())
	assertAppError(t, err, apperrors.ErrCodeCallNotFound)
}

func TestRejectDirectCall(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	calleeID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	ringing := directSession(callerID, conversationID, domain.CallStatusRinging)
	rejected := *ringing
	rejected.Status = domain.CallStatusRejected

	deps.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil).Once()
	deps.convs.On("ParticipantsOf", ctx, conversationID).Return([]uuid.UUID{callerID, calleeID}, nil)
	deps.participants.On("RecordRejected", ctx, ringing.CallID, calleeID).Return(nil)
	deps.calls.On("Terminate", ctx, ringing.CallID, domain.CallStatusRejected,
		[]domain.CallStatus{domain.CallStatusInitiated, domain.CallStatusRinging}).Return(true, nil)
	deps.calls.On("GetByID", ctx, ringing.CallID).Return(&rejected, nil).Once()

	session, err := svc.Reject(ctx, ringing.CallID, calleeID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, session.Status)
	deps.calls.AssertExpectations(t)
}

func TestRejectGroupCallKeepsSessionRunning(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	memberID := uuid.New()
	chatRoomID := uuid.New()
	ctx := context.Background()

	session := groupSession(callerID, chatRoomID, domain.CallStatusRinging)

	deps.calls.On("GetByID", ctx, session.CallID).Return(session, nil)
	deps.convs.On("IsMember", ctx, chatRoomID, memberID).Return(true, nil)
	deps.participants.On("RecordRejected", ctx, session.CallID, memberID).Return(nil)

	got, err := svc.Reject(ctx, session.CallID, memberID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, got.Status)
	// A single member declining never terminates a group call
	deps.calls.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCancelByNonCaller(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	ringing := directSession(callerID, conversationID, domain.CallStatusRinging)
	deps.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil)

	_, err := svc.Cancel(ctx, ringing.CallID, uuid.New())
	assertAppError(t, err, apperrors.ErrCodeForbidden)
}

func TestCancelAfterAcceptRace(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	ringing := directSession(callerID, conversationID, domain.CallStatusRinging)

	deps.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil)
	// Callee accepted between the read and the conditional update
	deps.calls.On("Terminate", ctx, ringing.CallID, domain.CallStatusRejected,
		[]domain.CallStatus{domain.CallStatusInitiated, domain.CallStatusRinging}).Return(false, nil)

	_, err := svc.Cancel(ctx, ringing.CallID, callerID)
	assertAppError(t, err, apperrors.ErrCodeInvalidCallState)
}

func TestCancelRingingCall(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	ringing := directSession(callerID, conversationID, domain.CallStatusRinging)
	cancelled := *ringing
	cancelled.Status = domain.CallStatusRejected

	deps.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil).Once()
	deps.calls.On("Terminate", ctx, ringing.CallID, domain.CallStatusRejected,
		[]domain.CallStatus{domain.CallStatusInitiated, domain.CallStatusRinging}).Return(true, nil)
	deps.calls.On("GetByID", ctx, ringing.CallID).Return(&cancelled, nil).Once()

	session, err := svc.Cancel(ctx, ringing.CallID, callerID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, session.Status)
}

func TestEndIsIdempotent(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	ended := directSession(callerID, conversationID, domain.CallStatusEnded)
	deps.calls.On("GetByID", ctx, ended.CallID).Return(ended, nil)

	session, err := svc.End(ctx, ended.CallID, callerID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status)
	deps.calls.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	deps.participants.AssertNotCalled(t, "MarkAllLeft", mock.Anything, mock.Anything)
}

func TestEndOngoingCall(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	ongoing := directSession(callerID, conversationID, domain.CallStatusOngoing)
	ended := *ongoing
	ended.Status = domain.CallStatusEnded
	duration := 142
	ended.Duration = &duration

	deps.calls.On("GetByID", ctx, ongoing.CallID).Return(ongoing, nil).Once()
	deps.participants.On("MarkAllLeft", ctx, ongoing.CallID).Return(nil)
	deps.calls.On("Terminate", ctx, ongoing.CallID, domain.CallStatusEnded, []domain.CallStatus(nil)).Return(true, nil)
	deps.calls.On("GetByID", ctx, ongoing.CallID).Return(&ended, nil).Once()

	session, err := svc.End(ctx, ongoing.CallID, callerID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status)
	assert.Equal(t, 142, *session.Duration)
	deps.participants.AssertExpectations(t)
}

func TestLeaveLastParticipantEndsCall(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	chatRoomID := uuid.New()
	ctx := context.Background()

	ongoing := groupSession(callerID, chatRoomID, domain.CallStatusOngoing)
	ended := *ongoing
	ended.Status = domain.CallStatusEnded

	deps.calls.On("GetByID", ctx, ongoing.CallID).Return(ongoing, nil).Twice()
	deps.participants.On("MarkLeft", ctx, ongoing.CallID, callerID).Return(true, nil)
	deps.participants.On("CountActive", ctx, ongoing.CallID).Return(0, nil)
	deps.participants.On("MarkAllLeft", ctx, ongoing.CallID).Return(nil)
	deps.calls.On("Terminate", ctx, ongoing.CallID, domain.CallStatusEnded, []domain.CallStatus(nil)).Return(true, nil)
	deps.calls.On("GetByID", ctx, ongoing.CallID).Return(&ended, nil).Once()

	session, err := svc.Leave(ctx, ongoing.CallID, callerID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status)
}

func TestLeaveLastParticipantEndsRingingGroupCall(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	chatRoomID := uuid.New()
	ctx := context.Background()

	// The caller hangs up before anyone answers; the group call ends
	// rather than lingering in RINGING.
	ringing := groupSession(callerID, chatRoomID, domain.CallStatusRinging)
	ended := *ringing
	ended.Status = domain.CallStatusEnded

	deps.calls.On("GetByID", ctx, ringing.CallID).Return(ringing, nil).Twice()
	deps.participants.On("MarkLeft", ctx, ringing.CallID, callerID).Return(true, nil)
	deps.participants.On("CountActive", ctx, ringing.CallID).Return(0, nil)
	deps.participants.On("MarkAllLeft", ctx, ringing.CallID).Return(nil)
	deps.calls.On("Terminate", ctx, ringing.CallID, domain.CallStatusEnded, []domain.CallStatus(nil)).Return(true, nil)
	deps.calls.On("GetByID", ctx, ringing.CallID).Return(&ended, nil).Once()

	session, err := svc.Leave(ctx, ringing.CallID, callerID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status)
	assert.True(t, domain.CallStatusRinging.CanTransition(domain.CallStatusEnded))
}

func TestLeaveWithOthersRemaining(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	memberID := uuid.New()
	chatRoomID := uuid.New()
	ctx := context.Background()

	ongoing := groupSession(callerID, chatRoomID, domain.CallStatusOngoing)

	deps.calls.On("GetByID", ctx, ongoing.CallID).Return(ongoing, nil)
	deps.participants.On("MarkLeft", ctx, ongoing.CallID, memberID).Return(true, nil)
	deps.participants.On("CountActive", ctx, ongoing.CallID).Return(2, nil)

	session, err := svc.Leave(ctx, ongoing.CallID, memberID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, session.Status)
	deps.calls.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLeaveUnknownParticipant(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	chatRoomID := uuid.New()
	ctx := context.Background()

	ongoing := groupSession(callerID, chatRoomID, domain.CallStatusOngoing)

	deps.calls.On("GetByID", ctx, ongoing.CallID).Return(ongoing, nil)
	deps.participants.On("MarkLeft", ctx, ongoing.CallID, mock.AnythingOfType("uuid.UUID")).Return(false, nil)

	_, err := svc.Leave(ctx, ongoing.CallID, uuid.New())
	assertAppError(t, err, apperrors.ErrCodeParticipantNotFound)
}

func TestToggleMicrophone(t *testing.T) {
	svc, deps := newTestService()

	callID := uuid.New()
	userID := uuid.New()
	ctx := context.Background()

	deps.participants.On("ToggleMicrophone", ctx, callID, userID).Return(false, true, nil)

	on, err := svc.ToggleMicrophone(ctx, callID, userID)

	assert.NoError(t, err)
	assert.False(t, on)
}

func TestToggleCameraNotInCall(t *testing.T) {
	svc, deps := newTestService()

	callID := uuid.New()
	userID := uuid.New()
	ctx := context.Background()

	deps.participants.On("ToggleCamera", ctx, callID, userID).Return(false, false, nil)

	_, err := svc.ToggleCamera(ctx, callID, userID)
	assertAppError(t, err, apperrors.ErrCodeParticipantNotFound)
}

func TestAuthorizeAccessTerminalCall(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	ended := directSession(callerID, conversationID, domain.CallStatusEnded)
	deps.calls.On("GetByID", ctx, ended.CallID).Return(ended, nil)

	_, err := svc.AuthorizeAccess(ctx, ended.CallID, callerID)
	assertAppError(t, err, apperrors.ErrCodeInvalidCallState)
}

func TestGetUserCallHistoryClampsLimit(t *testing.T) {
	svc, deps := newTestService()

	userID := uuid.New()
	ctx := context.Background()

	deps.calls.On("GetUserCalls", ctx, userID, 20, 0).Return([]*domain.CallSession{}, nil).Once()
	deps.calls.On("GetUserCalls", ctx, userID, 100, 0).Return([]*domain.CallSession{}, nil).Once()

	_, err := svc.GetUserCallHistory(ctx, userID, 0, 0)
	assert.NoError(t, err)
	_, err = svc.GetUserCallHistory(ctx, userID, 500, 0)
	assert.NoError(t, err)

	deps.calls.AssertExpectations(t)
}

func TestMarkMissedCalls(t *testing.T) {
	svc, deps := newTestService()
	signals := new(MockMissedNotifier)
	svc.SetSignalNotifier(signals)

	callerID := uuid.New()
	calleeID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	stale := directSession(callerID, conversationID, domain.CallStatusRinging)

	deps.calls.On("ListRingingBefore", ctx, mock.AnythingOfType("time.Time")).Return([]*domain.CallSession{stale}, nil)
	deps.calls.On("Terminate", ctx, stale.CallID, domain.CallStatusMissed,
		[]domain.CallStatus{domain.CallStatusRinging}).Return(true, nil)
	deps.convs.On("ParticipantsOf", ctx, conversationID).Return([]uuid.UUID{callerID, calleeID}, nil)
	deps.users.On("GetByID", ctx, callerID).Return(&domain.User{UserID: callerID, DisplayName: "Alice"}, nil)
	signals.On("NotifyMissed", ctx, mock.MatchedBy(func(s *domain.CallSession) bool {
		return s.Status == domain.CallStatusMissed
	}), []uuid.UUID{calleeID}).Return()
	deps.push.On("SendMissedCallNotification", ctx, stale.CallID, conversationID, callerID, "Alice", []uuid.UUID{calleeID}).Return(nil)

	swept, err := svc.MarkMissedCalls(ctx)

	assert.NoError(t, err)
	assert.Equal(t, 1, swept)
	signals.AssertExpectations(t)
	deps.push.AssertExpectations(t)
}

func TestMarkMissedCallsSkipsAnsweredCall(t *testing.T) {
	svc, deps := newTestService()

	callerID := uuid.New()
	conversationID := uuid.New()
	ctx := context.Background()

	stale := directSession(callerID, conversationID, domain.CallStatusRinging)

	deps.calls.On("ListRingingBefore", ctx, mock.AnythingOfType("time.Time")).Return([]*domain.CallSession{stale}, nil)
	// Answered between listing and the conditional update
	deps.calls.On("Terminate", ctx, stale.CallID, domain.CallStatusMissed,
		[]domain.CallStatus{domain.CallStatusRinging}).Return(false, nil)

	swept, err := svc.MarkMissedCalls(ctx)

	assert.NoError(t, err)
	assert.Equal(t, 0, swept)
	deps.push.AssertNotCalled(t, "SendMissedCallNotification",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEndStaleCalls(t *testing.T) {
	svc, deps := newTestService()

	ctx := context.Background()

	overdue := groupSession(uuid.New(), uuid.New(), domain.CallStatusOngoing)
	raced := groupSession(uuid.New(), uuid.New(), domain.CallStatusOngoing)

	deps.calls.On("ListActiveBefore", ctx, mock.AnythingOfType("time.Time")).Return([]*domain.CallSession{overdue, raced}, nil)
	deps.calls.On("Terminate", ctx, overdue.CallID, domain.CallStatusFailed,
		[]domain.CallStatus{domain.CallStatusRinging, domain.CallStatusOngoing}).Return(true, nil)
	deps.calls.On("Terminate", ctx, raced.CallID, domain.CallStatusFailed,
		[]domain.CallStatus{domain.CallStatusRinging, domain.CallStatusOngoing}).Return(false, nil)
	deps.participants.On("MarkAllLeft", ctx, overdue.CallID).Return(nil)

	swept, err := svc.EndStaleCalls(ctx)

	assert.NoError(t, err)
	assert.Equal(t, 1, swept)
	deps.participants.AssertExpectations(t)
}
