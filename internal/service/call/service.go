package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/repository/cockroach"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
	"callbridge-backend/pkg/push"
)

// SessionStore persists call sessions
type SessionStore interface {
	Create(ctx context.Context, call *domain.CallSession) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error)
	GetActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error)
	GetActiveByChatRoom(ctx context.Context, chatRoomID uuid.UUID) (*domain.CallSession, error)
	IsUserInActiveCall(ctx context.Context, userID uuid.UUID) (bool, error)
	Activate(ctx context.Context, callID uuid.UUID) (bool, error)
	Terminate(ctx context.Context, callID uuid.UUID, to domain.CallStatus, from ...domain.CallStatus) (bool, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
	GetByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]*domain.CallSession, error)
	GetByChatRoom(ctx context.Context, chatRoomID uuid.UUID, limit int) ([]*domain.CallSession, error)
	ListRingingBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error)
	ListActiveBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error)
	GetStatistics(ctx context.Context, userID uuid.UUID) (*domain.CallStats, error)
}

// ParticipantStore persists per-call participant bookkeeping
type ParticipantStore interface {
	UpsertJoined(ctx context.Context, callID, userID uuid.UUID, cameraOn bool) error
	RecordRejected(ctx context.Context, callID, userID uuid.UUID) error
	MarkLeft(ctx context.Context, callID, userID uuid.UUID) (bool, error)
	MarkAllLeft(ctx context.Context, callID uuid.UUID) error
	CountActive(ctx context.Context, callID uuid.UUID) (int, error)
	Get(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error)
	ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error)
	ListActiveByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error)
	ToggleMicrophone(ctx context.Context, callID, userID uuid.UUID) (on bool, found bool, err error)
	ToggleCamera(ctx context.Context, callID, userID uuid.UUID) (on bool, found bool, err error)
	ToggleScreenShare(ctx context.Context, callID, userID uuid.UUID) (on bool, found bool, err error)
}

// Directory resolves user identities
type Directory interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// ConversationLookup resolves conversation and chat room membership
type ConversationLookup interface {
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error)
	ParticipantsOf(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	GetChatRoom(ctx context.Context, chatRoomID uuid.UUID) (*domain.ChatRoom, error)
	MembersOf(ctx context.Context, chatRoomID uuid.UUID) ([]uuid.UUID, error)
	IsMember(ctx context.Context, chatRoomID, userID uuid.UUID) (bool, error)
}

// PresenceStore reports whether a user currently has a live connection
type PresenceStore interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// PushNotifier delivers push notifications to devices of offline users
type PushNotifier interface {
	SendCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []uuid.UUID) error
	SendMissedCallNotification(ctx context.Context, callID, scopeID, callerID uuid.UUID, callerName string, calleeIDs []uuid.UUID) error
}

// MissedNotifier pushes missed-call events to connected clients. The reaper
// sweeps calls outside any request, so the service delivers these itself.
type MissedNotifier interface {
	NotifyMissed(ctx context.Context, session *domain.CallSession, calleeIDs []uuid.UUID)
}

// Config holds call lifecycle policy
type Config struct {
	// RingTimeout is how long a RINGING call may stay unanswered before the
	// reaper marks it MISSED
	RingTimeout time.Duration
	// MaxCallDuration is how long any call may stay active before the reaper
	// marks it FAILED
	MaxCallDuration time.Duration
}

// Service owns the call session state machine
type Service struct {
	callRepo         SessionStore
	participantRepo  ParticipantStore
	userRepo         Directory
	conversationRepo ConversationLookup
	presenceRepo     PresenceStore
	pushSvc          PushNotifier
	signals          MissedNotifier
	cfg              Config
	scopes           *scopeLock
}

// SetSignalNotifier attaches the signaling relay used for reaper-driven
// missed-call events. Called once during wiring; not safe after Start.
func (s *Service) SetSignalNotifier(n MissedNotifier) {
	s.signals = n
}

// NewService creates a new call service
func NewService(
	callRepo SessionStore,
	participantRepo ParticipantStore,
	userRepo Directory,
	conversationRepo ConversationLookup,
	presenceRepo PresenceStore,
	pushSvc PushNotifier,
	cfg Config,
) *Service {
	return &Service{
		callRepo:         callRepo,
		participantRepo:  participantRepo,
		userRepo:         userRepo,
		conversationRepo: conversationRepo,
		presenceRepo:     presenceRepo,
		pushSvc:          pushSvc,
		cfg:              cfg,
		scopes:           newScopeLock(),
	}
}

// InitiateOutput contains the created session and the users to be notified
type InitiateOutput struct {
	Call    *domain.CallSession
	Callees []uuid.UUID
}

// InitiateDirect starts a 1-on-1 call in a conversation. The caller is not
// recorded as a participant; for direct calls the WebRTC exchange starts only
// after the callee accepts.
func (s *Service) InitiateDirect(ctx context.Context, callerID, conversationID uuid.UUID, kind domain.CallKind) (*InitiateOutput, error) {
	conv, err := s.conversationRepo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load conversation", err)
	}
	if conv == nil {
		return nil, apperrors.NotFoundError("Conversation")
	}

	parties, err := s.conversationRepo.ParticipantsOf(ctx, conversationID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load conversation participants", err)
	}
	if !containsID(parties, callerID) {
		return nil, apperrors.ForbiddenError("Caller is not a member of this conversation")
	}

	conversationRef := conversationID
	session := &domain.CallSession{
		CallID:         uuid.New(),
		RoomID:         domain.NewRoomID(),
		CallKind:       kind,
		CallMode:       domain.CallModeDirect,
		Status:         domain.CallStatusRinging,
		CallerID:       callerID,
		ConversationID: &conversationRef,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.createActive(ctx, session, callerID); err != nil {
		return nil, err
	}

	callees := excludeID(parties, callerID)
	s.notifyOfflineCallees(ctx, session, callees)

	metrics.CallInitiatedTotal.WithLabelValues(string(kind), string(domain.CallModeDirect)).Inc()
	logger.Info("Direct call initiated",
		zap.String("call_id", session.CallID.String()),
		zap.String("conversation_id", conversationID.String()),
		zap.String("caller_id", callerID.String()),
		zap.String("call_kind", string(kind)))

	return &InitiateOutput{Call: session, Callees: callees}, nil
}

// InitiateGroup starts a group call in a chat room. Group calls are always-on
// rooms: the initiator joins immediately.
func (s *Service) InitiateGroup(ctx context.Context, callerID, chatRoomID uuid.UUID, kind domain.CallKind) (*InitiateOutput, error) {
	room, err := s.conversationRepo.GetChatRoom(ctx, chatRoomID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load chat room", err)
	}
	if room == nil {
		return nil, apperrors.NotFoundError("Chat room")
	}

	member, err := s.conversationRepo.IsMember(ctx, chatRoomID, callerID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to check chat room membership", err)
	}
	if !member {
		return nil, apperrors.ForbiddenError("Caller is not a member of this chat room")
	}

	chatRoomRef := chatRoomID
	session := &domain.CallSession{
		CallID:     uuid.New(),
		RoomID:     domain.NewRoomID(),
		CallKind:   kind,
		CallMode:   domain.CallModeGroup,
		Status:     domain.CallStatusRinging,
		CallerID:   callerID,
		ChatRoomID: &chatRoomRef,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.createActive(ctx, session, callerID); err != nil {
		return nil, err
	}

	if err := s.participantRepo.UpsertJoined(ctx, session.CallID, callerID, domain.DefaultCameraOn(kind)); err != nil {
		return nil, apperrors.DatabaseError("failed to join initiator", err)
	}

	members, err := s.conversationRepo.MembersOf(ctx, chatRoomID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load chat room members", err)
	}
	callees := excludeID(members, callerID)
	s.notifyOfflineCallees(ctx, session, callees)

	metrics.CallInitiatedTotal.WithLabelValues(string(kind), string(domain.CallModeGroup)).Inc()
	logger.Info("Group call initiated",
		zap.String("call_id", session.CallID.String()),
		zap.String("chat_room_id", chatRoomID.String()),
		zap.String("caller_id", callerID.String()),
		zap.String("call_kind", string(kind)))

	return &InitiateOutput{Call: session, Callees: callees}, nil
}

// createActive holds the scope lock across the active-call check and the
// insert. The storage layer's partial unique index backs this up across
// processes; either guard failing surfaces as ALREADY_IN_CALL.
func (s *Service) createActive(ctx context.Context, session *domain.CallSession, callerID uuid.UUID) error {
	unlock := s.scopes.Lock(session.ScopeKey())
	defer unlock()

	var existing *domain.CallSession
	var err error
	if session.IsDirect() {
		existing, err = s.callRepo.GetActiveByConversation(ctx, *session.ConversationID)
	} else {
		existing, err = s.callRepo.GetActiveByChatRoom(ctx, *session.ChatRoomID)
	}
	if err != nil {
		return apperrors.DatabaseError("failed to check for active call", err)
	}
	if existing != nil {
		return apperrors.AlreadyInCallError("There is already an active call in this scope")
	}

	busy, err := s.callRepo.IsUserInActiveCall(ctx, callerID)
	if err != nil {
		return apperrors.DatabaseError("failed to check caller availability", err)
	}
	if busy {
		return apperrors.AlreadyInCallError("Caller is already in an active call")
	}

	if err := s.callRepo.Create(ctx, session); err != nil {
		if errors.Is(err, cockroach.ErrActiveCallExists) {
			return apperrors.AlreadyInCallError("There is already an active call in this scope")
		}
		return apperrors.DatabaseError("failed to create call", err)
	}
	return nil
}

// Accept joins the user and, for a direct call still RINGING, activates the
// session and stamps started_at
func (s *Service) Accept(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.getSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, apperrors.InvalidCallStateError("Cannot accept a call that has ended")
	}
	if err := s.authorizeMember(ctx, session, userID); err != nil {
		return nil, err
	}

	if err := s.participantRepo.UpsertJoined(ctx, callID, userID, domain.DefaultCameraOn(session.CallKind)); err != nil {
		return nil, apperrors.DatabaseError("failed to join participant", err)
	}

	if session.IsDirect() && session.Status == domain.CallStatusRinging {
		if _, err := s.callRepo.Activate(ctx, callID); err != nil {
			return nil, apperrors.DatabaseError("failed to activate call", err)
		}
	}

	return s.getSession(ctx, callID)
}

// Reject records the user's rejection. A direct call transitions to REJECTED;
// a group call keeps running for everyone else.
func (s *Service) Reject(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.getSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, apperrors.InvalidCallStateError("Cannot reject a call that has ended")
	}
	if session.IsDirect() && session.Status == domain.CallStatusOngoing {
		return nil, apperrors.InvalidCallStateError("Cannot reject an ongoing call")
	}
	if err := s.authorizeMember(ctx, session, userID); err != nil {
		return nil, err
	}

	if err := s.participantRepo.RecordRejected(ctx, callID, userID); err != nil {
		return nil, apperrors.DatabaseError("failed to record rejection", err)
	}

	if session.IsDirect() {
		changed, err := s.callRepo.Terminate(ctx, callID, domain.CallStatusRejected,
			domain.CallStatusInitiated, domain.CallStatusRinging)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to reject call", err)
		}
		if changed {
			metrics.CallTerminatedTotal.WithLabelValues(string(domain.CallStatusRejected)).Inc()
		}
	}

	return s.getSession(ctx, callID)
}

// Cancel withdraws an unanswered call. Only the initiator may cancel, and only
// before the call goes ONGOING. A cancelled call lands in REJECTED: the status
// enum deliberately matches the source system's history values, which have no
// separate CANCELLED state.
func (s *Service) Cancel(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.getSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	if session.CallerID != userID {
		return nil, apperrors.ForbiddenError("Only the caller can cancel the call")
	}
	if session.Status != domain.CallStatusInitiated && session.Status != domain.CallStatusRinging {
		return nil, apperrors.InvalidCallStateError("Cannot cancel an ongoing call")
	}

	changed, err := s.callRepo.Terminate(ctx, callID, domain.CallStatusRejected,
		domain.CallStatusInitiated, domain.CallStatusRinging)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to cancel call", err)
	}
	if !changed {
		// Lost the race against an accept or the reaper
		return nil, apperrors.InvalidCallStateError("Call can no longer be cancelled")
	}
	metrics.CallTerminatedTotal.WithLabelValues(string(domain.CallStatusRejected)).Inc()

	return s.getSession(ctx, callID)
}

// End terminates the call: every JOINED participant is marked LEFT and the
// session moves to ENDED with its duration. Ending an already-terminal call
// is a no-op, not an error, so racing end/leave/reaper paths converge.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.getSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return session, nil
	}

	if err := s.participantRepo.MarkAllLeft(ctx, callID); err != nil {
		return nil, apperrors.DatabaseError("failed to mark participants left", err)
	}

	changed, err := s.callRepo.Terminate(ctx, callID, domain.CallStatusEnded)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to end call", err)
	}

	session, err = s.getSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.CallTerminatedTotal.WithLabelValues(string(domain.CallStatusEnded)).Inc()
		if session.Duration != nil {
			metrics.CallDurationSeconds.WithLabelValues(string(session.CallKind)).Observe(float64(*session.Duration))
		}
		logger.Info("Call ended",
			zap.String("call_id", callID.String()),
			zap.String("ended_by", userID.String()))
	}
	return session, nil
}

// Leave marks the participant LEFT; when the last JOINED participant leaves,
// the call auto-ends
func (s *Service) Leave(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.getSession(ctx, callID)
	if err != nil {
		return nil, err
	}

	left, err := s.participantRepo.MarkLeft(ctx, callID, userID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to mark participant left", err)
	}
	if !left {
		return nil, apperrors.ParticipantNotFoundError()
	}

	active, err := s.participantRepo.CountActive(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to count active participants", err)
	}
	if active == 0 && !session.Status.IsTerminal() {
		return s.End(ctx, callID, userID)
	}

	return s.getSession(ctx, callID)
}

// ToggleMicrophone flips the participant's microphone flag and returns the
// new value
func (s *Service) ToggleMicrophone(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	on, found, err := s.participantRepo.ToggleMicrophone(ctx, callID, userID)
	if err != nil {
		return false, apperrors.DatabaseError("failed to toggle microphone", err)
	}
	if !found {
		return false, apperrors.ParticipantNotFoundError()
	}
	return on, nil
}

// ToggleCamera flips the participant's camera flag and returns the new value
func (s *Service) ToggleCamera(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	on, found, err := s.participantRepo.ToggleCamera(ctx, callID, userID)
	if err != nil {
		return false, apperrors.DatabaseError("failed to toggle camera", err)
	}
	if !found {
		return false, apperrors.ParticipantNotFoundError()
	}
	return on, nil
}

// ToggleScreenShare flips the participant's screen-sharing flag and returns
// the new value
func (s *Service) ToggleScreenShare(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	on, found, err := s.participantRepo.ToggleScreenShare(ctx, callID, userID)
	if err != nil {
		return false, apperrors.DatabaseError("failed to toggle screen share", err)
	}
	if !found {
		return false, apperrors.ParticipantNotFoundError()
	}
	return on, nil
}

// GetByID retrieves a call session
func (s *Service) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	return s.getSession(ctx, callID)
}

// AuthorizeAccess verifies the user may exchange signaling traffic for the
// call and returns the session. Terminal calls reject new signaling.
func (s *Service) AuthorizeAccess(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.getSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, apperrors.InvalidCallStateError("Call has already ended")
	}
	if err := s.authorizeMember(ctx, session, userID); err != nil {
		return nil, err
	}
	return session, nil
}

// GetParticipants lists all participants of a call
func (s *Service) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	participants, err := s.participantRepo.ListByCall(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to list participants", err)
	}
	return participants, nil
}

// GetActiveParticipants lists the currently JOINED participants of a call
func (s *Service) GetActiveParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	participants, err := s.participantRepo.ListActiveByCall(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to list active participants", err)
	}
	return participants, nil
}

// GetActiveForConversation returns the active call in a conversation, or nil
func (s *Service) GetActiveForConversation(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.callRepo.GetActiveByConversation(ctx, conversationID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to get active call", err)
	}
	return session, nil
}

// GetActiveForChatRoom returns the active call in a chat room, or nil
func (s *Service) GetActiveForChatRoom(ctx context.Context, chatRoomID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.callRepo.GetActiveByChatRoom(ctx, chatRoomID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to get active call", err)
	}
	return session, nil
}

// IsUserInActiveCall reports whether the user is the initiator or a JOINED
// participant of any ONGOING call
func (s *Service) IsUserInActiveCall(ctx context.Context, userID uuid.UUID) (bool, error) {
	busy, err := s.callRepo.IsUserInActiveCall(ctx, userID)
	if err != nil {
		return false, apperrors.DatabaseError("failed to check availability", err)
	}
	return busy, nil
}

// GetUserCallHistory retrieves a user's call history, most recent first
func (s *Service) GetUserCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	calls, err := s.callRepo.GetUserCalls(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to get call history", err)
	}
	return calls, nil
}

// GetConversationCalls retrieves call history for a conversation
func (s *Service) GetConversationCalls(ctx context.Context, conversationID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	calls, err := s.callRepo.GetByConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to get conversation calls", err)
	}
	return calls, nil
}

// GetChatRoomCalls retrieves call history for a chat room
func (s *Service) GetChatRoomCalls(ctx context.Context, chatRoomID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	calls, err := s.callRepo.GetByChatRoom(ctx, chatRoomID, limit)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to get chat room calls", err)
	}
	return calls, nil
}

// GetStatistics aggregates a user's call history
func (s *Service) GetStatistics(ctx context.Context, userID uuid.UUID) (*domain.CallStats, error) {
	stats, err := s.callRepo.GetStatistics(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to get call statistics", err)
	}
	return stats, nil
}

// CalleesOf resolves the users that should be notified about a session:
// the conversation counterpart for direct calls, all other room members for
// group calls
func (s *Service) CalleesOf(ctx context.Context, session *domain.CallSession) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	var err error
	if session.IsDirect() {
		ids, err = s.conversationRepo.ParticipantsOf(ctx, *session.ConversationID)
	} else {
		ids, err = s.conversationRepo.MembersOf(ctx, *session.ChatRoomID)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("failed to resolve callees", err)
	}
	return excludeID(ids, session.CallerID), nil
}

// MarkMissedCalls sweeps RINGING calls older than the ring timeout into
// MISSED. Used by the reaper and the admin cleanup endpoint. Returns the
// number of calls transitioned.
func (s *Service) MarkMissedCalls(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.RingTimeout)
	stale, err := s.callRepo.ListRingingBefore(ctx, cutoff)
	if err != nil {
		return 0, apperrors.DatabaseError("failed to list ringing calls", err)
	}

	swept := 0
	for _, session := range stale {
		changed, err := s.callRepo.Terminate(ctx, session.CallID, domain.CallStatusMissed, domain.CallStatusRinging)
		if err != nil {
			logger.Error("Failed to mark call missed",
				zap.String("call_id", session.CallID.String()),
				zap.Error(err))
			continue
		}
		if !changed {
			continue // answered or terminated while sweeping
		}
		swept++
		metrics.CallTerminatedTotal.WithLabelValues(string(domain.CallStatusMissed)).Inc()
		session.Status = domain.CallStatusMissed
		s.notifyMissed(ctx, session)
	}
	return swept, nil
}

// EndStaleCalls sweeps RINGING/ONGOING calls older than the maximum call
// duration into FAILED. Returns the number of calls transitioned.
func (s *Service) EndStaleCalls(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.MaxCallDuration)
	stale, err := s.callRepo.ListActiveBefore(ctx, cutoff)
	if err != nil {
		return 0, apperrors.DatabaseError("failed to list active calls", err)
	}

	swept := 0
	for _, session := range stale {
		changed, err := s.callRepo.Terminate(ctx, session.CallID, domain.CallStatusFailed,
			domain.CallStatusRinging, domain.CallStatusOngoing)
		if err != nil {
			logger.Error("Failed to mark call failed",
				zap.String("call_id", session.CallID.String()),
				zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		if err := s.participantRepo.MarkAllLeft(ctx, session.CallID); err != nil {
			logger.Warn("Failed to mark participants left for failed call",
				zap.String("call_id", session.CallID.String()),
				zap.Error(err))
		}
		swept++
		metrics.CallTerminatedTotal.WithLabelValues(string(domain.CallStatusFailed)).Inc()
	}
	return swept, nil
}

func (s *Service) getSession(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.callRepo.GetByID(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to get call", err)
	}
	if session == nil {
		return nil, apperrors.CallNotFoundError()
	}
	return session, nil
}

// authorizeMember verifies the user belongs to the session's conversation or
// chat room
func (s *Service) authorizeMember(ctx context.Context, session *domain.CallSession, userID uuid.UUID) error {
	if session.CallerID == userID {
		return nil
	}
	if session.IsDirect() {
		parties, err := s.conversationRepo.ParticipantsOf(ctx, *session.ConversationID)
		if err != nil {
			return apperrors.DatabaseError("failed to load conversation participants", err)
		}
		if !containsID(parties, userID) {
			return apperrors.ForbiddenError("User is not a member of this conversation")
		}
		return nil
	}
	member, err := s.conversationRepo.IsMember(ctx, *session.ChatRoomID, userID)
	if err != nil {
		return apperrors.DatabaseError("failed to check chat room membership", err)
	}
	if !member {
		return apperrors.ForbiddenError("User is not a member of this chat room")
	}
	return nil
}

// notifyOfflineCallees pushes an incoming-call notification to callees that
// have no live connection. Best effort: failures are logged, never returned.
func (s *Service) notifyOfflineCallees(ctx context.Context, session *domain.CallSession, callees []uuid.UUID) {
	if s.pushSvc == nil || len(callees) == 0 {
		return
	}

	var offline []uuid.UUID
	for _, calleeID := range callees {
		online, err := s.presenceRepo.IsUserOnline(ctx, calleeID)
		if err != nil {
			logger.Warn("Presence check failed, assuming offline",
				zap.String("user_id", calleeID.String()),
				zap.Error(err))
		}
		if err != nil || !online {
			offline = append(offline, calleeID)
		}
	}
	if len(offline) == 0 {
		return
	}

	callerName := s.displayName(ctx, session.CallerID)
	data := &push.CallNotificationData{
		CallID:         session.CallID,
		ConversationID: scopeID(session),
		CallerID:       session.CallerID,
		CallerName:     callerName,
		CallType:       string(session.CallKind),
		CallStatus:     string(session.Status),
		Timestamp:      time.Now().Unix(),
	}
	if err := s.pushSvc.SendCallNotification(ctx, data, offline); err != nil {
		logger.Warn("Failed to push incoming call notification",
			zap.String("call_id", session.CallID.String()),
			zap.Error(err))
	}
}

// notifyMissed tells the callees their ring went unanswered, over the
// signaling relay for connected clients and push for everyone. Best effort.
func (s *Service) notifyMissed(ctx context.Context, session *domain.CallSession) {
	callees, err := s.CalleesOf(ctx, session)
	if err != nil || len(callees) == 0 {
		return
	}
	if s.signals != nil {
		s.signals.NotifyMissed(ctx, session, callees)
	}
	if s.pushSvc == nil {
		return
	}
	callerName := s.displayName(ctx, session.CallerID)
	if err := s.pushSvc.SendMissedCallNotification(ctx, session.CallID, scopeID(session), session.CallerID, callerName, callees); err != nil {
		logger.Warn("Failed to push missed call notification",
			zap.String("call_id", session.CallID.String()),
			zap.Error(err))
	}
}

func (s *Service) displayName(ctx context.Context, userID uuid.UUID) string {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil || user == nil {
		return "Unknown"
	}
	return user.DisplayName
}

func scopeID(session *domain.CallSession) uuid.UUID {
	if session.ConversationID != nil {
		return *session.ConversationID
	}
	if session.ChatRoomID != nil {
		return *session.ChatRoomID
	}
	return uuid.Nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func excludeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}
