package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallKind represents the media kind of a call session
type CallKind string

const (
	CallKindAudio       CallKind = "AUDIO"
	CallKindVideo       CallKind = "VIDEO"
	CallKindScreenShare CallKind = "SCREEN_SHARE"
)

// CallMode distinguishes 1-on-1 calls from group/conference calls
type CallMode string

const (
	CallModeDirect CallMode = "DIRECT"
	CallModeGroup  CallMode = "GROUP"
)

// CallStatus is the call session state machine.
//
// RINGING -> ONGOING -> ENDED, with side branches RINGING -> MISSED,
// INITIATED|RINGING -> REJECTED, RINGING|ONGOING -> FAILED (reaper) and
// RINGING -> ENDED (a group call whose last participant leaves before
// anyone else answers). ENDED, MISSED, REJECTED and FAILED are terminal.
//
// INITIATED is retained for history compatibility with older rows; new
// sessions are created directly in RINGING.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "INITIATED"
	CallStatusRinging   CallStatus = "RINGING"
	CallStatusOngoing   CallStatus = "ONGOING"
	CallStatusEnded     CallStatus = "ENDED"
	CallStatusMissed    CallStatus = "MISSED"
	CallStatusRejected  CallStatus = "REJECTED"
	CallStatusFailed    CallStatus = "FAILED"
)

// IsTerminal reports whether no further transition may leave this status
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusMissed, CallStatusRejected, CallStatusFailed:
		return true
	}
	return false
}

// IsActive reports whether the session still counts against the
// single-active-call invariant for its scope
func (s CallStatus) IsActive() bool {
	return s == CallStatusRinging || s == CallStatusOngoing
}

// CanTransition reports whether to is directly reachable from s
func (s CallStatus) CanTransition(to CallStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case CallStatusInitiated:
		return to == CallStatusRinging || to == CallStatusRejected
	case CallStatusRinging:
		return to == CallStatusOngoing || to == CallStatusRejected ||
			to == CallStatusMissed || to == CallStatusFailed ||
			// last participant of a group call leaving while it still rings
			to == CallStatusEnded
	case CallStatusOngoing:
		return to == CallStatusEnded || to == CallStatusFailed
	}
	return false
}

// CallSession represents one audio/video/screen-share engagement, direct or group
type CallSession struct {
	CallID         uuid.UUID  `json:"call_id"`
	RoomID         string     `json:"room_id"` // WebRTC room token handed to clients
	CallKind       CallKind   `json:"call_kind"`
	CallMode       CallMode   `json:"call_mode"`
	Status         CallStatus `json:"status"`
	CallerID       uuid.UUID  `json:"caller_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"` // set iff DIRECT
	ChatRoomID     *uuid.UUID `json:"chat_room_id,omitempty"`    // set iff GROUP
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Duration       *int       `json:"duration,omitempty"` // seconds, absent if never ONGOING
}

// IsDirect reports whether this is a 1-on-1 call
func (c *CallSession) IsDirect() bool {
	return c.CallMode == CallModeDirect
}

// IsGroup reports whether this is a group/conference call
func (c *CallSession) IsGroup() bool {
	return c.CallMode == CallModeGroup
}

// ScopeKey returns the serialization key for the single-active-call invariant:
// the conversation for direct calls, the chat room for group calls
func (c *CallSession) ScopeKey() string {
	if c.IsDirect() && c.ConversationID != nil {
		return "conversation:" + c.ConversationID.String()
	}
	if c.ChatRoomID != nil {
		return "chatroom:" + c.ChatRoomID.String()
	}
	return "call:" + c.CallID.String()
}

// Validate checks the structural invariant: exactly one scope reference,
// matching the call mode
func (c *CallSession) Validate() error {
	switch c.CallMode {
	case CallModeDirect:
		if c.ConversationID == nil || c.ChatRoomID != nil {
			return fmt.Errorf("direct call must reference exactly a conversation")
		}
	case CallModeGroup:
		if c.ChatRoomID == nil || c.ConversationID != nil {
			return fmt.Errorf("group call must reference exactly a chat room")
		}
	default:
		return fmt.Errorf("unknown call mode: %s", c.CallMode)
	}
	return nil
}

// NewRoomID generates the opaque WebRTC room token for a new session
func NewRoomID() string {
	return "call-" + uuid.New().String()
}

// ParticipantStatus tracks a user's membership state within a call
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "INVITED"
	ParticipantRinging  ParticipantStatus = "RINGING"
	ParticipantJoined   ParticipantStatus = "JOINED"
	ParticipantLeft     ParticipantStatus = "LEFT"
	ParticipantRejected ParticipantStatus = "REJECTED"
)

// CallParticipant represents a user's membership record within a call session,
// unique per (call_id, user_id)
type CallParticipant struct {
	CallID        uuid.UUID         `json:"call_id"`
	UserID        uuid.UUID         `json:"user_id"`
	Status        ParticipantStatus `json:"status"`
	JoinedAt      *time.Time        `json:"joined_at,omitempty"`
	LeftAt        *time.Time        `json:"left_at,omitempty"`
	MicOn         bool              `json:"mic_on"`
	CameraOn      bool              `json:"camera_on"`
	ScreenSharing bool              `json:"screen_sharing"`
}

// DefaultCameraOn returns the camera default for a freshly joined participant:
// on for video calls, off otherwise
func DefaultCameraOn(kind CallKind) bool {
	return kind == CallKindVideo
}

// CallStats aggregates a user's call history
type CallStats struct {
	TotalCalls      int     `json:"total_calls"`
	TotalDuration   int     `json:"total_duration"` // seconds
	MissedCalls     int     `json:"missed_calls"`
	AverageDuration float64 `json:"average_duration"` // seconds
}
