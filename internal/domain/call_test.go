package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCallStatusIsTerminal(t *testing.T) {
	assert.False(t, CallStatusInitiated.IsTerminal())
	assert.False(t, CallStatusRinging.IsTerminal())
	assert.False(t, CallStatusOngoing.IsTerminal())
	assert.True(t, CallStatusEnded.IsTerminal())
	assert.True(t, CallStatusMissed.IsTerminal())
	assert.True(t, CallStatusRejected.IsTerminal())
	assert.True(t, CallStatusFailed.IsTerminal())
}

func TestCallStatusIsActive(t *testing.T) {
	assert.True(t, CallStatusRinging.IsActive())
	assert.True(t, CallStatusOngoing.IsActive())
	assert.False(t, CallStatusInitiated.IsActive())
	assert.False(t, CallStatusEnded.IsActive())
	assert.False(t, CallStatusMissed.IsActive())
}

func TestCallStatusCanTransition(t *testing.T) {
	tests := []struct {
		from    CallStatus
		to      CallStatus
		allowed bool
	}{
		{CallStatusInitiated, CallStatusRinging, true},
		{CallStatusInitiated, CallStatusRejected, true},
		{CallStatusInitiated, CallStatusOngoing, false},
		{CallStatusRinging, CallStatusOngoing, true},
		{CallStatusRinging, CallStatusRejected, true},
		{CallStatusRinging, CallStatusMissed, true},
		{CallStatusRinging, CallStatusFailed, true},
		// group call whose last participant leaves before anyone answers
		{CallStatusRinging, CallStatusEnded, true},
		{CallStatusOngoing, CallStatusEnded, true},
		{CallStatusOngoing, CallStatusFailed, true},
		{CallStatusOngoing, CallStatusMissed, false},
		{CallStatusOngoing, CallStatusRejected, false},
		{CallStatusEnded, CallStatusOngoing, false},
		{CallStatusMissed, CallStatusRinging, false},
		{CallStatusRejected, CallStatusEnded, false},
		{CallStatusFailed, CallStatusRinging, false},
	}

	for _, tt := range tests {
		got := tt.from.CanTransition(tt.to)
		assert.Equal(t, tt.allowed, got, "%s -> %s", tt.from, tt.to)
	}
}

func TestCallSessionValidate(t *testing.T) {
	conversationID := uuid.New()
	chatRoomID := uuid.New()

	direct := &CallSession{
		CallID:         uuid.New(),
		CallMode:       CallModeDirect,
		ConversationID: &conversationID,
	}
	assert.NoError(t, direct.Validate())

	group := &CallSession{
		CallID:     uuid.New(),
		CallMode:   CallModeGroup,
		ChatRoomID: &chatRoomID,
	}
	assert.NoError(t, group.Validate())

	// Direct call without a conversation reference
	assert.Error(t, (&CallSession{CallMode: CallModeDirect}).Validate())

	// Direct call referencing both scopes
	both := &CallSession{
		CallMode:       CallModeDirect,
		ConversationID: &conversationID,
		ChatRoomID:     &chatRoomID,
	}
	assert.Error(t, both.Validate())

	// Group call without a chat room reference
	assert.Error(t, (&CallSession{CallMode: CallModeGroup}).Validate())

	// Unknown mode
	assert.Error(t, (&CallSession{CallMode: "BROADCAST"}).Validate())
}

func TestCallSessionScopeKey(t *testing.T) {
	conversationID := uuid.New()
	chatRoomID := uuid.New()

	direct := &CallSession{CallMode: CallModeDirect, ConversationID: &conversationID}
	assert.Equal(t, "conversation:"+conversationID.String(), direct.ScopeKey())

	group := &CallSession{CallMode: CallModeGroup, ChatRoomID: &chatRoomID}
	assert.Equal(t, "chatroom:"+chatRoomID.String(), group.ScopeKey())

	// Degenerate session falls back to its own ID so the lock still works
	orphan := &CallSession{CallID: uuid.New(), CallMode: CallModeDirect}
	assert.Equal(t, "call:"+orphan.CallID.String(), orphan.ScopeKey())
}

func TestDefaultCameraOn(t *testing.T) {
	assert.False(t, DefaultCameraOn(CallKindAudio))
	assert.True(t, DefaultCameraOn(CallKindVideo))
	assert.False(t, DefaultCameraOn(CallKindScreenShare))
}

func TestNewRoomID(t *testing.T) {
	a := NewRoomID()
	b := NewRoomID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "call-")
}
