package signaling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the payload carried by an Envelope
type Kind string

const (
	// WebRTC negotiation kinds relayed between peers
	KindOffer        Kind = "OFFER"
	KindAnswer       Kind = "ANSWER"
	KindICECandidate Kind = "ICE_CANDIDATE"
	KindMediaToggle  Kind = "MEDIA_TOGGLE"

	// Lifecycle kinds emitted by the server
	KindIncomingCall Kind = "INCOMING_CALL"
	KindUserJoined   Kind = "USER_JOINED"
	KindUserLeft     Kind = "USER_LEFT"
	KindCallRejected Kind = "CALL_REJECTED"
	KindCallEnded    Kind = "CALL_ENDED"
	KindCallMissed   Kind = "CALL_MISSED"
	KindCallError    Kind = "CALL_ERROR"
)

// IsPeerSignal reports whether the kind is client-originated WebRTC traffic
func (k Kind) IsPeerSignal() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindMediaToggle:
		return true
	}
	return false
}

// SessionDescription is an opaque SDP blob. The server never parses it.
type SessionDescription struct {
	Type string `json:"type"` // offer or answer
	SDP  string `json:"sdp"`
}

// ICECandidate is an opaque ICE candidate. The server never parses it.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
}

// MediaToggle announces a participant's media state change
type MediaToggle struct {
	Media string `json:"media"` // microphone, camera or screen_share
	On    bool   `json:"on"`
}

// CallEvent carries the session snapshot attached to lifecycle kinds
type CallEvent struct {
	CallID         uuid.UUID  `json:"callId"`
	RoomID         string     `json:"roomId"`
	CallKind       string     `json:"callKind"`
	CallMode       string     `json:"callMode"`
	Status         string     `json:"status"`
	CallerID       uuid.UUID  `json:"callerId"`
	CallerName     string     `json:"callerName,omitempty"`
	ConversationID *uuid.UUID `json:"conversationId,omitempty"`
	ChatRoomID     *uuid.UUID `json:"chatRoomId,omitempty"`
	Duration       *int       `json:"duration,omitempty"`
}

// ErrorInfo describes a failed operation relayed back to the sender
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the wire format for all signaling traffic. Kind selects exactly
// one payload field; all others must be nil.
type Envelope struct {
	Kind      Kind       `json:"kind"`
	CallID    uuid.UUID  `json:"callId"`
	SenderID  uuid.UUID  `json:"senderId"`
	TargetID  *uuid.UUID `json:"targetId,omitempty"`
	Timestamp int64      `json:"timestamp"`

	Offer       *SessionDescription `json:"offer,omitempty"`
	Answer      *SessionDescription `json:"answer,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
	MediaToggle *MediaToggle        `json:"mediaToggle,omitempty"`
	Event       *CallEvent          `json:"event,omitempty"`
	Error       *ErrorInfo          `json:"error,omitempty"`
}

// Validate checks that the envelope carries exactly the payload its kind
// requires
func (e *Envelope) Validate() error {
	if e.CallID == uuid.Nil {
		return fmt.Errorf("missing callId")
	}

	got := 0
	for _, present := range []bool{
		e.Offer != nil, e.Answer != nil, e.Candidate != nil,
		e.MediaToggle != nil, e.Event != nil, e.Error != nil,
	} {
		if present {
			got++
		}
	}

	var want string
	var need bool
	switch e.Kind {
	case KindOffer:
		want, need = "offer", e.Offer != nil
	case KindAnswer:
		want, need = "answer", e.Answer != nil
	case KindICECandidate:
		want, need = "candidate", e.Candidate != nil
	case KindMediaToggle:
		want, need = "mediaToggle", e.MediaToggle != nil
	case KindIncomingCall, KindUserJoined, KindUserLeft, KindCallRejected, KindCallEnded, KindCallMissed:
		want, need = "event", e.Event != nil
	case KindCallError:
		want, need = "error", e.Error != nil
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if !need {
		return fmt.Errorf("kind %s requires a %s payload", e.Kind, want)
	}
	if got != 1 {
		return fmt.Errorf("kind %s must carry exactly one payload, got %d", e.Kind, got)
	}
	return nil
}

// stamp fills Timestamp if the sender left it zero
func (e *Envelope) stamp() {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
}

// UserCallChannel is the private channel a user's connections subscribe to
// for direct-call signaling and incoming-call alerts
func UserCallChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:call", userID)
}

// RoomTopic is the shared topic all participants of a call room subscribe to
func RoomTopic(roomID string) string {
	return fmt.Sprintf("call:room:%s", roomID)
}
