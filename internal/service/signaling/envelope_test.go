package signaling

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKindIsPeerSignal(t *testing.T) {
	assert.True(t, KindOffer.IsPeerSignal())
	assert.True(t, KindAnswer.IsPeerSignal())
	assert.True(t, KindICECandidate.IsPeerSignal())
	assert.True(t, KindMediaToggle.IsPeerSignal())

	assert.False(t, KindIncomingCall.IsPeerSignal())
	assert.False(t, KindUserJoined.IsPeerSignal())
	assert.False(t, KindCallEnded.IsPeerSignal())
	assert.False(t, KindCallError.IsPeerSignal())
}

func TestEnvelopeValidate(t *testing.T) {
	callID := uuid.New()
	senderID := uuid.New()

	valid := &Envelope{
		Kind:     KindOffer,
		CallID:   callID,
		SenderID: senderID,
		Offer:    &SessionDescription{Type: "offer", SDP: "v=0..."},
	}
	assert.NoError(t, valid.Validate())

	answer := &Envelope{
		Kind:     KindAnswer,
		CallID:   callID,
		SenderID: senderID,
		Answer:   &SessionDescription{Type: "answer", SDP: "v=0..."},
	}
	assert.NoError(t, answer.Validate())

	candidate := &Envelope{
		Kind:      KindICECandidate,
		CallID:    callID,
		SenderID:  senderID,
		Candidate: &ICECandidate{Candidate: "candidate:1 1 udp ..."},
	}
	assert.NoError(t, candidate.Validate())

	toggle := &Envelope{
		Kind:        KindMediaToggle,
		CallID:      callID,
		SenderID:    senderID,
		MediaToggle: &MediaToggle{Media: "microphone", On: false},
	}
	assert.NoError(t, toggle.Validate())
}

func TestEnvelopeValidateRejectsMissingCallID(t *testing.T) {
	e := &Envelope{
		Kind:  KindOffer,
		Offer: &SessionDescription{Type: "offer", SDP: "v=0..."},
	}
	assert.Error(t, e.Validate())
}

func TestEnvelopeValidateRejectsMissingPayload(t *testing.T) {
	e := &Envelope{
		Kind:   KindOffer,
		CallID: uuid.New(),
	}
	assert.Error(t, e.Validate())
}

func TestEnvelopeValidateRejectsExtraPayload(t *testing.T) {
	e := &Envelope{
		Kind:      KindOffer,
		CallID:    uuid.New(),
		Offer:     &SessionDescription{Type: "offer", SDP: "v=0..."},
		Candidate: &ICECandidate{Candidate: "candidate:1"},
	}
	assert.Error(t, e.Validate())
}

func TestEnvelopeValidateRejectsMismatchedPayload(t *testing.T) {
	// An ANSWER envelope carrying an offer payload
	e := &Envelope{
		Kind:   KindAnswer,
		CallID: uuid.New(),
		Offer:  &SessionDescription{Type: "offer", SDP: "v=0..."},
	}
	assert.Error(t, e.Validate())
}

func TestEnvelopeValidateRejectsUnknownKind(t *testing.T) {
	e := &Envelope{
		Kind:   "RENEGOTIATE",
		CallID: uuid.New(),
		Offer:  &SessionDescription{Type: "offer", SDP: "v=0..."},
	}
	assert.Error(t, e.Validate())
}

func TestEnvelopeStamp(t *testing.T) {
	e := &Envelope{Kind: KindOffer, CallID: uuid.New()}
	e.stamp()
	assert.NotZero(t, e.Timestamp)

	// An existing timestamp is preserved
	fixed := &Envelope{Kind: KindOffer, CallID: uuid.New(), Timestamp: 1234}
	fixed.stamp()
	assert.Equal(t, int64(1234), fixed.Timestamp)
}

func TestEnvelopeJSONOmitsAbsentPayloads(t *testing.T) {
	e := &Envelope{
		Kind:     KindICECandidate,
		CallID:   uuid.New(),
		SenderID: uuid.New(),
		Candidate: &ICECandidate{
			Candidate: "candidate:842163049 1 udp 1677729535 ...",
			SDPMid:    "0",
		},
	}
	e.stamp()

	raw, err := json.Marshal(e)
	assert.NoError(t, err)

	var decoded map[string]interface{}
	assert.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "candidate")
	assert.NotContains(t, decoded, "offer")
	assert.NotContains(t, decoded, "answer")
	assert.NotContains(t, decoded, "event")
	assert.NotContains(t, decoded, "targetId")
}

func TestChannelNames(t *testing.T) {
	userID := uuid.MustParse("6f8ff587-7b52-4f0e-8b1a-111111111111")
	assert.Equal(t, "user:6f8ff587-7b52-4f0e-8b1a-111111111111:call", UserCallChannel(userID))
	assert.Equal(t, "call:room:call-abc", RoomTopic("call-abc"))
}
