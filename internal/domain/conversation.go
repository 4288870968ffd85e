package domain

import (
	"time"

	"github.com/google/uuid"
)

// Conversation represents a direct (two-party) conversation.
// Maps to CockroachDB conversations table; membership is managed elsewhere,
// the call service only resolves participants.
type Conversation struct {
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	CreatedBy      uuid.UUID `json:"created_by" db:"created_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ChatRoom represents a group chat room that can host group calls.
// Maps to CockroachDB chat_rooms table.
type ChatRoom struct {
	ChatRoomID uuid.UUID `json:"chat_room_id" db:"chat_room_id"`
	Name       string    `json:"name" db:"name"`
	CreatedBy  uuid.UUID `json:"created_by" db:"created_by"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
