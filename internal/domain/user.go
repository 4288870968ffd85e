package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents an already-authenticated identity known to the directory.
// Maps to CockroachDB users table; the call service only reads it.
type User struct {
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Username    string    `json:"username" db:"username"`
	DisplayName string    `json:"display_name" db:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty" db:"avatar_url"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
