package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callbridge-backend/internal/domain"
)

// ConversationRepository resolves conversation and chat room membership for
// call routing. Membership itself is managed by the conversation service; this
// repository only reads.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// GetConversation retrieves a conversation; returns (nil, nil) if absent
func (r *ConversationRepository) GetConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT conversation_id, created_by, created_at
		FROM conversations
		WHERE conversation_id = $1
	`

	conv := &domain.Conversation{}
	err := r.pool.QueryRow(ctx, query, conversationID).Scan(
		&conv.ConversationID,
		&conv.CreatedBy,
		&conv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ParticipantsOf returns the two parties of a direct conversation
func (r *ConversationRepository) ParticipantsOf(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at ASC
	`

	return r.queryUserIDs(ctx, query, conversationID)
}

// GetChatRoom retrieves a chat room; returns (nil, nil) if absent
func (r *ConversationRepository) GetChatRoom(ctx context.Context, chatRoomID uuid.UUID) (*domain.ChatRoom, error) {
	query := `
		SELECT chat_room_id, name, created_by, created_at
		FROM chat_rooms
		WHERE chat_room_id = $1
	`

	room := &domain.ChatRoom{}
	err := r.pool.QueryRow(ctx, query, chatRoomID).Scan(
		&room.ChatRoomID,
		&room.Name,
		&room.CreatedBy,
		&room.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chat room: %w", err)
	}
	return room, nil
}

// MembersOf returns the member set of a chat room
func (r *ConversationRepository) MembersOf(ctx context.Context, chatRoomID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT user_id FROM chat_room_members
		WHERE chat_room_id = $1
	`

	return r.queryUserIDs(ctx, query, chatRoomID)
}

// IsMember reports whether the user belongs to the chat room
func (r *ConversationRepository) IsMember(ctx context.Context, chatRoomID, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM chat_room_members
			WHERE chat_room_id = $1 AND user_id = $2
		)
	`

	var member bool
	if err := r.pool.QueryRow(ctx, query, chatRoomID, userID).Scan(&member); err != nil {
		return false, fmt.Errorf("failed to check chat room membership: %w", err)
	}
	return member, nil
}

func (r *ConversationRepository) queryUserIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
