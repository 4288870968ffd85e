package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"callbridge-backend/internal/domain"
)

// Schema (see deployments/schema.sql):
//
//	CREATE TABLE calls (
//	    call_id         UUID PRIMARY KEY,
//	    room_id         STRING(100) NOT NULL UNIQUE,
//	    call_kind       STRING(20) NOT NULL,
//	    call_mode       STRING(10) NOT NULL,
//	    status          STRING(20) NOT NULL,
//	    caller_id       UUID NOT NULL,
//	    conversation_id UUID,
//	    chat_room_id    UUID,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    started_at      TIMESTAMPTZ,
//	    ended_at        TIMESTAMPTZ,
//	    duration        INT
//	);
//	-- Single-active-call invariant, enforced at the storage layer: at most one
//	-- RINGING/ONGOING row per conversation and per chat room.
//	CREATE UNIQUE INDEX idx_call_active_conversation ON calls (conversation_id)
//	    WHERE status IN ('RINGING', 'ONGOING') AND conversation_id IS NOT NULL;
//	CREATE UNIQUE INDEX idx_call_active_chatroom ON calls (chat_room_id)
//	    WHERE status IN ('RINGING', 'ONGOING') AND chat_room_id IS NOT NULL;

// uniqueViolation is the PostgreSQL/CockroachDB error code for a unique
// constraint violation
const uniqueViolation = "23505"

// ErrActiveCallExists is returned by Create when the partial unique index
// rejects a second active call for the same conversation or chat room
var ErrActiveCallExists = errors.New("active call already exists for this scope")

// nonTerminalStatuses are the states a transition may move away from
var nonTerminalStatuses = []domain.CallStatus{
	domain.CallStatusInitiated,
	domain.CallStatusRinging,
	domain.CallStatusOngoing,
}

// CallRepository persists call sessions
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const callColumns = `call_id, room_id, call_kind, call_mode, status, caller_id,
       conversation_id, chat_room_id, created_at, started_at, ended_at, duration`

func scanCall(row pgx.Row) (*domain.CallSession, error) {
	call := &domain.CallSession{}
	err := row.Scan(
		&call.CallID,
		&call.RoomID,
		&call.CallKind,
		&call.CallMode,
		&call.Status,
		&call.CallerID,
		&call.ConversationID,
		&call.ChatRoomID,
		&call.CreatedAt,
		&call.StartedAt,
		&call.EndedAt,
		&call.Duration,
	)
	if err != nil {
		return nil, err
	}
	return call, nil
}

// Create inserts a new call session row. Returns ErrActiveCallExists if an
// active call already holds this session's scope.
func (r *CallRepository) Create(ctx context.Context, call *domain.CallSession) error {
	query := `
		INSERT INTO calls (
			call_id, room_id, call_kind, call_mode, status, caller_id,
			conversation_id, chat_room_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.RoomID,
		call.CallKind,
		call.CallMode,
		call.Status,
		call.CallerID,
		call.ConversationID,
		call.ChatRoomID,
		call.CreatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveCallExists
		}
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetByID retrieves a call session by ID; returns (nil, nil) if absent
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM calls WHERE call_id = $1`, callColumns)

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// GetActiveByConversation returns the RINGING/ONGOING call for a conversation,
// or (nil, nil) when there is none
func (r *CallRepository) GetActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM calls
		WHERE conversation_id = $1 AND status IN ('RINGING', 'ONGOING')
	`, callColumns)

	call, err := scanCall(r.pool.QueryRow(ctx, query, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active call for conversation: %w", err)
	}
	return call, nil
}

// GetActiveByChatRoom returns the RINGING/ONGOING call for a chat room,
// or (nil, nil) when there is none
func (r *CallRepository) GetActiveByChatRoom(ctx context.Context, chatRoomID uuid.UUID) (*domain.CallSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM calls
		WHERE chat_room_id = $1 AND status IN ('RINGING', 'ONGOING')
	`, callColumns)

	call, err := scanCall(r.pool.QueryRow(ctx, query, chatRoomID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active call for chat room: %w", err)
	}
	return call, nil
}

// IsUserInActiveCall reports whether the user is the initiator or a JOINED
// participant of any ONGOING call
func (r *CallRepository) IsUserInActiveCall(ctx context.Context, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM calls c
			WHERE c.status = 'ONGOING'
			  AND (c.caller_id = $1 OR EXISTS (
			      SELECT 1 FROM call_participants cp
			      WHERE cp.call_id = c.call_id AND cp.user_id = $1 AND cp.status = 'JOINED'
			  ))
		)
	`

	var inCall bool
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&inCall); err != nil {
		return false, fmt.Errorf("failed to check active call membership: %w", err)
	}
	return inCall, nil
}

// Activate transitions a RINGING call to ONGOING and stamps started_at.
// Returns false without error if the call was not RINGING (already activated
// or already terminal), so concurrent accepts resolve to one transition.
func (r *CallRepository) Activate(ctx context.Context, callID uuid.UUID) (bool, error) {
	query := `
		UPDATE calls
		SET status = 'ONGOING', started_at = now()
		WHERE call_id = $1 AND status = 'RINGING'
	`

	tag, err := r.pool.Exec(ctx, query, callID)
	if err != nil {
		return false, fmt.Errorf("failed to activate call: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Terminate moves a call to the given terminal status, stamping ended_at and
// computing duration in the same statement. The transition applies only while
// the call is still in one of the from statuses (every status that may
// legally reach the target, if none given); each from status is checked
// against CallStatus.CanTransition before touching the database. The
// conditional update makes racing manual and reaper transitions idempotent:
// the first wins, later calls return false.
func (r *CallRepository) Terminate(ctx context.Context, callID uuid.UUID, to domain.CallStatus, from ...domain.CallStatus) (bool, error) {
	if !to.IsTerminal() {
		return false, fmt.Errorf("terminate requires a terminal status, got %s", to)
	}

	fromList := from
	if len(fromList) == 0 {
		// Default to every status that may legally reach the target
		for _, s := range nonTerminalStatuses {
			if s.CanTransition(to) {
				fromList = append(fromList, s)
			}
		}
	}

	fromStatuses := make([]string, len(fromList))
	for i, s := range fromList {
		if !s.CanTransition(to) {
			return false, fmt.Errorf("illegal transition %s -> %s", s, to)
		}
		fromStatuses[i] = string(s)
	}

	query := `
		UPDATE calls
		SET status = $2,
		    ended_at = now(),
		    duration = CASE
		        WHEN started_at IS NOT NULL THEN EXTRACT(EPOCH FROM (now() - started_at))::INT
		        ELSE duration
		    END
		WHERE call_id = $1 AND status = ANY($3)
	`

	tag, err := r.pool.Exec(ctx, query, callID, to, fromStatuses)
	if err != nil {
		return false, fmt.Errorf("failed to terminate call: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetUserCalls retrieves call history for a user, most recent first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT %s
		FROM calls c
		LEFT JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE c.caller_id = $1 OR cp.user_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3
	`, prefixColumns("c"))

	return r.queryCalls(ctx, query, userID, limit, offset)
}

// GetByConversation retrieves call history for a conversation, most recent first
func (r *CallRepository) GetByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM calls
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, callColumns)

	return r.queryCalls(ctx, query, conversationID, limit)
}

// GetByChatRoom retrieves call history for a chat room, most recent first
func (r *CallRepository) GetByChatRoom(ctx context.Context, chatRoomID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM calls
		WHERE chat_room_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, callColumns)

	return r.queryCalls(ctx, query, chatRoomID, limit)
}

// ListRingingBefore returns RINGING calls created before the cutoff (ring
// timeout sweep input)
func (r *CallRepository) ListRingingBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM calls
		WHERE status = 'RINGING' AND created_at < $1
	`, callColumns)

	return r.queryCalls(ctx, query, cutoff)
}

// ListActiveBefore returns RINGING/ONGOING calls created before the cutoff
// (stale call sweep input)
func (r *CallRepository) ListActiveBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM calls
		WHERE status IN ('RINGING', 'ONGOING') AND created_at < $1
	`, callColumns)

	return r.queryCalls(ctx, query, cutoff)
}

// GetStatistics aggregates a user's call history
func (r *CallRepository) GetStatistics(ctx context.Context, userID uuid.UUID) (*domain.CallStats, error) {
	query := `
		SELECT
			count(*),
			coalesce(sum(c.duration), 0),
			count(*) FILTER (WHERE c.status = 'MISSED'),
			coalesce(avg(c.duration), 0)
		FROM calls c
		WHERE c.caller_id = $1 OR EXISTS (
			SELECT 1 FROM call_participants cp
			WHERE cp.call_id = c.call_id AND cp.user_id = $1
		)
	`

	stats := &domain.CallStats{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&stats.TotalCalls,
		&stats.TotalDuration,
		&stats.MissedCalls,
		&stats.AverageDuration,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get call statistics: %w", err)
	}
	return stats, nil
}

func (r *CallRepository) queryCalls(ctx context.Context, query string, args ...any) ([]*domain.CallSession, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.CallSession
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func prefixColumns(alias string) string {
	return fmt.Sprintf(`%[1]s.call_id, %[1]s.room_id, %[1]s.call_kind, %[1]s.call_mode, %[1]s.status, %[1]s.caller_id,
       %[1]s.conversation_id, %[1]s.chat_room_id, %[1]s.created_at, %[1]s.started_at, %[1]s.ended_at, %[1]s.duration`, alias)
}
