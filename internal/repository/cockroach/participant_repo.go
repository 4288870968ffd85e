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

// Schema (see deployments/schema.sql):
//
//	CREATE TABLE call_participants (
//	    call_id        UUID NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
//	    user_id        UUID NOT NULL,
//	    status         STRING(20) NOT NULL,
//	    joined_at      TIMESTAMPTZ,
//	    left_at        TIMESTAMPTZ,
//	    mic_on         BOOL NOT NULL DEFAULT true,
//	    camera_on      BOOL NOT NULL DEFAULT false,
//	    screen_sharing BOOL NOT NULL DEFAULT false,
//	    PRIMARY KEY (call_id, user_id)
//	);

// ParticipantRepository persists per-call participant bookkeeping. All writes
// are keyed by (call_id, user_id); the primary key's row lock linearizes
// concurrent upserts for the same participant.
type ParticipantRepository struct {
	pool *pgxpool.Pool
}

// NewParticipantRepository creates a new participant repository
func NewParticipantRepository(pool *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

const participantColumns = `call_id, user_id, status, joined_at, left_at, mic_on, camera_on, screen_sharing`

func scanParticipant(row pgx.Row) (*domain.CallParticipant, error) {
	p := &domain.CallParticipant{}
	err := row.Scan(
		&p.CallID,
		&p.UserID,
		&p.Status,
		&p.JoinedAt,
		&p.LeftAt,
		&p.MicOn,
		&p.CameraOn,
		&p.ScreenSharing,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertJoined records the user as JOINED, creating the row on first join and
// reviving it after a LEFT (re-join). Media defaults apply only to the insert;
// on re-join the existing mic/camera/screen-share flags are left untouched.
func (r *ParticipantRepository) UpsertJoined(ctx context.Context, callID, userID uuid.UUID, cameraOn bool) error {
	query := `
		INSERT INTO call_participants (call_id, user_id, status, joined_at, mic_on, camera_on, screen_sharing)
		VALUES ($1, $2, 'JOINED', now(), true, $3, false)
		ON CONFLICT (call_id, user_id) DO UPDATE
		SET status = 'JOINED', joined_at = now(), left_at = NULL
	`

	if _, err := r.pool.Exec(ctx, query, callID, userID, cameraOn); err != nil {
		return fmt.Errorf("failed to upsert joined participant: %w", err)
	}
	return nil
}

// RecordRejected records a REJECTED participant row for the user
func (r *ParticipantRepository) RecordRejected(ctx context.Context, callID, userID uuid.UUID) error {
	query := `
		INSERT INTO call_participants (call_id, user_id, status, mic_on, camera_on, screen_sharing)
		VALUES ($1, $2, 'REJECTED', true, false, false)
		ON CONFLICT (call_id, user_id) DO UPDATE SET status = 'REJECTED'
	`

	if _, err := r.pool.Exec(ctx, query, callID, userID); err != nil {
		return fmt.Errorf("failed to record rejected participant: %w", err)
	}
	return nil
}

// MarkLeft transitions a JOINED participant to LEFT. Returns false without
// error if the participant was not JOINED, so concurrent leaves for the same
// user resolve to a single transition.
func (r *ParticipantRepository) MarkLeft(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	query := `
		UPDATE call_participants
		SET status = 'LEFT', left_at = now()
		WHERE call_id = $1 AND user_id = $2 AND status = 'JOINED'
	`

	tag, err := r.pool.Exec(ctx, query, callID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to mark participant left: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkAllLeft transitions every JOINED participant of the call to LEFT
func (r *ParticipantRepository) MarkAllLeft(ctx context.Context, callID uuid.UUID) error {
	query := `
		UPDATE call_participants
		SET status = 'LEFT', left_at = now()
		WHERE call_id = $1 AND status = 'JOINED'
	`

	if _, err := r.pool.Exec(ctx, query, callID); err != nil {
		return fmt.Errorf("failed to mark participants left: %w", err)
	}
	return nil
}

// CountActive returns the number of JOINED participants in the call
func (r *ParticipantRepository) CountActive(ctx context.Context, callID uuid.UUID) (int, error) {
	query := `
		SELECT count(*) FROM call_participants
		WHERE call_id = $1 AND status = 'JOINED'
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, callID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active participants: %w", err)
	}
	return count, nil
}

// Get retrieves one participant row; returns (nil, nil) if absent
func (r *ParticipantRepository) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM call_participants
		WHERE call_id = $1 AND user_id = $2
	`, participantColumns)

	p, err := scanParticipant(r.pool.QueryRow(ctx, query, callID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

// ListByCall retrieves all participants of a call, join order first
func (r *ParticipantRepository) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC NULLS LAST
	`, participantColumns)

	return r.queryParticipants(ctx, query, callID)
}

// ListActiveByCall retrieves the currently JOINED participants of a call
func (r *ParticipantRepository) ListActiveByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM call_participants
		WHERE call_id = $1 AND status = 'JOINED'
		ORDER BY joined_at ASC
	`, participantColumns)

	return r.queryParticipants(ctx, query, callID)
}

// ToggleMicrophone flips the participant's microphone flag and returns the new
// value; found is false if the participant row does not exist
func (r *ParticipantRepository) ToggleMicrophone(ctx context.Context, callID, userID uuid.UUID) (on bool, found bool, err error) {
	return r.toggleFlag(ctx, "mic_on", callID, userID)
}

// ToggleCamera flips the participant's camera flag and returns the new value
func (r *ParticipantRepository) ToggleCamera(ctx context.Context, callID, userID uuid.UUID) (on bool, found bool, err error) {
	return r.toggleFlag(ctx, "camera_on", callID, userID)
}

// ToggleScreenShare flips the participant's screen-sharing flag and returns
// the new value
func (r *ParticipantRepository) ToggleScreenShare(ctx context.Context, callID, userID uuid.UUID) (on bool, found bool, err error) {
	return r.toggleFlag(ctx, "screen_sharing", callID, userID)
}

func (r *ParticipantRepository) toggleFlag(ctx context.Context, column string, callID, userID uuid.UUID) (bool, bool, error) {
	// column is one of the fixed media flag names above, never user input
	query := fmt.Sprintf(`
		UPDATE call_participants
		SET %[1]s = NOT %[1]s
		WHERE call_id = $1 AND user_id = $2
		RETURNING %[1]s
	`, column)

	var on bool
	err := r.pool.QueryRow(ctx, query, callID, userID).Scan(&on)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to toggle %s: %w", column, err)
	}
	return on, true, nil
}

func (r *ParticipantRepository) queryParticipants(ctx context.Context, query string, args ...any) ([]*domain.CallParticipant, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}
