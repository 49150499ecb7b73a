package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/CounselBack/internal/models"
)

const consultationColumns = `id, reservation_id, customer_id, counselor_id, channel_id, started_at, ended_at,
	duration_sec, end_reason, continued_from_session_id, continued_to_session_id,
	settlement_status, settlement_error, settlement_attempts, created_at, updated_at`

type CreateConsultationInput struct {
	ReservationID          int64
	CustomerID             int64
	CounselorID            int64
	ChannelID              string
	StartedAt              time.Time
	ContinuedFromSessionID *int64
}

type ConsultationRepository struct {
	db DBTX
}

func NewConsultationRepository(db DBTX) *ConsultationRepository {
	return &ConsultationRepository{db: db}
}

func scanConsultation(row rowScanner) (*models.ConsultationSession, error) {
	var session models.ConsultationSession
	err := row.Scan(
		&session.ID,
		&session.ReservationID,
		&session.CustomerID,
		&session.CounselorID,
		&session.ChannelID,
		&session.StartedAt,
		&session.EndedAt,
		&session.DurationSec,
		&session.EndReason,
		&session.ContinuedFromSessionID,
		&session.ContinuedToSessionID,
		&session.SettlementStatus,
		&session.SettlementError,
		&session.SettlementAttempts,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CreateIfAbsent inserts a session for the reservation. When another session
// already holds the reservation it returns (nil, false, nil).
func (r *ConsultationRepository) CreateIfAbsent(
	ctx context.Context,
	input CreateConsultationInput,
) (*models.ConsultationSession, bool, error) {
	query := `
		INSERT INTO consultation_sessions (
			reservation_id, customer_id, counselor_id, channel_id, started_at, continued_from_session_id
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reservation_id) DO NOTHING
		RETURNING ` + consultationColumns
	session, err := scanConsultation(r.db.QueryRow(
		ctx,
		query,
		input.ReservationID,
		input.CustomerID,
		input.CounselorID,
		input.ChannelID,
		input.StartedAt,
		input.ContinuedFromSessionID,
	))
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

func (r *ConsultationRepository) GetByID(ctx context.Context, sessionID int64) (*models.ConsultationSession, error) {
	query := `SELECT ` + consultationColumns + ` FROM consultation_sessions WHERE id = $1`
	return scanConsultation(r.db.QueryRow(ctx, query, sessionID))
}

func (r *ConsultationRepository) GetByIDForUpdate(ctx context.Context, sessionID int64) (*models.ConsultationSession, error) {
	query := `SELECT ` + consultationColumns + ` FROM consultation_sessions WHERE id = $1 FOR UPDATE`
	return scanConsultation(r.db.QueryRow(ctx, query, sessionID))
}

func (r *ConsultationRepository) GetByReservationID(ctx context.Context, reservationID int64) (*models.ConsultationSession, error) {
	query := `SELECT ` + consultationColumns + ` FROM consultation_sessions WHERE reservation_id = $1`
	return scanConsultation(r.db.QueryRow(ctx, query, reservationID))
}

// MarkEnded stores the terminal fields and queues the session for settlement.
// It only matches sessions that have not ended yet.
func (r *ConsultationRepository) MarkEnded(
	ctx context.Context,
	sessionID int64,
	endedAt time.Time,
	durationSec int,
	reason models.EndReason,
) (*models.ConsultationSession, error) {
	query := `
		UPDATE consultation_sessions
		SET ended_at = $2,
		    duration_sec = $3,
		    end_reason = $4,
		    settlement_status = 'PENDING',
		    updated_at = NOW()
		WHERE id = $1 AND ended_at IS NULL
		RETURNING ` + consultationColumns
	return scanConsultation(r.db.QueryRow(ctx, query, sessionID, endedAt, durationSec, string(reason)))
}

func (r *ConsultationRepository) SetContinuedTo(ctx context.Context, sessionID int64, nextSessionID int64) error {
	query := `
		UPDATE consultation_sessions
		SET continued_to_session_id = $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, sessionID, nextSessionID)
	return err
}

func (r *ConsultationRepository) MarkSettled(ctx context.Context, sessionID int64) error {
	query := `
		UPDATE consultation_sessions
		SET settlement_status = 'SETTLED',
		    settlement_error = NULL,
		    settlement_attempts = settlement_attempts + 1,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, sessionID)
	return err
}

// MarkSettlementFailed leaves a reconciliation marker with the failure text.
func (r *ConsultationRepository) MarkSettlementFailed(ctx context.Context, sessionID int64, reason string) error {
	query := `
		UPDATE consultation_sessions
		SET settlement_status = 'FAILED',
		    settlement_error = $2,
		    settlement_attempts = settlement_attempts + 1,
		    updated_at = NOW()
		WHERE id = $1 AND settlement_status <> 'SETTLED'
	`
	_, err := r.db.Exec(ctx, query, sessionID, reason)
	return err
}

// ListUnsettled returns ended sessions whose settlement has not landed, oldest end first.
func (r *ConsultationRepository) ListUnsettled(ctx context.Context, limit int) ([]models.ConsultationSession, error) {
	query := `
		SELECT ` + consultationColumns + `
		FROM consultation_sessions cs
		WHERE cs.ended_at IS NOT NULL
		  AND cs.settlement_status IN ('PENDING', 'FAILED')
		  AND NOT EXISTS (SELECT 1 FROM settlement_transactions st WHERE st.session_id = cs.id)
		ORDER BY cs.ended_at ASC, cs.id ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]models.ConsultationSession, 0)
	for rows.Next() {
		session, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
