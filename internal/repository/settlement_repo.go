package repository

import (
	"context"

	"github.com/saeid-a/CounselBack/internal/models"
)

const (
	settlementColumns = `id, session_id, booking_id, customer_id, counselor_id, credits_reserved,
	credits_consumed, credits_refunded, settlement_type, gross_amount, counselor_earning, platform_fee, settled_at`
	counselorSettlementColumns = `id, counselor_id, period, total_sessions, total_amount, commission_rate::text,
	net_amount, status, confirmed_at, paid_at, created_at, updated_at`
)

type CreateSettlementInput struct {
	SessionID        int64
	BookingID        int64
	CustomerID       int64
	CounselorID      int64
	CreditsReserved  int
	CreditsConsumed  int
	CreditsRefunded  int
	SettlementType   models.SettlementType
	GrossAmount      int64
	CounselorEarning int64
	PlatformFee      int64
}

type AccumulatePayoutInput struct {
	CounselorID    int64
	Period         string
	GrossAmount    int64
	NetAmount      int64
	CommissionRate string
}

type SettlementRepository struct {
	db DBTX
}

func NewSettlementRepository(db DBTX) *SettlementRepository {
	return &SettlementRepository{db: db}
}

func scanSettlement(row rowScanner) (*models.SettlementTransaction, error) {
	var settlement models.SettlementTransaction
	err := row.Scan(
		&settlement.ID,
		&settlement.SessionID,
		&settlement.BookingID,
		&settlement.CustomerID,
		&settlement.CounselorID,
		&settlement.CreditsReserved,
		&settlement.CreditsConsumed,
		&settlement.CreditsRefunded,
		&settlement.SettlementType,
		&settlement.GrossAmount,
		&settlement.CounselorEarning,
		&settlement.PlatformFee,
		&settlement.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

func scanCounselorSettlement(row rowScanner) (*models.CounselorSettlement, error) {
	var payout models.CounselorSettlement
	err := row.Scan(
		&payout.ID,
		&payout.CounselorID,
		&payout.Period,
		&payout.TotalSessions,
		&payout.TotalAmount,
		&payout.CommissionRate,
		&payout.NetAmount,
		&payout.Status,
		&payout.ConfirmedAt,
		&payout.PaidAt,
		&payout.CreatedAt,
		&payout.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *SettlementRepository) Create(ctx context.Context, input CreateSettlementInput) (*models.SettlementTransaction, error) {
	query := `
		INSERT INTO settlement_transactions (
			session_id, booking_id, customer_id, counselor_id, credits_reserved, credits_consumed,
			credits_refunded, settlement_type, gross_amount, counselor_earning, platform_fee
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + settlementColumns
	return scanSettlement(r.db.QueryRow(
		ctx,
		query,
		input.SessionID,
		input.BookingID,
		input.CustomerID,
		input.CounselorID,
		input.CreditsReserved,
		input.CreditsConsumed,
		input.CreditsRefunded,
		string(input.SettlementType),
		input.GrossAmount,
		input.CounselorEarning,
		input.PlatformFee,
	))
}

func (r *SettlementRepository) GetBySessionID(ctx context.Context, sessionID int64) (*models.SettlementTransaction, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlement_transactions WHERE session_id = $1`
	return scanSettlement(r.db.QueryRow(ctx, query, sessionID))
}

func (r *SettlementRepository) ListByCustomer(ctx context.Context, customerID int64) ([]models.SettlementTransaction, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlement_transactions
		WHERE customer_id = $1
		ORDER BY settled_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settlements := make([]models.SettlementTransaction, 0)
	for rows.Next() {
		settlement, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, *settlement)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return settlements, nil
}

// AccumulatePayout adds one session's amounts to the counselor's open
// (PENDING) row for the period, opening a new row when the period has none.
// Confirmed and paid rows never change.
func (r *SettlementRepository) AccumulatePayout(ctx context.Context, input AccumulatePayoutInput) (*models.CounselorSettlement, error) {
	query := `
		INSERT INTO counselor_settlements (
			counselor_id, period, total_sessions, total_amount, commission_rate, net_amount
		)
		VALUES ($1, $2, 1, $3, $5::numeric, $4)
		ON CONFLICT (counselor_id, period) WHERE status = 'PENDING' DO UPDATE
		SET total_sessions = counselor_settlements.total_sessions + 1,
		    total_amount = counselor_settlements.total_amount + EXCLUDED.total_amount,
		    net_amount = counselor_settlements.net_amount + EXCLUDED.net_amount,
		    updated_at = NOW()
		RETURNING ` + counselorSettlementColumns
	return scanCounselorSettlement(r.db.QueryRow(
		ctx,
		query,
		input.CounselorID,
		input.Period,
		input.GrossAmount,
		input.NetAmount,
		input.CommissionRate,
	))
}

func (r *SettlementRepository) GetPayout(ctx context.Context, payoutID int64) (*models.CounselorSettlement, error) {
	query := `SELECT ` + counselorSettlementColumns + ` FROM counselor_settlements WHERE id = $1`
	return scanCounselorSettlement(r.db.QueryRow(ctx, query, payoutID))
}

// TransitionPayoutIfCurrent moves a payout between statuses and stamps the
// matching timestamp column. No row is returned when the current status differs.
func (r *SettlementRepository) TransitionPayoutIfCurrent(
	ctx context.Context,
	payoutID int64,
	currentStatus models.PayoutStatus,
	nextStatus models.PayoutStatus,
) (*models.CounselorSettlement, error) {
	query := `
		UPDATE counselor_settlements
		SET status = $3,
		    confirmed_at = CASE WHEN $3 = 'CONFIRMED' THEN NOW() ELSE confirmed_at END,
		    paid_at = CASE WHEN $3 = 'PAID' THEN NOW() ELSE paid_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + counselorSettlementColumns
	return scanCounselorSettlement(r.db.QueryRow(ctx, query, payoutID, string(currentStatus), string(nextStatus)))
}

func (r *SettlementRepository) ListPayoutsByCounselor(ctx context.Context, counselorID int64) ([]models.CounselorSettlement, error) {
	query := `
		SELECT ` + counselorSettlementColumns + `
		FROM counselor_settlements
		WHERE counselor_id = $1
		ORDER BY period DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, counselorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payouts := make([]models.CounselorSettlement, 0)
	for rows.Next() {
		payout, err := scanCounselorSettlement(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *payout)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payouts, nil
}
