package services

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/saeid-a/CounselBack/internal/logging"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/repository"
	"github.com/shopspring/decimal"
)

const defaultReconcileBatch = 50

type SettlementService struct {
	db               *pgxpool.Pool
	settlementRepo   *repository.SettlementRepository
	consultationRepo *repository.ConsultationRepository
	defaultRate      decimal.Decimal
	location         *time.Location
	logger           zerolog.Logger
	now              func() time.Time
}

func NewSettlementService(
	db *pgxpool.Pool,
	settlementRepo *repository.SettlementRepository,
	consultationRepo *repository.ConsultationRepository,
	defaultRate decimal.Decimal,
	location *time.Location,
	logger zerolog.Logger,
) *SettlementService {
	if location == nil {
		location = time.UTC
	}
	return &SettlementService{
		db:               db,
		settlementRepo:   settlementRepo,
		consultationRepo: consultationRepo,
		defaultRate:      defaultRate,
		location:         location,
		logger:           logging.Component(logger, "settlement"),
		now:              time.Now,
	}
}

type ReconcileReport struct {
	Attempted int `json:"attempted"`
	Settled   int `json:"settled"`
	Failed    int `json:"failed"`
}

// Settle converts an ended session into its final credit disposition and the
// counselor's earnings. The session row lock and the unique session_id on
// settlement rows make it converge on one settlement per session.
func (s *SettlementService) Settle(ctx context.Context, sessionID int64) (*models.SettlementTransaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txConsultationRepo := repository.NewConsultationRepository(tx)
	txSettlementRepo := repository.NewSettlementRepository(tx)
	txBookingRepo := repository.NewBookingRepository(tx)
	txCreditRepo := repository.NewCreditRepository(tx)

	session, err := txConsultationRepo.GetByIDForUpdate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	existing, err := txSettlementRepo.GetBySessionID(ctx, sessionID)
	if err == nil {
		if session.SettlementStatus != models.SettlementStatusSettled {
			if err := txConsultationRepo.MarkSettled(ctx, sessionID); err != nil {
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if !session.Ended() || session.EndReason == nil || session.DurationSec == nil {
		return nil, ErrSessionNotEnded
	}

	booking, err := txBookingRepo.GetByIDForUpdate(ctx, session.ReservationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	sums, err := txCreditRepo.SumUnitsByStatus(ctx, booking.ID)
	if err != nil {
		return nil, err
	}
	reserved := booking.CreditsUsed
	alreadyConsumed := sums[models.CreditUsageConsumed]

	outcome, err := ClassifySettlement(*session.EndReason, *session.DurationSec, reserved)
	if err != nil {
		return nil, err
	}
	// Units consumed at call boundaries stay consumed.
	consumed := min(max(outcome.Consumed, alreadyConsumed), reserved)

	now := s.now().UTC()
	ledger := newLedgerTx(tx, now)
	if _, err := ledger.consume(ctx, booking.CustomerID, booking.ID, consumed-alreadyConsumed); err != nil {
		return nil, err
	}
	if _, err := ledger.release(ctx, booking.CustomerID, booking.ID, -1); err != nil {
		return nil, err
	}

	gross, err := txCreditRepo.ConsumedValue(ctx, booking.ID)
	if err != nil {
		return nil, err
	}
	rate, err := s.commissionRate(ctx, repository.NewCounselorRepository(tx), session.CounselorID)
	if err != nil {
		return nil, err
	}
	earning, fee := ComputeEarnings(gross, rate)

	settlement, err := txSettlementRepo.Create(ctx, repository.CreateSettlementInput{
		SessionID:        session.ID,
		BookingID:        booking.ID,
		CustomerID:       session.CustomerID,
		CounselorID:      session.CounselorID,
		CreditsReserved:  reserved,
		CreditsConsumed:  consumed,
		CreditsRefunded:  reserved - consumed,
		SettlementType:   outcome.Type,
		GrossAmount:      gross,
		CounselorEarning: earning,
		PlatformFee:      fee,
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			return s.settlementRepo.GetBySessionID(ctx, sessionID)
		}
		return nil, err
	}

	if _, err := txSettlementRepo.AccumulatePayout(ctx, repository.AccumulatePayoutInput{
		CounselorID:    session.CounselorID,
		Period:         PeriodKey(*session.EndedAt, s.location),
		GrossAmount:    gross,
		NetAmount:      earning,
		CommissionRate: rate.String(),
	}); err != nil {
		return nil, err
	}
	if err := txConsultationRepo.MarkSettled(ctx, sessionID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("settlement_id", settlement.ID).
		Int64("session_id", sessionID).
		Int64("booking_id", booking.ID).
		Int64("counselor_id", session.CounselorID).
		Str("settlement_type", string(settlement.SettlementType)).
		Int("credits_consumed", settlement.CreditsConsumed).
		Int("credits_refunded", settlement.CreditsRefunded).
		Int64("gross_amount", settlement.GrossAmount).
		Msg("session settled")
	return settlement, nil
}

func (s *SettlementService) commissionRate(
	ctx context.Context,
	counselors *repository.CounselorRepository,
	counselorID int64,
) (decimal.Decimal, error) {
	counselor, err := counselors.GetByUserID(ctx, counselorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.defaultRate, nil
		}
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(counselor.CommissionRate)
	if err != nil {
		s.logger.Warn().Int64("counselor_id", counselorID).Str("commission_rate", counselor.CommissionRate).Msg("unparseable commission rate, using default")
		return s.defaultRate, nil
	}
	return rate, nil
}

// ReconcilePending retries settlement for ended sessions whose settlement never
// landed. Failures are recorded on the session and do not stop the sweep.
func (s *SettlementService) ReconcilePending(ctx context.Context, limit int) (*ReconcileReport, error) {
	if limit <= 0 {
		limit = defaultReconcileBatch
	}

	sessions, err := s.consultationRepo.ListUnsettled(ctx, limit)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		if _, err := s.Settle(ctx, session.ID); err != nil {
			report.Failed++
			s.logger.Error().Err(err).Int64("session_id", session.ID).Msg("reconciliation settlement failed")
			if markErr := s.consultationRepo.MarkSettlementFailed(ctx, session.ID, err.Error()); markErr != nil {
				s.logger.Error().Err(markErr).Int64("session_id", session.ID).Msg("failed to record settlement failure")
			}
			continue
		}
		report.Settled++
	}

	if report.Attempted > 0 {
		s.logger.Info().
			Int("attempted", report.Attempted).
			Int("settled", report.Settled).
			Int("failed", report.Failed).
			Msg("reconciliation sweep finished")
	}
	return report, nil
}

// RunReconciler sweeps unsettled sessions every interval until ctx is done.
func (s *SettlementService) RunReconciler(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("settlement reconciler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("settlement reconciler stopped")
			return
		case <-ticker.C:
			if _, err := s.ReconcilePending(ctx, batchSize); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

// Confirm moves a counselor payout from PENDING to CONFIRMED.
func (s *SettlementService) Confirm(ctx context.Context, payoutID int64) (*models.CounselorSettlement, error) {
	updated, err := s.settlementRepo.TransitionPayoutIfCurrent(ctx, payoutID, models.PayoutStatusPending, models.PayoutStatusConfirmed)
	if err == nil {
		s.logger.Info().Int64("settlement_id", payoutID).Msg("payout confirmed")
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	payout, err := s.getPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status == models.PayoutStatusConfirmed {
		return nil, ErrAlreadyConfirmed
	}
	return nil, ErrInvalidStateTransition
}

// Pay moves a confirmed counselor payout to PAID.
func (s *SettlementService) Pay(ctx context.Context, payoutID int64) (*models.CounselorSettlement, error) {
	updated, err := s.settlementRepo.TransitionPayoutIfCurrent(ctx, payoutID, models.PayoutStatusConfirmed, models.PayoutStatusPaid)
	if err == nil {
		s.logger.Info().Int64("settlement_id", payoutID).Msg("payout paid")
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	payout, err := s.getPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status == models.PayoutStatusPaid {
		return nil, ErrAlreadyPaid
	}
	return nil, ErrInvalidStateTransition
}

func (s *SettlementService) getPayout(ctx context.Context, payoutID int64) (*models.CounselorSettlement, error) {
	payout, err := s.settlementRepo.GetPayout(ctx, payoutID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return payout, nil
}

func (s *SettlementService) GetBySession(
	ctx context.Context,
	actorID int64,
	role string,
	sessionID int64,
) (*models.SettlementTransaction, error) {
	settlement, err := s.settlementRepo.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	if role != models.RoleAdmin && !isParticipant(actorID, settlement.CustomerID, settlement.CounselorID) {
		return nil, ErrSettlementNotFound
	}
	return settlement, nil
}

func (s *SettlementService) ListByCustomer(ctx context.Context, customerID int64) ([]models.SettlementTransaction, error) {
	if customerID <= 0 {
		return nil, ErrInvalidInput
	}
	return s.settlementRepo.ListByCustomer(ctx, customerID)
}

func (s *SettlementService) ListCounselorSettlements(ctx context.Context, counselorID int64) ([]models.CounselorSettlement, error) {
	if counselorID <= 0 {
		return nil, ErrInvalidInput
	}
	return s.settlementRepo.ListPayoutsByCounselor(ctx, counselorID)
}
