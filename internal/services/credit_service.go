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
)

const defaultHistoryLimit = 50

type ConsumeResult struct {
	Units       int   `json:"units"`
	GrossAmount int64 `json:"gross_amount"`
}

type CreditService struct {
	db         *pgxpool.Pool
	creditRepo *repository.CreditRepository
	unitPrice  int64
	logger     zerolog.Logger
	now        func() time.Time
}

func NewCreditService(
	db *pgxpool.Pool,
	creditRepo *repository.CreditRepository,
	unitPrice int64,
	logger zerolog.Logger,
) *CreditService {
	return &CreditService{
		db:         db,
		creditRepo: creditRepo,
		unitPrice:  unitPrice,
		logger:     logging.Component(logger, "credit_ledger"),
		now:        time.Now,
	}
}

// ledgerTx runs ledger mutations inside a caller-owned transaction so booking,
// settlement and continuation flows stay all-or-nothing. Every mutation locks
// the user's lot rows first, which serializes balance changes per user.
type ledgerTx struct {
	credits  *repository.CreditRepository
	bookings *repository.BookingRepository
	now      time.Time
}

func newLedgerTx(tx pgx.Tx, now time.Time) *ledgerTx {
	return &ledgerTx{
		credits:  repository.NewCreditRepository(tx),
		bookings: repository.NewBookingRepository(tx),
		now:      now,
	}
}

// reserve draws units from the user's lots oldest first and writes one RESERVED
// row per lot touched.
func (l *ledgerTx) reserve(ctx context.Context, userID, bookingID int64, units int) error {
	if units <= 0 {
		return nil
	}

	lots, err := l.credits.LockLotsByUser(ctx, userID)
	if err != nil {
		return err
	}

	available := 0
	for _, lot := range lots {
		available += lot.RemainingUnits
	}
	if available < units {
		return ErrInsufficientCredits
	}

	left := units
	for _, lot := range lots {
		if left == 0 {
			break
		}
		take := min(lot.RemainingUnits, left)
		if take == 0 {
			continue
		}
		if err := l.credits.AdjustLotRemaining(ctx, lot.ID, -take); err != nil {
			return err
		}
		if _, err := l.credits.CreateUsage(ctx, repository.CreateUsageInput{
			UserID:    userID,
			BookingID: bookingID,
			LotID:     lot.ID,
			Units:     take,
			Status:    models.CreditUsageReserved,
			UsedAt:    l.now,
			At:        l.now,
		}); err != nil {
			return err
		}
		left -= take
	}

	return l.bookings.AdjustCreditsUsed(ctx, bookingID, units)
}

// release returns up to units RESERVED units to their lots, newest rows first.
// A negative units value releases everything outstanding.
func (l *ledgerTx) release(ctx context.Context, userID, bookingID int64, units int) (int, error) {
	if units == 0 {
		return 0, nil
	}
	if _, err := l.credits.LockLotsByUser(ctx, userID); err != nil {
		return 0, err
	}

	rows, err := l.credits.ListPricedUsage(ctx, bookingID, models.CreditUsageReserved, false)
	if err != nil {
		return 0, err
	}
	units = capUnits(rows, units)
	if units == 0 {
		return 0, nil
	}

	if _, err := l.transition(ctx, rows, units, models.CreditUsageReleased); err != nil {
		return 0, err
	}
	for _, row := range splitPlan(rows, units) {
		if err := l.credits.AdjustLotRemaining(ctx, row.LotID, row.take); err != nil {
			return 0, err
		}
	}
	if err := l.bookings.AdjustCreditsUsed(ctx, bookingID, -units); err != nil {
		return 0, err
	}
	return units, nil
}

// consume finalizes up to units RESERVED units, oldest rows first. Lots are not
// credited back and credits_used is unchanged.
func (l *ledgerTx) consume(ctx context.Context, userID, bookingID int64, units int) (*ConsumeResult, error) {
	if units <= 0 {
		return &ConsumeResult{}, nil
	}
	if _, err := l.credits.LockLotsByUser(ctx, userID); err != nil {
		return nil, err
	}

	rows, err := l.credits.ListPricedUsage(ctx, bookingID, models.CreditUsageReserved, true)
	if err != nil {
		return nil, err
	}
	units = capUnits(rows, units)
	if units == 0 {
		return &ConsumeResult{}, nil
	}

	gross, err := l.transition(ctx, rows, units, models.CreditUsageConsumed)
	if err != nil {
		return nil, err
	}
	return &ConsumeResult{Units: units, GrossAmount: gross}, nil
}

// transition moves units out of RESERVED rows into status. Whole rows change
// status in place; the last row is split when only part of it is needed. It
// returns the priced value of the moved units.
func (l *ledgerTx) transition(
	ctx context.Context,
	rows []repository.PricedUsage,
	units int,
	status models.CreditUsageStatus,
) (int64, error) {
	var value int64
	for _, row := range splitPlan(rows, units) {
		if row.take == row.UnitsUsed {
			if err := l.credits.TransitionUsage(ctx, row.ID, status, l.now); err != nil {
				return 0, err
			}
		} else {
			if err := l.credits.ShrinkUsage(ctx, row.ID, row.take); err != nil {
				return 0, err
			}
			if _, err := l.credits.CreateUsage(ctx, repository.CreateUsageInput{
				UserID:    row.UserID,
				BookingID: row.BookingID,
				LotID:     row.LotID,
				Units:     row.take,
				Status:    status,
				UsedAt:    row.UsedAt,
				At:        l.now,
			}); err != nil {
				return 0, err
			}
		}
		value += int64(row.take) * row.UnitPrice
	}
	return value, nil
}

type plannedUsage struct {
	repository.PricedUsage
	take int
}

// splitPlan walks rows in order and assigns how many units each contributes
// until units are covered.
func splitPlan(rows []repository.PricedUsage, units int) []plannedUsage {
	plan := make([]plannedUsage, 0, len(rows))
	left := units
	for _, row := range rows {
		if left == 0 {
			break
		}
		take := min(row.UnitsUsed, left)
		plan = append(plan, plannedUsage{PricedUsage: row, take: take})
		left -= take
	}
	return plan
}

// capUnits bounds a request by what the rows still hold. Negative means all.
func capUnits(rows []repository.PricedUsage, units int) int {
	outstanding := 0
	for _, row := range rows {
		outstanding += row.UnitsUsed
	}
	if units < 0 || units > outstanding {
		return outstanding
	}
	return units
}

func (s *CreditService) lockBooking(ctx context.Context, tx pgx.Tx, bookingID int64) (*models.Booking, error) {
	booking, err := repository.NewBookingRepository(tx).GetByIDForUpdate(ctx, bookingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return booking, nil
}

func (s *CreditService) Reserve(ctx context.Context, userID, bookingID int64, units int) error {
	if userID <= 0 || bookingID <= 0 || units < 0 {
		return ErrInvalidInput
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	booking, err := s.lockBooking(ctx, tx, bookingID)
	if err != nil {
		return err
	}
	if booking.CustomerID != userID {
		return ErrForbidden
	}
	if err := newLedgerTx(tx, s.now()).reserve(ctx, userID, bookingID, units); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Info().Int64("user_id", userID).Int64("booking_id", bookingID).Int("units", units).Msg("credits reserved")
	return nil
}

// Release returns every outstanding reserved unit of the booking.
func (s *CreditService) Release(ctx context.Context, bookingID int64) (int, error) {
	return s.release(ctx, bookingID, -1)
}

func (s *CreditService) ReleasePartial(ctx context.Context, bookingID int64, units int) (int, error) {
	if units <= 0 {
		return 0, ErrInvalidInput
	}
	return s.release(ctx, bookingID, units)
}

func (s *CreditService) release(ctx context.Context, bookingID int64, units int) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	booking, err := s.lockBooking(ctx, tx, bookingID)
	if err != nil {
		return 0, err
	}
	released, err := newLedgerTx(tx, s.now()).release(ctx, booking.CustomerID, bookingID, units)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	if released > 0 {
		s.logger.Info().Int64("booking_id", bookingID).Int("units", released).Msg("credits released")
	}
	return released, nil
}

func (s *CreditService) Consume(ctx context.Context, bookingID int64, units int) (*ConsumeResult, error) {
	if units <= 0 {
		return nil, ErrInvalidInput
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	booking, err := s.lockBooking(ctx, tx, bookingID)
	if err != nil {
		return nil, err
	}
	result, err := newLedgerTx(tx, s.now()).consume(ctx, booking.CustomerID, bookingID, units)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if result.Units > 0 {
		s.logger.Info().Int64("booking_id", bookingID).Int("units", result.Units).Msg("credits consumed")
	}
	return result, nil
}

// ConsumeNext consumes exactly one pending unit, or nothing when none remain.
func (s *CreditService) ConsumeNext(ctx context.Context, bookingID int64) (*ConsumeResult, error) {
	return s.Consume(ctx, bookingID, 1)
}

func (s *CreditService) Balance(ctx context.Context, userID int64) (*models.CreditBalance, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}
	return s.creditRepo.Balance(ctx, userID)
}

func (s *CreditService) History(ctx context.Context, userID int64, limit int) ([]models.CreditUsageLog, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}
	return s.creditRepo.ListUsageByUser(ctx, userID, limit)
}

func (s *CreditService) ListLots(ctx context.Context, userID int64) ([]models.CreditLot, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}
	return s.creditRepo.ListLotsByUser(ctx, userID)
}

func (s *CreditService) HasEverPurchased(ctx context.Context, userID int64) (bool, error) {
	return s.creditRepo.HasAnyLot(ctx, userID)
}

func (s *CreditService) ListProducts(ctx context.Context) ([]models.CreditProduct, error) {
	return s.creditRepo.ListProducts(ctx)
}

// Purchase turns a paid catalog product into a new lot for the user. The unit
// price is frozen on the lot so later catalog changes do not move settlements.
func (s *CreditService) Purchase(ctx context.Context, userID, productID int64) (*models.CreditLot, error) {
	if userID <= 0 || productID <= 0 {
		return nil, ErrInvalidInput
	}

	product, err := s.creditRepo.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	if !product.Active {
		return nil, ErrProductNotFound
	}

	lot, err := s.creditRepo.CreateLot(ctx, repository.CreateLotInput{
		UserID:    userID,
		ProductID: &product.ID,
		Units:     product.UnitCount,
		UnitPrice: product.UnitPrice,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("user_id", userID).Int64("lot_id", lot.ID).Int("units", lot.TotalUnits).Msg("credit lot purchased")
	return lot, nil
}

// Grant creates an off-catalog lot priced at the configured unit price.
func (s *CreditService) Grant(ctx context.Context, userID int64, units int) (*models.CreditLot, error) {
	if userID <= 0 || units <= 0 {
		return nil, ErrInvalidInput
	}

	lot, err := s.creditRepo.CreateLot(ctx, repository.CreateLotInput{
		UserID:    userID,
		Units:     units,
		UnitPrice: s.unitPrice,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("user_id", userID).Int64("lot_id", lot.ID).Int("units", units).Msg("credit lot granted")
	return lot, nil
}
