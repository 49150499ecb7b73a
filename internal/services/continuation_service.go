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

type ContinuationService struct {
	db          *pgxpool.Pool
	bookingRepo *repository.BookingRepository
	slotRepo    *repository.SlotRepository
	window      time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func NewContinuationService(
	db *pgxpool.Pool,
	bookingRepo *repository.BookingRepository,
	slotRepo *repository.SlotRepository,
	window time.Duration,
	logger zerolog.Logger,
) *ContinuationService {
	return &ContinuationService{
		db:          db,
		bookingRepo: bookingRepo,
		slotRepo:    slotRepo,
		window:      window,
		logger:      logging.Component(logger, "continuation"),
		now:         time.Now,
	}
}

type NextBooking struct {
	BookingID int64     `json:"booking_id"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
}

type ContinuationResult struct {
	Session             *models.ConsultationSession `json:"session"`
	ExtendedDurationSec int                         `json:"extended_duration_sec"`
	ConsumedCredits     int                         `json:"consumed_credits"`
}

type CreditProgress struct {
	Consumed     bool `json:"consumed"`
	CreditIndex  int  `json:"credit_index"`
	TotalCredits int  `json:"total_credits"`
}

// pickConsecutive returns the first candidate whose start falls within window
// after currentEnd. Candidates must already be ordered by start ascending so
// the nearest booking wins.
func pickConsecutive(candidates []repository.BookingWindow, currentEnd time.Time, window time.Duration) *NextBooking {
	for _, candidate := range candidates {
		if withinWindow(currentEnd, candidate.StartAt, window) {
			return &NextBooking{
				BookingID: candidate.BookingID,
				StartAt:   candidate.StartAt,
				EndAt:     candidate.EndAt,
			}
		}
	}
	return nil
}

func withinWindow(currentEnd, nextStart time.Time, window time.Duration) bool {
	gap := nextStart.Sub(currentEnd)
	return gap >= 0 && gap <= window
}

// FindNextConsecutive looks for the same pair's next active booking starting
// within the continuation window after this one ends. It returns nil when
// none qualifies.
func (s *ContinuationService) FindNextConsecutive(
	ctx context.Context,
	actorID int64,
	reservationID int64,
) (*NextBooking, error) {
	booking, err := s.bookingRepo.GetByID(ctx, reservationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if !isParticipant(actorID, booking.CustomerID, booking.CounselorID) {
		return nil, ErrForbidden
	}

	slots, err := s.slotRepo.ListByBooking(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	detail := models.BookingDetail{Booking: *booking, Slots: slots}
	if len(detail.Slots) == 0 {
		return nil, nil
	}

	candidates, err := s.bookingRepo.ListActiveWindowsForPair(ctx, booking.CustomerID, booking.CounselorID, booking.ID)
	if err != nil {
		return nil, err
	}
	return pickConsecutive(candidates, detail.EndAt(), s.window), nil
}

// ContinueToNext carries a running call over into the next booking on the same
// channel. A retry for a booking that already has a session returns that
// session.
func (s *ContinuationService) ContinueToNext(
	ctx context.Context,
	actorID int64,
	currentSessionID int64,
	nextBookingID int64,
) (*ContinuationResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txConsultationRepo := repository.NewConsultationRepository(tx)
	txBookingRepo := repository.NewBookingRepository(tx)
	txSlotRepo := repository.NewSlotRepository(tx)
	txCreditRepo := repository.NewCreditRepository(tx)

	current, err := txConsultationRepo.GetByIDForUpdate(ctx, currentSessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if !isParticipant(actorID, current.CustomerID, current.CounselorID) {
		return nil, ErrForbidden
	}

	next, err := txConsultationRepo.GetByReservationID(ctx, nextBookingID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if next != nil && (next.ReservationID == current.ReservationID ||
		next.CustomerID != current.CustomerID ||
		next.CounselorID != current.CounselorID) {
		return nil, ErrNotConsecutive
	}

	if next == nil {
		if current.Ended() {
			return nil, ErrSessionAlreadyEnded
		}

		nextBooking, err := txBookingRepo.GetByIDForUpdate(ctx, nextBookingID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrBookingNotFound
			}
			return nil, err
		}
		if nextBooking.ID == current.ReservationID ||
			nextBooking.CustomerID != current.CustomerID ||
			nextBooking.CounselorID != current.CounselorID {
			return nil, ErrNotConsecutive
		}
		if !nextBooking.Status.Active() {
			return nil, ErrBookingNotActive
		}

		currentSlots, err := txSlotRepo.ListByBooking(ctx, current.ReservationID)
		if err != nil {
			return nil, err
		}
		nextSlots, err := txSlotRepo.ListByBooking(ctx, nextBookingID)
		if err != nil {
			return nil, err
		}
		currentDetail := models.BookingDetail{Slots: currentSlots}
		nextDetail := models.BookingDetail{Slots: nextSlots}
		if len(currentSlots) == 0 || len(nextSlots) == 0 ||
			!withinWindow(currentDetail.EndAt(), nextDetail.StartAt(), s.window) {
			return nil, ErrNotConsecutive
		}

		currentID := current.ID
		created, ok, err := txConsultationRepo.CreateIfAbsent(ctx, repository.CreateConsultationInput{
			ReservationID:          nextBookingID,
			CustomerID:             current.CustomerID,
			CounselorID:            current.CounselorID,
			ChannelID:              current.ChannelID,
			StartedAt:              s.now().UTC(),
			ContinuedFromSessionID: &currentID,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			created, err = txConsultationRepo.GetByReservationID(ctx, nextBookingID)
			if err != nil {
				return nil, err
			}
		}
		next = created
	}

	if current.ContinuedToSessionID == nil || *current.ContinuedToSessionID != next.ID {
		if next.ContinuedFromSessionID != nil && *next.ContinuedFromSessionID == current.ID {
			if err := txConsultationRepo.SetContinuedTo(ctx, current.ID, next.ID); err != nil {
				return nil, err
			}
		}
	}

	nextSlots, err := txSlotRepo.ListByBooking(ctx, nextBookingID)
	if err != nil {
		return nil, err
	}
	sums, err := txCreditRepo.SumUnitsByStatus(ctx, nextBookingID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	nextDetail := models.BookingDetail{Slots: nextSlots}
	s.logger.Info().
		Int64("session_id", next.ID).
		Int64("continued_from_session_id", current.ID).
		Int64("booking_id", nextBookingID).
		Str("channel_id", next.ChannelID).
		Msg("consultation continued")

	return &ContinuationResult{
		Session:             next,
		ExtendedDurationSec: int(nextDetail.EndAt().Sub(nextDetail.StartAt()).Seconds()),
		ConsumedCredits:     sums[models.CreditUsageConsumed],
	}, nil
}

// ConsumeNextCredit consumes one reserved unit at a call boundary and reports
// progress through the booking's credits.
func (s *ContinuationService) ConsumeNextCredit(
	ctx context.Context,
	actorID int64,
	bookingID int64,
) (*CreditProgress, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	booking, err := repository.NewBookingRepository(tx).GetByIDForUpdate(ctx, bookingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if !isParticipant(actorID, booking.CustomerID, booking.CounselorID) {
		return nil, ErrForbidden
	}

	result, err := newLedgerTx(tx, s.now().UTC()).consume(ctx, booking.CustomerID, bookingID, 1)
	if err != nil {
		return nil, err
	}
	sums, err := repository.NewCreditRepository(tx).SumUnitsByStatus(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	progress := &CreditProgress{
		Consumed:     result.Units > 0,
		CreditIndex:  sums[models.CreditUsageConsumed],
		TotalCredits: booking.CreditsUsed,
	}
	if progress.Consumed {
		s.logger.Info().
			Int64("booking_id", bookingID).
			Int("credit_index", progress.CreditIndex).
			Int("total_credits", progress.TotalCredits).
			Msg("call boundary credit consumed")
	}
	return progress, nil
}
