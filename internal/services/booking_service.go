package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/saeid-a/CounselBack/internal/logging"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/repository"
)

const paymentFailureReason = "payment failed"

type counselorReader interface {
	GetByUserID(ctx context.Context, userID int64) (*models.Counselor, error)
}

type BookingService struct {
	db                *pgxpool.Pool
	bookingRepo       *repository.BookingRepository
	slotRepo          *repository.SlotRepository
	counselorRepo     counselorReader
	paymentMaxRetries int
	logger            zerolog.Logger
	now               func() time.Time
}

func NewBookingService(
	db *pgxpool.Pool,
	bookingRepo *repository.BookingRepository,
	slotRepo *repository.SlotRepository,
	counselorRepo counselorReader,
	paymentMaxRetries int,
	logger zerolog.Logger,
) *BookingService {
	return &BookingService{
		db:                db,
		bookingRepo:       bookingRepo,
		slotRepo:          slotRepo,
		counselorRepo:     counselorRepo,
		paymentMaxRetries: paymentMaxRetries,
		logger:            logging.Component(logger, "booking"),
		now:               time.Now,
	}
}

type CancelResult struct {
	Booking         *models.BookingDetail `json:"booking"`
	CancelType      models.CancelType     `json:"cancel_type"`
	RefundedCredits int                   `json:"refunded_credits"`
}

type CreateSlotInput struct {
	StartAt time.Time
	EndAt   time.Time
}

// Book claims every requested slot for the customer in one transaction. Slot
// rows are locked in id order so two bookers racing for the same slot see one
// success and one ErrSlotUnavailable.
func (s *BookingService) Book(
	ctx context.Context,
	customerID int64,
	counselorID int64,
	slotIDs []int64,
) (*models.BookingDetail, error) {
	ids := normalizeSlotIDs(slotIDs)
	if customerID <= 0 || counselorID <= 0 || len(ids) == 0 {
		return nil, ErrInvalidInput
	}
	if customerID == counselorID {
		return nil, ErrInvalidInput
	}

	if _, err := s.counselorRepo.GetByUserID(ctx, counselorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCounselorNotFound
		}
		return nil, err
	}

	now := s.now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txSlotRepo := repository.NewSlotRepository(tx)
	txBookingRepo := repository.NewBookingRepository(tx)
	txCreditRepo := repository.NewCreditRepository(tx)

	slots, err := txSlotRepo.GetByIDsForUpdate(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(slots) != len(ids) {
		return nil, ErrSlotNotFound
	}
	for _, slot := range slots {
		if slot.CounselorID != counselorID {
			return nil, ErrSlotCounselorMismatch
		}
		if !slot.Available {
			return nil, ErrSlotUnavailable
		}
		if !slot.StartAt.After(now) {
			return nil, ErrInvalidInput
		}
	}

	booking, err := txBookingRepo.Create(ctx, customerID, counselorID)
	if err != nil {
		return nil, err
	}
	if err := txBookingRepo.AttachSlots(ctx, booking.ID, ids); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}
	if err := txSlotRepo.SetAvailability(ctx, ids, false); err != nil {
		return nil, err
	}

	tracked, err := txCreditRepo.HasAnyLot(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if tracked {
		if err := newLedgerTx(tx, now).reserve(ctx, customerID, booking.ID, len(ids)); err != nil {
			return nil, err
		}
	}

	booking, err = txBookingRepo.GetByID(ctx, booking.ID)
	if err != nil {
		return nil, err
	}
	for i := range slots {
		slots[i].Available = false
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("booking_id", booking.ID).
		Int64("user_id", customerID).
		Int64("counselor_id", counselorID).
		Int("credits_used", booking.CreditsUsed).
		Msg("booking created")

	return &models.BookingDetail{Booking: *booking, Slots: slots}, nil
}

// Cancel applies the refund tiers to a customer's own BOOKED booking. Refunded
// units go back to the lots and the rest are consumed as the cancellation fee.
func (s *BookingService) Cancel(
	ctx context.Context,
	actorID int64,
	bookingID int64,
	reason *string,
) (*CancelResult, error) {
	if reason != nil {
		trimmed := strings.TrimSpace(*reason)
		if trimmed == "" {
			reason = nil
		} else {
			reason = &trimmed
		}
	}

	now := s.now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txBookingRepo := repository.NewBookingRepository(tx)
	txSlotRepo := repository.NewSlotRepository(tx)
	txConsultationRepo := repository.NewConsultationRepository(tx)

	booking, err := txBookingRepo.GetByIDForUpdate(ctx, bookingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if booking.CustomerID != actorID {
		return nil, ErrForbidden
	}

	switch booking.Status {
	case models.BookingStatusBooked:
	case models.BookingStatusCanceled:
		return nil, ErrAlreadyCanceled
	case models.BookingStatusPaid:
		return nil, ErrUseRefundWorkflow
	default:
		return nil, ErrBookingNotCancellable
	}

	if _, err := txConsultationRepo.GetByReservationID(ctx, bookingID); err == nil {
		return nil, ErrBookingNotCancellable
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	slots, err := txSlotRepo.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	detail := models.BookingDetail{Booking: *booking, Slots: slots}

	cancelType, refund, err := EvaluateCancellation(detail.StartAt(), now, booking.CreditsUsed)
	if err != nil {
		return nil, err
	}

	freed, err := txBookingRepo.ReleaseSlots(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := txSlotRepo.SetAvailability(ctx, freed, true); err != nil {
		return nil, err
	}

	ledger := newLedgerTx(tx, now)
	refunded, err := ledger.release(ctx, booking.CustomerID, bookingID, refund)
	if err != nil {
		return nil, err
	}
	if _, err := ledger.consume(ctx, booking.CustomerID, bookingID, booking.CreditsUsed-refunded); err != nil {
		return nil, err
	}

	updated, err := txBookingRepo.MarkCanceled(ctx, repository.MarkCanceledInput{
		BookingID:       bookingID,
		Status:          models.BookingStatusCanceled,
		CancelType:      &cancelType,
		CancelReason:    reason,
		RefundedCredits: refunded,
		CanceledAt:      now,
	})
	if err != nil {
		return nil, err
	}
	slots, err = txSlotRepo.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("booking_id", bookingID).
		Int64("user_id", actorID).
		Str("cancel_type", string(cancelType)).
		Int("refunded_credits", refunded).
		Msg("booking canceled")

	return &CancelResult{
		Booking:         &models.BookingDetail{Booking: *updated, Slots: slots},
		CancelType:      cancelType,
		RefundedCredits: refunded,
	}, nil
}

// ConfirmPayment records a confirmed payment by moving BOOKED to PAID.
func (s *BookingService) ConfirmPayment(ctx context.Context, bookingID int64) (*models.BookingDetail, error) {
	updated, err := s.bookingRepo.UpdateStatusIfCurrent(ctx, bookingID, models.BookingStatusBooked, models.BookingStatusPaid)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if _, getErr := s.bookingRepo.GetByID(ctx, bookingID); errors.Is(getErr, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, ErrInvalidStateTransition
	}

	s.logger.Info().Int64("booking_id", bookingID).Msg("booking paid")
	return s.withSlots(ctx, updated)
}

// RecordPaymentFailure counts a failed payment attempt. Once the retry budget
// is spent the booking is canceled for non-payment, its credits released and
// its slots reopened.
func (s *BookingService) RecordPaymentFailure(ctx context.Context, bookingID int64) (*models.BookingDetail, error) {
	now := s.now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txBookingRepo := repository.NewBookingRepository(tx)
	txSlotRepo := repository.NewSlotRepository(tx)

	booking, err := txBookingRepo.GetByIDForUpdate(ctx, bookingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if booking.Status != models.BookingStatusBooked {
		return nil, ErrInvalidStateTransition
	}

	retries, err := txBookingRepo.IncrementPaymentRetry(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if retries >= s.paymentMaxRetries {
		freed, err := txBookingRepo.ReleaseSlots(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if err := txSlotRepo.SetAvailability(ctx, freed, true); err != nil {
			return nil, err
		}
		released, err := newLedgerTx(tx, now).release(ctx, booking.CustomerID, bookingID, -1)
		if err != nil {
			return nil, err
		}
		reason := paymentFailureReason
		if _, err := txBookingRepo.MarkCanceled(ctx, repository.MarkCanceledInput{
			BookingID:       bookingID,
			Status:          models.BookingStatusPaymentCanceled,
			CancelReason:    &reason,
			RefundedCredits: released,
			CanceledAt:      now,
		}); err != nil {
			return nil, err
		}
		s.logger.Warn().Int64("booking_id", bookingID).Int("retries", retries).Msg("booking canceled after payment failures")
	}

	updated, err := txBookingRepo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	slots, err := txSlotRepo.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &models.BookingDetail{Booking: *updated, Slots: slots}, nil
}

func (s *BookingService) GetBooking(
	ctx context.Context,
	actorID int64,
	role string,
	bookingID int64,
) (*models.BookingDetail, error) {
	booking, err := s.bookingRepo.GetByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if !canAccessBooking(role, actorID, booking) {
		return nil, ErrForbidden
	}
	return s.withSlots(ctx, booking)
}

func (s *BookingService) ListBookings(
	ctx context.Context,
	actorID int64,
	role string,
	status string,
) ([]models.BookingDetail, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != "" && !validBookingStatus(models.BookingStatus(status)) {
		return nil, ErrInvalidInput
	}

	bookings, err := s.bookingRepo.List(ctx, repository.BookingListFilter{
		ActorID: actorID,
		Role:    role,
		Status:  status,
	})
	if err != nil {
		return nil, err
	}

	details := make([]models.BookingDetail, 0, len(bookings))
	for _, booking := range bookings {
		slots, err := s.slotRepo.ListByBooking(ctx, booking.ID)
		if err != nil {
			return nil, err
		}
		details = append(details, models.BookingDetail{Booking: booking, Slots: slots})
	}
	return details, nil
}

func (s *BookingService) CreateSlot(ctx context.Context, counselorID int64, input CreateSlotInput) (*models.Slot, error) {
	if !input.EndAt.After(input.StartAt) {
		return nil, ErrInvalidInput
	}
	if !input.StartAt.After(s.now()) {
		return nil, ErrInvalidInput
	}
	if _, err := s.counselorRepo.GetByUserID(ctx, counselorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCounselorNotFound
		}
		return nil, err
	}

	return s.slotRepo.Create(ctx, repository.CreateSlotInput{
		CounselorID: counselorID,
		StartAt:     input.StartAt.UTC(),
		EndAt:       input.EndAt.UTC(),
	})
}

func (s *BookingService) ListAvailableSlots(
	ctx context.Context,
	counselorID int64,
	from time.Time,
	to time.Time,
) ([]models.Slot, error) {
	if counselorID <= 0 {
		return nil, ErrInvalidInput
	}
	if from.IsZero() {
		from = s.now()
	}
	if to.IsZero() {
		to = from.Add(30 * 24 * time.Hour)
	}
	if !to.After(from) {
		return nil, ErrInvalidInput
	}
	return s.slotRepo.ListAvailable(ctx, counselorID, from.UTC(), to.UTC())
}

func (s *BookingService) withSlots(ctx context.Context, booking *models.Booking) (*models.BookingDetail, error) {
	slots, err := s.slotRepo.ListByBooking(ctx, booking.ID)
	if err != nil {
		return nil, err
	}
	return &models.BookingDetail{Booking: *booking, Slots: slots}, nil
}

func canAccessBooking(role string, actorID int64, booking *models.Booking) bool {
	switch role {
	case models.RoleAdmin:
		return true
	case models.RoleUser:
		return booking.CustomerID == actorID
	case models.RoleCounselor:
		return booking.CounselorID == actorID
	}
	return false
}

func validBookingStatus(status models.BookingStatus) bool {
	switch status {
	case models.BookingStatusBooked,
		models.BookingStatusPaid,
		models.BookingStatusPaymentCanceled,
		models.BookingStatusCanceled,
		models.BookingStatusCompleted:
		return true
	}
	return false
}

// normalizeSlotIDs drops duplicates and non-positive ids and sorts ascending.
func normalizeSlotIDs(slotIDs []int64) []int64 {
	ids := make([]int64, 0, len(slotIDs))
	for _, id := range slotIDs {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
