package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/saeid-a/CounselBack/internal/models"
)

const bookingColumns = `id, customer_id, counselor_id, status, credits_used, cancel_reason, cancel_type,
	refunded_credits, payment_retry_count, canceled_at, created_at, updated_at`

type BookingListFilter struct {
	ActorID int64
	Role    string
	Status  string
}

type MarkCanceledInput struct {
	BookingID       int64
	Status          models.BookingStatus
	CancelType      *models.CancelType
	CancelReason    *string
	RefundedCredits int
	CanceledAt      time.Time
}

// BookingWindow is a booking reduced to the span of its live slots.
type BookingWindow struct {
	BookingID int64
	StartAt   time.Time
	EndAt     time.Time
}

type BookingRepository struct {
	db DBTX
}

func NewBookingRepository(db DBTX) *BookingRepository {
	return &BookingRepository{db: db}
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var booking models.Booking
	err := row.Scan(
		&booking.ID,
		&booking.CustomerID,
		&booking.CounselorID,
		&booking.Status,
		&booking.CreditsUsed,
		&booking.CancelReason,
		&booking.CancelType,
		&booking.RefundedCredits,
		&booking.PaymentRetryCount,
		&booking.CanceledAt,
		&booking.CreatedAt,
		&booking.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

func (r *BookingRepository) Create(ctx context.Context, customerID, counselorID int64) (*models.Booking, error) {
	query := `
		INSERT INTO bookings (customer_id, counselor_id, status)
		VALUES ($1, $2, 'BOOKED')
		RETURNING ` + bookingColumns
	return scanBooking(r.db.QueryRow(ctx, query, customerID, counselorID))
}

func (r *BookingRepository) GetByID(ctx context.Context, bookingID int64) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	return scanBooking(r.db.QueryRow(ctx, query, bookingID))
}

func (r *BookingRepository) GetByIDForUpdate(ctx context.Context, bookingID int64) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 FOR UPDATE`
	return scanBooking(r.db.QueryRow(ctx, query, bookingID))
}

func (r *BookingRepository) List(ctx context.Context, filter BookingListFilter) ([]models.Booking, error) {
	actorColumn := "customer_id"
	if filter.Role == models.RoleCounselor {
		actorColumn = "counselor_id"
	}

	args := []any{filter.ActorID}
	where := fmt.Sprintf("%s = $1", actorColumn)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM bookings
		WHERE %s
		ORDER BY created_at DESC, id DESC
	`, bookingColumns, where)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bookings := make([]models.Booking, 0)
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *booking)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bookings, nil
}

// AttachSlots records the booking's claim on each slot. The partial unique
// index on live claims rejects a second claim on the same slot.
func (r *BookingRepository) AttachSlots(ctx context.Context, bookingID int64, slotIDs []int64) error {
	query := `
		INSERT INTO booking_slots (booking_id, slot_id)
		SELECT $1, unnest($2::bigint[])
	`
	_, err := r.db.Exec(ctx, query, bookingID, slotIDs)
	return err
}

// ReleaseSlots ends the booking's live slot claims and returns the freed ids.
func (r *BookingRepository) ReleaseSlots(ctx context.Context, bookingID int64) ([]int64, error) {
	query := `
		UPDATE booking_slots
		SET released_at = NOW()
		WHERE booking_id = $1 AND released_at IS NULL
		RETURNING slot_id
	`
	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slotIDs := make([]int64, 0)
	for rows.Next() {
		var slotID int64
		if err := rows.Scan(&slotID); err != nil {
			return nil, err
		}
		slotIDs = append(slotIDs, slotID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return slotIDs, nil
}

func (r *BookingRepository) AdjustCreditsUsed(ctx context.Context, bookingID int64, delta int) error {
	query := `
		UPDATE bookings
		SET credits_used = credits_used + $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, bookingID, delta)
	return err
}

func (r *BookingRepository) UpdateStatusIfCurrent(
	ctx context.Context,
	bookingID int64,
	currentStatus models.BookingStatus,
	nextStatus models.BookingStatus,
) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + bookingColumns
	return scanBooking(r.db.QueryRow(ctx, query, bookingID, currentStatus, nextStatus))
}

// MarkCompleted moves an active booking to COMPLETED; terminal bookings are left alone.
func (r *BookingRepository) MarkCompleted(ctx context.Context, bookingID int64) error {
	query := `
		UPDATE bookings
		SET status = 'COMPLETED', updated_at = NOW()
		WHERE id = $1 AND status IN ('BOOKED', 'PAID')
	`
	_, err := r.db.Exec(ctx, query, bookingID)
	return err
}

func (r *BookingRepository) MarkCanceled(ctx context.Context, input MarkCanceledInput) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET status = $2,
		    cancel_type = $3,
		    cancel_reason = $4,
		    refunded_credits = refunded_credits + $5,
		    canceled_at = $6,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + bookingColumns
	return scanBooking(r.db.QueryRow(
		ctx,
		query,
		input.BookingID,
		input.Status,
		input.CancelType,
		input.CancelReason,
		input.RefundedCredits,
		input.CanceledAt,
	))
}

func (r *BookingRepository) IncrementPaymentRetry(ctx context.Context, bookingID int64) (int, error) {
	query := `
		UPDATE bookings
		SET payment_retry_count = payment_retry_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING payment_retry_count
	`
	var count int
	if err := r.db.QueryRow(ctx, query, bookingID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListActiveWindowsForPair returns the other BOOKED/PAID bookings between the
// same customer and counselor, nearest start first.
func (r *BookingRepository) ListActiveWindowsForPair(
	ctx context.Context,
	customerID int64,
	counselorID int64,
	excludeBookingID int64,
) ([]BookingWindow, error) {
	query := `
		SELECT b.id, MIN(s.start_at), MAX(s.end_at)
		FROM bookings b
		JOIN booking_slots bs ON bs.booking_id = b.id AND bs.released_at IS NULL
		JOIN slots s ON s.id = bs.slot_id
		WHERE b.customer_id = $1
		  AND b.counselor_id = $2
		  AND b.id <> $3
		  AND b.status IN ('BOOKED', 'PAID')
		GROUP BY b.id
		ORDER BY MIN(s.start_at) ASC, b.id ASC
	`
	rows, err := r.db.Query(ctx, query, customerID, counselorID, excludeBookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	windows := make([]BookingWindow, 0)
	for rows.Next() {
		var window BookingWindow
		if err := rows.Scan(&window.BookingID, &window.StartAt, &window.EndAt); err != nil {
			return nil, err
		}
		windows = append(windows, window)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return windows, nil
}
