package repository

import (
	"context"
	"time"

	"github.com/saeid-a/CounselBack/internal/models"
)

const slotColumns = `id, counselor_id, start_at, end_at, available, created_at, updated_at`

type CreateSlotInput struct {
	CounselorID int64
	StartAt     time.Time
	EndAt       time.Time
}

type SlotRepository struct {
	db DBTX
}

func NewSlotRepository(db DBTX) *SlotRepository {
	return &SlotRepository{db: db}
}

func scanSlot(row rowScanner) (*models.Slot, error) {
	var slot models.Slot
	err := row.Scan(
		&slot.ID,
		&slot.CounselorID,
		&slot.StartAt,
		&slot.EndAt,
		&slot.Available,
		&slot.CreatedAt,
		&slot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

func (r *SlotRepository) collect(ctx context.Context, query string, args ...any) ([]models.Slot, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slots := make([]models.Slot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return slots, nil
}

func (r *SlotRepository) Create(ctx context.Context, input CreateSlotInput) (*models.Slot, error) {
	query := `
		INSERT INTO slots (counselor_id, start_at, end_at)
		VALUES ($1, $2, $3)
		RETURNING ` + slotColumns
	return scanSlot(r.db.QueryRow(ctx, query, input.CounselorID, input.StartAt, input.EndAt))
}

// GetByIDsForUpdate row-locks the requested slots in id order so concurrent
// bookers of overlapping slot sets always acquire locks in the same sequence.
func (r *SlotRepository) GetByIDsForUpdate(ctx context.Context, slotIDs []int64) ([]models.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE id = ANY($1)
		ORDER BY id ASC
		FOR UPDATE
	`
	return r.collect(ctx, query, slotIDs)
}

func (r *SlotRepository) SetAvailability(ctx context.Context, slotIDs []int64, available bool) error {
	if len(slotIDs) == 0 {
		return nil
	}
	query := `
		UPDATE slots
		SET available = $2, updated_at = NOW()
		WHERE id = ANY($1)
	`
	_, err := r.db.Exec(ctx, query, slotIDs, available)
	return err
}

// ListByBooking returns every slot ever attached to the booking, including
// slots released by a cancellation.
func (r *SlotRepository) ListByBooking(ctx context.Context, bookingID int64) ([]models.Slot, error) {
	query := `
		SELECT s.id, s.counselor_id, s.start_at, s.end_at, s.available, s.created_at, s.updated_at
		FROM slots s
		JOIN booking_slots bs ON bs.slot_id = s.id
		WHERE bs.booking_id = $1
		ORDER BY s.start_at ASC, s.id ASC
	`
	return r.collect(ctx, query, bookingID)
}

func (r *SlotRepository) ListAvailable(
	ctx context.Context,
	counselorID int64,
	from time.Time,
	to time.Time,
) ([]models.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE counselor_id = $1
		  AND available
		  AND start_at >= $2
		  AND start_at < $3
		ORDER BY start_at ASC, id ASC
	`
	return r.collect(ctx, query, counselorID, from, to)
}
