package models

import "time"

type BookingStatus string

const (
	BookingStatusBooked          BookingStatus = "BOOKED"
	BookingStatusPaid            BookingStatus = "PAID"
	BookingStatusPaymentCanceled BookingStatus = "PAYMENT_CANCELED"
	BookingStatusCanceled        BookingStatus = "CANCELED"
	BookingStatusCompleted       BookingStatus = "COMPLETED"
)

// Active reports whether the booking still holds its slots.
func (s BookingStatus) Active() bool {
	return s == BookingStatusBooked || s == BookingStatusPaid
}

type CancelType string

const (
	CancelTypeFree    CancelType = "FREE_CANCEL"
	CancelTypePartial CancelType = "PARTIAL_CANCEL"
)

type Slot struct {
	ID          int64     `json:"id"`
	CounselorID int64     `json:"counselor_id"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
	Available   bool      `json:"available"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Booking struct {
	ID                int64         `json:"id"`
	CustomerID        int64         `json:"customer_id"`
	CounselorID       int64         `json:"counselor_id"`
	Status            BookingStatus `json:"status"`
	CreditsUsed       int           `json:"credits_used"`
	CancelReason      *string       `json:"cancel_reason,omitempty"`
	CancelType        *CancelType   `json:"cancel_type,omitempty"`
	RefundedCredits   int           `json:"refunded_credits"`
	PaymentRetryCount int           `json:"payment_retry_count"`
	CanceledAt        *time.Time    `json:"canceled_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

type BookingDetail struct {
	Booking
	Slots []Slot `json:"slots"`
}

// StartAt is the start of the earliest slot, zero when no slots are attached.
func (d *BookingDetail) StartAt() time.Time {
	var earliest time.Time
	for _, slot := range d.Slots {
		if earliest.IsZero() || slot.StartAt.Before(earliest) {
			earliest = slot.StartAt
		}
	}
	return earliest
}

// EndAt is the end of the latest slot.
func (d *BookingDetail) EndAt() time.Time {
	var latest time.Time
	for _, slot := range d.Slots {
		if slot.EndAt.After(latest) {
			latest = slot.EndAt
		}
	}
	return latest
}
