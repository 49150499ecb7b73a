package services

import (
	"errors"
	"fmt"
)

// Root categories. Every specific error below wraps exactly one of them so
// callers can branch on the category with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrValidation     = errors.New("validation failed")
	ErrForbidden      = errors.New("forbidden")
	ErrInfrastructure = errors.New("infrastructure unavailable")

	// ErrInvalidState marks validation failures caused by the current state of
	// a booking, session or payout rather than by the request itself.
	ErrInvalidState = fmt.Errorf("%w: invalid state", ErrValidation)
)

var (
	ErrCounselorNotFound  = fmt.Errorf("%w: counselor not found", ErrNotFound)
	ErrSlotNotFound       = fmt.Errorf("%w: slot not found", ErrNotFound)
	ErrBookingNotFound    = fmt.Errorf("%w: booking not found", ErrNotFound)
	ErrSessionNotFound    = fmt.Errorf("%w: session not found", ErrNotFound)
	ErrSettlementNotFound = fmt.Errorf("%w: settlement not found", ErrNotFound)
	ErrProductNotFound    = fmt.Errorf("%w: credit product not found", ErrNotFound)

	ErrSlotUnavailable  = fmt.Errorf("%w: slot is no longer available", ErrConflict)
	ErrAlreadyCanceled  = fmt.Errorf("%w: booking already canceled", ErrConflict)
	ErrAlreadyConfirmed = fmt.Errorf("%w: settlement already confirmed", ErrConflict)
	ErrAlreadyPaid      = fmt.Errorf("%w: settlement already paid", ErrConflict)

	ErrInvalidInput          = fmt.Errorf("%w: invalid input", ErrValidation)
	ErrSlotCounselorMismatch = fmt.Errorf("%w: slot does not belong to counselor", ErrValidation)
	ErrInsufficientCredits   = fmt.Errorf("%w: insufficient credits", ErrValidation)

	ErrBookingNotCancellable  = fmt.Errorf("%w: booking cannot be canceled", ErrInvalidState)
	ErrUseRefundWorkflow      = fmt.Errorf("%w: paid bookings must use the refund workflow instead", ErrInvalidState)
	ErrCancelTooLate          = fmt.Errorf("%w: cancellation is closed less than one hour before start", ErrInvalidState)
	ErrSessionAlreadyEnded    = fmt.Errorf("%w: session already ended", ErrInvalidState)
	ErrSessionNotEnded        = fmt.Errorf("%w: session has not ended", ErrInvalidState)
	ErrBookingNotActive       = fmt.Errorf("%w: booking is not active", ErrInvalidState)
	ErrInvalidStateTransition = fmt.Errorf("%w: invalid state transition", ErrInvalidState)
	ErrNotConsecutive         = fmt.Errorf("%w: booking is not consecutive", ErrInvalidState)

	ErrChannelProvider = fmt.Errorf("%w: channel provider failed", ErrInfrastructure)
)
