package handlers

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/CounselBack/internal/services"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"insufficient credits", services.ErrInsufficientCredits, fiber.StatusBadRequest, "INSUFFICIENT_CREDITS", "insufficient credits"},
		{"slot unavailable", services.ErrSlotUnavailable, fiber.StatusConflict, "SLOT_UNAVAILABLE", "slot is no longer available"},
		{"already canceled", services.ErrAlreadyCanceled, fiber.StatusConflict, "ALREADY_CANCELED", "booking already canceled"},
		{"refund workflow", services.ErrUseRefundWorkflow, fiber.StatusUnprocessableEntity, "USE_REFUND_WORKFLOW", "paid bookings must use the refund workflow instead"},
		{"cancel too late", services.ErrCancelTooLate, fiber.StatusUnprocessableEntity, "CANCEL_TOO_LATE", "cancellation is closed less than one hour before start"},
		{"invalid transition", services.ErrInvalidStateTransition, fiber.StatusUnprocessableEntity, "INVALID_STATE_TRANSITION", "invalid state transition"},
		{"booking missing", services.ErrBookingNotFound, fiber.StatusNotFound, "BOOKING_NOT_FOUND", "booking not found"},
		{"mismatch", services.ErrSlotCounselorMismatch, fiber.StatusBadRequest, "SLOT_COUNSELOR_MISMATCH", "slot does not belong to counselor"},
		{"forbidden", services.ErrForbidden, fiber.StatusForbidden, "FORBIDDEN", "Forbidden"},
		{"channel provider", fmt.Errorf("%w: create channel: timeout", services.ErrChannelProvider), fiber.StatusServiceUnavailable, "CHANNEL_PROVIDER_FAILED", "Upstream service unavailable"},
		{"unknown", errors.New("boom"), fiber.StatusInternalServerError, "INTERNAL", "Failed to process request"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, message := classifyError(tc.err)
			if status != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, status)
			}
			if code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
			if message != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, message)
			}
		})
	}
}
