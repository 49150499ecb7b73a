package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/CounselBack/internal/services"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{services.ErrInsufficientCredits, "INSUFFICIENT_CREDITS"},
	{services.ErrSlotUnavailable, "SLOT_UNAVAILABLE"},
	{services.ErrSlotCounselorMismatch, "SLOT_COUNSELOR_MISMATCH"},
	{services.ErrAlreadyCanceled, "ALREADY_CANCELED"},
	{services.ErrAlreadyConfirmed, "ALREADY_CONFIRMED"},
	{services.ErrAlreadyPaid, "ALREADY_PAID"},
	{services.ErrUseRefundWorkflow, "USE_REFUND_WORKFLOW"},
	{services.ErrCancelTooLate, "CANCEL_TOO_LATE"},
	{services.ErrBookingNotCancellable, "BOOKING_NOT_CANCELLABLE"},
	{services.ErrSessionAlreadyEnded, "SESSION_ALREADY_ENDED"},
	{services.ErrSessionNotEnded, "SESSION_NOT_ENDED"},
	{services.ErrBookingNotActive, "BOOKING_NOT_ACTIVE"},
	{services.ErrInvalidStateTransition, "INVALID_STATE_TRANSITION"},
	{services.ErrNotConsecutive, "NOT_CONSECUTIVE"},
	{services.ErrCounselorNotFound, "COUNSELOR_NOT_FOUND"},
	{services.ErrSlotNotFound, "SLOT_NOT_FOUND"},
	{services.ErrBookingNotFound, "BOOKING_NOT_FOUND"},
	{services.ErrSessionNotFound, "SESSION_NOT_FOUND"},
	{services.ErrSettlementNotFound, "SETTLEMENT_NOT_FOUND"},
	{services.ErrProductNotFound, "PRODUCT_NOT_FOUND"},
	{services.ErrChannelProvider, "CHANNEL_PROVIDER_FAILED"},
	{services.ErrInvalidInput, "INVALID_INPUT"},
}

// mapServiceError turns a service error into the HTTP status and body the
// API exposes. Unknown errors become 500 without leaking their text.
func mapServiceError(c *fiber.Ctx, err error) error {
	status, code, message := classifyError(err)
	return c.Status(status).JSON(fiber.Map{"error": message, "code": code})
}

func classifyError(err error) (int, string, string) {
	code := ""
	for _, known := range errorCodes {
		if errors.Is(err, known.err) {
			code = known.code
			break
		}
	}

	switch {
	case errors.Is(err, services.ErrNotFound):
		return fiber.StatusNotFound, orCode(code, "NOT_FOUND"), errorMessage(err)
	case errors.Is(err, services.ErrConflict):
		return fiber.StatusConflict, orCode(code, "CONFLICT"), errorMessage(err)
	case errors.Is(err, services.ErrInvalidState):
		return fiber.StatusUnprocessableEntity, orCode(code, "INVALID_STATE"), errorMessage(err)
	case errors.Is(err, services.ErrValidation):
		return fiber.StatusBadRequest, orCode(code, "VALIDATION_FAILED"), errorMessage(err)
	case errors.Is(err, services.ErrForbidden):
		return fiber.StatusForbidden, "FORBIDDEN", "Forbidden"
	case errors.Is(err, services.ErrInfrastructure):
		return fiber.StatusServiceUnavailable, orCode(code, "UNAVAILABLE"), "Upstream service unavailable"
	default:
		return fiber.StatusInternalServerError, "INTERNAL", "Failed to process request"
	}
}

func orCode(code, fallback string) string {
	if code != "" {
		return code
	}
	return fallback
}

// errorMessage keeps the most specific segment of a wrapped sentinel, so
// "validation failed: invalid state: session already ended" reads as
// "session already ended".
func errorMessage(err error) string {
	text := err.Error()
	if idx := strings.LastIndex(text, ": "); idx >= 0 && idx+2 < len(text) {
		return text[idx+2:]
	}
	return text
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message, "code": "INVALID_INPUT"})
}

func forbidden(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden", "code": "FORBIDDEN"})
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token", "code": "UNAUTHORIZED"})
}
