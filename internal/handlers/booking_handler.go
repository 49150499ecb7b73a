package handlers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/services"
	"github.com/saeid-a/CounselBack/pkg/utils"
)

type BookingHandler struct {
	service      bookingApplicationService
	continuation nextBookingFinder
	validator    *utils.Validator
}

type bookingApplicationService interface {
	Book(ctx context.Context, customerID int64, counselorID int64, slotIDs []int64) (*models.BookingDetail, error)
	Cancel(ctx context.Context, actorID int64, bookingID int64, reason *string) (*services.CancelResult, error)
	ConfirmPayment(ctx context.Context, bookingID int64) (*models.BookingDetail, error)
	RecordPaymentFailure(ctx context.Context, bookingID int64) (*models.BookingDetail, error)
	GetBooking(ctx context.Context, actorID int64, role string, bookingID int64) (*models.BookingDetail, error)
	ListBookings(ctx context.Context, actorID int64, role string, status string) ([]models.BookingDetail, error)
	CreateSlot(ctx context.Context, counselorID int64, input services.CreateSlotInput) (*models.Slot, error)
	ListAvailableSlots(ctx context.Context, counselorID int64, from time.Time, to time.Time) ([]models.Slot, error)
}

type nextBookingFinder interface {
	FindNextConsecutive(ctx context.Context, actorID int64, reservationID int64) (*services.NextBooking, error)
}

func NewBookingHandler(
	service *services.BookingService,
	continuation *services.ContinuationService,
	validator *utils.Validator,
) *BookingHandler {
	return &BookingHandler{service: service, continuation: continuation, validator: validator}
}

type bookRequest struct {
	CounselorID int64   `json:"counselor_id" validate:"required,gt=0"`
	SlotIDs     []int64 `json:"slot_ids" validate:"required,min=1,max=8,dive,gt=0"`
}

type cancelBookingRequest struct {
	Reason *string `json:"reason" validate:"omitempty,max=500"`
}

type createSlotRequest struct {
	StartAt time.Time `json:"start_at" validate:"required"`
	EndAt   time.Time `json:"end_at" validate:"required,gtfield=StartAt"`
}

func (h *BookingHandler) Book(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser)
	if err != nil {
		return actorError(c, err)
	}

	var req bookRequest
	if ok, err := bindBody(c, h.validator, &req); !ok {
		return err
	}

	detail, err := h.service.Book(c.Context(), current.ID, req.CounselorID, req.SlotIDs)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"booking": detail})
}

func (h *BookingHandler) ListBookings(c *fiber.Ctx) error {
	current, err := currentActor(c)
	if err != nil {
		return actorError(c, err)
	}

	bookings, err := h.service.ListBookings(c.Context(), current.ID, current.Role, strings.TrimSpace(c.Query("status")))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"bookings": bookings})
}

func (h *BookingHandler) GetBooking(c *fiber.Ctx) error {
	current, err := currentActor(c)
	if err != nil {
		return actorError(c, err)
	}

	bookingID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid booking id")
	}

	booking, err := h.service.GetBooking(c.Context(), current.ID, current.Role, bookingID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"booking": booking})
}

func (h *BookingHandler) CancelBooking(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser)
	if err != nil {
		return actorError(c, err)
	}

	bookingID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid booking id")
	}

	var req cancelBookingRequest
	if len(c.Body()) > 0 {
		if ok, err := bindBody(c, h.validator, &req); !ok {
			return err
		}
	}

	result, err := h.service.Cancel(c.Context(), current.ID, bookingID, req.Reason)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(result)
}

// ConfirmPayment is called by the payment collaborator once a charge clears.
func (h *BookingHandler) ConfirmPayment(c *fiber.Ctx) error {
	if _, err := currentActor(c, models.RoleAdmin); err != nil {
		return actorError(c, err)
	}

	bookingID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid booking id")
	}

	booking, err := h.service.ConfirmPayment(c.Context(), bookingID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"booking": booking})
}

func (h *BookingHandler) RecordPaymentFailure(c *fiber.Ctx) error {
	if _, err := currentActor(c, models.RoleAdmin); err != nil {
		return actorError(c, err)
	}

	bookingID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid booking id")
	}

	booking, err := h.service.RecordPaymentFailure(c.Context(), bookingID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"booking": booking})
}

func (h *BookingHandler) NextConsecutive(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser, models.RoleCounselor)
	if err != nil {
		return actorError(c, err)
	}

	bookingID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid booking id")
	}

	next, err := h.continuation.FindNextConsecutive(c.Context(), current.ID, bookingID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"has_next": next != nil, "next": next})
}

func (h *BookingHandler) CreateSlot(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleCounselor)
	if err != nil {
		return actorError(c, err)
	}

	var req createSlotRequest
	if ok, err := bindBody(c, h.validator, &req); !ok {
		return err
	}

	slot, err := h.service.CreateSlot(c.Context(), current.ID, services.CreateSlotInput{
		StartAt: req.StartAt,
		EndAt:   req.EndAt,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"slot": slot})
}

func (h *BookingHandler) ListSlots(c *fiber.Ctx) error {
	if _, err := currentActor(c); err != nil {
		return actorError(c, err)
	}

	counselorID, err := strconv.ParseInt(strings.TrimSpace(c.Query("counselor_id")), 10, 64)
	if err != nil || counselorID <= 0 {
		return badRequest(c, "counselor_id is required")
	}
	from, ok := parseTimeQuery(c, "from")
	if !ok {
		return badRequest(c, "from must be a valid RFC3339 timestamp")
	}
	to, ok := parseTimeQuery(c, "to")
	if !ok {
		return badRequest(c, "to must be a valid RFC3339 timestamp")
	}

	slots, err := h.service.ListAvailableSlots(c.Context(), counselorID, from, to)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"slots": slots})
}
