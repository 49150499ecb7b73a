package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/services"
	"github.com/saeid-a/CounselBack/pkg/utils"
)

type ConsultationHandler struct {
	sessions     consultationApplicationService
	continuation continuationApplicationService
	validator    *utils.Validator
}

type consultationApplicationService interface {
	Start(ctx context.Context, actorID int64, reservationID int64) (*models.ConsultationSession, error)
	End(ctx context.Context, actorID int64, role string, sessionID int64, reason models.EndReason) (*models.ConsultationSession, error)
	IssueToken(ctx context.Context, actorID int64, sessionID int64) (string, error)
	GetSession(ctx context.Context, actorID int64, role string, sessionID int64) (*models.ConsultationSession, error)
	GetStatus(ctx context.Context, actorID int64, role string, reservationID int64) (*services.SessionStatus, error)
	CanEnter(ctx context.Context, actorID int64, reservationID int64) (*services.EntryDecision, error)
}

type continuationApplicationService interface {
	ContinueToNext(ctx context.Context, actorID int64, currentSessionID int64, nextBookingID int64) (*services.ContinuationResult, error)
	ConsumeNextCredit(ctx context.Context, actorID int64, bookingID int64) (*services.CreditProgress, error)
}

func NewConsultationHandler(
	sessions *services.ConsultationService,
	continuation *services.ContinuationService,
	validator *utils.Validator,
) *ConsultationHandler {
	return &ConsultationHandler{sessions: sessions, continuation: continuation, validator: validator}
}

type startSessionRequest struct {
	ReservationID int64 `json:"reservation_id" validate:"required,gt=0"`
}

type endSessionRequest struct {
	Reason string `json:"reason" validate:"required,oneof=NORMAL TIMEOUT NETWORK ADMIN"`
}

type continueSessionRequest struct {
	NextBookingID int64 `json:"next_booking_id" validate:"required,gt=0"`
}

func (h *ConsultationHandler) Start(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser, models.RoleCounselor)
	if err != nil {
		return actorError(c, err)
	}

	var req startSessionRequest
	if ok, err := bindBody(c, h.validator, &req); !ok {
		return err
	}

	session, err := h.sessions.Start(c.Context(), current.ID, req.ReservationID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"session": session})
}

func (h *ConsultationHandler) End(c *fiber.Ctx) error {
	current, err := currentActor(c)
	if err != nil {
		return actorError(c, err)
	}

	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid session id")
	}

	var req endSessionRequest
	if ok, err := bindBody(c, h.validator, &req); !ok {
		return err
	}

	session, err := h.sessions.End(c.Context(), current.ID, current.Role, sessionID, models.EndReason(req.Reason))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"session": session})
}

func (h *ConsultationHandler) Token(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser, models.RoleCounselor)
	if err != nil {
		return actorError(c, err)
	}

	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid session id")
	}

	token, err := h.sessions.IssueToken(c.Context(), current.ID, sessionID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"token": token})
}

func (h *ConsultationHandler) GetSession(c *fiber.Ctx) error {
	current, err := currentActor(c)
	if err != nil {
		return actorError(c, err)
	}

	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid session id")
	}

	session, err := h.sessions.GetSession(c.Context(), current.ID, current.Role, sessionID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"session": session})
}

func (h *ConsultationHandler) Status(c *fiber.Ctx) error {
	current, err := currentActor(c)
	if err != nil {
		return actorError(c, err)
	}

	reservationID, ok := parseIDParam(c, "reservationId")
	if !ok {
		return badRequest(c, "Invalid reservation id")
	}

	status, err := h.sessions.GetStatus(c.Context(), current.ID, current.Role, reservationID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *ConsultationHandler) Entry(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser, models.RoleCounselor)
	if err != nil {
		return actorError(c, err)
	}

	reservationID, ok := parseIDParam(c, "reservationId")
	if !ok {
		return badRequest(c, "Invalid reservation id")
	}

	decision, err := h.sessions.CanEnter(c.Context(), current.ID, reservationID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(decision)
}

func (h *ConsultationHandler) Continue(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser, models.RoleCounselor)
	if err != nil {
		return actorError(c, err)
	}

	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid session id")
	}

	var req continueSessionRequest
	if ok, err := bindBody(c, h.validator, &req); !ok {
		return err
	}

	result, err := h.continuation.ContinueToNext(c.Context(), current.ID, sessionID, req.NextBookingID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *ConsultationHandler) ConsumeNext(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser, models.RoleCounselor)
	if err != nil {
		return actorError(c, err)
	}

	reservationID, ok := parseIDParam(c, "reservationId")
	if !ok {
		return badRequest(c, "Invalid reservation id")
	}

	progress, err := h.continuation.ConsumeNextCredit(c.Context(), current.ID, reservationID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(progress)
}
