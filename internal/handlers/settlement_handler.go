package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/services"
)

const reconcileDefaultLimit = 50

type SettlementHandler struct {
	service settlementApplicationService
}

type settlementApplicationService interface {
	GetBySession(ctx context.Context, actorID int64, role string, sessionID int64) (*models.SettlementTransaction, error)
	ListByCustomer(ctx context.Context, customerID int64) ([]models.SettlementTransaction, error)
	ListCounselorSettlements(ctx context.Context, counselorID int64) ([]models.CounselorSettlement, error)
	Confirm(ctx context.Context, payoutID int64) (*models.CounselorSettlement, error)
	Pay(ctx context.Context, payoutID int64) (*models.CounselorSettlement, error)
	ReconcilePending(ctx context.Context, limit int) (*services.ReconcileReport, error)
}

func NewSettlementHandler(service *services.SettlementService) *SettlementHandler {
	return &SettlementHandler{service: service}
}

func (h *SettlementHandler) BySession(c *fiber.Ctx) error {
	current, err := currentActor(c)
	if err != nil {
		return actorError(c, err)
	}

	sessionID, ok := parseIDParam(c, "sessionId")
	if !ok {
		return badRequest(c, "Invalid session id")
	}

	settlement, err := h.service.GetBySession(c.Context(), current.ID, current.Role, sessionID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"settlement": settlement})
}

func (h *SettlementHandler) Mine(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser)
	if err != nil {
		return actorError(c, err)
	}

	settlements, err := h.service.ListByCustomer(c.Context(), current.ID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"settlements": settlements})
}

// CounselorPayouts lists period payouts. Counselors may only read their own.
func (h *SettlementHandler) CounselorPayouts(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleCounselor, models.RoleAdmin)
	if err != nil {
		return actorError(c, err)
	}

	counselorID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid counselor id")
	}
	if !current.isAdmin() && counselorID != current.ID {
		return forbidden(c)
	}

	payouts, err := h.service.ListCounselorSettlements(c.Context(), counselorID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"payouts": payouts})
}

func (h *SettlementHandler) Confirm(c *fiber.Ctx) error {
	if _, err := currentActor(c, models.RoleAdmin); err != nil {
		return actorError(c, err)
	}

	payoutID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid settlement id")
	}

	payout, err := h.service.Confirm(c.Context(), payoutID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"payout": payout})
}

func (h *SettlementHandler) Pay(c *fiber.Ctx) error {
	if _, err := currentActor(c, models.RoleAdmin); err != nil {
		return actorError(c, err)
	}

	payoutID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "Invalid settlement id")
	}

	payout, err := h.service.Pay(c.Context(), payoutID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"payout": payout})
}

func (h *SettlementHandler) Reconcile(c *fiber.Ctx) error {
	if _, err := currentActor(c, models.RoleAdmin); err != nil {
		return actorError(c, err)
	}

	limit := c.QueryInt("limit", reconcileDefaultLimit)
	if limit <= 0 {
		return badRequest(c, "limit must be a positive integer")
	}

	report, err := h.service.ReconcilePending(c.Context(), limit)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(report)
}
