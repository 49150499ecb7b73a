package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/services"
	"github.com/saeid-a/CounselBack/pkg/utils"
)

type CreditHandler struct {
	service   creditApplicationService
	validator *utils.Validator
}

type creditApplicationService interface {
	Balance(ctx context.Context, userID int64) (*models.CreditBalance, error)
	History(ctx context.Context, userID int64, limit int) ([]models.CreditUsageLog, error)
	ListLots(ctx context.Context, userID int64) ([]models.CreditLot, error)
	ListProducts(ctx context.Context) ([]models.CreditProduct, error)
	Purchase(ctx context.Context, userID, productID int64) (*models.CreditLot, error)
	Grant(ctx context.Context, userID int64, units int) (*models.CreditLot, error)
}

func NewCreditHandler(service *services.CreditService, validator *utils.Validator) *CreditHandler {
	return &CreditHandler{service: service, validator: validator}
}

type purchaseCreditsRequest struct {
	UserID    int64 `json:"user_id" validate:"required,gt=0"`
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
}

type grantCreditsRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
	Units  int   `json:"units" validate:"required,gt=0,lte=1000"`
}

func (h *CreditHandler) Balance(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser)
	if err != nil {
		return actorError(c, err)
	}

	balance, err := h.service.Balance(c.Context(), current.ID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"balance": balance})
}

func (h *CreditHandler) History(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser)
	if err != nil {
		return actorError(c, err)
	}

	limit, ok := parseLimit(c)
	if !ok {
		return badRequest(c, "limit must be a positive integer")
	}

	history, err := h.service.History(c.Context(), current.ID, limit)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"history": history})
}

func (h *CreditHandler) Lots(c *fiber.Ctx) error {
	current, err := currentActor(c, models.RoleUser)
	if err != nil {
		return actorError(c, err)
	}

	lots, err := h.service.ListLots(c.Context(), current.ID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"lots": lots})
}

func (h *CreditHandler) Products(c *fiber.Ctx) error {
	products, err := h.service.ListProducts(c.Context())
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(fiber.Map{"products": products})
}

// Purchase records a confirmed product purchase on behalf of the payment
// collaborator.
func (h *CreditHandler) Purchase(c *fiber.Ctx) error {
	if _, err := currentActor(c, models.RoleAdmin); err != nil {
		return actorError(c, err)
	}

	var req purchaseCreditsRequest
	if ok, err := bindBody(c, h.validator, &req); !ok {
		return err
	}

	lot, err := h.service.Purchase(c.Context(), req.UserID, req.ProductID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"lot": lot})
}

func (h *CreditHandler) Grant(c *fiber.Ctx) error {
	if _, err := currentActor(c, models.RoleAdmin); err != nil {
		return actorError(c, err)
	}

	var req grantCreditsRequest
	if ok, err := bindBody(c, h.validator, &req); !ok {
		return err
	}

	lot, err := h.service.Grant(c.Context(), req.UserID, req.Units)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"lot": lot})
}
