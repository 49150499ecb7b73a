package routes

import (
	"errors"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/saeid-a/CounselBack/internal/config"
	"github.com/saeid-a/CounselBack/internal/handlers"
	"github.com/saeid-a/CounselBack/internal/middleware"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/repository"
	"github.com/saeid-a/CounselBack/internal/services"
	channelws "github.com/saeid-a/CounselBack/internal/websocket"
	"github.com/saeid-a/CounselBack/pkg/utils"
)

// Services is the wired service graph. The server keeps a handle on it for
// background work such as the reconciliation sweep.
type Services struct {
	Bookings      *services.BookingService
	Credits       *services.CreditService
	Consultations *services.ConsultationService
	Settlements   *services.SettlementService
	Continuations *services.ContinuationService
	Channels      *channelws.Hub
}

func NewServices(cfg *config.Config, db *pgxpool.Pool, logger zerolog.Logger) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if db == nil {
		return nil, errors.New("database pool is required")
	}

	userRepo := repository.NewUserRepository(db)
	counselorRepo := repository.NewCounselorRepository(db)
	slotRepo := repository.NewSlotRepository(db)
	bookingRepo := repository.NewBookingRepository(db)
	creditRepo := repository.NewCreditRepository(db)
	consultationRepo := repository.NewConsultationRepository(db)
	settlementRepo := repository.NewSettlementRepository(db)

	hub := channelws.NewHub(cfg.JWTSecret, cfg.ChannelTokenTTL, logger)
	settlements := services.NewSettlementService(
		db,
		settlementRepo,
		consultationRepo,
		cfg.CommissionRate,
		cfg.SettlementLocation(),
		logger,
	)

	return &Services{
		Bookings: services.NewBookingService(
			db,
			bookingRepo,
			slotRepo,
			counselorRepo,
			cfg.PaymentMaxRetries,
			logger,
		),
		Credits: services.NewCreditService(db, creditRepo, cfg.CreditUnitPrice, logger),
		Consultations: services.NewConsultationService(
			db,
			consultationRepo,
			bookingRepo,
			slotRepo,
			userRepo,
			hub,
			settlements,
			cfg.EntryOpensBefore,
			logger,
		),
		Settlements:   settlements,
		Continuations: services.NewContinuationService(db, bookingRepo, slotRepo, cfg.ConsecutiveWindow, logger),
		Channels:      hub,
	}, nil
}

func RegisterRoutes(app *fiber.App, cfg *config.Config, svc *Services) error {
	if svc == nil {
		return errors.New("services are required")
	}

	validator := utils.NewValidator()
	bookingHandler := handlers.NewBookingHandler(svc.Bookings, svc.Continuations, validator)
	creditHandler := handlers.NewCreditHandler(svc.Credits, validator)
	consultationHandler := handlers.NewConsultationHandler(svc.Consultations, svc.Continuations, validator)
	settlementHandler := handlers.NewSettlementHandler(svc.Settlements)
	channelHandler := handlers.NewChannelHandler(svc.Channels)

	api := app.Group("/api")
	if cfg.RateLimitEnabled {
		api.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimitPerMinute,
			Expiration: time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
		}))
	}

	channels := api.Group("/v1/channels")
	channels.Use("/:channelId/ws", channelHandler.WebSocketAuth)
	channels.Get("/:channelId/ws", websocket.New(channelHandler.HandleWebSocket))

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))
	adminOnly := middleware.RequireRole(models.RoleAdmin)

	slots := authProtected.Group("/slots")
	slots.Get("", bookingHandler.ListSlots)
	slots.Post("", bookingHandler.CreateSlot)

	bookings := authProtected.Group("/bookings")
	bookings.Post("", bookingHandler.Book)
	bookings.Get("", bookingHandler.ListBookings)
	bookings.Get("/:id", bookingHandler.GetBooking)
	bookings.Get("/:id/next", bookingHandler.NextConsecutive)
	bookings.Post("/:id/cancel", bookingHandler.CancelBooking)
	bookings.Post("/:id/pay", adminOnly, bookingHandler.ConfirmPayment)
	bookings.Post("/:id/payment-failure", adminOnly, bookingHandler.RecordPaymentFailure)

	credits := authProtected.Group("/credits")
	credits.Get("/balance", creditHandler.Balance)
	credits.Get("/history", creditHandler.History)
	credits.Get("/lots", creditHandler.Lots)
	credits.Get("/products", creditHandler.Products)
	credits.Post("/purchase", adminOnly, creditHandler.Purchase)
	credits.Post("/grant", adminOnly, creditHandler.Grant)

	sessions := authProtected.Group("/sessions")
	sessions.Post("", consultationHandler.Start)
	sessions.Get("/reservations/:reservationId/status", consultationHandler.Status)
	sessions.Get("/reservations/:reservationId/entry", consultationHandler.Entry)
	sessions.Post("/reservations/:reservationId/consume-next", consultationHandler.ConsumeNext)
	sessions.Get("/:id", consultationHandler.GetSession)
	sessions.Get("/:id/token", consultationHandler.Token)
	sessions.Post("/:id/end", consultationHandler.End)
	sessions.Post("/:id/continue", consultationHandler.Continue)

	settlements := authProtected.Group("/settlements")
	settlements.Get("/mine", settlementHandler.Mine)
	settlements.Get("/sessions/:sessionId", settlementHandler.BySession)
	settlements.Get("/counselors/:id", settlementHandler.CounselorPayouts)
	settlements.Post("/reconcile", adminOnly, settlementHandler.Reconcile)
	settlements.Post("/:id/confirm", adminOnly, settlementHandler.Confirm)
	settlements.Post("/:id/pay", adminOnly, settlementHandler.Pay)

	return nil
}
