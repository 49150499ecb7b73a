package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/saeid-a/CounselBack/internal/logging"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/repository"
)

const channelIDPrefix = "consult-"

type userReader interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

type sessionSettler interface {
	Settle(ctx context.Context, sessionID int64) (*models.SettlementTransaction, error)
}

type ConsultationService struct {
	db               *pgxpool.Pool
	consultationRepo *repository.ConsultationRepository
	bookingRepo      *repository.BookingRepository
	slotRepo         *repository.SlotRepository
	userRepo         userReader
	channels         ChannelProvider
	settler          sessionSettler
	entryOpensBefore time.Duration
	logger           zerolog.Logger
	now              func() time.Time
}

func NewConsultationService(
	db *pgxpool.Pool,
	consultationRepo *repository.ConsultationRepository,
	bookingRepo *repository.BookingRepository,
	slotRepo *repository.SlotRepository,
	userRepo userReader,
	channels ChannelProvider,
	settler sessionSettler,
	entryOpensBefore time.Duration,
	logger zerolog.Logger,
) *ConsultationService {
	return &ConsultationService{
		db:               db,
		consultationRepo: consultationRepo,
		bookingRepo:      bookingRepo,
		slotRepo:         slotRepo,
		userRepo:         userRepo,
		channels:         channels,
		settler:          settler,
		entryOpensBefore: entryOpensBefore,
		logger:           logging.Component(logger, "consultation"),
		now:              time.Now,
	}
}

type SessionStatus struct {
	State   models.SessionState         `json:"state"`
	Session *models.ConsultationSession `json:"session,omitempty"`
}

// Start opens the consultation for a reservation. A reservation only ever gets
// one session: repeated calls return the existing row and open no new channel.
func (s *ConsultationService) Start(
	ctx context.Context,
	actorID int64,
	reservationID int64,
) (*models.ConsultationSession, error) {
	booking, err := s.bookingRepo.GetByID(ctx, reservationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if !isParticipant(actorID, booking.CustomerID, booking.CounselorID) {
		return nil, ErrForbidden
	}

	existing, err := s.consultationRepo.GetByReservationID(ctx, reservationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if !booking.Status.Active() {
		return nil, ErrBookingNotActive
	}

	channelID, err := s.provisionChannel(ctx, booking)
	if err != nil {
		return nil, err
	}

	session, created, err := s.insertSession(ctx, booking.ID, repository.CreateConsultationInput{
		ReservationID: booking.ID,
		CustomerID:    booking.CustomerID,
		CounselorID:   booking.CounselorID,
		ChannelID:     channelID,
		StartedAt:     s.now().UTC(),
	})
	if err != nil || !created {
		if deleteErr := s.channels.DeleteChannel(ctx, channelID); deleteErr != nil {
			s.logger.Warn().Err(deleteErr).Str("channel_id", channelID).Msg("failed to remove unused channel")
		}
	}
	if err != nil {
		return nil, err
	}
	if !created {
		return s.consultationRepo.GetByReservationID(ctx, reservationID)
	}

	s.logger.Info().
		Int64("session_id", session.ID).
		Int64("booking_id", reservationID).
		Str("channel_id", channelID).
		Msg("consultation started")
	return session, nil
}

// insertSession re-checks the booking under its row lock and inserts the
// session keyed by reservation. created is false when another caller won.
func (s *ConsultationService) insertSession(
	ctx context.Context,
	bookingID int64,
	input repository.CreateConsultationInput,
) (*models.ConsultationSession, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	booking, err := repository.NewBookingRepository(tx).GetByIDForUpdate(ctx, bookingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrBookingNotFound
		}
		return nil, false, err
	}

	txConsultationRepo := repository.NewConsultationRepository(tx)
	if _, err := txConsultationRepo.GetByReservationID(ctx, bookingID); err == nil {
		return nil, false, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	if !booking.Status.Active() {
		return nil, false, ErrBookingNotActive
	}

	session, created, err := txConsultationRepo.CreateIfAbsent(ctx, input)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return session, created, nil
}

func (s *ConsultationService) provisionChannel(ctx context.Context, booking *models.Booking) (string, error) {
	participants := []int64{booking.CustomerID, booking.CounselorID}
	participantIDs := make([]string, 0, len(participants))
	for _, userID := range participants {
		displayName := participantKey(userID)
		if user, err := s.userRepo.GetByID(ctx, userID); err == nil && user.DisplayName != "" {
			displayName = user.DisplayName
		}
		if err := s.channels.CreateUser(ctx, participantKey(userID), displayName); err != nil {
			return "", channelProviderError("create user", err)
		}
		participantIDs = append(participantIDs, participantKey(userID))
	}

	channelID, err := s.channels.CreateChannel(ctx, channelIDPrefix+uuid.NewString(), participantIDs)
	if err != nil {
		return "", channelProviderError("create channel", err)
	}
	return channelID, nil
}

// End closes a started session. The end is committed first; channel teardown
// and settlement run afterwards and their failures never fail the call. A
// failed settlement leaves the session marked FAILED for reconciliation.
func (s *ConsultationService) End(
	ctx context.Context,
	actorID int64,
	role string,
	sessionID int64,
	reason models.EndReason,
) (*models.ConsultationSession, error) {
	if !reason.Valid() {
		return nil, ErrInvalidInput
	}
	if reason == models.EndReasonAdmin && role != models.RoleAdmin {
		return nil, ErrForbidden
	}

	now := s.now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txConsultationRepo := repository.NewConsultationRepository(tx)
	txBookingRepo := repository.NewBookingRepository(tx)

	session, err := txConsultationRepo.GetByIDForUpdate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if role != models.RoleAdmin && !isParticipant(actorID, session.CustomerID, session.CounselorID) {
		return nil, ErrForbidden
	}
	if session.Ended() {
		return nil, ErrSessionAlreadyEnded
	}

	durationSec := max(int(now.Sub(session.StartedAt).Seconds()), 0)
	ended, err := txConsultationRepo.MarkEnded(ctx, sessionID, now, durationSec, reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionAlreadyEnded
		}
		return nil, err
	}
	if err := txBookingRepo.MarkCompleted(ctx, session.ReservationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	logger := s.logger.With().Int64("session_id", sessionID).Int64("booking_id", session.ReservationID).Logger()
	logger.Info().Str("end_reason", string(reason)).Int("duration_sec", durationSec).Msg("consultation ended")

	if ended.ContinuedToSessionID == nil {
		if err := s.channels.DeleteChannel(ctx, ended.ChannelID); err != nil {
			logger.Warn().Err(err).Str("channel_id", ended.ChannelID).Msg("failed to tear down channel")
		}
	}

	if s.settler != nil {
		if _, err := s.settler.Settle(ctx, sessionID); err != nil {
			logger.Error().Err(err).Msg("settlement failed after session end")
			if markErr := s.consultationRepo.MarkSettlementFailed(ctx, sessionID, err.Error()); markErr != nil {
				logger.Error().Err(markErr).Msg("failed to record settlement failure")
			}
		}
	}

	latest, err := s.consultationRepo.GetByID(ctx, sessionID)
	if err != nil {
		return ended, nil
	}
	return latest, nil
}

// IssueToken hands a participant the credential for joining the channel.
func (s *ConsultationService) IssueToken(ctx context.Context, actorID int64, sessionID int64) (string, error) {
	session, err := s.consultationRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	if !isParticipant(actorID, session.CustomerID, session.CounselorID) {
		return "", ErrForbidden
	}
	if session.Ended() {
		return "", ErrSessionAlreadyEnded
	}

	token, err := s.channels.IssueSessionToken(ctx, participantKey(actorID))
	if err != nil {
		return "", channelProviderError("issue token", err)
	}
	return token, nil
}

func (s *ConsultationService) GetSession(
	ctx context.Context,
	actorID int64,
	role string,
	sessionID int64,
) (*models.ConsultationSession, error) {
	session, err := s.consultationRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if role != models.RoleAdmin && !isParticipant(actorID, session.CustomerID, session.CounselorID) {
		return nil, ErrForbidden
	}
	return session, nil
}

func (s *ConsultationService) GetStatus(
	ctx context.Context,
	actorID int64,
	role string,
	reservationID int64,
) (*SessionStatus, error) {
	booking, err := s.bookingRepo.GetByID(ctx, reservationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if !canAccessBooking(role, actorID, booking) {
		return nil, ErrForbidden
	}

	session, err := s.consultationRepo.GetByReservationID(ctx, reservationID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		session = nil
	}
	return &SessionStatus{State: session.State(), Session: session}, nil
}

func (s *ConsultationService) CanEnter(
	ctx context.Context,
	actorID int64,
	reservationID int64,
) (*EntryDecision, error) {
	booking, err := s.bookingRepo.GetByID(ctx, reservationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if !isParticipant(actorID, booking.CustomerID, booking.CounselorID) {
		return nil, ErrForbidden
	}

	slots, err := s.slotRepo.ListByBooking(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	session, err := s.consultationRepo.GetByReservationID(ctx, reservationID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		session = nil
	}

	decision := evaluateEntry(
		&models.BookingDetail{Booking: *booking, Slots: slots},
		session,
		s.now().UTC(),
		s.entryOpensBefore,
	)
	return &decision, nil
}

func isParticipant(actorID, customerID, counselorID int64) bool {
	return actorID == customerID || actorID == counselorID
}
