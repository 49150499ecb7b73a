package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type consultationFixture struct {
	customerID  int64
	counselorID int64
	booking     *models.BookingDetail
}

// newConsultationFixture books slotCount slots starting soon enough for the
// room to be open, backed by credits when credits > 0.
func newConsultationFixture(
	t *testing.T,
	ctx context.Context,
	pool *pgxpool.Pool,
	svc *integrationServices,
	slotCount int,
	credits int,
) *consultationFixture {
	t.Helper()

	customerID := createTestUser(t, ctx, pool, models.RoleUser)
	counselorID := createTestCounselor(t, ctx, pool, "0.20")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, customerID, counselorID) })

	if credits > 0 {
		_, err := svc.credits.Grant(ctx, customerID, credits)
		require.NoError(t, err)
	}
	slotIDs := createTestSlots(t, ctx, pool, counselorID, futureStart(5*time.Minute), slotCount)
	booking, err := svc.bookings.Book(ctx, customerID, counselorID, slotIDs)
	require.NoError(t, err)

	return &consultationFixture{customerID: customerID, counselorID: counselorID, booking: booking}
}

func TestConsultationServiceStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 1, 1)

	status, err := svc.consultations.GetStatus(ctx, fx.customerID, models.RoleUser, fx.booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateNotStarted, status.State)
	assert.Nil(t, status.Session)

	first, err := svc.consultations.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)
	second, err := svc.consultations.Start(ctx, fx.counselorID, fx.booking.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ChannelID, second.ChannelID)
	assert.Equal(t, 1, svc.channels.channelCreates())
	assert.Equal(t, models.SettlementStatusNone, first.SettlementStatus)

	status, err = svc.consultations.GetStatus(ctx, fx.counselorID, models.RoleCounselor, fx.booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateStarted, status.State)

	decision, err := svc.consultations.CanEnter(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)
	assert.True(t, decision.CanEnter)

	token, err := svc.consultations.IssueToken(ctx, fx.customerID, first.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	outsiderID := createTestUser(t, ctx, pool, models.RoleUser)
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, outsiderID) })
	_, err = svc.consultations.Start(ctx, outsiderID, fx.booking.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestConsultationServiceConcurrentStartsShareOneSession(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 1, 0)

	actors := []int64{fx.customerID, fx.counselorID, fx.customerID}
	ids := make([]int64, len(actors))
	var g errgroup.Group
	for i, actorID := range actors {
		i, actorID := i, actorID
		g.Go(func() error {
			session, err := svc.consultations.Start(ctx, actorID, fx.booking.ID)
			if err != nil {
				return err
			}
			ids[i] = session.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var count int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM consultation_sessions WHERE reservation_id = $1", fx.booking.ID,
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestConsultationServiceEndSettlesNormalSession(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 2, 2)

	started, err := svc.consultations.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)

	ended, err := svc.consultations.End(ctx, fx.counselorID, models.RoleCounselor, started.ID, models.EndReasonNormal)
	require.NoError(t, err)
	require.NotNil(t, ended.EndedAt)
	require.NotNil(t, ended.EndReason)
	require.NotNil(t, ended.DurationSec)
	assert.Equal(t, models.EndReasonNormal, *ended.EndReason)
	assert.GreaterOrEqual(t, *ended.DurationSec, 0)
	assert.Equal(t, models.SettlementStatusSettled, ended.SettlementStatus)
	assert.Contains(t, svc.channels.deleted, started.ChannelID)

	settlement, err := svc.settlements.GetBySession(ctx, fx.customerID, models.RoleUser, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementTypeNormal, settlement.SettlementType)
	assert.Equal(t, 2, settlement.CreditsReserved)
	assert.Equal(t, 2, settlement.CreditsConsumed)
	assert.Zero(t, settlement.CreditsRefunded)
	assert.Equal(t, int64(66000), settlement.GrossAmount)
	assert.Equal(t, int64(13200), settlement.PlatformFee)
	assert.Equal(t, int64(52800), settlement.CounselorEarning)

	booking, err := svc.bookings.GetBooking(ctx, fx.customerID, models.RoleUser, fx.booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusCompleted, booking.Status)

	payouts, err := svc.settlements.ListCounselorSettlements(ctx, fx.counselorID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, 1, payouts[0].TotalSessions)
	assert.Equal(t, int64(66000), payouts[0].TotalAmount)
	assert.Equal(t, int64(52800), payouts[0].NetAmount)
	assert.Equal(t, PeriodKey(*ended.EndedAt, time.UTC), payouts[0].Period)

	_, err = svc.consultations.End(ctx, fx.customerID, models.RoleUser, started.ID, models.EndReasonNormal)
	assert.ErrorIs(t, err, ErrSessionAlreadyEnded)

	_, err = svc.consultations.IssueToken(ctx, fx.customerID, started.ID)
	assert.ErrorIs(t, err, ErrSessionAlreadyEnded)

	status, err := svc.consultations.GetStatus(ctx, fx.customerID, models.RoleUser, fx.booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateEnded, status.State)

	requireConservation(t, ctx, pool, fx.customerID)
}

func TestConsultationServiceEndRejectsUnknownSessionAndReason(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 1, 0)

	_, err := svc.consultations.End(ctx, fx.customerID, models.RoleUser, 9_000_000_000, models.EndReasonNormal)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	started, err := svc.consultations.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)

	_, err = svc.consultations.End(ctx, fx.customerID, models.RoleUser, started.ID, models.EndReason("HANGUP"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.consultations.End(ctx, fx.customerID, models.RoleUser, started.ID, models.EndReasonAdmin)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestConsultationServiceLegacySessionSettlesToZero(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 1, 0)

	started, err := svc.consultations.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)
	_, err = svc.consultations.End(ctx, fx.customerID, models.RoleUser, started.ID, models.EndReasonNormal)
	require.NoError(t, err)

	settlement, err := svc.settlements.GetBySession(ctx, fx.counselorID, models.RoleCounselor, started.ID)
	require.NoError(t, err)
	assert.Zero(t, settlement.CreditsReserved)
	assert.Zero(t, settlement.CreditsConsumed)
	assert.Zero(t, settlement.CreditsRefunded)
	assert.Zero(t, settlement.CounselorEarning)
	assert.Zero(t, settlement.PlatformFee)
}

func TestConsultationServiceShortNetworkDropRefunds(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 1, 1)

	started, err := svc.consultations.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)
	_, err = svc.consultations.End(ctx, fx.customerID, models.RoleUser, started.ID, models.EndReasonNetwork)
	require.NoError(t, err)

	settlement, err := svc.settlements.GetBySession(ctx, fx.customerID, models.RoleUser, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementTypeNetworkShort, settlement.SettlementType)
	assert.Zero(t, settlement.CreditsConsumed)
	assert.Equal(t, 1, settlement.CreditsRefunded)
	assert.Zero(t, settlement.GrossAmount)

	balance, err := svc.credits.Balance(ctx, fx.customerID)
	require.NoError(t, err)
	assert.Equal(t, 1, balance.RemainingUnits)
	requireConservation(t, ctx, pool, fx.customerID)
}

func TestConsultationServiceSettlementFailureIsDeferred(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 1, 1)

	failing := NewConsultationService(
		pool,
		repository.NewConsultationRepository(pool),
		repository.NewBookingRepository(pool),
		repository.NewSlotRepository(pool),
		repository.NewUserRepository(pool),
		svc.channels,
		failingSettler{},
		10*time.Minute,
		zerolog.Nop(),
	)

	started, err := failing.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)
	ended, err := failing.End(ctx, fx.customerID, models.RoleUser, started.ID, models.EndReasonNormal)
	require.NoError(t, err, "settlement failure must not fail the end call")
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, models.SettlementStatusFailed, ended.SettlementStatus)
	require.NotNil(t, ended.SettlementError)
	assert.Contains(t, *ended.SettlementError, "ledger offline")

	_, err = svc.settlements.GetBySession(ctx, fx.customerID, models.RoleUser, started.ID)
	assert.ErrorIs(t, err, ErrSettlementNotFound)

	report, err := svc.settlements.ReconcilePending(ctx, 1000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Settled, 1)

	settlement, err := svc.settlements.GetBySession(ctx, fx.customerID, models.RoleUser, started.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, settlement.CreditsConsumed)

	reconciled, err := svc.consultations.GetSession(ctx, fx.customerID, models.RoleUser, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusSettled, reconciled.SettlementStatus)
}

func TestSettlementServiceConcurrentSettleConvergesOnOneRow(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 2, 2)

	deferred := NewConsultationService(
		pool,
		repository.NewConsultationRepository(pool),
		repository.NewBookingRepository(pool),
		repository.NewSlotRepository(pool),
		repository.NewUserRepository(pool),
		svc.channels,
		nil,
		10*time.Minute,
		zerolog.Nop(),
	)
	started, err := deferred.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)
	_, err = deferred.End(ctx, fx.customerID, models.RoleUser, started.ID, models.EndReasonTimeout)
	require.NoError(t, err)

	results := make([]*models.SettlementTransaction, 4)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			settlement, err := svc.settlements.Settle(ctx, started.ID)
			results[i] = settlement
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, settlement := range results {
		assert.Equal(t, results[0].ID, settlement.ID)
		assert.Equal(t, results[0].CreditsConsumed, settlement.CreditsConsumed)
		assert.Equal(t, results[0].GrossAmount, settlement.GrossAmount)
		assert.Equal(t, results[0].CounselorEarning, settlement.CounselorEarning)
	}
	assert.Equal(t, models.SettlementTypeTimeout, results[0].SettlementType)

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM settlement_transactions WHERE session_id = $1", started.ID,
	).Scan(&count))
	assert.Equal(t, 1, count)

	payouts, err := svc.settlements.ListCounselorSettlements(ctx, fx.counselorID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, 1, payouts[0].TotalSessions)
	requireConservation(t, ctx, pool, fx.customerID)
}

func TestSettlementServicePayoutTransitions(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 1, 1)

	started, err := svc.consultations.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)
	_, err = svc.consultations.End(ctx, fx.customerID, models.RoleUser, started.ID, models.EndReasonNormal)
	require.NoError(t, err)

	payouts, err := svc.settlements.ListCounselorSettlements(ctx, fx.counselorID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	payoutID := payouts[0].ID
	assert.Equal(t, models.PayoutStatusPending, payouts[0].Status)

	_, err = svc.settlements.Pay(ctx, payoutID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	confirmed, err := svc.settlements.Confirm(ctx, payoutID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusConfirmed, confirmed.Status)
	assert.NotNil(t, confirmed.ConfirmedAt)

	_, err = svc.settlements.Confirm(ctx, payoutID)
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)

	paid, err := svc.settlements.Pay(ctx, payoutID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPaid, paid.Status)
	assert.NotNil(t, paid.PaidAt)

	_, err = svc.settlements.Pay(ctx, payoutID)
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	_, err = svc.settlements.Confirm(ctx, payoutID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = svc.settlements.Confirm(ctx, 9_000_000_000)
	assert.ErrorIs(t, err, ErrSettlementNotFound)
	_, err = svc.settlements.Pay(ctx, 9_000_000_000)
	assert.ErrorIs(t, err, ErrSettlementNotFound)
}

func TestSettlementServiceReconcilerSettlesInBackground(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 1, 1)

	deferred := NewConsultationService(
		pool,
		repository.NewConsultationRepository(pool),
		repository.NewBookingRepository(pool),
		repository.NewSlotRepository(pool),
		repository.NewUserRepository(pool),
		svc.channels,
		nil,
		10*time.Minute,
		zerolog.Nop(),
	)
	started, err := deferred.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)
	_, err = deferred.End(ctx, fx.customerID, models.RoleUser, started.ID, models.EndReasonNormal)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		svc.settlements.RunReconciler(runCtx, 20*time.Millisecond, 1000)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := svc.settlements.GetBySession(ctx, fx.customerID, models.RoleUser, started.ID)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
}

func TestConsultationServiceConcurrentEndsSettleOnce(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 2, 2)

	started, err := svc.consultations.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)

	actors := []struct {
		id   int64
		role string
	}{
		{fx.customerID, models.RoleUser},
		{fx.counselorID, models.RoleCounselor},
	}
	errs := make([]error, len(actors))
	var g errgroup.Group
	for i, actor := range actors {
		i, actor := i, actor
		g.Go(func() error {
			_, errs[i] = svc.consultations.End(ctx, actor.id, actor.role, started.ID, models.EndReasonNormal)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var succeeded, alreadyEnded int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrSessionAlreadyEnded):
			alreadyEnded++
		default:
			t.Fatalf("unexpected end error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, alreadyEnded)

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM settlement_transactions WHERE session_id = $1", started.ID,
	).Scan(&count))
	assert.Equal(t, 1, count)

	settlement, err := svc.settlements.GetBySession(ctx, fx.customerID, models.RoleUser, started.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, settlement.CreditsConsumed)

	payouts, err := svc.settlements.ListCounselorSettlements(ctx, fx.counselorID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, 1, payouts[0].TotalSessions)
	requireConservation(t, ctx, pool, fx.customerID)
}

func TestConsultationServiceNetworkDropMidSessionConsumesProRata(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)
	fx := newConsultationFixture(t, ctx, pool, svc, 2, 2)

	started, err := svc.consultations.Start(ctx, fx.customerID, fx.booking.ID)
	require.NoError(t, err)

	svc.consultations.now = func() time.Time { return started.StartedAt.Add(25 * time.Minute) }
	ended, err := svc.consultations.End(ctx, fx.customerID, models.RoleUser, started.ID, models.EndReasonNetwork)
	require.NoError(t, err)
	require.NotNil(t, ended.DurationSec)
	assert.Equal(t, 25*60, *ended.DurationSec)

	settlement, err := svc.settlements.GetBySession(ctx, fx.customerID, models.RoleUser, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementTypeNetworkPartial, settlement.SettlementType)
	assert.Equal(t, 2, settlement.CreditsReserved)
	assert.Equal(t, 1, settlement.CreditsConsumed)
	assert.Equal(t, 1, settlement.CreditsRefunded)
	assert.Equal(t, int64(testUnitPrice), settlement.GrossAmount)

	sums, err := repository.NewCreditRepository(pool).SumUnitsByStatus(ctx, fx.booking.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sums[models.CreditUsageConsumed])
	assert.Equal(t, 1, sums[models.CreditUsageReleased])
	assert.Zero(t, sums[models.CreditUsageReserved])

	balance, err := svc.credits.Balance(ctx, fx.customerID)
	require.NoError(t, err)
	assert.Equal(t, 1, balance.RemainingUnits)
	requireConservation(t, ctx, pool, fx.customerID)
}

func TestSettlementServiceConfirmedPayoutIsFrozen(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)

	customerID := createTestUser(t, ctx, pool, models.RoleUser)
	counselorID := createTestCounselor(t, ctx, pool, "0.20")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, customerID, counselorID) })

	_, err := svc.credits.Grant(ctx, customerID, 2)
	require.NoError(t, err)
	slotIDs := createTestSlots(t, ctx, pool, counselorID, futureStart(5*time.Minute), 2)
	first, err := svc.bookings.Book(ctx, customerID, counselorID, slotIDs[:1])
	require.NoError(t, err)
	second, err := svc.bookings.Book(ctx, customerID, counselorID, slotIDs[1:])
	require.NoError(t, err)

	firstSession, err := svc.consultations.Start(ctx, customerID, first.ID)
	require.NoError(t, err)
	_, err = svc.consultations.End(ctx, customerID, models.RoleUser, firstSession.ID, models.EndReasonNormal)
	require.NoError(t, err)

	payouts, err := svc.settlements.ListCounselorSettlements(ctx, counselorID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	confirmed, err := svc.settlements.Confirm(ctx, payouts[0].ID)
	require.NoError(t, err)

	secondSession, err := svc.consultations.Start(ctx, customerID, second.ID)
	require.NoError(t, err)
	_, err = svc.consultations.End(ctx, customerID, models.RoleUser, secondSession.ID, models.EndReasonNormal)
	require.NoError(t, err)

	payouts, err = svc.settlements.ListCounselorSettlements(ctx, counselorID)
	require.NoError(t, err)
	require.Len(t, payouts, 2)

	var frozen, open *models.CounselorSettlement
	for i := range payouts {
		if payouts[i].ID == confirmed.ID {
			frozen = &payouts[i]
		} else {
			open = &payouts[i]
		}
	}
	require.NotNil(t, frozen)
	require.NotNil(t, open)

	assert.Equal(t, models.PayoutStatusConfirmed, frozen.Status)
	assert.Equal(t, confirmed.TotalSessions, frozen.TotalSessions)
	assert.Equal(t, confirmed.TotalAmount, frozen.TotalAmount)
	assert.Equal(t, confirmed.NetAmount, frozen.NetAmount)

	assert.Equal(t, models.PayoutStatusPending, open.Status)
	assert.Equal(t, 1, open.TotalSessions)
	assert.Equal(t, int64(testUnitPrice), open.TotalAmount)
	assert.Nil(t, open.ConfirmedAt)

	// The reopened row follows the normal payout path on its own.
	_, err = svc.settlements.Confirm(ctx, open.ID)
	require.NoError(t, err)
	_, err = svc.settlements.Pay(ctx, open.ID)
	require.NoError(t, err)
	paidAgain, err := svc.settlements.Pay(ctx, open.ID)
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	assert.Nil(t, paidAgain)
}
