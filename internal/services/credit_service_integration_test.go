package services

import (
	"context"
	"testing"
	"time"

	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCreditServiceLedgerOperationsConserveUnits(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)

	customerID := createTestUser(t, ctx, pool, models.RoleUser)
	counselorID := createTestCounselor(t, ctx, pool, "0.20")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, customerID, counselorID) })

	product, err := repository.NewCreditRepository(pool).CreateProduct(ctx, "test pack", 5, 30000)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = pool.Exec(ctx, "DELETE FROM credit_products WHERE id = $1", product.ID) })

	lot, err := svc.credits.Purchase(ctx, customerID, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, lot.TotalUnits)
	assert.Equal(t, int64(30000), lot.UnitPrice)

	slotIDs := createTestSlots(t, ctx, pool, counselorID, futureStart(72*time.Hour), 3)
	booking, err := svc.bookings.Book(ctx, customerID, counselorID, slotIDs)
	require.NoError(t, err)
	require.Equal(t, 3, booking.CreditsUsed)
	requireConservation(t, ctx, pool, customerID)

	consumed, err := svc.credits.ConsumeNext(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, ConsumeResult{Units: 1, GrossAmount: 30000}, *consumed)
	requireConservation(t, ctx, pool, customerID)

	released, err := svc.credits.ReleasePartial(ctx, booking.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	requireConservation(t, ctx, pool, customerID)

	released, err = svc.credits.Release(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, released, "only the outstanding reservation is released")

	released, err = svc.credits.Release(ctx, booking.ID)
	require.NoError(t, err)
	assert.Zero(t, released)

	consumed, err = svc.credits.Consume(ctx, booking.ID, 2)
	require.NoError(t, err)
	assert.Zero(t, consumed.Units, "nothing left to consume is a no-op")

	balance, err := svc.credits.Balance(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, models.CreditBalance{TotalUnits: 5, UsedUnits: 1, RemainingUnits: 4}, *balance)
	requireConservation(t, ctx, pool, customerID)

	_, err = svc.credits.Purchase(ctx, customerID, 9_000_000_000)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestCreditServiceConcurrentReservationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)

	customerID := createTestUser(t, ctx, pool, models.RoleUser)
	counselorID := createTestCounselor(t, ctx, pool, "0.20")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, customerID, counselorID) })

	_, err := svc.credits.Grant(ctx, customerID, 3)
	require.NoError(t, err)

	slotIDs := createTestSlots(t, ctx, pool, counselorID, futureStart(72*time.Hour), 5)
	errs := make([]error, len(slotIDs))
	var g errgroup.Group
	for i, slotID := range slotIDs {
		i, slotID := i, slotID
		g.Go(func() error {
			_, errs[i] = svc.bookings.Book(ctx, customerID, counselorID, []int64{slotID})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	booked, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			booked++
		case assert.ErrorIs(t, err, ErrInsufficientCredits):
			insufficient++
		}
	}
	assert.Equal(t, 3, booked)
	assert.Equal(t, 2, insufficient)

	balance, err := svc.credits.Balance(ctx, customerID)
	require.NoError(t, err)
	assert.Zero(t, balance.RemainingUnits)
	requireConservation(t, ctx, pool, customerID)
}

func TestCreditServiceLegacyBookingIsNoOp(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	svc := newIntegrationServices(pool)

	customerID := createTestUser(t, ctx, pool, models.RoleUser)
	counselorID := createTestCounselor(t, ctx, pool, "0.20")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, customerID, counselorID) })

	slotIDs := createTestSlots(t, ctx, pool, counselorID, futureStart(72*time.Hour), 1)
	booking, err := svc.bookings.Book(ctx, customerID, counselorID, slotIDs)
	require.NoError(t, err)

	released, err := svc.credits.Release(ctx, booking.ID)
	require.NoError(t, err)
	assert.Zero(t, released)

	consumed, err := svc.credits.ConsumeNext(ctx, booking.ID)
	require.NoError(t, err)
	assert.Zero(t, consumed.Units)

	_, err = svc.credits.Release(ctx, 9_000_000_000)
	assert.ErrorIs(t, err, ErrBookingNotFound)
}
