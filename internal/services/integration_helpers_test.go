package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testUnitPrice = 33000

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = testDBPool.Ping(context.Background())
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

type stubChannelProvider struct {
	mu            sync.Mutex
	users         map[string]string
	channels      map[string][]string
	createCalls   int
	deleted       []string
	createUserErr error
	createChanErr error
	deleteChanErr error
}

func newStubChannelProvider() *stubChannelProvider {
	return &stubChannelProvider{
		users:    make(map[string]string),
		channels: make(map[string][]string),
	}
}

func (p *stubChannelProvider) CreateUser(_ context.Context, id string, displayName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createUserErr != nil {
		return p.createUserErr
	}
	p.users[id] = displayName
	return nil
}

func (p *stubChannelProvider) CreateChannel(_ context.Context, channelID string, participantIDs []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createChanErr != nil {
		return "", p.createChanErr
	}
	p.createCalls++
	p.channels[channelID] = participantIDs
	return channelID, nil
}

func (p *stubChannelProvider) IssueSessionToken(_ context.Context, participantID string) (string, error) {
	return "token-" + participantID, nil
}

func (p *stubChannelProvider) DeleteChannel(_ context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteChanErr != nil {
		return p.deleteChanErr
	}
	delete(p.channels, channelID)
	p.deleted = append(p.deleted, channelID)
	return nil
}

func (p *stubChannelProvider) channelCreates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

type failingSettler struct{}

func (failingSettler) Settle(context.Context, int64) (*models.SettlementTransaction, error) {
	return nil, errors.New("ledger offline")
}

type integrationServices struct {
	bookings      *BookingService
	credits       *CreditService
	consultations *ConsultationService
	settlements   *SettlementService
	continuations *ContinuationService
	channels      *stubChannelProvider
}

func newIntegrationServices(pool *pgxpool.Pool) *integrationServices {
	logger := zerolog.Nop()
	bookingRepo := repository.NewBookingRepository(pool)
	slotRepo := repository.NewSlotRepository(pool)
	consultationRepo := repository.NewConsultationRepository(pool)
	channels := newStubChannelProvider()

	settlements := NewSettlementService(
		pool,
		repository.NewSettlementRepository(pool),
		consultationRepo,
		decimal.RequireFromString("0.20"),
		time.UTC,
		logger,
	)

	return &integrationServices{
		bookings: NewBookingService(
			pool,
			bookingRepo,
			slotRepo,
			repository.NewCounselorRepository(pool),
			3,
			logger,
		),
		credits: NewCreditService(pool, repository.NewCreditRepository(pool), testUnitPrice, logger),
		consultations: NewConsultationService(
			pool,
			consultationRepo,
			bookingRepo,
			slotRepo,
			repository.NewUserRepository(pool),
			channels,
			settlements,
			10*time.Minute,
			logger,
		),
		settlements:   settlements,
		continuations: NewContinuationService(pool, bookingRepo, slotRepo, 35*time.Minute, logger),
		channels:      channels,
	}
}

func createTestUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string) int64 {
	t.Helper()

	user := &models.User{
		DisplayName: fmt.Sprintf("test-%s-%d", role, time.Now().UnixNano()),
		Role:        role,
	}
	require.NoError(t, repository.NewUserRepository(pool).CreateUser(ctx, user))
	return user.ID
}

func createTestCounselor(t *testing.T, ctx context.Context, pool *pgxpool.Pool, commissionRate string) int64 {
	t.Helper()

	userID := createTestUser(t, ctx, pool, models.RoleCounselor)
	_, err := repository.NewCounselorRepository(pool).Create(ctx, userID, commissionRate)
	require.NoError(t, err)
	return userID
}

// createTestSlots adds count back-to-back 30 minute slots starting at start.
func createTestSlots(
	t *testing.T,
	ctx context.Context,
	pool *pgxpool.Pool,
	counselorID int64,
	start time.Time,
	count int,
) []int64 {
	t.Helper()

	slotRepo := repository.NewSlotRepository(pool)
	ids := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		slotStart := start.Add(time.Duration(i) * 30 * time.Minute)
		slot, err := slotRepo.Create(ctx, repository.CreateSlotInput{
			CounselorID: counselorID,
			StartAt:     slotStart,
			EndAt:       slotStart.Add(30 * time.Minute),
		})
		require.NoError(t, err)
		ids = append(ids, slot.ID)
	}
	return ids
}

func cleanupTestUsers(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userIDs ...int64) {
	t.Helper()

	if len(userIDs) == 0 {
		return
	}

	statements := []struct {
		name  string
		query string
	}{
		{"settlement transactions", "DELETE FROM settlement_transactions WHERE customer_id = ANY($1) OR counselor_id = ANY($1)"},
		{"counselor settlements", "DELETE FROM counselor_settlements WHERE counselor_id = ANY($1)"},
		{"consultation sessions", "DELETE FROM consultation_sessions WHERE customer_id = ANY($1) OR counselor_id = ANY($1)"},
		{"credit usage", "DELETE FROM credit_usage_logs WHERE user_id = ANY($1)"},
		{"credit lots", "DELETE FROM credit_lots WHERE user_id = ANY($1)"},
		{"bookings", "DELETE FROM bookings WHERE customer_id = ANY($1) OR counselor_id = ANY($1)"},
		{"slots", "DELETE FROM slots WHERE counselor_id = ANY($1)"},
		{"counselors", "DELETE FROM counselors WHERE user_id = ANY($1)"},
		{"users", "DELETE FROM users WHERE id = ANY($1)"},
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt.query, userIDs); err != nil {
			t.Fatalf("cleanup %s: %v", stmt.name, err)
		}
	}
}

// requireConservation checks that no unit was created or destroyed: what the
// lots still hold plus what bookings hold or spent equals what was granted.
func requireConservation(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID int64) {
	t.Helper()

	var total, remaining int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_units), 0)::int, COALESCE(SUM(remaining_units), 0)::int
		FROM credit_lots WHERE user_id = $1
	`, userID).Scan(&total, &remaining))

	var outstanding int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(units_used), 0)::int
		FROM credit_usage_logs
		WHERE user_id = $1 AND status IN ('RESERVED', 'CONSUMED')
	`, userID).Scan(&outstanding))

	require.Equal(t, total, remaining+outstanding, "credit conservation for user %d", userID)
}

func futureStart(offset time.Duration) time.Time {
	return time.Now().UTC().Add(offset).Truncate(time.Minute)
}
