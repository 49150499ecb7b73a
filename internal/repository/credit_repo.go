package repository

import (
	"context"
	"time"

	"github.com/saeid-a/CounselBack/internal/models"
)

const (
	creditLotColumns   = `id, user_id, product_id, total_units, remaining_units, unit_price, purchased_at`
	creditUsageColumns = `id, user_id, booking_id, lot_id, units_used, status, used_at, consumed_at, released_at`
)

type CreateLotInput struct {
	UserID    int64
	ProductID *int64
	Units     int
	UnitPrice int64
}

type CreateUsageInput struct {
	UserID    int64
	BookingID int64
	LotID     int64
	Units     int
	Status    models.CreditUsageStatus
	UsedAt    time.Time
	At        time.Time
}

// PricedUsage is a usage row together with the unit price of the lot it drew from.
type PricedUsage struct {
	models.CreditUsageLog
	UnitPrice int64
}

type CreditRepository struct {
	db DBTX
}

func NewCreditRepository(db DBTX) *CreditRepository {
	return &CreditRepository{db: db}
}

func scanLot(row rowScanner) (*models.CreditLot, error) {
	var lot models.CreditLot
	err := row.Scan(
		&lot.ID,
		&lot.UserID,
		&lot.ProductID,
		&lot.TotalUnits,
		&lot.RemainingUnits,
		&lot.UnitPrice,
		&lot.PurchasedAt,
	)
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func scanUsage(row rowScanner) (*models.CreditUsageLog, error) {
	var usage models.CreditUsageLog
	err := row.Scan(
		&usage.ID,
		&usage.UserID,
		&usage.BookingID,
		&usage.LotID,
		&usage.UnitsUsed,
		&usage.Status,
		&usage.UsedAt,
		&usage.ConsumedAt,
		&usage.ReleasedAt,
	)
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

func (r *CreditRepository) ListProducts(ctx context.Context) ([]models.CreditProduct, error) {
	query := `
		SELECT id, name, unit_count, unit_price, active, created_at
		FROM credit_products
		WHERE active
		ORDER BY unit_count ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]models.CreditProduct, 0)
	for rows.Next() {
		var product models.CreditProduct
		if err := rows.Scan(
			&product.ID,
			&product.Name,
			&product.UnitCount,
			&product.UnitPrice,
			&product.Active,
			&product.CreatedAt,
		); err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (r *CreditRepository) CreateProduct(ctx context.Context, name string, unitCount int, unitPrice int64) (*models.CreditProduct, error) {
	query := `
		INSERT INTO credit_products (name, unit_count, unit_price)
		VALUES ($1, $2, $3)
		RETURNING id, name, unit_count, unit_price, active, created_at
	`
	var product models.CreditProduct
	err := r.db.QueryRow(ctx, query, name, unitCount, unitPrice).Scan(
		&product.ID,
		&product.Name,
		&product.UnitCount,
		&product.UnitPrice,
		&product.Active,
		&product.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (r *CreditRepository) GetProduct(ctx context.Context, productID int64) (*models.CreditProduct, error) {
	query := `
		SELECT id, name, unit_count, unit_price, active, created_at
		FROM credit_products
		WHERE id = $1
	`
	var product models.CreditProduct
	err := r.db.QueryRow(ctx, query, productID).Scan(
		&product.ID,
		&product.Name,
		&product.UnitCount,
		&product.UnitPrice,
		&product.Active,
		&product.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (r *CreditRepository) CreateLot(ctx context.Context, input CreateLotInput) (*models.CreditLot, error) {
	query := `
		INSERT INTO credit_lots (user_id, product_id, total_units, remaining_units, unit_price)
		VALUES ($1, $2, $3, $3, $4)
		RETURNING ` + creditLotColumns
	return scanLot(r.db.QueryRow(ctx, query, input.UserID, input.ProductID, input.Units, input.UnitPrice))
}

// LockLotsByUser row-locks every lot the user owns, oldest first. Holding these
// locks serializes all balance mutations for one user without touching others.
func (r *CreditRepository) LockLotsByUser(ctx context.Context, userID int64) ([]models.CreditLot, error) {
	query := `
		SELECT ` + creditLotColumns + `
		FROM credit_lots
		WHERE user_id = $1
		ORDER BY purchased_at ASC, id ASC
		FOR UPDATE
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]models.CreditLot, 0)
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

func (r *CreditRepository) HasAnyLot(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credit_lots WHERE user_id = $1)`, userID).Scan(&exists)
	return exists, err
}

func (r *CreditRepository) AdjustLotRemaining(ctx context.Context, lotID int64, delta int) error {
	query := `
		UPDATE credit_lots
		SET remaining_units = remaining_units + $2
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, lotID, delta)
	return err
}

func (r *CreditRepository) Balance(ctx context.Context, userID int64) (*models.CreditBalance, error) {
	query := `
		SELECT COALESCE(SUM(total_units), 0)::int,
		       COALESCE(SUM(total_units - remaining_units), 0)::int,
		       COALESCE(SUM(remaining_units), 0)::int
		FROM credit_lots
		WHERE user_id = $1
	`
	var balance models.CreditBalance
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&balance.TotalUnits,
		&balance.UsedUnits,
		&balance.RemainingUnits,
	)
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// CreateUsage inserts a usage row. At stamps consumed_at or released_at
// depending on the status.
func (r *CreditRepository) CreateUsage(ctx context.Context, input CreateUsageInput) (*models.CreditUsageLog, error) {
	query := `
		INSERT INTO credit_usage_logs (user_id, booking_id, lot_id, units_used, status, used_at, consumed_at, released_at)
		VALUES (
			$1, $2, $3, $4, $5, $6,
			CASE WHEN $5 = 'CONSUMED' THEN $7::timestamptz END,
			CASE WHEN $5 = 'RELEASED' THEN $7::timestamptz END
		)
		RETURNING ` + creditUsageColumns
	return scanUsage(r.db.QueryRow(
		ctx,
		query,
		input.UserID,
		input.BookingID,
		input.LotID,
		input.Units,
		string(input.Status),
		input.UsedAt,
		input.At,
	))
}

// ListPricedUsage returns the booking's rows in the given status. Oldest first
// when oldestFirst is set, newest first otherwise.
func (r *CreditRepository) ListPricedUsage(
	ctx context.Context,
	bookingID int64,
	status models.CreditUsageStatus,
	oldestFirst bool,
) ([]PricedUsage, error) {
	order := "u.used_at DESC, u.id DESC"
	if oldestFirst {
		order = "u.used_at ASC, u.id ASC"
	}
	query := `
		SELECT u.id, u.user_id, u.booking_id, u.lot_id, u.units_used, u.status,
		       u.used_at, u.consumed_at, u.released_at, l.unit_price
		FROM credit_usage_logs u
		JOIN credit_lots l ON l.id = u.lot_id
		WHERE u.booking_id = $1 AND u.status = $2
		ORDER BY ` + order + `
		FOR UPDATE OF u
	`
	rows, err := r.db.Query(ctx, query, bookingID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usages := make([]PricedUsage, 0)
	for rows.Next() {
		var usage PricedUsage
		if err := rows.Scan(
			&usage.ID,
			&usage.UserID,
			&usage.BookingID,
			&usage.LotID,
			&usage.UnitsUsed,
			&usage.Status,
			&usage.UsedAt,
			&usage.ConsumedAt,
			&usage.ReleasedAt,
			&usage.UnitPrice,
		); err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return usages, nil
}

func (r *CreditRepository) TransitionUsage(
	ctx context.Context,
	usageID int64,
	status models.CreditUsageStatus,
	at time.Time,
) error {
	query := `
		UPDATE credit_usage_logs
		SET status = $2,
		    consumed_at = CASE WHEN $2 = 'CONSUMED' THEN $3::timestamptz ELSE consumed_at END,
		    released_at = CASE WHEN $2 = 'RELEASED' THEN $3::timestamptz ELSE released_at END
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, usageID, string(status), at)
	return err
}

// ShrinkUsage removes units from a row that is being split.
func (r *CreditRepository) ShrinkUsage(ctx context.Context, usageID int64, units int) error {
	query := `
		UPDATE credit_usage_logs
		SET units_used = units_used - $2
		WHERE id = $1 AND units_used > $2
	`
	_, err := r.db.Exec(ctx, query, usageID, units)
	return err
}

func (r *CreditRepository) SumUnitsByStatus(ctx context.Context, bookingID int64) (map[models.CreditUsageStatus]int, error) {
	query := `
		SELECT status, COALESCE(SUM(units_used), 0)::int
		FROM credit_usage_logs
		WHERE booking_id = $1
		GROUP BY status
	`
	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := map[models.CreditUsageStatus]int{
		models.CreditUsageReserved: 0,
		models.CreditUsageConsumed: 0,
		models.CreditUsageReleased: 0,
	}
	for rows.Next() {
		var status string
		var units int
		if err := rows.Scan(&status, &units); err != nil {
			return nil, err
		}
		sums[models.CreditUsageStatus(status)] = units
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sums, nil
}

// ConsumedValue is the gross value of every consumed unit on the booking.
func (r *CreditRepository) ConsumedValue(ctx context.Context, bookingID int64) (int64, error) {
	query := `
		SELECT COALESCE(SUM(u.units_used::bigint * l.unit_price), 0)::bigint
		FROM credit_usage_logs u
		JOIN credit_lots l ON l.id = u.lot_id
		WHERE u.booking_id = $1 AND u.status = 'CONSUMED'
	`
	var value int64
	err := r.db.QueryRow(ctx, query, bookingID).Scan(&value)
	return value, err
}

func (r *CreditRepository) ListUsageByUser(ctx context.Context, userID int64, limit int) ([]models.CreditUsageLog, error) {
	query := `
		SELECT ` + creditUsageColumns + `
		FROM credit_usage_logs
		WHERE user_id = $1
		ORDER BY used_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usages := make([]models.CreditUsageLog, 0)
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, *usage)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return usages, nil
}

func (r *CreditRepository) ListLotsByUser(ctx context.Context, userID int64) ([]models.CreditLot, error) {
	query := `
		SELECT ` + creditLotColumns + `
		FROM credit_lots
		WHERE user_id = $1
		ORDER BY purchased_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]models.CreditLot, 0)
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}
