package repository

import (
	"context"

	"github.com/saeid-a/CounselBack/internal/models"
)

type CounselorRepository struct {
	db DBTX
}

func NewCounselorRepository(db DBTX) *CounselorRepository {
	return &CounselorRepository{db: db}
}

// Create registers an existing user as a counselor with the given commission
// rate, expressed as a decimal string such as "0.20".
func (r *CounselorRepository) Create(ctx context.Context, userID int64, commissionRate string) (*models.Counselor, error) {
	query := `
		WITH inserted AS (
			INSERT INTO counselors (user_id, commission_rate)
			VALUES ($1, $2::numeric)
			RETURNING user_id, commission_rate, created_at
		)
		SELECT i.user_id, u.display_name, i.commission_rate::text, i.created_at
		FROM inserted i
		JOIN users u ON u.id = i.user_id
	`
	var counselor models.Counselor
	err := r.db.QueryRow(ctx, query, userID, commissionRate).Scan(
		&counselor.UserID,
		&counselor.DisplayName,
		&counselor.CommissionRate,
		&counselor.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &counselor, nil
}

func (r *CounselorRepository) GetByUserID(ctx context.Context, userID int64) (*models.Counselor, error) {
	query := `
		SELECT c.user_id, u.display_name, c.commission_rate::text, c.created_at
		FROM counselors c
		JOIN users u ON u.id = c.user_id
		WHERE c.user_id = $1
	`
	var counselor models.Counselor
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&counselor.UserID,
		&counselor.DisplayName,
		&counselor.CommissionRate,
		&counselor.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &counselor, nil
}
