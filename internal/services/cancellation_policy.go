package services

import (
	"time"

	"github.com/saeid-a/CounselBack/internal/models"
)

const (
	freeCancelNotice    = 24 * time.Hour
	partialCancelNotice = time.Hour
)

// EvaluateCancellation applies the refund tiers to the notice given before the
// booking's first slot. Less than an hour is rejected, under a day refunds half
// the credits rounded down, and a day or more refunds everything.
func EvaluateCancellation(startAt, now time.Time, creditsUsed int) (models.CancelType, int, error) {
	notice := startAt.Sub(now)
	switch {
	case notice < partialCancelNotice:
		return "", 0, ErrCancelTooLate
	case notice < freeCancelNotice:
		return models.CancelTypePartial, creditsUsed / 2, nil
	default:
		return models.CancelTypeFree, creditsUsed, nil
	}
}
