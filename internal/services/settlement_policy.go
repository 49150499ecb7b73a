package services

import (
	"time"

	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/shopspring/decimal"
)

const (
	networkShortMinutes = 10
	creditUnitMinutes   = 30
	payoutPeriodLayout  = "2006-01"
)

type SettlementOutcome struct {
	Type     models.SettlementType
	Consumed int
	Refunded int
}

// ClassifySettlement turns how a session ended into a credit disposition.
// Duration is rounded up to whole minutes.
func ClassifySettlement(reason models.EndReason, durationSec int, reserved int) (SettlementOutcome, error) {
	if reserved < 0 || durationSec < 0 {
		return SettlementOutcome{}, ErrInvalidInput
	}
	minutes := (durationSec + 59) / 60

	switch reason {
	case models.EndReasonNormal:
		return SettlementOutcome{Type: models.SettlementTypeNormal, Consumed: reserved}, nil
	case models.EndReasonTimeout:
		return SettlementOutcome{Type: models.SettlementTypeTimeout, Consumed: reserved}, nil
	case models.EndReasonAdmin:
		return SettlementOutcome{Type: models.SettlementTypeAdminRefund, Refunded: reserved}, nil
	case models.EndReasonNetwork:
		if minutes < networkShortMinutes {
			return SettlementOutcome{Type: models.SettlementTypeNetworkShort, Refunded: reserved}, nil
		}
		consumed := min((minutes+creditUnitMinutes-1)/creditUnitMinutes, reserved)
		return SettlementOutcome{
			Type:     models.SettlementTypeNetworkPartial,
			Consumed: consumed,
			Refunded: reserved - consumed,
		}, nil
	default:
		return SettlementOutcome{}, ErrInvalidInput
	}
}

// ComputeEarnings splits gross into the platform fee, rounded half away from
// zero, and the counselor's share. The two always sum to gross.
func ComputeEarnings(gross int64, commissionRate decimal.Decimal) (earning int64, platformFee int64) {
	platformFee = decimal.NewFromInt(gross).Mul(commissionRate).Round(0).IntPart()
	return gross - platformFee, platformFee
}

// PeriodKey names the monthly payout bucket t falls into in loc.
func PeriodKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(payoutPeriodLayout)
}
