package models

import "time"

type CreditUsageStatus string

const (
	CreditUsageReserved CreditUsageStatus = "RESERVED"
	CreditUsageConsumed CreditUsageStatus = "CONSUMED"
	CreditUsageReleased CreditUsageStatus = "RELEASED"
)

type CreditProduct struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	UnitCount int       `json:"unit_count"`
	UnitPrice int64     `json:"unit_price"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type CreditLot struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	ProductID      *int64    `json:"product_id,omitempty"`
	TotalUnits     int       `json:"total_units"`
	RemainingUnits int       `json:"remaining_units"`
	UnitPrice      int64     `json:"unit_price"`
	PurchasedAt    time.Time `json:"purchased_at"`
}

type CreditUsageLog struct {
	ID         int64             `json:"id"`
	UserID     int64             `json:"user_id"`
	BookingID  int64             `json:"booking_id"`
	LotID      int64             `json:"lot_id"`
	UnitsUsed  int               `json:"units_used"`
	Status     CreditUsageStatus `json:"status"`
	UsedAt     time.Time         `json:"used_at"`
	ConsumedAt *time.Time        `json:"consumed_at,omitempty"`
	ReleasedAt *time.Time        `json:"released_at,omitempty"`
}

type CreditBalance struct {
	TotalUnits     int `json:"total_units"`
	UsedUnits      int `json:"used_units"`
	RemainingUnits int `json:"remaining_units"`
}
