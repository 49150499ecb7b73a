package models

import "time"

type SettlementType string

const (
	SettlementTypeNormal         SettlementType = "NORMAL"
	SettlementTypeTimeout        SettlementType = "TIMEOUT"
	SettlementTypeNetworkShort   SettlementType = "NETWORK_SHORT"
	SettlementTypeNetworkPartial SettlementType = "NETWORK_PARTIAL"
	SettlementTypeAdminRefund    SettlementType = "ADMIN_REFUND"
)

type SettlementTransaction struct {
	ID               int64          `json:"id"`
	SessionID        int64          `json:"session_id"`
	BookingID        int64          `json:"booking_id"`
	CustomerID       int64          `json:"customer_id"`
	CounselorID      int64          `json:"counselor_id"`
	CreditsReserved  int            `json:"credits_reserved"`
	CreditsConsumed  int            `json:"credits_consumed"`
	CreditsRefunded  int            `json:"credits_refunded"`
	SettlementType   SettlementType `json:"settlement_type"`
	GrossAmount      int64          `json:"gross_amount"`
	CounselorEarning int64          `json:"counselor_earning"`
	PlatformFee      int64          `json:"platform_fee"`
	SettledAt        time.Time      `json:"settled_at"`
}

type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "PENDING"
	PayoutStatusConfirmed PayoutStatus = "CONFIRMED"
	PayoutStatusPaid      PayoutStatus = "PAID"
)

type CounselorSettlement struct {
	ID             int64        `json:"id"`
	CounselorID    int64        `json:"counselor_id"`
	Period         string       `json:"period"`
	TotalSessions  int          `json:"total_sessions"`
	TotalAmount    int64        `json:"total_amount"`
	CommissionRate string       `json:"commission_rate"`
	NetAmount      int64        `json:"net_amount"`
	Status         PayoutStatus `json:"status"`
	ConfirmedAt    *time.Time   `json:"confirmed_at,omitempty"`
	PaidAt         *time.Time   `json:"paid_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
