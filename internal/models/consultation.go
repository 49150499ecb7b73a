package models

import "time"

type EndReason string

const (
	EndReasonNormal  EndReason = "NORMAL"
	EndReasonTimeout EndReason = "TIMEOUT"
	EndReasonNetwork EndReason = "NETWORK"
	EndReasonAdmin   EndReason = "ADMIN"
)

func (r EndReason) Valid() bool {
	switch r {
	case EndReasonNormal, EndReasonTimeout, EndReasonNetwork, EndReasonAdmin:
		return true
	}
	return false
}

type SessionState string

const (
	SessionStateNotStarted SessionState = "NOT_STARTED"
	SessionStateStarted    SessionState = "STARTED"
	SessionStateEnded      SessionState = "ENDED"
)

// SettlementStatus tracks whether a session's settlement has landed. FAILED and
// PENDING rows on ended sessions are picked up by reconciliation.
type SettlementStatus string

const (
	SettlementStatusNone    SettlementStatus = "NONE"
	SettlementStatusPending SettlementStatus = "PENDING"
	SettlementStatusSettled SettlementStatus = "SETTLED"
	SettlementStatusFailed  SettlementStatus = "FAILED"
)

type ConsultationSession struct {
	ID                     int64            `json:"id"`
	ReservationID          int64            `json:"reservation_id"`
	CustomerID             int64            `json:"customer_id"`
	CounselorID            int64            `json:"counselor_id"`
	ChannelID              string           `json:"channel_id"`
	StartedAt              time.Time        `json:"started_at"`
	EndedAt                *time.Time       `json:"ended_at,omitempty"`
	DurationSec            *int             `json:"duration_sec,omitempty"`
	EndReason              *EndReason       `json:"end_reason,omitempty"`
	ContinuedFromSessionID *int64           `json:"continued_from_session_id,omitempty"`
	ContinuedToSessionID   *int64           `json:"continued_to_session_id,omitempty"`
	SettlementStatus       SettlementStatus `json:"settlement_status"`
	SettlementError        *string          `json:"settlement_error,omitempty"`
	SettlementAttempts     int              `json:"settlement_attempts"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

func (s *ConsultationSession) Ended() bool {
	return s.EndedAt != nil
}

func (s *ConsultationSession) State() SessionState {
	if s == nil {
		return SessionStateNotStarted
	}
	if s.Ended() {
		return SessionStateEnded
	}
	return SessionStateStarted
}
