package services

import (
	"time"

	"github.com/saeid-a/CounselBack/internal/models"
)

const (
	EntryReasonOK               = "OK"
	EntryReasonBookingNotActive = "BOOKING_NOT_ACTIVE"
	EntryReasonTooEarly         = "TOO_EARLY"
	EntryReasonWindowClosed     = "WINDOW_CLOSED"
	EntryReasonSessionEnded     = "SESSION_ENDED"
)

type EntryDecision struct {
	CanEnter bool      `json:"can_enter"`
	Reason   string    `json:"reason"`
	OpensAt  time.Time `json:"opens_at"`
	ClosesAt time.Time `json:"closes_at"`
}

// evaluateEntry decides whether a participant may join the call now. The room
// opens opensBefore ahead of the first slot and closes at the last slot's end.
func evaluateEntry(
	detail *models.BookingDetail,
	session *models.ConsultationSession,
	now time.Time,
	opensBefore time.Duration,
) EntryDecision {
	decision := EntryDecision{
		OpensAt:  detail.StartAt().Add(-opensBefore),
		ClosesAt: detail.EndAt(),
	}

	switch {
	case session.State() == models.SessionStateEnded:
		decision.Reason = EntryReasonSessionEnded
	case !detail.Status.Active():
		decision.Reason = EntryReasonBookingNotActive
	case now.Before(decision.OpensAt):
		decision.Reason = EntryReasonTooEarly
	case now.After(decision.ClosesAt):
		decision.Reason = EntryReasonWindowClosed
	default:
		decision.CanEnter = true
		decision.Reason = EntryReasonOK
	}
	return decision
}
