package services

import (
	"context"
	"fmt"
	"strconv"
)

// ChannelProvider provisions the two-party realtime channel a consultation
// runs on. Failures are infrastructure errors and never touch ledger state.
type ChannelProvider interface {
	CreateUser(ctx context.Context, id string, displayName string) error
	CreateChannel(ctx context.Context, channelID string, participantIDs []string) (string, error)
	IssueSessionToken(ctx context.Context, participantID string) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
}

func participantKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func channelProviderError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrChannelProvider, op, err)
}
