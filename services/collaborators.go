package services

import (
	"context"
)

// CreditResult mirrors the balance response of the player-account service.
type CreditResult struct {
	PreviousBalance int64 `json:"previous_balance"`
	NewBalance      int64 `json:"new_balance"`
}

// AccountCrediter credits a player's currency balance. Implemented by
// workers.AccountClient in production and by fakes in tests.
type AccountCrediter interface {
	Credit(ctx context.Context, userID, currency string, amount int64, reason string) (CreditResult, error)
}

// Notification is a fire-and-forget push payload. Delivery failures must
// never roll back the write that triggered them.
type Notification struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Notifier dispatches notifications to the external delivery service.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}
