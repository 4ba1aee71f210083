package models

import (
	"time"
)

// Prize is one tournament payout. The composite unique index on
// (tournament_id, user_id) is the storage-level exactly-once guard: a
// duplicate-key error on insert means the prize was already awarded.
// CreditedAt stays nil when the balance credit failed after the insert;
// such rows are kept for manual reconciliation, never re-credited
// automatically.
type Prize struct {
	ID           string     `json:"prize_id" gorm:"primaryKey"`
	TournamentID string     `json:"tournament_id" gorm:"not null;uniqueIndex:idx_prize_tournament_user"`
	UserID       string     `json:"user_id" gorm:"not null;uniqueIndex:idx_prize_tournament_user;index"`
	Rank         int        `json:"rank" gorm:"not null"`
	Tier         string     `json:"tier"`
	Coins        int64      `json:"coins"`
	Gems         int64      `json:"gems"`
	AwardedAt    time.Time  `json:"awarded_at" gorm:"autoCreateTime"`
	CreditedAt   *time.Time `json:"credited_at,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
}

// WalletTransaction is the audit trail of every balance credit issued for a
// prize, mirroring the response of the player-account service.
type WalletTransaction struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	UserID          string    `json:"user_id" gorm:"not null;index"`
	TournamentID    string    `json:"tournament_id" gorm:"index"`
	PrizeID         string    `json:"prize_id" gorm:"index"`
	Currency        string    `json:"currency" gorm:"not null"`
	Amount          int64     `json:"amount" gorm:"not null"`
	PreviousBalance int64     `json:"previous_balance"`
	NewBalance      int64     `json:"new_balance"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime"`
}
