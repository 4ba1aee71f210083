package models

import (
	"time"
)

// TournamentStatus is the lifecycle state of a tournament. Status only
// moves forward: upcoming -> active -> ended -> archived. Transitions are
// guarded compare-and-set updates driven by the scheduler.
type TournamentStatus string

const (
	TournamentUpcoming TournamentStatus = "upcoming"
	TournamentActive   TournamentStatus = "active"
	TournamentEnded    TournamentStatus = "ended"
	TournamentArchived TournamentStatus = "archived"
)

// Tournament represents one time-boxed competition window.
type Tournament struct {
	ID              string           `json:"id" gorm:"primaryKey"`
	Name            string           `json:"name" gorm:"not null"`
	Slug            string           `json:"slug" gorm:"uniqueIndex"`
	Status          TournamentStatus `json:"status" gorm:"default:'upcoming';index"`
	StartDate       time.Time        `json:"start_date" gorm:"not null;index"`
	EndDate         time.Time        `json:"end_date" gorm:"not null;index"`
	PrizePool       float64          `json:"prize_pool" gorm:"default:0"`
	MaxParticipants int              `json:"max_participants" gorm:"default:0"`
	CreatedAt       time.Time        `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time        `json:"updated_at" gorm:"autoUpdateTime"`

	Participants []TournamentParticipant `json:"participants,omitempty" gorm:"foreignKey:TournamentID"`
}

// TournamentParticipant tracks one player inside one tournament window.
// BestScore is a monotonic max within the window; FinalRank and PrizeWon
// are set exactly once, when the tournament ends.
type TournamentParticipant struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	TournamentID string    `json:"tournament_id" gorm:"not null;uniqueIndex:idx_participant_tournament_user"`
	UserID       string    `json:"user_id" gorm:"not null;uniqueIndex:idx_participant_tournament_user;index"`
	Name         string    `json:"name"`
	BestScore    int64     `json:"best_score" gorm:"default:0"`
	BestScoreAt  time.Time `json:"best_score_at"`
	TotalGames   int64     `json:"total_games" gorm:"default:0"`
	FinalRank    int       `json:"final_rank" gorm:"default:0"` // 0 = not ranked yet
	PrizeWon     string    `json:"prize_won,omitempty"`
	PrizeClaimed bool      `json:"prize_claimed" gorm:"default:false"`
	JoinedAt     time.Time `json:"joined_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// PlayerStats is the aggregated read model returned by GetPlayerStats.
type PlayerStats struct {
	UserID      string                  `json:"user_id"`
	Global      *GlobalStanding         `json:"global,omitempty"`
	GlobalRank  int                     `json:"global_rank,omitempty"`
	Tournaments []TournamentParticipant `json:"tournaments,omitempty"`
	PrizesWon   int64                   `json:"prizes_won"`
}
