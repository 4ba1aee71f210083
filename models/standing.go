package models

import (
	"time"
)

// ScopeGlobal is the snapshot scope for the global leaderboard.
const ScopeGlobal = "global"

// GlobalStanding is a user's all-time record across every accepted game.
// HighScore is a monotonic max; TotalGames and TotalPlaytimeMs are monotonic
// counters bumped once per accepted event. HighScoreAt records when the
// current high score was first reached and is the tie-break key for ranking.
type GlobalStanding struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	UserID          string    `json:"user_id" gorm:"uniqueIndex;not null"`
	HighScore       int64     `json:"high_score" gorm:"default:0"`
	HighScoreAt     time.Time `json:"high_score_at"`
	TotalGames      int64     `json:"total_games" gorm:"default:0"`
	TotalPlaytimeMs int64     `json:"total_playtime_ms" gorm:"default:0"`
	LastPlayedAt    time.Time `json:"last_played_at"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// LeaderboardSnapshot is an immutable audit row written whenever a best
// score improves. Scope is either "global" or a tournament ID. The final
// snapshots (IsFinal = true) are the source of truth for payout.
type LeaderboardSnapshot struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Scope     string    `json:"scope" gorm:"not null;index:idx_snapshot_scope"`
	UserID    string    `json:"user_id" gorm:"not null;index"`
	Score     int64     `json:"score"`
	Rank      int       `json:"rank"`
	IsFinal   bool      `json:"is_final" gorm:"default:false;index"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

// LeaderboardEntry is a ranked row served from cache or recomputed from the
// standings tables. AchievedAt is the timestamp the score was first reached.
type LeaderboardEntry struct {
	Rank       int       `json:"rank"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name,omitempty"`
	Score      int64     `json:"score"`
	AchievedAt time.Time `json:"achieved_at"`
}
