package models

import (
	"time"
)

// CheckSeverity classifies an anti-cheat violation. A critical violation
// rejects the submission regardless of other signals; warnings only reject
// in aggregate.
type CheckSeverity string

const (
	SeverityNone     CheckSeverity = "none"
	SeverityWarning  CheckSeverity = "warning"
	SeverityCritical CheckSeverity = "critical"
)

// AntiCheatLog is an append-only audit row for every validation decision,
// accepted ones included, kept for forensic review.
type AntiCheatLog struct {
	ID             string        `json:"id" gorm:"primaryKey"`
	UserID         string        `json:"user_id" gorm:"not null;index:idx_anticheat_user_time"`
	Score          int64         `json:"score"`
	SurvivalTimeMs int64         `json:"survival_time_ms"`
	Accepted       bool          `json:"accepted" gorm:"index"`
	Confidence     float64       `json:"confidence"`
	Severity       CheckSeverity `json:"severity"`
	Reasons        string        `json:"reasons" gorm:"type:text"` // JSON array of violation reasons
	CreatedAt      time.Time     `json:"created_at" gorm:"autoCreateTime;index:idx_anticheat_user_time"`
}

// DeviceFingerprint records which device fingerprints a user has been seen
// on, backing the fingerprint-drift check.
type DeviceFingerprint struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	UserID      string    `json:"user_id" gorm:"not null;uniqueIndex:idx_fingerprint_user_print"`
	Fingerprint string    `json:"fingerprint" gorm:"not null;uniqueIndex:idx_fingerprint_user_print"`
	FirstSeenAt time.Time `json:"first_seen_at" gorm:"autoCreateTime"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
