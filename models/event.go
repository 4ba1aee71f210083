package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types consumed from the gameplay telemetry log.
const (
	EventGameEnded = "game_ended"
)

// GameEvent is a row in the external append-only event log. This service
// only reads game_ended rows and writes back the processing columns.
type GameEvent struct {
	ID                 string     `json:"id" gorm:"primaryKey"`
	Type               string     `json:"type" gorm:"not null;index"`
	UserID             string     `json:"user_id" gorm:"not null;index"`
	GameMode           string     `json:"game_mode" gorm:"index"`
	Payload            string     `json:"payload" gorm:"type:text"`
	ReceivedAt         time.Time  `json:"received_at" gorm:"not null;index"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty" gorm:"index"`
	ProcessingAttempts int        `json:"processing_attempts" gorm:"default:0"`
	ProcessingError    string     `json:"processing_error,omitempty"`
}

// GameEndedPayload is the JSON body of a game_ended event.
type GameEndedPayload struct {
	Score             int64  `json:"score"`
	SurvivalTimeMs    int64  `json:"survival_time_ms"`
	GameDurationMs    int64  `json:"game_duration_ms"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

// ParseGameEndedPayload decodes the payload of a game_ended event.
func (e *GameEvent) ParseGameEndedPayload() (*GameEndedPayload, error) {
	if e.Type != EventGameEnded {
		return nil, fmt.Errorf("event %s has type %q, not %q", e.ID, e.Type, EventGameEnded)
	}
	var p GameEndedPayload
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		return nil, fmt.Errorf("invalid game_ended payload for event %s: %w", e.ID, err)
	}
	return &p, nil
}

// TournamentEventClaim marks an event as consumed by one tournament
// projection. The same event may feed the global standings and several
// tournaments, so consumption is tracked per tournament rather than on the
// event row. Inserting the claim is the atomic claim step: a duplicate-key
// error means another run already owns the event.
type TournamentEventClaim struct {
	TournamentID string    `json:"tournament_id" gorm:"primaryKey"`
	EventID      string    `json:"event_id" gorm:"primaryKey"`
	ClaimedAt    time.Time `json:"claimed_at" gorm:"autoCreateTime"`
}
