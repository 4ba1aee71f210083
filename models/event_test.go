package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGameEndedPayload(t *testing.T) {
	event := GameEvent{
		ID:      "evt-1",
		Type:    EventGameEnded,
		Payload: `{"score": 500, "survival_time_ms": 60000, "game_duration_ms": 61000, "device_fingerprint": "device-a"}`,
	}

	payload, err := event.ParseGameEndedPayload()
	require.NoError(t, err)
	assert.Equal(t, int64(500), payload.Score)
	assert.Equal(t, int64(60_000), payload.SurvivalTimeMs)
	assert.Equal(t, int64(61_000), payload.GameDurationMs)
	assert.Equal(t, "device-a", payload.DeviceFingerprint)
}

func TestParseGameEndedPayloadRejectsWrongType(t *testing.T) {
	event := GameEvent{ID: "evt-1", Type: "session_started", Payload: `{}`}

	_, err := event.ParseGameEndedPayload()
	assert.Error(t, err)
}

func TestParseGameEndedPayloadRejectsMalformedJSON(t *testing.T) {
	event := GameEvent{ID: "evt-1", Type: EventGameEnded, Payload: `{broken`}

	_, err := event.ParseGameEndedPayload()
	assert.Error(t, err)
}
