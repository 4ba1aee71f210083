package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"game-leaderboard-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newAggregator(t *testing.T) *AggregatorService {
	t.Helper()
	db := openTestDB(t)
	antiCheat := NewAntiCheatService(db, DefaultAntiCheatConfig(), testLogger())
	return NewAggregatorService(db, antiCheat, nil, AggregatorConfig{
		GameMode:           "classic",
		BatchSize:          500,
		MaxAttempts:        5,
		GlobalTopN:         100,
		TournamentTopN:     50,
		GlobalCacheTTL:     5 * time.Minute,
		TournamentCacheTTL: 2 * time.Minute,
	}, testLogger())
}

func seedGameEnded(t *testing.T, db *gorm.DB, userID string, score, survivalMs int64, receivedAt time.Time) models.GameEvent {
	t.Helper()
	payload, err := json.Marshal(models.GameEndedPayload{
		Score:          score,
		SurvivalTimeMs: survivalMs,
		GameDurationMs: survivalMs + 1_000,
	})
	require.NoError(t, err)
	event := models.GameEvent{
		ID:         uuid.NewString(),
		Type:       models.EventGameEnded,
		UserID:     userID,
		GameMode:   "classic",
		Payload:    string(payload),
		ReceivedAt: receivedAt,
	}
	require.NoError(t, db.Create(&event).Error)
	return event
}

func TestRunGlobalPassFoldsEventsIntoStandings(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seedGameEnded(t, s.DB, "alice", 500, 60_000, base)
	seedGameEnded(t, s.DB, "alice", 300, 40_000, base.Add(time.Minute))
	seedGameEnded(t, s.DB, "bob", 400, 50_000, base.Add(2*time.Minute))

	require.NoError(t, s.RunGlobalPass(ctx))

	var alice models.GlobalStanding
	require.NoError(t, s.DB.Where("user_id = ?", "alice").First(&alice).Error)
	assert.Equal(t, int64(500), alice.HighScore)
	assert.Equal(t, int64(2), alice.TotalGames)
	assert.WithinDuration(t, base, alice.HighScoreAt, time.Second)

	var events []models.GameEvent
	require.NoError(t, s.DB.Where("processed_at IS NULL").Find(&events).Error)
	assert.Empty(t, events, "all events should be consumed")
}

func TestRunGlobalPassIsIdempotent(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seedGameEnded(t, s.DB, "alice", 500, 60_000, base)
	require.NoError(t, s.RunGlobalPass(ctx))

	var before models.GlobalStanding
	require.NoError(t, s.DB.Where("user_id = ?", "alice").First(&before).Error)

	// Re-running against the same history must change nothing.
	require.NoError(t, s.RunGlobalPass(ctx))

	var after models.GlobalStanding
	require.NoError(t, s.DB.Where("user_id = ?", "alice").First(&after).Error)
	assert.Equal(t, before.HighScore, after.HighScore)
	assert.Equal(t, before.TotalGames, after.TotalGames)
}

func TestRunGlobalPassHighScoreIsMonotonic(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seedGameEnded(t, s.DB, "alice", 500, 60_000, base)
	require.NoError(t, s.RunGlobalPass(ctx))

	// A later, lower score bumps the counters but never the high score.
	seedGameEnded(t, s.DB, "alice", 200, 30_000, base.Add(time.Minute))
	require.NoError(t, s.RunGlobalPass(ctx))

	var standing models.GlobalStanding
	require.NoError(t, s.DB.Where("user_id = ?", "alice").First(&standing).Error)
	assert.Equal(t, int64(500), standing.HighScore)
	assert.Equal(t, int64(2), standing.TotalGames)
}

func TestRunGlobalPassRecordsFailureAndRetries(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()

	bad := models.GameEvent{
		ID:         uuid.NewString(),
		Type:       models.EventGameEnded,
		UserID:     "alice",
		GameMode:   "classic",
		Payload:    "{not json",
		ReceivedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.DB.Create(&bad).Error)

	require.NoError(t, s.RunGlobalPass(ctx))

	var event models.GameEvent
	require.NoError(t, s.DB.Where("id = ?", bad.ID).First(&event).Error)
	assert.Nil(t, event.ProcessedAt, "failed event must be released for retry")
	assert.Equal(t, 1, event.ProcessingAttempts)
	assert.NotEmpty(t, event.ProcessingError)
}

func TestRunGlobalPassSkipsEventsAtAttemptCeiling(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()

	stuck := models.GameEvent{
		ID:                 uuid.NewString(),
		Type:               models.EventGameEnded,
		UserID:             "alice",
		GameMode:           "classic",
		Payload:            "{not json",
		ReceivedAt:         time.Now().UTC().Add(-time.Hour),
		ProcessingAttempts: 5,
	}
	require.NoError(t, s.DB.Create(&stuck).Error)

	require.NoError(t, s.RunGlobalPass(ctx))

	var event models.GameEvent
	require.NoError(t, s.DB.Where("id = ?", stuck.ID).First(&event).Error)
	assert.Equal(t, 5, event.ProcessingAttempts, "stuck events are not retried automatically")

	failed, err := s.FailedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, stuck.ID, failed[0].ID)
}

func TestRetryEventClearsAttempts(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()

	stuck := models.GameEvent{
		ID:                 uuid.NewString(),
		Type:               models.EventGameEnded,
		UserID:             "alice",
		GameMode:           "classic",
		Payload:            `{"score": 100, "survival_time_ms": 30000, "game_duration_ms": 31000}`,
		ReceivedAt:         time.Now().UTC().Add(-time.Hour),
		ProcessingAttempts: 5,
		ProcessingError:    "transient failure",
	}
	require.NoError(t, s.DB.Create(&stuck).Error)

	require.NoError(t, s.RetryEvent(ctx, stuck.ID))
	require.NoError(t, s.RunGlobalPass(ctx))

	var standing models.GlobalStanding
	require.NoError(t, s.DB.Where("user_id = ?", "alice").First(&standing).Error)
	assert.Equal(t, int64(100), standing.HighScore)
}

func TestRunTournamentPassClaimsPerTournament(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-2 * time.Hour)
	end := time.Now().UTC().Add(time.Hour)

	event := seedGameEnded(t, s.DB, "alice", 500, 60_000, start.Add(time.Minute))

	require.NoError(t, s.RunTournamentPass(ctx, "tour-1", start, end))

	var participant models.TournamentParticipant
	require.NoError(t, s.DB.Where("tournament_id = ? AND user_id = ?", "tour-1", "alice").
		First(&participant).Error)
	assert.Equal(t, int64(500), participant.BestScore)

	// Re-running skips the claimed event entirely.
	require.NoError(t, s.RunTournamentPass(ctx, "tour-1", start, end))
	require.NoError(t, s.DB.Where("tournament_id = ? AND user_id = ?", "tour-1", "alice").
		First(&participant).Error)
	assert.Equal(t, int64(1), participant.TotalGames)

	// The same event still feeds a second tournament independently.
	require.NoError(t, s.RunTournamentPass(ctx, "tour-2", start, end))
	var claims int64
	require.NoError(t, s.DB.Model(&models.TournamentEventClaim{}).
		Where("event_id = ?", event.ID).Count(&claims).Error)
	assert.Equal(t, int64(2), claims)
}

func TestRunTournamentPassSkipsEventsAtAttemptCeiling(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-2 * time.Hour)
	end := time.Now().UTC().Add(time.Hour)

	broken := models.GameEvent{
		ID:         uuid.NewString(),
		Type:       models.EventGameEnded,
		UserID:     "alice",
		GameMode:   "classic",
		Payload:    "{not json",
		ReceivedAt: start.Add(time.Minute),
	}
	require.NoError(t, s.DB.Create(&broken).Error)

	// Each failed pass releases the claim and bumps the attempt counter;
	// once the ceiling is hit the event drops out of selection.
	for i := 0; i < 8; i++ {
		require.NoError(t, s.RunTournamentPass(ctx, "tour-1", start, end))
	}

	var event models.GameEvent
	require.NoError(t, s.DB.Where("id = ?", broken.ID).First(&event).Error)
	assert.Equal(t, 5, event.ProcessingAttempts, "stuck events stop being retried at the ceiling")

	var claims int64
	require.NoError(t, s.DB.Model(&models.TournamentEventClaim{}).
		Where("event_id = ?", broken.ID).Count(&claims).Error)
	assert.Zero(t, claims, "no claim survives a failed pass")
}

func TestRunTournamentPassIgnoresEventsOutsideWindow(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour)
	end := start.Add(30 * time.Minute)

	seedGameEnded(t, s.DB, "alice", 500, 60_000, start.Add(-time.Minute))
	seedGameEnded(t, s.DB, "alice", 600, 70_000, end.Add(time.Minute))

	require.NoError(t, s.RunTournamentPass(ctx, "tour-1", start, end))

	var count int64
	require.NoError(t, s.DB.Model(&models.TournamentParticipant{}).
		Where("tournament_id = ?", "tour-1").Count(&count).Error)
	assert.Zero(t, count)
}

func TestGlobalTopOrdersByScoreThenTimestamp(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// bob reaches 500 before alice does; the earlier timestamp wins the tie.
	seedGameEnded(t, s.DB, "bob", 500, 60_000, base)
	seedGameEnded(t, s.DB, "alice", 500, 60_100, base.Add(time.Minute))
	seedGameEnded(t, s.DB, "carol", 700, 80_000, base.Add(2*time.Minute))

	require.NoError(t, s.RunGlobalPass(ctx))

	entries, err := s.GlobalTop(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "carol", entries[0].UserID)
	assert.Equal(t, "bob", entries[1].UserID)
	assert.Equal(t, "alice", entries[2].UserID)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, 3, entries[2].Rank)
}

func TestRebuildRecomputesFromFullHistory(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seedGameEnded(t, s.DB, "alice", 500, 60_000, base)
	seedGameEnded(t, s.DB, "alice", 300, 40_000, base.Add(time.Minute))
	require.NoError(t, s.RunGlobalPass(ctx))

	// Corrupt the standing, then rebuild from history.
	require.NoError(t, s.DB.Model(&models.GlobalStanding{}).
		Where("user_id = ?", "alice").
		Update("high_score", 1).Error)

	require.NoError(t, s.Rebuild(ctx))

	var standing models.GlobalStanding
	require.NoError(t, s.DB.Where("user_id = ?", "alice").First(&standing).Error)
	assert.Equal(t, int64(500), standing.HighScore)
	assert.Equal(t, int64(2), standing.TotalGames)
}

func TestRunGlobalPassWritesSnapshotOnImprovement(t *testing.T) {
	s := newAggregator(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seedGameEnded(t, s.DB, "alice", 500, 60_000, base)
	seedGameEnded(t, s.DB, "alice", 400, 50_000, base.Add(time.Minute))
	require.NoError(t, s.RunGlobalPass(ctx))

	var snapshots []models.LeaderboardSnapshot
	require.NoError(t, s.DB.Where("scope = ? AND user_id = ?", models.ScopeGlobal, "alice").
		Find(&snapshots).Error)
	// Only the first event improved the best score.
	require.Len(t, snapshots, 1)
	assert.Equal(t, int64(500), snapshots[0].Score)
	assert.Equal(t, 1, snapshots[0].Rank)
}
