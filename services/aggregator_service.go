package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"game-leaderboard-system/cache"
	"game-leaderboard-system/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AggregatorConfig tunes the periodic batch folds.
type AggregatorConfig struct {
	GameMode           string
	BatchSize          int
	MaxAttempts        int
	GlobalTopN         int
	TournamentTopN     int
	GlobalCacheTTL     time.Duration
	TournamentCacheTTL time.Duration
}

// AggregatorService folds unprocessed game_ended events into the global
// and tournament standings. Each pass claims events atomically before
// touching any standing, so overlapping cron firings skip each other's
// rows instead of double-counting.
type AggregatorService struct {
	DB        *gorm.DB
	AntiCheat *AntiCheatService
	Cache     *cache.Cache
	Cfg       AggregatorConfig
	Log       *zap.Logger
}

func NewAggregatorService(db *gorm.DB, antiCheat *AntiCheatService, c *cache.Cache, cfg AggregatorConfig, log *zap.Logger) *AggregatorService {
	return &AggregatorService{DB: db, AntiCheat: antiCheat, Cache: c, Cfg: cfg, Log: log}
}

// RunGlobalPass consumes one bounded batch of unprocessed events into the
// global standings and refreshes the global top-N cache. A single bad
// event never aborts the batch: its error and attempt count land on the
// event row and the loop continues.
func (s *AggregatorService) RunGlobalPass(ctx context.Context) error {
	var events []models.GameEvent
	err := s.DB.WithContext(ctx).
		Where("type = ? AND game_mode = ? AND processed_at IS NULL AND processing_attempts < ?",
			models.EventGameEnded, s.Cfg.GameMode, s.Cfg.MaxAttempts).
		Order("received_at ASC").
		Limit(s.Cfg.BatchSize).
		Find(&events).Error
	if err != nil {
		return fmt.Errorf("failed to select unprocessed events: %w", err)
	}

	processed := 0
	for _, event := range events {
		if !s.claimGlobal(ctx, event.ID) {
			continue // another run owns this event
		}
		if err := s.applyGlobal(ctx, event); err != nil {
			s.Log.Warn("event processing failed",
				zap.String("event_id", event.ID), zap.Error(err))
			s.releaseGlobalClaim(ctx, event.ID, err)
			continue
		}
		processed++
	}

	if processed > 0 || len(events) > 0 {
		s.Log.Info("global aggregation pass complete",
			zap.Int("selected", len(events)), zap.Int("processed", processed))
	}
	s.refreshGlobalCache(ctx)
	return nil
}

// claimGlobal marks the event as owned by this run. The conditional update
// is the atomic claim step; zero rows affected means a concurrent run got
// there first.
func (s *AggregatorService) claimGlobal(ctx context.Context, eventID string) bool {
	now := time.Now().UTC()
	res := s.DB.WithContext(ctx).Model(&models.GameEvent{}).
		Where("id = ? AND processed_at IS NULL", eventID).
		Updates(map[string]interface{}{
			"processed_at":        now,
			"processing_attempts": gorm.Expr("processing_attempts + 1"),
			"processing_error":    "",
		})
	if res.Error != nil {
		s.Log.Warn("event claim failed", zap.String("event_id", eventID), zap.Error(res.Error))
		return false
	}
	return res.RowsAffected == 1
}

// releaseGlobalClaim puts the event back for a later pass, keeping the
// error and the bumped attempt counter.
func (s *AggregatorService) releaseGlobalClaim(ctx context.Context, eventID string, cause error) {
	err := s.DB.WithContext(ctx).Model(&models.GameEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"processed_at":     nil,
			"processing_error": cause.Error(),
		}).Error
	if err != nil {
		s.Log.Error("failed to release event claim", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (s *AggregatorService) applyGlobal(ctx context.Context, event models.GameEvent) error {
	payload, err := event.ParseGameEndedPayload()
	if err != nil {
		return err
	}

	verdict := s.AntiCheat.Validate(ctx, Submission{
		UserID:            event.UserID,
		Score:             payload.Score,
		SurvivalTimeMs:    payload.SurvivalTimeMs,
		GameDurationMs:    payload.GameDurationMs,
		DeviceFingerprint: payload.DeviceFingerprint,
		SubmittedAt:       event.ReceivedAt,
	})
	if !verdict.Accepted {
		// Handled, just judged invalid: the event stays consumed.
		s.Log.Info("event rejected by anti-cheat",
			zap.String("event_id", event.ID),
			zap.String("user_id", event.UserID),
			zap.String("reason", verdict.StrongestReason()))
		return nil
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var standing models.GlobalStanding
		err := tx.Where("user_id = ?", event.UserID).First(&standing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			standing = models.GlobalStanding{
				ID:     uuid.NewString(),
				UserID: event.UserID,
			}
		} else if err != nil {
			return fmt.Errorf("failed to load standing: %w", err)
		}

		improved := payload.Score > standing.HighScore || standing.TotalGames == 0
		if payload.Score > standing.HighScore {
			standing.HighScore = payload.Score
			standing.HighScoreAt = event.ReceivedAt
		}
		standing.TotalGames++
		standing.TotalPlaytimeMs += payload.GameDurationMs
		if event.ReceivedAt.After(standing.LastPlayedAt) {
			standing.LastPlayedAt = event.ReceivedAt
		}

		if err := tx.Save(&standing).Error; err != nil {
			return fmt.Errorf("failed to upsert standing: %w", err)
		}

		if improved {
			rank, err := globalRank(tx, standing.HighScore, standing.HighScoreAt)
			if err != nil {
				return err
			}
			snapshot := models.LeaderboardSnapshot{
				ID:     uuid.NewString(),
				Scope:  models.ScopeGlobal,
				UserID: event.UserID,
				Score:  standing.HighScore,
				Rank:   rank,
			}
			if err := tx.Create(&snapshot).Error; err != nil {
				return fmt.Errorf("failed to write snapshot: %w", err)
			}
		}
		return nil
	})
}

// RunTournamentPass folds window-scoped events into one tournament's
// standings. Consumption is tracked per tournament via claim rows because
// the same event also feeds the global standings.
func (s *AggregatorService) RunTournamentPass(ctx context.Context, tournamentID string, start, end time.Time) error {
	claimed := s.DB.Model(&models.TournamentEventClaim{}).
		Select("event_id").
		Where("tournament_id = ?", tournamentID)

	var events []models.GameEvent
	err := s.DB.WithContext(ctx).
		Where("type = ? AND game_mode = ? AND received_at >= ? AND received_at < ? AND processing_attempts < ? AND id NOT IN (?)",
			models.EventGameEnded, s.Cfg.GameMode, start, end, s.Cfg.MaxAttempts, claimed).
		Order("received_at ASC").
		Limit(s.Cfg.BatchSize).
		Find(&events).Error
	if err != nil {
		return fmt.Errorf("failed to select tournament events: %w", err)
	}

	processed := 0
	for _, event := range events {
		claim := models.TournamentEventClaim{TournamentID: tournamentID, EventID: event.ID}
		if err := s.DB.WithContext(ctx).Create(&claim).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue // another run owns this event for this tournament
			}
			s.Log.Warn("tournament claim failed", zap.String("event_id", event.ID), zap.Error(err))
			continue
		}
		if err := s.applyTournament(ctx, tournamentID, event); err != nil {
			s.Log.Warn("tournament event processing failed",
				zap.String("tournament_id", tournamentID),
				zap.String("event_id", event.ID), zap.Error(err))
			s.releaseTournamentClaim(ctx, tournamentID, event.ID, err)
			continue
		}
		processed++
	}

	if processed > 0 || len(events) > 0 {
		s.Log.Info("tournament aggregation pass complete",
			zap.String("tournament_id", tournamentID),
			zap.Int("selected", len(events)), zap.Int("processed", processed))
	}
	s.refreshTournamentCache(ctx, tournamentID)
	return nil
}

func (s *AggregatorService) releaseTournamentClaim(ctx context.Context, tournamentID, eventID string, cause error) {
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ? AND event_id = ?", tournamentID, eventID).
		Delete(&models.TournamentEventClaim{}).Error
	if err != nil {
		s.Log.Error("failed to release tournament claim",
			zap.String("event_id", eventID), zap.Error(err))
	}
	err = s.DB.WithContext(ctx).Model(&models.GameEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"processing_attempts": gorm.Expr("processing_attempts + 1"),
			"processing_error":    cause.Error(),
		}).Error
	if err != nil {
		s.Log.Error("failed to record tournament event error",
			zap.String("event_id", eventID), zap.Error(err))
	}
}

func (s *AggregatorService) applyTournament(ctx context.Context, tournamentID string, event models.GameEvent) error {
	payload, err := event.ParseGameEndedPayload()
	if err != nil {
		return err
	}

	verdict := s.AntiCheat.Validate(ctx, Submission{
		UserID:            event.UserID,
		Score:             payload.Score,
		SurvivalTimeMs:    payload.SurvivalTimeMs,
		GameDurationMs:    payload.GameDurationMs,
		DeviceFingerprint: payload.DeviceFingerprint,
		SubmittedAt:       event.ReceivedAt,
	})
	if !verdict.Accepted {
		s.Log.Info("tournament event rejected by anti-cheat",
			zap.String("event_id", event.ID),
			zap.String("user_id", event.UserID),
			zap.String("reason", verdict.StrongestReason()))
		return nil
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := upsertParticipantScore(tx, tournamentID, event.UserID, "", payload.Score, event.ReceivedAt)
		return err
	})
}

// upsertParticipantScore max-merges a score into the participant row,
// bumps the games counter, and writes an audit snapshot when the best
// score improved. Shared by the aggregator pass and the interactive
// submission path. Returns the participant's rank after the merge.
func upsertParticipantScore(tx *gorm.DB, tournamentID, userID, name string, score int64, at time.Time) (int, error) {
	var participant models.TournamentParticipant
	err := tx.Where("tournament_id = ? AND user_id = ?", tournamentID, userID).
		First(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		participant = models.TournamentParticipant{
			ID:           uuid.NewString(),
			TournamentID: tournamentID,
			UserID:       userID,
			Name:         name,
		}
	} else if err != nil {
		return 0, fmt.Errorf("failed to load participant: %w", err)
	}

	improved := score > participant.BestScore || participant.TotalGames == 0
	if score > participant.BestScore {
		participant.BestScore = score
		participant.BestScoreAt = at
	}
	participant.TotalGames++
	if name != "" && participant.Name == "" {
		participant.Name = name
	}

	if err := tx.Save(&participant).Error; err != nil {
		return 0, fmt.Errorf("failed to upsert participant: %w", err)
	}

	rank, err := tournamentRank(tx, tournamentID, participant.BestScore, participant.BestScoreAt)
	if err != nil {
		return 0, err
	}

	if improved {
		snapshot := models.LeaderboardSnapshot{
			ID:     uuid.NewString(),
			Scope:  tournamentID,
			UserID: userID,
			Score:  participant.BestScore,
			Rank:   rank,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return 0, fmt.Errorf("failed to write snapshot: %w", err)
		}
	}
	return rank, nil
}

// globalRank is the 1-based position under the standard ordering:
// score descending, earliest achievement first on ties.
func globalRank(tx *gorm.DB, score int64, at time.Time) (int, error) {
	var better int64
	err := tx.Model(&models.GlobalStanding{}).
		Where("high_score > ? OR (high_score = ? AND high_score_at < ?)", score, score, at).
		Count(&better).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute global rank: %w", err)
	}
	return int(better) + 1, nil
}

func tournamentRank(tx *gorm.DB, tournamentID string, score int64, at time.Time) (int, error) {
	var better int64
	err := tx.Model(&models.TournamentParticipant{}).
		Where("tournament_id = ? AND (best_score > ? OR (best_score = ? AND best_score_at < ?))",
			tournamentID, score, score, at).
		Count(&better).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute tournament rank: %w", err)
	}
	return int(better) + 1, nil
}

func (s *AggregatorService) refreshGlobalCache(ctx context.Context) {
	entries, err := s.GlobalTop(ctx, s.Cfg.GlobalTopN)
	if err != nil {
		s.Log.Warn("global cache refresh skipped", zap.Error(err))
		return
	}
	key := cache.LeaderboardKey(models.ScopeGlobal, "all", s.Cfg.GlobalTopN)
	s.Cache.SetLeaderboard(ctx, key, entries, len(entries), s.Cfg.GlobalCacheTTL)
}

func (s *AggregatorService) refreshTournamentCache(ctx context.Context, tournamentID string) {
	entries, err := s.TournamentTop(ctx, tournamentID, s.Cfg.TournamentTopN)
	if err != nil {
		s.Log.Warn("tournament cache refresh skipped",
			zap.String("tournament_id", tournamentID), zap.Error(err))
		return
	}
	key := cache.LeaderboardKey("tournament", tournamentID, s.Cfg.TournamentTopN)
	s.Cache.SetLeaderboard(ctx, key, entries, len(entries), s.Cfg.TournamentCacheTTL)
}

// GlobalTop recomputes the global top-N from the standings table.
func (s *AggregatorService) GlobalTop(ctx context.Context, n int) ([]models.LeaderboardEntry, error) {
	var standings []models.GlobalStanding
	err := s.DB.WithContext(ctx).
		Order("high_score DESC, high_score_at ASC").
		Limit(n).
		Find(&standings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load global standings: %w", err)
	}
	entries := make([]models.LeaderboardEntry, len(standings))
	for i, st := range standings {
		entries[i] = models.LeaderboardEntry{
			Rank:       i + 1,
			UserID:     st.UserID,
			Score:      st.HighScore,
			AchievedAt: st.HighScoreAt,
		}
	}
	return entries, nil
}

// TournamentTop recomputes a tournament's top-N from the participant table.
func (s *AggregatorService) TournamentTop(ctx context.Context, tournamentID string, n int) ([]models.LeaderboardEntry, error) {
	var participants []models.TournamentParticipant
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ?", tournamentID).
		Order("best_score DESC, best_score_at ASC").
		Limit(n).
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tournament standings: %w", err)
	}
	entries := make([]models.LeaderboardEntry, len(participants))
	for i, p := range participants {
		entries[i] = models.LeaderboardEntry{
			Rank:       i + 1,
			UserID:     p.UserID,
			Name:       p.Name,
			Score:      p.BestScore,
			AchievedAt: p.BestScoreAt,
		}
	}
	return entries, nil
}

// Rebuild recomputes the global standings from the entire event history.
// Disaster-recovery tooling, not part of the steady-state flow: it
// truncates the standings table, folds every qualifying event grouped by
// user, marks them consumed, and refreshes the cache. Unlike the
// incremental pass, events are not re-screened through anti-cheat here:
// the audit history those checks depend on may itself be lost, so rebuilt
// standings can include scores the live path rejected.
func (s *AggregatorService) Rebuild(ctx context.Context) error {
	s.Log.Warn("rebuilding global standings from full event history")

	var events []models.GameEvent
	err := s.DB.WithContext(ctx).
		Where("type = ? AND game_mode = ?", models.EventGameEnded, s.Cfg.GameMode).
		Order("received_at ASC").
		Find(&events).Error
	if err != nil {
		return fmt.Errorf("failed to load event history: %w", err)
	}

	standings := make(map[string]*models.GlobalStanding)
	for _, event := range events {
		payload, err := event.ParseGameEndedPayload()
		if err != nil {
			s.Log.Warn("skipping malformed event during rebuild",
				zap.String("event_id", event.ID), zap.Error(err))
			continue
		}
		st, ok := standings[event.UserID]
		if !ok {
			st = &models.GlobalStanding{ID: uuid.NewString(), UserID: event.UserID}
			standings[event.UserID] = st
		}
		if payload.Score > st.HighScore {
			st.HighScore = payload.Score
			st.HighScoreAt = event.ReceivedAt
		}
		st.TotalGames++
		st.TotalPlaytimeMs += payload.GameDurationMs
		if event.ReceivedAt.After(st.LastPlayedAt) {
			st.LastPlayedAt = event.ReceivedAt
		}
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Delete(&models.GlobalStanding{}).Error; err != nil {
			return fmt.Errorf("failed to truncate standings: %w", err)
		}
		for _, st := range standings {
			if err := tx.Create(st).Error; err != nil {
				return fmt.Errorf("failed to recreate standing for %s: %w", st.UserID, err)
			}
		}
		now := time.Now().UTC()
		if err := tx.Model(&models.GameEvent{}).
			Where("type = ? AND game_mode = ? AND processed_at IS NULL",
				models.EventGameEnded, s.Cfg.GameMode).
			Update("processed_at", now).Error; err != nil {
			return fmt.Errorf("failed to mark history processed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Log.Info("rebuild complete", zap.Int("users", len(standings)), zap.Int("events", len(events)))
	s.refreshGlobalCache(ctx)
	return nil
}

// FailedEvents lists events stuck at the attempt ceiling; these are only
// retried through RetryEvent, never automatically.
func (s *AggregatorService) FailedEvents(ctx context.Context, limit int) ([]models.GameEvent, error) {
	var events []models.GameEvent
	err := s.DB.WithContext(ctx).
		Where("processed_at IS NULL AND processing_attempts >= ?", s.Cfg.MaxAttempts).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}
	return events, nil
}

// RetryEvent clears the attempt counter so the next pass picks the event
// up again.
func (s *AggregatorService) RetryEvent(ctx context.Context, eventID string) error {
	res := s.DB.WithContext(ctx).Model(&models.GameEvent{}).
		Where("id = ? AND processed_at IS NULL", eventID).
		Updates(map[string]interface{}{
			"processing_attempts": 0,
			"processing_error":    "",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reset event %s: %w", eventID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("event %s not found or already processed", eventID)
	}
	return nil
}
