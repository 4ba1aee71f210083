package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"game-leaderboard-system/cache"
	"game-leaderboard-system/models"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrTournamentNotFound = errors.New("tournament not found")
	ErrAlreadyRegistered  = errors.New("player already registered")
	ErrTournamentFull     = errors.New("tournament is full")
	ErrNotRegistered      = errors.New("player not registered for tournament")
	ErrRegistrationClosed = errors.New("tournament registration is closed")
	ErrTournamentInactive = errors.New("tournament is not active")
	ErrScoreRejected      = errors.New("score rejected")
)

// TournamentConfig tunes tournament creation and reads.
type TournamentConfig struct {
	DefaultPrizePool   float64
	MaxParticipants    int
	TournamentTopN     int
	TournamentCacheTTL time.Duration
}

// TournamentService owns the tournament lifecycle. Every status change is
// a compare-and-set update keyed on the expected current status, so
// concurrent transitions collapse to exactly one winner and the rest
// become no-ops.
type TournamentService struct {
	DB         *gorm.DB
	AntiCheat  *AntiCheatService
	Aggregator *AggregatorService
	Prizes     *PrizeService
	Cache      *cache.Cache
	Notifier   Notifier
	Cfg        TournamentConfig
	Log        *zap.Logger
}

func NewTournamentService(db *gorm.DB, antiCheat *AntiCheatService, aggregator *AggregatorService, prizes *PrizeService, c *cache.Cache, notifier Notifier, cfg TournamentConfig, log *zap.Logger) *TournamentService {
	return &TournamentService{
		DB:         db,
		AntiCheat:  antiCheat,
		Aggregator: aggregator,
		Prizes:     prizes,
		Cache:      c,
		Notifier:   notifier,
		Cfg:        cfg,
		Log:        log,
	}
}

// CreateWeeklyTournament creates the next week-long tournament starting at
// startOffset from now. The slug is derived from the ISO week of the start
// date, which also makes accidental double creation a unique-index
// violation instead of a duplicate tournament.
func (s *TournamentService) CreateWeeklyTournament(ctx context.Context, prizePool float64, startOffset time.Duration) (*models.Tournament, error) {
	if prizePool < 0 {
		return nil, fmt.Errorf("prize pool must not be negative, got %.2f", prizePool)
	}
	if prizePool == 0 {
		prizePool = s.Cfg.DefaultPrizePool
	}

	start := time.Now().UTC().Add(startOffset).Truncate(time.Hour)
	end := start.Add(7 * 24 * time.Hour)
	year, week := start.ISOWeek()

	tournament := models.Tournament{
		ID:              uuid.NewString(),
		Name:            fmt.Sprintf("Weekly Tournament %d W%02d", year, week),
		Slug:            slug.Make(fmt.Sprintf("weekly %d w%02d", year, week)),
		Status:          models.TournamentUpcoming,
		StartDate:       start,
		EndDate:         end,
		PrizePool:       prizePool,
		MaxParticipants: s.Cfg.MaxParticipants,
	}

	if err := s.DB.WithContext(ctx).Create(&tournament).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("tournament %s already exists: %w", tournament.Slug, err)
		}
		return nil, fmt.Errorf("failed to create tournament: %w", err)
	}

	s.Log.Info("weekly tournament created",
		zap.String("tournament_id", tournament.ID),
		zap.String("slug", tournament.Slug),
		zap.Time("start", start), zap.Time("end", end))
	return &tournament, nil
}

// RegisterPlayer enrolls a player while the tournament is upcoming or
// active. The unique index on (tournament_id, user_id) is the duplicate
// guard; a duplicate-key error maps to ErrAlreadyRegistered.
func (s *TournamentService) RegisterPlayer(ctx context.Context, tournamentID, userID, name string) (*models.TournamentParticipant, error) {
	tournament, err := s.Get(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if tournament.Status != models.TournamentUpcoming && tournament.Status != models.TournamentActive {
		return nil, fmt.Errorf("%w: tournament is %s", ErrRegistrationClosed, tournament.Status)
	}

	if tournament.MaxParticipants > 0 {
		var count int64
		err := s.DB.WithContext(ctx).Model(&models.TournamentParticipant{}).
			Where("tournament_id = ?", tournamentID).
			Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("failed to count participants: %w", err)
		}
		if count >= int64(tournament.MaxParticipants) {
			return nil, ErrTournamentFull
		}
	}

	participant := models.TournamentParticipant{
		ID:           uuid.NewString(),
		TournamentID: tournamentID,
		UserID:       userID,
		Name:         name,
	}
	if err := s.DB.WithContext(ctx).Create(&participant).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyRegistered
		}
		return nil, fmt.Errorf("failed to register player: %w", err)
	}

	s.Log.Info("player registered",
		zap.String("tournament_id", tournamentID), zap.String("user_id", userID))
	return &participant, nil
}

// SubmitScore is the interactive submission path: the tournament must be
// active and the player registered. The score runs through the anti-cheat
// pipeline before it can touch the standings. Returns the player's rank
// after the merge.
func (s *TournamentService) SubmitScore(ctx context.Context, tournamentID, userID string, score, survivalTimeMs, gameDurationMs int64, fingerprint string) (int, error) {
	tournament, err := s.Get(ctx, tournamentID)
	if err != nil {
		return 0, err
	}
	if tournament.Status != models.TournamentActive {
		return 0, fmt.Errorf("%w: tournament is %s", ErrTournamentInactive, tournament.Status)
	}

	var registered int64
	err = s.DB.WithContext(ctx).Model(&models.TournamentParticipant{}).
		Where("tournament_id = ? AND user_id = ?", tournamentID, userID).
		Count(&registered).Error
	if err != nil {
		return 0, fmt.Errorf("failed to check registration: %w", err)
	}
	if registered == 0 {
		return 0, ErrNotRegistered
	}

	now := time.Now().UTC()
	verdict := s.AntiCheat.Validate(ctx, Submission{
		UserID:            userID,
		Score:             score,
		SurvivalTimeMs:    survivalTimeMs,
		GameDurationMs:    gameDurationMs,
		DeviceFingerprint: fingerprint,
		SubmittedAt:       now,
	})
	if !verdict.Accepted {
		return 0, fmt.Errorf("%w: %s", ErrScoreRejected, verdict.StrongestReason())
	}

	var rank int
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		rank, txErr = upsertParticipantScore(tx, tournamentID, userID, "", score, now)
		return txErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record score: %w", err)
	}

	s.Cache.Invalidate(ctx, cache.LeaderboardKey("tournament", tournamentID, s.Cfg.TournamentTopN))
	return rank, nil
}

// StartTournament flips upcoming -> active. A zero-row update means the
// tournament was already past upcoming and the call is a no-op.
func (s *TournamentService) StartTournament(ctx context.Context, tournamentID string) error {
	res := s.DB.WithContext(ctx).Model(&models.Tournament{}).
		Where("id = ? AND status = ?", tournamentID, models.TournamentUpcoming).
		Update("status", models.TournamentActive)
	if res.Error != nil {
		return fmt.Errorf("failed to start tournament: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.Log.Debug("start skipped, tournament not upcoming", zap.String("tournament_id", tournamentID))
		return nil
	}
	s.Log.Info("tournament started", zap.String("tournament_id", tournamentID))
	s.notifyParticipants(ctx, tournamentID, "tournament_started")
	return nil
}

// notifyParticipants is fire and forget; delivery failures are logged and
// dropped.
func (s *TournamentService) notifyParticipants(ctx context.Context, tournamentID, eventType string) {
	if s.Notifier == nil {
		return
	}
	var participants []models.TournamentParticipant
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ?", tournamentID).
		Find(&participants).Error
	if err != nil {
		s.Log.Warn("participant notification skipped",
			zap.String("tournament_id", tournamentID), zap.Error(err))
		return
	}
	for _, p := range participants {
		err := s.Notifier.Notify(ctx, p.UserID, Notification{
			Type:    eventType,
			Payload: map[string]interface{}{"tournament_id": tournamentID},
		})
		if err != nil {
			s.Log.Warn("participant notification failed",
				zap.String("user_id", p.UserID), zap.Error(err))
		}
	}
}

// EndTournament finalizes an active tournament: final ranks and final
// snapshots are written first, then the status flips active -> ended via
// compare-and-set, and only the caller that wins the flip distributes
// prizes. Losing the flip means another run already finalized; the early
// writes are idempotent so the loser leaves no trace.
func (s *TournamentService) EndTournament(ctx context.Context, tournamentID string) error {
	tournament, err := s.Get(ctx, tournamentID)
	if err != nil {
		return err
	}
	if tournament.Status != models.TournamentActive {
		s.Log.Debug("end skipped, tournament not active",
			zap.String("tournament_id", tournamentID),
			zap.String("status", string(tournament.Status)))
		return nil
	}

	if err := s.writeFinalStandings(ctx, tournamentID); err != nil {
		return err
	}

	res := s.DB.WithContext(ctx).Model(&models.Tournament{}).
		Where("id = ? AND status = ?", tournamentID, models.TournamentActive).
		Update("status", models.TournamentEnded)
	if res.Error != nil {
		return fmt.Errorf("failed to end tournament: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil // another run won the flip and owns payout
	}

	s.Log.Info("tournament ended", zap.String("tournament_id", tournamentID))
	s.Cache.Invalidate(ctx, cache.LeaderboardKey("tournament", tournamentID, s.Cfg.TournamentTopN))

	if err := s.Prizes.DistributePrizes(ctx, tournament); err != nil {
		// Prizes are individually idempotent, a retry on the next sweep
		// only awards the ones that were missed.
		s.Log.Error("prize distribution incomplete",
			zap.String("tournament_id", tournamentID), zap.Error(err))
	}
	s.notifyParticipants(ctx, tournamentID, "tournament_ended")
	return nil
}

// writeFinalStandings persists the final rank of every participant and a
// final snapshot row per participant. Safe to re-run: the values are
// deterministic for a finished window.
func (s *TournamentService) writeFinalStandings(ctx context.Context, tournamentID string) error {
	var participants []models.TournamentParticipant
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ?", tournamentID).
		Order("best_score DESC, best_score_at ASC").
		Find(&participants).Error
	if err != nil {
		return fmt.Errorf("failed to load final standings: %w", err)
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, p := range participants {
			rank := i + 1
			if err := tx.Model(&models.TournamentParticipant{}).
				Where("id = ?", p.ID).
				Update("final_rank", rank).Error; err != nil {
				return fmt.Errorf("failed to write final rank: %w", err)
			}

			var existing int64
			if err := tx.Model(&models.LeaderboardSnapshot{}).
				Where("scope = ? AND user_id = ? AND is_final = ?", tournamentID, p.UserID, true).
				Count(&existing).Error; err != nil {
				return fmt.Errorf("failed to check final snapshot: %w", err)
			}
			if existing > 0 {
				continue
			}
			snapshot := models.LeaderboardSnapshot{
				ID:      uuid.NewString(),
				Scope:   tournamentID,
				UserID:  p.UserID,
				Score:   p.BestScore,
				Rank:    rank,
				IsFinal: true,
			}
			if err := tx.Create(&snapshot).Error; err != nil {
				return fmt.Errorf("failed to write final snapshot: %w", err)
			}
		}
		return nil
	})
}

// ArchiveTournament flips ended -> archived after the retention window.
func (s *TournamentService) ArchiveTournament(ctx context.Context, tournamentID string) error {
	res := s.DB.WithContext(ctx).Model(&models.Tournament{}).
		Where("id = ? AND status = ?", tournamentID, models.TournamentEnded).
		Update("status", models.TournamentArchived)
	if res.Error != nil {
		return fmt.Errorf("failed to archive tournament: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.Log.Info("tournament archived", zap.String("tournament_id", tournamentID))
	}
	return nil
}

// Get loads one tournament by ID.
func (s *TournamentService) Get(ctx context.Context, tournamentID string) (*models.Tournament, error) {
	var tournament models.Tournament
	err := s.DB.WithContext(ctx).Where("id = ?", tournamentID).First(&tournament).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTournamentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tournament: %w", err)
	}
	return &tournament, nil
}

// GetBySlug loads one tournament by its URL slug.
func (s *TournamentService) GetBySlug(ctx context.Context, tournamentSlug string) (*models.Tournament, error) {
	var tournament models.Tournament
	err := s.DB.WithContext(ctx).Where("slug = ?", tournamentSlug).First(&tournament).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTournamentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tournament: %w", err)
	}
	return &tournament, nil
}

// GetCurrentTournament returns the running tournament, or the next
// upcoming one when nothing is active.
func (s *TournamentService) GetCurrentTournament(ctx context.Context) (*models.Tournament, error) {
	var tournament models.Tournament
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.TournamentActive).
		Order("start_date ASC").
		First(&tournament).Error
	if err == nil {
		return &tournament, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load current tournament: %w", err)
	}

	err = s.DB.WithContext(ctx).
		Where("status = ?", models.TournamentUpcoming).
		Order("start_date ASC").
		First(&tournament).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTournamentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upcoming tournament: %w", err)
	}
	return &tournament, nil
}

// GetLeaderboard serves a page of the tournament top-N, cache first,
// standings table on a miss. The cache always holds the full top-N; the
// page is sliced out of it, so every page shares one cached board.
func (s *TournamentService) GetLeaderboard(ctx context.Context, tournamentID string, limit, offset int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 || limit > s.Cfg.TournamentTopN {
		limit = s.Cfg.TournamentTopN
	}
	if offset < 0 {
		offset = 0
	}
	key := cache.LeaderboardKey("tournament", tournamentID, s.Cfg.TournamentTopN)

	var entries []models.LeaderboardEntry
	if !s.Cache.GetLeaderboard(ctx, key, &entries) {
		var err error
		entries, err = s.Aggregator.TournamentTop(ctx, tournamentID, s.Cfg.TournamentTopN)
		if err != nil {
			return nil, err
		}
		s.Cache.SetLeaderboard(ctx, key, entries, len(entries), s.Cfg.TournamentCacheTTL)
	}

	if offset >= len(entries) {
		return []models.LeaderboardEntry{}, nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end], nil
}

// GetPlayerStats aggregates a player's global standing, rank, tournament
// history, and prize count into one read model.
func (s *TournamentService) GetPlayerStats(ctx context.Context, userID string) (*models.PlayerStats, error) {
	stats := models.PlayerStats{UserID: userID}

	var standing models.GlobalStanding
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).First(&standing).Error
	if err == nil {
		stats.Global = &standing
		rank, err := globalRank(s.DB.WithContext(ctx), standing.HighScore, standing.HighScoreAt)
		if err != nil {
			return nil, err
		}
		stats.GlobalRank = rank
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load global standing: %w", err)
	}

	err = s.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("joined_at DESC").
		Limit(20).
		Find(&stats.Tournaments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tournament history: %w", err)
	}

	err = s.DB.WithContext(ctx).Model(&models.Prize{}).
		Where("user_id = ?", userID).
		Count(&stats.PrizesWon).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count prizes: %w", err)
	}
	return &stats, nil
}
