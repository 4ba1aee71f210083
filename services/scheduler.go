package services

import (
	"context"
	"fmt"
	"time"

	"game-leaderboard-system/models"
	"game-leaderboard-system/utils"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SchedulerConfig holds the cron cadences and retention tuning.
type SchedulerConfig struct {
	GlobalAggregateInterval     time.Duration
	TournamentAggregateInterval time.Duration
	StatusSweepInterval         time.Duration
	BoundarySweepInterval       time.Duration
	WeeklyCreateInterval        time.Duration
	CleanupInterval             time.Duration
	RetentionDays               int
	DefaultPrizePool            float64
	WeeklyStartOffset           time.Duration
}

// Scheduler drives the whole pipeline off wall-clock time. It owns the
// gocron scheduler and exposes explicit Start and Stop so the composition
// root controls the lifecycle. The clock is injectable, which makes the
// transition decisions testable without sleeping.
type Scheduler struct {
	DB          *gorm.DB
	Aggregator  *AggregatorService
	Tournaments *TournamentService
	Archiver    *utils.Archiver
	Cfg         SchedulerConfig
	Log         *zap.Logger

	now   func() time.Time
	sched gocron.Scheduler
}

func NewScheduler(db *gorm.DB, aggregator *AggregatorService, tournaments *TournamentService, archiver *utils.Archiver, cfg SchedulerConfig, log *zap.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{
		DB:          db,
		Aggregator:  aggregator,
		Tournaments: tournaments,
		Archiver:    archiver,
		Cfg:         cfg,
		Log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		sched:       sched,
	}, nil
}

// Start registers every periodic job and begins firing them. Jobs run
// until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"global_aggregation", s.Cfg.GlobalAggregateInterval, s.Aggregator.RunGlobalPass},
		{"tournament_aggregation", s.Cfg.TournamentAggregateInterval, s.runActiveTournamentPasses},
		{"status_sweep", s.Cfg.StatusSweepInterval, s.runStatusSweep},
		{"boundary_sweep", s.Cfg.BoundarySweepInterval, s.runBoundarySweep},
		{"weekly_creation", s.Cfg.WeeklyCreateInterval, s.runWeeklyCreation},
		{"cleanup", s.Cfg.CleanupInterval, s.runCleanup},
	}

	for _, job := range jobs {
		job := job
		_, err := s.sched.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() {
				if err := job.run(ctx); err != nil {
					s.Log.Error("scheduled job failed",
						zap.String("job", job.name), zap.Error(err))
				}
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to register job %s: %w", job.name, err)
		}
	}

	s.sched.Start()
	s.Log.Info("scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop shuts the scheduler down and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	s.Log.Info("scheduler stopped")
	return nil
}

// runActiveTournamentPasses folds events for every active tournament.
func (s *Scheduler) runActiveTournamentPasses(ctx context.Context) error {
	var tournaments []models.Tournament
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.TournamentActive).
		Find(&tournaments).Error
	if err != nil {
		return fmt.Errorf("failed to list active tournaments: %w", err)
	}
	for _, t := range tournaments {
		if err := s.Aggregator.RunTournamentPass(ctx, t.ID, t.StartDate, t.EndDate); err != nil {
			s.Log.Error("tournament pass failed",
				zap.String("tournament_id", t.ID), zap.Error(err))
		}
	}
	return nil
}

// transition is one pending lifecycle change decided by the clock.
type transition struct {
	TournamentID string
	To           models.TournamentStatus
}

// dueTransitions decides which tournaments should change status at the
// given instant. Pure over its inputs so tests can drive it with a fixed
// clock: upcoming tournaments past their start date become active, active
// tournaments past their end date become ended.
func dueTransitions(tournaments []models.Tournament, now time.Time) []transition {
	var due []transition
	for _, t := range tournaments {
		switch t.Status {
		case models.TournamentUpcoming:
			if !now.Before(t.StartDate) {
				due = append(due, transition{TournamentID: t.ID, To: models.TournamentActive})
			}
		case models.TournamentActive:
			if !now.Before(t.EndDate) {
				due = append(due, transition{TournamentID: t.ID, To: models.TournamentEnded})
			}
		}
	}
	return due
}

// runStatusSweep is the catch-up pass: it scans every non-terminal
// tournament and applies whatever transitions are overdue, so a missed
// boundary tick or a restart never leaves a tournament stuck.
func (s *Scheduler) runStatusSweep(ctx context.Context) error {
	var tournaments []models.Tournament
	err := s.DB.WithContext(ctx).
		Where("status IN ?", []models.TournamentStatus{models.TournamentUpcoming, models.TournamentActive}).
		Find(&tournaments).Error
	if err != nil {
		return fmt.Errorf("failed to list tournaments: %w", err)
	}
	return s.applyTransitions(ctx, dueTransitions(tournaments, s.now()))
}

// runBoundarySweep is the fast path around start and end boundaries: it
// only looks at tournaments whose boundary falls inside a narrow window
// around now, so transitions land within a minute of the wall-clock time.
func (s *Scheduler) runBoundarySweep(ctx context.Context) error {
	now := s.now()
	window := s.Cfg.BoundarySweepInterval
	lo, hi := now.Add(-window), now.Add(window)

	var tournaments []models.Tournament
	err := s.DB.WithContext(ctx).
		Where("(status = ? AND start_date BETWEEN ? AND ?) OR (status = ? AND end_date BETWEEN ? AND ?)",
			models.TournamentUpcoming, lo, hi,
			models.TournamentActive, lo, hi).
		Find(&tournaments).Error
	if err != nil {
		return fmt.Errorf("failed to list boundary tournaments: %w", err)
	}
	return s.applyTransitions(ctx, dueTransitions(tournaments, now))
}

func (s *Scheduler) applyTransitions(ctx context.Context, due []transition) error {
	for _, tr := range due {
		var err error
		switch tr.To {
		case models.TournamentActive:
			err = s.Tournaments.StartTournament(ctx, tr.TournamentID)
		case models.TournamentEnded:
			// A final aggregation pass first, so late events inside the
			// window still count before ranks freeze.
			if t, getErr := s.Tournaments.Get(ctx, tr.TournamentID); getErr == nil {
				if passErr := s.Aggregator.RunTournamentPass(ctx, t.ID, t.StartDate, t.EndDate); passErr != nil {
					s.Log.Error("final tournament pass failed",
						zap.String("tournament_id", t.ID), zap.Error(passErr))
				}
			}
			err = s.Tournaments.EndTournament(ctx, tr.TournamentID)
		}
		if err != nil {
			s.Log.Error("transition failed",
				zap.String("tournament_id", tr.TournamentID),
				zap.String("to", string(tr.To)), zap.Error(err))
		}
	}
	return nil
}

// runWeeklyCreation makes sure there is always a next tournament queued.
// Skipped when an upcoming tournament already exists.
func (s *Scheduler) runWeeklyCreation(ctx context.Context) error {
	var upcoming int64
	err := s.DB.WithContext(ctx).Model(&models.Tournament{}).
		Where("status = ?", models.TournamentUpcoming).
		Count(&upcoming).Error
	if err != nil {
		return fmt.Errorf("failed to count upcoming tournaments: %w", err)
	}
	if upcoming > 0 {
		return nil
	}

	_, err = s.Tournaments.CreateWeeklyTournament(ctx, s.Cfg.DefaultPrizePool, s.Cfg.WeeklyStartOffset)
	return err
}

// runCleanup archives then prunes aged history: non-final snapshots and
// anti-cheat logs past retention are uploaded to the archive bucket and
// deleted, and ended tournaments past retention flip to archived.
func (s *Scheduler) runCleanup(ctx context.Context) error {
	cutoff := s.now().AddDate(0, 0, -s.Cfg.RetentionDays)

	var snapshots []models.LeaderboardSnapshot
	err := s.DB.WithContext(ctx).
		Where("is_final = ? AND created_at < ?", false, cutoff).
		Find(&snapshots).Error
	if err != nil {
		return fmt.Errorf("failed to load aged snapshots: %w", err)
	}
	if len(snapshots) > 0 {
		key := fmt.Sprintf("archive/snapshots/%s.json", s.now().Format("2006-01-02"))
		if err := s.Archiver.UploadJSON(ctx, key, snapshots); err != nil {
			return fmt.Errorf("snapshot archival failed, skipping prune: %w", err)
		}
		err = s.DB.WithContext(ctx).
			Where("is_final = ? AND created_at < ?", false, cutoff).
			Delete(&models.LeaderboardSnapshot{}).Error
		if err != nil {
			return fmt.Errorf("failed to prune snapshots: %w", err)
		}
		s.Log.Info("snapshots pruned", zap.Int("count", len(snapshots)))
	}

	var logs []models.AntiCheatLog
	err = s.DB.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Find(&logs).Error
	if err != nil {
		return fmt.Errorf("failed to load aged anti-cheat logs: %w", err)
	}
	if len(logs) > 0 {
		key := fmt.Sprintf("archive/anticheat/%s.json", s.now().Format("2006-01-02"))
		if err := s.Archiver.UploadJSON(ctx, key, logs); err != nil {
			return fmt.Errorf("anti-cheat archival failed, skipping prune: %w", err)
		}
		err = s.DB.WithContext(ctx).
			Where("created_at < ?", cutoff).
			Delete(&models.AntiCheatLog{}).Error
		if err != nil {
			return fmt.Errorf("failed to prune anti-cheat logs: %w", err)
		}
		s.Log.Info("anti-cheat logs pruned", zap.Int("count", len(logs)))
	}

	var ended []models.Tournament
	err = s.DB.WithContext(ctx).
		Where("status = ? AND end_date < ?", models.TournamentEnded, cutoff).
		Find(&ended).Error
	if err != nil {
		return fmt.Errorf("failed to list tournaments for archival: %w", err)
	}
	for _, t := range ended {
		if err := s.Tournaments.ArchiveTournament(ctx, t.ID); err != nil {
			s.Log.Error("tournament archival failed",
				zap.String("tournament_id", t.ID), zap.Error(err))
		}
	}
	return nil
}
