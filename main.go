package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"game-leaderboard-system/cache"
	"game-leaderboard-system/config"
	"game-leaderboard-system/models"
	"game-leaderboard-system/services"
	"game-leaderboard-system/utils"
	"game-leaderboard-system/workers"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading environment variables directly")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := utils.NewLogger(cfg.Environment)
	if err != nil {
		log.Fatal("failed to build logger: ", err)
	}
	defer logger.Sync()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&models.GameEvent{},
		&models.TournamentEventClaim{},
		&models.GlobalStanding{},
		&models.LeaderboardSnapshot{},
		&models.Tournament{},
		&models.TournamentParticipant{},
		&models.Prize{},
		&models.WalletTransaction{},
		&models.AntiCheatLog{},
		&models.DeviceFingerprint{},
	); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	} else {
		logger.Warn("REDIS_ADDR not set, leaderboard cache disabled")
	}
	leaderboardCache := cache.New(rdb, logger)

	archiver, err := utils.NewArchiver(cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2AccessKeySecret, cfg.R2Bucket)
	if err != nil {
		logger.Fatal("failed to initialize archiver", zap.Error(err))
	}
	if archiver == nil {
		logger.Warn("R2_BUCKET_NAME not set, history archival disabled")
	}

	var accounts services.AccountCrediter
	if cfg.AccountServiceURL != "" {
		accounts = workers.NewAccountClient(cfg.AccountServiceURL, cfg.AccountServiceToken)
	} else {
		logger.Warn("ACCOUNT_SERVICE_URL not set, prize credits will fail")
		accounts = workers.NewAccountClient("http://localhost:0", "")
	}

	var notifier services.Notifier
	if cfg.NotifyServiceURL != "" {
		notifier = workers.NewNotifyClient(cfg.NotifyServiceURL, cfg.NotifyServiceToken)
	}

	antiCheat := services.NewAntiCheatService(db, services.DefaultAntiCheatConfig(), logger)

	aggregator := services.NewAggregatorService(db, antiCheat, leaderboardCache, services.AggregatorConfig{
		GameMode:           cfg.QualifyingGameMode,
		BatchSize:          cfg.EventBatchSize,
		MaxAttempts:        cfg.MaxProcessingAttempts,
		GlobalTopN:         cfg.GlobalTopN,
		TournamentTopN:     cfg.TournamentTopN,
		GlobalCacheTTL:     cfg.GlobalCacheTTL,
		TournamentCacheTTL: cfg.TournamentCacheTTL,
	}, logger)

	prizes := services.NewPrizeService(db, accounts, notifier, logger)

	tournaments := services.NewTournamentService(db, antiCheat, aggregator, prizes, leaderboardCache, notifier, services.TournamentConfig{
		DefaultPrizePool:   cfg.DefaultPrizePool,
		MaxParticipants:    cfg.MaxParticipants,
		TournamentTopN:     cfg.TournamentTopN,
		TournamentCacheTTL: cfg.TournamentCacheTTL,
	}, logger)

	scheduler, err := services.NewScheduler(db, aggregator, tournaments, archiver, services.SchedulerConfig{
		GlobalAggregateInterval:     cfg.GlobalAggregateInterval,
		TournamentAggregateInterval: cfg.TournamentAggregateInterval,
		StatusSweepInterval:         cfg.StatusSweepInterval,
		BoundarySweepInterval:       cfg.BoundarySweepInterval,
		WeeklyCreateInterval:        cfg.WeeklyCreateInterval,
		CleanupInterval:             cfg.CleanupInterval,
		RetentionDays:               cfg.RetentionDays,
		DefaultPrizePool:            cfg.DefaultPrizePool,
		WeeklyStartOffset:           cfg.WeeklyStartOffset,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create scheduler", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}
	logger.Info("competition pipeline running",
		zap.String("game_mode", cfg.QualifyingGameMode),
		zap.String("environment", cfg.Environment))

	<-ctx.Done()
	logger.Info("shutting down")
	if err := scheduler.Stop(); err != nil {
		logger.Error("scheduler shutdown failed", zap.Error(err))
	}
}
