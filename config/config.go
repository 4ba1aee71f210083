package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the competition pipeline. All values come
// from the environment; a .env file is loaded by the composition root
// before processing.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AccountServiceURL   string `envconfig:"ACCOUNT_SERVICE_URL"`
	AccountServiceToken string `envconfig:"ACCOUNT_SERVICE_TOKEN"`
	NotifyServiceURL    string `envconfig:"NOTIFY_SERVICE_URL"`
	NotifyServiceToken  string `envconfig:"NOTIFY_SERVICE_TOKEN"`

	// R2/S3 archive target for pruned snapshot history. Archival is
	// disabled when the bucket is empty.
	R2AccountID       string `envconfig:"CLOUDFLARE_ACCOUNT_ID"`
	R2AccessKeyID     string `envconfig:"R2_ACCESS_KEY_ID"`
	R2AccessKeySecret string `envconfig:"R2_ACCESS_KEY_SECRET"`
	R2Bucket          string `envconfig:"R2_BUCKET_NAME"`

	QualifyingGameMode    string `envconfig:"QUALIFYING_GAME_MODE" default:"classic"`
	EventBatchSize        int    `envconfig:"EVENT_BATCH_SIZE" default:"500"`
	MaxProcessingAttempts int    `envconfig:"MAX_PROCESSING_ATTEMPTS" default:"5"`

	GlobalTopN     int `envconfig:"GLOBAL_TOP_N" default:"100"`
	TournamentTopN int `envconfig:"TOURNAMENT_TOP_N" default:"50"`

	GlobalCacheTTL     time.Duration `envconfig:"GLOBAL_CACHE_TTL" default:"300s"`
	TournamentCacheTTL time.Duration `envconfig:"TOURNAMENT_CACHE_TTL" default:"120s"`

	GlobalAggregateInterval     time.Duration `envconfig:"GLOBAL_AGGREGATE_INTERVAL" default:"5m"`
	TournamentAggregateInterval time.Duration `envconfig:"TOURNAMENT_AGGREGATE_INTERVAL" default:"1m"`
	StatusSweepInterval         time.Duration `envconfig:"STATUS_SWEEP_INTERVAL" default:"5m"`
	BoundarySweepInterval       time.Duration `envconfig:"BOUNDARY_SWEEP_INTERVAL" default:"1m"`
	WeeklyCreateInterval        time.Duration `envconfig:"WEEKLY_CREATE_INTERVAL" default:"6h"`
	CleanupInterval             time.Duration `envconfig:"CLEANUP_INTERVAL" default:"24h"`

	RetentionDays     int           `envconfig:"RETENTION_DAYS" default:"90"`
	DefaultPrizePool  float64       `envconfig:"DEFAULT_PRIZE_POOL" default:"10000"`
	MaxParticipants   int           `envconfig:"MAX_PARTICIPANTS" default:"1000"`
	WeeklyStartOffset time.Duration `envconfig:"WEEKLY_START_OFFSET" default:"168h"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	return &cfg, nil
}
