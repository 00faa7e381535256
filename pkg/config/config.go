// Package config loads process settings from the environment and the
// account roster from a YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port           string `envconfig:"PORT" default:"8080"`
	DataDir        string `envconfig:"DATA_DIR" default:"./data" validate:"required"`
	DBPath         string `envconfig:"DB_PATH" default:"./data/audit.db" validate:"required"`
	AccountsFile   string `envconfig:"ACCOUNTS_FILE" default:"./accounts.yaml" validate:"required"`
	DryRun         bool   `envconfig:"DRY_RUN" default:"false"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogDevelopment bool   `envconfig:"LOG_DEVELOPMENT" default:"false"`
	JWTSecret      string `envconfig:"JWT_SECRET" default:"dev-secret"`
	BinanceTestnet bool   `envconfig:"BINANCE_TESTNET" default:"false"`

	Trading Trading
	Paper   Paper
}

// Trading tunes the loops, retries and breakers.
type Trading struct {
	CycleInterval time.Duration `envconfig:"CYCLE_INTERVAL" default:"60s" validate:"gt=0"`
	CallTimeout   time.Duration `envconfig:"CALL_TIMEOUT" default:"15s" validate:"gt=0"`

	MaxRetries           int           `envconfig:"MAX_RETRIES" default:"5" validate:"min=1"`
	BaseDelay            time.Duration `envconfig:"RETRY_BASE_DELAY" default:"500ms" validate:"gt=0"`
	MaxDelay             time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30s" validate:"gtefield=BaseDelay"`
	PartialFillTolerance float64       `envconfig:"PARTIAL_FILL_TOLERANCE" default:"0.01" validate:"gte=0,lt=1"`
	VerifyAttempts       int           `envconfig:"VERIFY_ATTEMPTS" default:"3" validate:"gte=0"`
	VerifyInterval       time.Duration `envconfig:"VERIFY_INTERVAL" default:"1s"`

	GlobalFailureThreshold int           `envconfig:"GLOBAL_FAILURE_THRESHOLD" default:"5" validate:"min=1"`
	GlobalCooldown         time.Duration `envconfig:"GLOBAL_COOLDOWN" default:"5m"`
	RequestsPerMinute      int           `envconfig:"REQUESTS_PER_MINUTE" default:"600" validate:"min=1"`
	MaxJitter              time.Duration `envconfig:"MAX_JITTER" default:"300ms"`
	BreakerThreshold       int           `envconfig:"BREAKER_THRESHOLD" default:"3" validate:"min=1"`
	BreakerCooldown        time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
	BreakerMaxCooldown     time.Duration `envconfig:"BREAKER_MAX_COOLDOWN" default:"10m"`
	BreakerResetAfter      int           `envconfig:"BREAKER_RESET_AFTER" default:"10"`
	WarmupCycles           int           `envconfig:"WARMUP_CYCLES" default:"3" validate:"gte=0"`

	// ReconcileInterval re-runs reconciliation while trading; zero means
	// startup only.
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"0"`
	CandleInterval    string        `envconfig:"CANDLE_INTERVAL" default:"1h"`
	CandleCount       int           `envconfig:"CANDLE_COUNT" default:"100" validate:"min=2"`
	CandleCacheTTL    time.Duration `envconfig:"CANDLE_CACHE_TTL" default:"30s"`

	RestartDelay time.Duration `envconfig:"RESTART_DELAY" default:"10s"`
	MaxRestarts  int           `envconfig:"MAX_RESTARTS" default:"3" validate:"gte=0"`
}

// Paper configures the simulated venue used in dry-run.
type Paper struct {
	InitialBalance float64 `envconfig:"PAPER_INITIAL_BALANCE" default:"10000" validate:"gt=0"`
	FeeRate        float64 `envconfig:"PAPER_FEE_RATE" default:"0.0004" validate:"gte=0"`
	SlippageBps    float64 `envconfig:"PAPER_SLIPPAGE_BPS" default:"2" validate:"gte=0"`
	FillRatio      float64 `envconfig:"PAPER_FILL_RATIO" default:"1" validate:"gt=0,lte=1"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
