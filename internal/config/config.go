package config

import (
	"PerpRisk/internal/core"
	fpmath "PerpRisk/internal/math"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix of every environment variable, e.g. PERP_GRPC_ADDR.
const Prefix = "PERP"

// Config is the process configuration. Empty DSNs and URLs switch the
// matching subsystem off: no Postgres means no event log, snapshots or
// history; no NATS means no feeds; no Redis means no read views.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	PostgresDSN   string        `envconfig:"POSTGRES_DSN"`
	MigrationsDir string        `envconfig:"MIGRATIONS_DIR" default:"migrations"`
	NATSURL       string        `envconfig:"NATS_URL"`
	RedisURL      string        `envconfig:"REDIS_URL"`
	RedisViewTTL  time.Duration `envconfig:"REDIS_VIEW_TTL" default:"24h"`

	GRPCAddr string `envconfig:"GRPC_ADDR" default:":9090"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	// Shared secrets; see server.Tokens
	OracleToken  string            `envconfig:"ORACLE_TOKEN"`
	AdminToken   string            `envconfig:"ADMIN_TOKEN"`
	KeeperTokens map[string]string `envconfig:"KEEPER_TOKENS"` // token:payout-uuid,...

	MaxPriceStaleness time.Duration `envconfig:"MAX_PRICE_STALENESS" default:"60s"`
	FundingInterval   time.Duration `envconfig:"FUNDING_INTERVAL" default:"8h"`
	FundingRateCap    string        `envconfig:"FUNDING_RATE_CAP" default:"0.0001"`
	LiquidationFeeBps int64         `envconfig:"LIQUIDATION_FEE_BPS" default:"500"`

	PersistChanSize     int           `envconfig:"PERSIST_CHAN_SIZE" default:"1024"`
	ProjectionChanSize  int           `envconfig:"PROJECTION_CHAN_SIZE" default:"2048"`
	PublishChanSize     int           `envconfig:"PUBLISH_CHAN_SIZE" default:"4096"`
	FeedChanSize        int           `envconfig:"FEED_CHAN_SIZE" default:"4096"`
	PersistBatchSize    int           `envconfig:"PERSIST_BATCH_SIZE" default:"50"`
	PersistFlushTimeout time.Duration `envconfig:"PERSIST_FLUSH_TIMEOUT" default:"10ms"`
	SnapshotInterval    time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"5m"`
	DedupSize           int           `envconfig:"DEDUP_SIZE" default:"100000"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges and formats envconfig cannot express.
func (c *Config) Validate() error {
	if c.MaxPriceStaleness <= 0 {
		return fmt.Errorf("MAX_PRICE_STALENESS must be positive")
	}
	if c.FundingInterval <= 0 {
		return fmt.Errorf("FUNDING_INTERVAL must be positive")
	}
	if _, err := fpmath.ParseFixed(c.FundingRateCap, fpmath.RateConfig); err != nil {
		return fmt.Errorf("FUNDING_RATE_CAP: %w", err)
	}
	if c.LiquidationFeeBps < 0 || c.LiquidationFeeBps >= fpmath.BpsDenominator {
		return fmt.Errorf("LIQUIDATION_FEE_BPS must be in [0,%d)", fpmath.BpsDenominator)
	}
	for name, v := range map[string]int{
		"PERSIST_CHAN_SIZE":    c.PersistChanSize,
		"PROJECTION_CHAN_SIZE": c.ProjectionChanSize,
		"PUBLISH_CHAN_SIZE":    c.PublishChanSize,
		"FEED_CHAN_SIZE":       c.FeedChanSize,
		"PERSIST_BATCH_SIZE":   c.PersistBatchSize,
		"DEDUP_SIZE":           c.DedupSize,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be >= 1", name)
		}
	}
	if c.PersistFlushTimeout <= 0 {
		return fmt.Errorf("PERSIST_FLUSH_TIMEOUT must be positive")
	}
	if c.PostgresDSN != "" && c.SnapshotInterval <= 0 {
		return fmt.Errorf("SNAPSHOT_INTERVAL must be positive")
	}
	if _, err := c.KeeperPayouts(); err != nil {
		return err
	}
	return nil
}

// KeeperPayouts parses KEEPER_TOKENS into token -> payout account.
func (c *Config) KeeperPayouts() (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID, len(c.KeeperTokens))
	for token, raw := range c.KeeperTokens {
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			return nil, fmt.Errorf("KEEPER_TOKENS: bad payout account %q", raw)
		}
		out[token] = id
	}
	return out, nil
}

// Engine returns the engine settings.
func (c *Config) Engine() core.Config {
	rateCap, _ := fpmath.ParseFixed(c.FundingRateCap, fpmath.RateConfig)
	return core.Config{
		MaxPriceStaleness: c.MaxPriceStaleness,
		FundingInterval:   c.FundingInterval,
		FundingRateCap:    rateCap,
		LiquidationFeeBps: c.LiquidationFeeBps,
	}
}
