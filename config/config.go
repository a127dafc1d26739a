// config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"session-sync/services"
	"session-sync/utils"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment.
type Config struct {
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`

	HTTPAddr       string `env:"HTTP_ADDR" envDefault:":5200"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`
	DebugToken     string `env:"DEBUG_TOKEN"`

	RelayAddr  string `env:"RELAY_ADDR" envDefault:":5201"`
	RelayURL   string `env:"RELAY_URL" envDefault:"ws://localhost:5201/relay"`
	RelayToken string `env:"RELAY_TOKEN"`

	SessionCapacity    int           `env:"SESSION_CAPACITY" envDefault:"12"`
	ResyncInterval     time.Duration `env:"RESYNC_INTERVAL" envDefault:"60s"`
	TickInterval       time.Duration `env:"TICK_INTERVAL" envDefault:"50ms"`
	InterpolationDelay time.Duration `env:"INTERPOLATION_DELAY" envDefault:"100ms"`
	HistorySize        int           `env:"HISTORY_SIZE" envDefault:"3"`
	DirtyTTL           time.Duration `env:"DIRTY_TTL"` // zero means RESYNC_INTERVAL

	WorldWidth        float64 `env:"WORLD_WIDTH" envDefault:"2000"`
	WorldHeight       float64 `env:"WORLD_HEIGHT" envDefault:"2000"`
	MaxSpeed          float64 `env:"MAX_SPEED" envDefault:"300"`
	TeleportFactor    float64 `env:"TELEPORT_FACTOR" envDefault:"4"`
	MaxMessagesPerSec float64 `env:"MAX_MESSAGES_PER_SEC" envDefault:"30"`
	MessageBurst      int     `env:"MESSAGE_BURST" envDefault:"10"`

	CheckpointInterval time.Duration `env:"CHECKPOINT_INTERVAL" envDefault:"5s"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatTimeout   time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`

	CloudflareAccountID string `env:"CLOUDFLARE_ACCOUNT_ID"`
	R2AccessKeyID       string `env:"R2_ACCESS_KEY_ID"`
	R2AccessKeySecret   string `env:"R2_ACCESS_KEY_SECRET"`
	R2Bucket            string `env:"R2_BUCKET_NAME"`
	CDNBaseURL          string `env:"CDN_BASE_URL"`
}

// Load reads the given .env files (".env" when none are named) and then the
// environment. A missing .env file is not an error.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules and fills the sqlite default path.
func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case "sqlite":
		if c.DatabaseURL == "" {
			c.DatabaseURL = "session-sync.db"
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or sqlite, got %q", c.StoreDriver)
	}
	if c.HistorySize < 2 {
		return fmt.Errorf("HISTORY_SIZE must be at least 2, got %d", c.HistorySize)
	}
	if c.SessionCapacity < 1 {
		return fmt.Errorf("SESSION_CAPACITY must be positive, got %d", c.SessionCapacity)
	}
	if c.TickInterval <= 0 || c.ResyncInterval <= 0 {
		return errors.New("TICK_INTERVAL and RESYNC_INTERVAL must be positive")
	}
	return nil
}

func (c Config) MovementLimits() services.MovementLimits {
	return services.MovementLimits{
		WorldWidth:           c.WorldWidth,
		WorldHeight:          c.WorldHeight,
		MaxSpeed:             c.MaxSpeed,
		TickInterval:         c.TickInterval,
		TeleportFactor:       c.TeleportFactor,
		MaxMessagesPerSecond: c.MaxMessagesPerSec,
		Burst:                c.MessageBurst,
	}
}

func (c Config) TransportOptions(logger *log.Logger) services.TransportOptions {
	return services.TransportOptions{
		Capacity:     c.SessionCapacity,
		TickInterval: c.TickInterval,
		Limits:       c.MovementLimits(),
		Logger:       logger,
	}
}

func (c Config) ReplicaOptions(logger *log.Logger) services.ReplicaOptions {
	dirtyTTL := c.DirtyTTL
	if dirtyTTL <= 0 {
		dirtyTTL = c.ResyncInterval
	}
	return services.ReplicaOptions{
		ResyncInterval:     c.ResyncInterval,
		HistorySize:        c.HistorySize,
		InterpolationDelay: c.InterpolationDelay,
		DirtyTTL:           dirtyTTL,
		Logger:             logger,
	}
}

func (c Config) R2() utils.R2Config {
	return utils.R2Config{
		AccountID:       c.CloudflareAccountID,
		AccessKeyID:     c.R2AccessKeyID,
		AccessKeySecret: c.R2AccessKeySecret,
		Bucket:          c.R2Bucket,
		CDNBaseURL:      c.CDNBaseURL,
	}
}
