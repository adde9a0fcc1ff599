package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Exchange    Exchange    `mapstructure:"exchange"`
	Trading     Trading     `mapstructure:"trading"`
	Logger      Logger      `mapstructure:"logger"`
	Server      Server      `mapstructure:"server"`
	Database    Database    `mapstructure:"database"`
	Persistence Persistence `mapstructure:"persistence"`
}

// Exchange holds the configuration for the exchange API.
type Exchange struct {
	Name           string  `mapstructure:"name"`
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	PollInterval   int     `mapstructure:"poll_interval"` // seconds
	FeeRate        float64 `mapstructure:"fee_rate"`
}

// Trading holds the allocator settings and the risk profiles.
type Trading struct {
	DryRun                  bool          `mapstructure:"dry_run"`
	MaxSessions             int           `mapstructure:"max_sessions"`
	BaseMarket              string        `mapstructure:"base_market"`
	MinimumPrice            float64       `mapstructure:"minimum_price"`
	MinimumNegotiableAmount float64       `mapstructure:"minimum_negotiable_amount"`
	Capital                 float64       `mapstructure:"capital"` // 0 = use the base currency balance
	ExcludedMarkets         []string      `mapstructure:"excluded_markets"`
	RestrictedSuffixes      []string      `mapstructure:"restricted_suffixes"`
	PaperBalance            float64       `mapstructure:"paper_balance"`
	RiskProfiles            []RiskProfile `mapstructure:"risk_profiles"`
}

// RiskProfile is one spread configuration. Percentages are expressed in percent, not fractions.
type RiskProfile struct {
	ID                              string  `mapstructure:"id"`
	MaxPercentChangeFromPreviousDay float64 `mapstructure:"max_percent_change_from_previous_day"`
	MinimumSpreadPercent            float64 `mapstructure:"minimum_spread_percent"`
	MinimumQuoteVolume              float64 `mapstructure:"minimum_quote_volume"`
	AllocatedCapital                float64 `mapstructure:"allocated_capital"`
	RepriceThreshold                float64 `mapstructure:"reprice_threshold"` // 0 = smallest price increment
	LossGraceMinutes                float64 `mapstructure:"loss_grace_minutes"`
	MinimumProfitPercent            float64 `mapstructure:"minimum_profit_percent"`
}

// LossGrace returns the loss-grace period as a duration.
func (p RiskProfile) LossGrace() time.Duration {
	return time.Duration(p.LossGraceMinutes * float64(time.Minute))
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// Server holds the configuration for the reporting web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

// Persistence holds the configuration for session snapshots.
type Persistence struct {
	Backend  string `mapstructure:"backend"` // database or redis
	RedisURL string `mapstructure:"redis_url"`
	RedisKey string `mapstructure:"redis_key"`
	Interval int    `mapstructure:"interval_ms"`
}

// SaveInterval returns the snapshot coalescing interval.
func (p Persistence) SaveInterval() time.Duration {
	return time.Duration(p.Interval) * time.Millisecond
}

var (
	// ErrInvalidTrading is returned when the trading section cannot drive the allocator.
	ErrInvalidTrading = errors.New("invalid trading configuration")
	// ErrInvalidProfile is returned when a risk profile is malformed.
	ErrInvalidProfile = errors.New("invalid risk profile")
)

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		return config, fmt.Errorf("failed to read config: %w", err)
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}

	err = config.Validate()
	return config, err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.rate_limit", 20)      // requests per second
	v.SetDefault("exchange.rate_limit_burst", 5) // burst size
	v.SetDefault("exchange.poll_interval", 5)
	v.SetDefault("exchange.fee_rate", 0.001)

	v.SetDefault("trading.max_sessions", 10)
	v.SetDefault("trading.base_market", "BTC")
	v.SetDefault("trading.minimum_price", 0.00000100)
	v.SetDefault("trading.minimum_negotiable_amount", 0.0001)
	v.SetDefault("trading.restricted_suffixes", []string{"UP", "DOWN", "BULL", "BEAR"})
	v.SetDefault("trading.paper_balance", 1)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")

	v.SetDefault("server.port", 8080)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "spreadbot.db")

	v.SetDefault("persistence.backend", "database")
	v.SetDefault("persistence.redis_key", "spreadbot:snapshot")
	v.SetDefault("persistence.interval_ms", 1000)
}

// Validate checks the settings the allocator and the sessions depend on.
func (c Config) Validate() error {
	t := c.Trading
	if strings.TrimSpace(t.BaseMarket) == "" {
		return fmt.Errorf("%w: base_market is required", ErrInvalidTrading)
	}
	if t.MaxSessions < 1 {
		return fmt.Errorf("%w: max_sessions must be at least 1, got %d", ErrInvalidTrading, t.MaxSessions)
	}
	if t.MinimumNegotiableAmount < 0 {
		return fmt.Errorf("%w: minimum_negotiable_amount must not be negative", ErrInvalidTrading)
	}

	seen := make(map[string]struct{}, len(t.RiskProfiles))
	for i, p := range t.RiskProfiles {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("%w: profile #%d has no id", ErrInvalidProfile, i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidProfile, p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.AllocatedCapital <= 0 {
			return fmt.Errorf("%w: %q allocated_capital must be positive", ErrInvalidProfile, p.ID)
		}
		if p.MinimumSpreadPercent < 0 || p.RepriceThreshold < 0 || p.LossGraceMinutes < 0 {
			return fmt.Errorf("%w: %q has negative thresholds", ErrInvalidProfile, p.ID)
		}
	}
	return nil
}
