package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds everything the automation core reads at startup. Secrets
// (client id, catalog API key, master key) come from the environment and
// override whatever the YAML file carries.
type Config struct {
	DatabasePath  string `yaml:"database_path"`
	LogLevel      string `yaml:"log_level"`
	ListenAddr    string `yaml:"listen_addr"`
	AdminPassword string `yaml:"admin_password"`

	MaxAccounts   int    `yaml:"max_accounts"`
	MasterKey     string `yaml:"master_key"`
	MasterKeyFile string `yaml:"master_key_file"`

	OAuth      OAuthConfig      `yaml:"oauth"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Limits     LimitsConfig     `yaml:"limits"`
	Compliance ComplianceConfig `yaml:"compliance"`
}

type OAuthConfig struct {
	ClientID    string   `yaml:"client_id"`
	AuthURL     string   `yaml:"auth_url"`
	TokenURL    string   `yaml:"token_url"`
	RedirectURL string   `yaml:"redirect_url"`
	Scopes      []string `yaml:"scopes"`
	// PendingTTL bounds how long a generated login URL stays exchangeable.
	PendingTTLMinutes int `yaml:"pending_ttl_minutes"`
}

type UpstreamConfig struct {
	IdentityURL string `yaml:"identity_url"`
	FriendsURL  string `yaml:"friends_url"`
	GiftURL     string `yaml:"gift_url"`
}

type CatalogConfig struct {
	PrimaryURL   string `yaml:"primary_url"`
	SecondaryURL string `yaml:"secondary_url"`
	APIKey       string `yaml:"api_key"`
	ImageCDN     string `yaml:"image_cdn"`
	TTLMinutes   int    `yaml:"ttl_minutes"`
}

// ActionLimit configures admission control for one action type.
type ActionLimit struct {
	PerMinute     int     `yaml:"per_minute"`
	MinDelaySec   float64 `yaml:"min_delay_sec"`
	DelayRangeMin float64 `yaml:"delay_range_min"`
	DelayRangeMax float64 `yaml:"delay_range_max"`
}

type LimitsConfig struct {
	GlobalCooldownMS int                    `yaml:"global_cooldown_ms"`
	Actions          map[string]ActionLimit `yaml:"actions"`
}

type ComplianceConfig struct {
	DailyGiftLimit   int `yaml:"daily_gift_limit"`
	DailyFriendLimit int `yaml:"daily_friend_limit"`
	HourlyCallLimit  int `yaml:"hourly_call_limit"`
	ConfirmTTLMin    int `yaml:"confirm_ttl_minutes"`
}

func DefaultConfig() Config {
	return Config{
		DatabasePath: "shopkeeper.db",
		LogLevel:     "info",
		ListenAddr:   "127.0.0.1:8090",
		MaxAccounts:  5,
		OAuth: OAuthConfig{
			PendingTTLMinutes: 10,
		},
		Catalog: CatalogConfig{
			TTLMinutes: 60,
		},
		Limits: LimitsConfig{
			GlobalCooldownMS: 500,
			Actions: map[string]ActionLimit{
				"friend-add":    {PerMinute: 5, MinDelaySec: 2, DelayRangeMin: 2, DelayRangeMax: 5},
				"friend-list":   {PerMinute: 10, MinDelaySec: 1, DelayRangeMin: 1, DelayRangeMax: 3},
				"gift-send":     {PerMinute: 3, MinDelaySec: 5, DelayRangeMin: 5, DelayRangeMax: 10},
				"catalog-get":   {PerMinute: 20, MinDelaySec: 1, DelayRangeMin: 1, DelayRangeMax: 2},
				"item-info":     {PerMinute: 30, MinDelaySec: 0.5, DelayRangeMin: 0.5, DelayRangeMax: 1.5},
				"token-refresh": {PerMinute: 10, MinDelaySec: 2, DelayRangeMin: 2, DelayRangeMax: 4},
			},
		},
		Compliance: ComplianceConfig{
			DailyGiftLimit:   10,
			DailyFriendLimit: 20,
			HourlyCallLimit:  1000,
			ConfirmTTLMin:    5,
		},
	}
}

// Load reads config.yaml (or CONFIG_PATH) on top of defaults, then applies
// environment overrides.
func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.OAuth.ClientID == "" {
		return Config{}, errors.New("OAUTH_CLIENT_ID is required")
	}
	if cfg.MaxAccounts <= 0 {
		cfg.MaxAccounts = 5
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.ListenAddr = envString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.AdminPassword = envString("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.MaxAccounts = envInt("MAX_ACCOUNTS", cfg.MaxAccounts)
	cfg.MasterKey = envString("SHOPKEEPER_MASTER_KEY", cfg.MasterKey)
	cfg.MasterKeyFile = envString("SHOPKEEPER_MASTER_KEY_FILE", cfg.MasterKeyFile)
	cfg.OAuth.ClientID = envString("OAUTH_CLIENT_ID", cfg.OAuth.ClientID)
	cfg.OAuth.AuthURL = envString("OAUTH_AUTH_URL", cfg.OAuth.AuthURL)
	cfg.OAuth.TokenURL = envString("OAUTH_TOKEN_URL", cfg.OAuth.TokenURL)
	cfg.OAuth.RedirectURL = envString("OAUTH_REDIRECT_URL", cfg.OAuth.RedirectURL)
	cfg.Upstream.IdentityURL = envString("UPSTREAM_IDENTITY_URL", cfg.Upstream.IdentityURL)
	cfg.Upstream.FriendsURL = envString("UPSTREAM_FRIENDS_URL", cfg.Upstream.FriendsURL)
	cfg.Upstream.GiftURL = envString("UPSTREAM_GIFT_URL", cfg.Upstream.GiftURL)
	cfg.Catalog.PrimaryURL = envString("CATALOG_PRIMARY_URL", cfg.Catalog.PrimaryURL)
	cfg.Catalog.SecondaryURL = envString("CATALOG_SECONDARY_URL", cfg.Catalog.SecondaryURL)
	cfg.Catalog.APIKey = envString("CATALOG_API_KEY", cfg.Catalog.APIKey)
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// PendingTTL returns the login-attempt lifetime as a duration.
func (o OAuthConfig) PendingTTL() time.Duration {
	if o.PendingTTLMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(o.PendingTTLMinutes) * time.Minute
}

// TTL returns the catalog cache lifetime as a duration.
func (c CatalogConfig) TTL() time.Duration {
	if c.TTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.TTLMinutes) * time.Minute
}

// ConfirmTTL returns how long a prepared gift confirmation stays valid.
func (c ComplianceConfig) ConfirmTTL() time.Duration {
	if c.ConfirmTTLMin <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ConfirmTTLMin) * time.Minute
}

// BuildLogger constructs the process-wide zap logger at the given level.
func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}
