package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every runtime setting. Values come from defaults, then an
// optional TOML file, then the environment.
type Config struct {
	BindAddr           string
	ShutdownTimeout    time.Duration
	MetricsNamespace   string
	AllowAnyOrigin     bool
	RateLimitPerMinute int

	LogLevel  string
	LogFormat string

	DiscordToken    string
	DiscordGuildIDs []string

	SupportRoleName       string
	RequestTimeout        time.Duration
	Cooldown              time.Duration
	Retention             time.Duration
	PlatformTimeout       time.Duration
	MuteOnJoin            bool
	PlatformRetryAttempts int
	PlatformRetryBase     time.Duration

	DatabaseURL string

	// ConfigFile is the TOML file the settings were read from, if any.
	ConfigFile string
}

func Default() Config {
	return Config{
		BindAddr:              ":8080",
		ShutdownTimeout:       10 * time.Second,
		MetricsNamespace:      "livehelp",
		RateLimitPerMinute:    120,
		LogLevel:              "info",
		LogFormat:             "json",
		SupportRoleName:       "Server Support",
		RequestTimeout:        10 * time.Minute,
		Cooldown:              2 * time.Minute,
		Retention:             2 * time.Minute,
		PlatformTimeout:       10 * time.Second,
		MuteOnJoin:            true,
		PlatformRetryAttempts: 3,
		PlatformRetryBase:     250 * time.Millisecond,
	}
}

// Load reads the file named by CONFIG_FILE, if set, and the environment.
func Load() (Config, error) {
	return LoadFile(stringsTrimSpace("CONFIG_FILE"))
}

// LoadFile reads path (skipped when empty) and then the environment, which
// always wins over the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
		cfg.ConfigFile = path
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var err error

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.DiscordToken = envOrDefault("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.SupportRoleName = envOrDefault("SUPPORT_ROLE_NAME", cfg.SupportRoleName)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	if v := stringsTrimSpace("DISCORD_GUILD_IDS"); v != "" {
		cfg.DiscordGuildIDs = splitList(v)
	}

	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return err
	}
	if cfg.RateLimitPerMinute, err = intFromEnv("APP_RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return err
	}
	if cfg.RequestTimeout, err = durationFromEnv("SUPPORT_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return err
	}
	if cfg.Cooldown, err = durationFromEnv("SUPPORT_COOLDOWN", cfg.Cooldown); err != nil {
		return err
	}
	if cfg.Retention, err = durationFromEnv("SUPPORT_RETENTION", cfg.Retention); err != nil {
		return err
	}
	if cfg.PlatformTimeout, err = durationFromEnv("SUPPORT_PLATFORM_TIMEOUT", cfg.PlatformTimeout); err != nil {
		return err
	}
	if cfg.MuteOnJoin, err = boolFromEnv("SUPPORT_MUTE_ON_JOIN", cfg.MuteOnJoin); err != nil {
		return err
	}
	if cfg.PlatformRetryAttempts, err = intFromEnv("PLATFORM_RETRY_ATTEMPTS", cfg.PlatformRetryAttempts); err != nil {
		return err
	}
	if cfg.PlatformRetryBase, err = durationFromEnv("PLATFORM_RETRY_BASE", cfg.PlatformRetryBase); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DiscordToken) == "" {
		errs = append(errs, errors.New("DISCORD_TOKEN is required"))
	}
	if strings.TrimSpace(c.BindAddr) == "" {
		errs = append(errs, errors.New("APP_BIND_ADDR must not be empty"))
	}
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"SUPPORT_REQUEST_TIMEOUT", c.RequestTimeout},
		{"SUPPORT_RETENTION", c.Retention},
		{"SUPPORT_PLATFORM_TIMEOUT", c.PlatformTimeout},
		{"PLATFORM_RETRY_BASE", c.PlatformRetryBase},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.Cooldown < 0 {
		errs = append(errs, errors.New("SUPPORT_COOLDOWN must not be negative"))
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("APP_RATE_LIMIT_PER_MINUTE must not be negative"))
	}
	if c.PlatformRetryAttempts < 1 {
		errs = append(errs, errors.New("PLATFORM_RETRY_ATTEMPTS must be at least 1"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or console", c.LogFormat))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

// duration lets TOML files use Go duration strings such as "10m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type fileConfig struct {
	App struct {
		BindAddr           string   `toml:"bind_addr"`
		ShutdownTimeout    duration `toml:"shutdown_timeout"`
		MetricsNamespace   string   `toml:"metrics_namespace"`
		AllowAnyOrigin     bool     `toml:"allow_any_origin"`
		RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	} `toml:"app"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Discord struct {
		Token    string   `toml:"token"`
		GuildIDs []string `toml:"guild_ids"`
	} `toml:"discord"`
	Support struct {
		RoleName        string   `toml:"role_name"`
		RequestTimeout  duration `toml:"request_timeout"`
		Cooldown        duration `toml:"cooldown"`
		Retention       duration `toml:"retention"`
		PlatformTimeout duration `toml:"platform_timeout"`
		MuteOnJoin      bool     `toml:"mute_on_join"`
		RetryAttempts   int      `toml:"retry_attempts"`
		RetryBase       duration `toml:"retry_base"`
	} `toml:"support"`
	History struct {
		DatabaseURL string `toml:"database_url"`
	} `toml:"history"`
}

// applyFile overlays the keys present in the TOML file at path. The file
// struct is pre-filled from cfg, so absent keys keep their value.
func applyFile(cfg *Config, path string) error {
	var f fileConfig
	f.App.BindAddr = cfg.BindAddr
	f.App.ShutdownTimeout = duration{cfg.ShutdownTimeout}
	f.App.MetricsNamespace = cfg.MetricsNamespace
	f.App.AllowAnyOrigin = cfg.AllowAnyOrigin
	f.App.RateLimitPerMinute = cfg.RateLimitPerMinute
	f.Log.Level = cfg.LogLevel
	f.Log.Format = cfg.LogFormat
	f.Discord.Token = cfg.DiscordToken
	f.Discord.GuildIDs = cfg.DiscordGuildIDs
	f.Support.RoleName = cfg.SupportRoleName
	f.Support.RequestTimeout = duration{cfg.RequestTimeout}
	f.Support.Cooldown = duration{cfg.Cooldown}
	f.Support.Retention = duration{cfg.Retention}
	f.Support.PlatformTimeout = duration{cfg.PlatformTimeout}
	f.Support.MuteOnJoin = cfg.MuteOnJoin
	f.Support.RetryAttempts = cfg.PlatformRetryAttempts
	f.Support.RetryBase = duration{cfg.PlatformRetryBase}
	f.History.DatabaseURL = cfg.DatabaseURL

	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	cfg.BindAddr = f.App.BindAddr
	cfg.ShutdownTimeout = f.App.ShutdownTimeout.Duration
	cfg.MetricsNamespace = f.App.MetricsNamespace
	cfg.AllowAnyOrigin = f.App.AllowAnyOrigin
	cfg.RateLimitPerMinute = f.App.RateLimitPerMinute
	cfg.LogLevel = f.Log.Level
	cfg.LogFormat = f.Log.Format
	cfg.DiscordToken = f.Discord.Token
	cfg.DiscordGuildIDs = f.Discord.GuildIDs
	cfg.SupportRoleName = f.Support.RoleName
	cfg.RequestTimeout = f.Support.RequestTimeout.Duration
	cfg.Cooldown = f.Support.Cooldown.Duration
	cfg.Retention = f.Support.Retention.Duration
	cfg.PlatformTimeout = f.Support.PlatformTimeout.Duration
	cfg.MuteOnJoin = f.Support.MuteOnJoin
	cfg.PlatformRetryAttempts = f.Support.RetryAttempts
	cfg.PlatformRetryBase = f.Support.RetryBase.Duration
	cfg.DatabaseURL = f.History.DatabaseURL
	return nil
}
