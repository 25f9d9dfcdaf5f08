// Package config implements the broker's precedence-ordered configuration
// loader: CLI flags > environment variables > YAML config file > built-in
// defaults (spec.md §6). Grounded on cmd/ytdlp/main.go's flag-registration
// style, with pflag's POSIX long-flag ergonomics in place of stdlib flag.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ytget/potbroker/internal/logger"
)

// Config is the broker's fully-resolved runtime configuration.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	Verbose  bool   `yaml:"verbose"`

	TokenTTL        time.Duration `yaml:"token_ttl"`
	MaxCacheEntries int           `yaml:"max_cache_entries"`
	VMTimeout       time.Duration `yaml:"vm_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SafetyMargin    time.Duration `yaml:"safety_margin"`
	CacheDir        string        `yaml:"cache_dir"`

	// DefaultProxy records the first set of HTTPS_PROXY, HTTP_PROXY and
	// ALL_PROXY, and NoProxy records NO_PROXY. Neither is passed to the
	// outbound HTTP client; that client reads the proxy environment itself
	// through http.ProxyFromEnvironment when a request names no proxy.
	DefaultProxy string `yaml:"-"`
	NoProxy      string `yaml:"-"`
}

// Defaults returns the broker's built-in defaults (spec.md §6,
// original_source/src/config/settings.rs's constants).
func Defaults() Config {
	return Config{
		Host:            "::",
		Port:            4416,
		LogLevel:        "INFO",
		TokenTTL:        6 * time.Hour,
		MaxCacheEntries: 1000,
		VMTimeout:       5 * time.Second,
		RequestTimeout:  60 * time.Second,
		SafetyMargin:    60 * time.Second,
	}
}

// Flags holds the variables bound to the server subcommand's CLI flags
// (spec.md §6), including the "--config" path; RegisterFlags fills it.
type Flags struct {
	Host      *string
	Port      *int
	ConfigPath *string
	Verbose   *bool
	LogLevel  *string
}

// RegisterFlags adds the server subcommand's flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	return &Flags{
		Host:       fs.String("host", "", "listen host (default \"::\")"),
		Port:       fs.Int("port", 0, "listen port (default 4416)"),
		ConfigPath: fs.String("config", "", "path to a YAML config file"),
		Verbose:    fs.Bool("verbose", false, "enable verbose (DEBUG) logging"),
		LogLevel:   fs.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)"),
	}
}

// Load resolves the final Config by layering, in increasing precedence:
// built-in defaults, an optional YAML file, environment variables, then
// explicitly-set CLI flags.
func Load(fs *pflag.FlagSet, flags *Flags) (Config, error) {
	cfg := Defaults()

	configPath := envOr("BGUTIL_CONFIG", "")
	if flags.ConfigPath != nil && *flags.ConfigPath != "" {
		configPath = *flags.ConfigPath
	}
	if configPath != "" {
		fileCfg, err := loadFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", configPath, err)
		}
		mergeFile(&cfg, fileCfg)
	}

	applyEnv(&cfg)

	if fs != nil {
		applyFlags(&cfg, fs, flags)
	}

	if cfg.Host == "" {
		cfg.Host = "::"
	}
	if cfg.Port == 0 {
		cfg.Port = 4416
	}

	return cfg, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// mergeFile overlays non-zero fields from file onto cfg.
func mergeFile(cfg *Config, file Config) {
	if file.Host != "" {
		cfg.Host = file.Host
	}
	if file.Port != 0 {
		cfg.Port = file.Port
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.Verbose {
		cfg.Verbose = file.Verbose
	}
	if file.TokenTTL != 0 {
		cfg.TokenTTL = file.TokenTTL
	}
	if file.MaxCacheEntries != 0 {
		cfg.MaxCacheEntries = file.MaxCacheEntries
	}
	if file.VMTimeout != 0 {
		cfg.VMTimeout = file.VMTimeout
	}
	if file.RequestTimeout != 0 {
		cfg.RequestTimeout = file.RequestTimeout
	}
	if file.SafetyMargin != 0 {
		cfg.SafetyMargin = file.SafetyMargin
	}
	if file.CacheDir != "" {
		cfg.CacheDir = file.CacheDir
	}
}

// applyEnv overlays the environment variables spec.md §6 recognizes.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RUST_LOG"); v != "" {
		cfg.LogLevel = logger.RustLogLevel(v)
	}
	if v := os.Getenv("TOKEN_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.TokenTTL = time.Duration(secs) * time.Second
		} else if d, err := time.ParseDuration(v); err == nil {
			cfg.TokenTTL = d
		}
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.DefaultProxy = v
	} else if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.DefaultProxy = v
	} else if v := os.Getenv("ALL_PROXY"); v != "" {
		cfg.DefaultProxy = v
	}
	if v := os.Getenv("NO_PROXY"); v != "" {
		cfg.NoProxy = v
	}
}

// applyFlags overlays only flags the caller explicitly set (fs.Changed),
// so an unset flag never clobbers an env/file value.
func applyFlags(cfg *Config, fs *pflag.FlagSet, flags *Flags) {
	if fs.Changed("host") {
		cfg.Host = *flags.Host
	}
	if fs.Changed("port") {
		cfg.Port = *flags.Port
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *flags.LogLevel
	}
	if fs.Changed("verbose") {
		cfg.Verbose = *flags.Verbose
		if cfg.Verbose {
			cfg.LogLevel = "DEBUG"
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
