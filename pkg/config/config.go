// Package config loads and validates the daemon and observer configuration
// from YAML, with environment overrides and an optional hot-reload watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultListenAddr     = "127.0.0.1:4600"
	DefaultHTTPAddr       = "127.0.0.1:4601"
	DefaultRequestTimeout = 10 * time.Second
	DefaultCollectWait    = 25 * time.Second
	DefaultCollectTimeout = 30 * time.Second
	DefaultDebounce       = 500 * time.Millisecond
	DefaultCollectorPoll  = 3 * time.Second
	DefaultObserverPoll   = 500 * time.Millisecond
	DefaultMaxActivities  = 100
)

// Config is the complete vigil configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Transport TransportConfig `yaml:"transport"`
	Observer  ObserverConfig  `yaml:"observer"`
	Collector CollectorConfig `yaml:"collector"`
	Timeline  TimelineConfig  `yaml:"timeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the host daemon's listeners.
type ServerConfig struct {
	// ListenAddr is the TCP address for the stream transport.
	ListenAddr string `yaml:"listen_addr"`

	// HTTPAddr serves the WebSocket upgrade, the polling fallback routes,
	// the query API, and /metrics.
	HTTPAddr string `yaml:"http_addr"`
}

// BusConfig selects the event bus backend.
type BusConfig struct {
	// Backend is "memory" or "nats".
	Backend string `yaml:"backend"`

	// URL is the NATS server URL. Ignored for the memory backend.
	URL string `yaml:"url"`
}

// TransportConfig tunes the frame channel.
type TransportConfig struct {
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max"`
}

// ObserverConfig tunes the observer side.
type ObserverConfig struct {
	// ID identifies the observer to the host.
	ID string `yaml:"id"`

	// ProcessName is reported in tab events.
	ProcessName string `yaml:"process_name"`

	// Debounce is the settle window after a page change.
	Debounce time.Duration `yaml:"debounce"`

	// CollectWait bounds how long a collect is held waiting for a change.
	// It must stay under collector.collect_timeout.
	CollectWait time.Duration `yaml:"collect_wait"`

	// PollInterval is the HTTP polling cadence when the fallback transport
	// is in use.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// CollectorConfig tunes the host-side collection loop.
type CollectorConfig struct {
	// PollInterval is the cadence of collect cycles while focused.
	PollInterval time.Duration `yaml:"poll_interval"`

	// CollectTimeout bounds each held COLLECT round trip.
	CollectTimeout time.Duration `yaml:"collect_timeout"`
}

// TimelineConfig tunes activity storage.
type TimelineConfig struct {
	// MaxActivities caps stored activities; the oldest closed ones are
	// evicted past the cap.
	MaxActivities int `yaml:"max_activities"`

	// MaxAge prunes closed activities older than this. Zero disables
	// age-based pruning.
	MaxAge time.Duration `yaml:"max_age"`
}

// LoggingConfig configures the JSONL event logger.
type LoggingConfig struct {
	// Dir is the base directory for run logs. Empty disables file logging.
	Dir string `yaml:"dir"`

	// Level is the minimum level written: debug, info, warn, error.
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			HTTPAddr:   DefaultHTTPAddr,
		},
		Bus: BusConfig{
			Backend: "memory",
			URL:     "nats://localhost:4222",
		},
		Transport: TransportConfig{
			RequestTimeout:      DefaultRequestTimeout,
			ReconnectBackoff:    250 * time.Millisecond,
			ReconnectBackoffMax: 30 * time.Second,
		},
		Observer: ObserverConfig{
			ProcessName:  "browser",
			Debounce:     DefaultDebounce,
			CollectWait:  DefaultCollectWait,
			PollInterval: DefaultObserverPoll,
		},
		Collector: CollectorConfig{
			PollInterval:   DefaultCollectorPoll,
			CollectTimeout: DefaultCollectTimeout,
		},
		Timeline: TimelineConfig{
			MaxActivities: DefaultMaxActivities,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// built-in defaults, then ~/.vigil/config.yaml, then ./.vigil/config.yaml,
// then environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userPath := filepath.Join(home, ".vigil", "config.yaml")
		if err := loadAndMerge(cfg, userPath); err != nil && !os.IsNotExist(err) {
			return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeConfigLoad, "loading user config")
		}
	}

	projectPath := filepath.Join(".", ".vigil", "config.yaml")
	if err := loadAndMerge(cfg, projectPath); err != nil && !os.IsNotExist(err) {
		return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeConfigLoad, "loading project config")
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeConfigLoad, "loading config").
			WithContext("path", path)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAndMerge reads a YAML file over cfg. Fields absent from the file keep
// their current values.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return vigilerrors.Wrap(err, vigilerrors.ErrCodeConfigParse, "parsing yaml").
			WithContext("path", path)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIGIL_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("VIGIL_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("VIGIL_BUS_BACKEND"); v != "" {
		cfg.Bus.Backend = v
	}
	if v := os.Getenv("VIGIL_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("VIGIL_OBSERVER_ID"); v != "" {
		cfg.Observer.ID = v
	}
	if v := os.Getenv("VIGIL_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" && c.Server.HTTPAddr == "" {
		return vigilerrors.New(vigilerrors.ErrCodeConfigInvalid, "server needs at least one of listen_addr, http_addr")
	}

	switch c.Bus.Backend {
	case "memory", "nats":
	default:
		return vigilerrors.New(vigilerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid bus backend: %s (valid: memory, nats)", c.Bus.Backend))
	}
	if c.Bus.Backend == "nats" && c.Bus.URL == "" {
		return vigilerrors.New(vigilerrors.ErrCodeConfigInvalid, "bus.url required for the nats backend")
	}

	for name, d := range map[string]time.Duration{
		"transport.request_timeout": c.Transport.RequestTimeout,
		"observer.debounce":         c.Observer.Debounce,
		"observer.collect_wait":     c.Observer.CollectWait,
		"observer.poll_interval":    c.Observer.PollInterval,
		"collector.poll_interval":   c.Collector.PollInterval,
		"collector.collect_timeout": c.Collector.CollectTimeout,
	} {
		if d <= 0 {
			return vigilerrors.New(vigilerrors.ErrCodeConfigInvalid, name+" must be > 0")
		}
	}

	// A held collect must come back as a response, not a host-side timeout.
	if c.Observer.CollectWait >= c.Collector.CollectTimeout {
		return vigilerrors.New(vigilerrors.ErrCodeConfigInvalid,
			"observer.collect_wait must be below collector.collect_timeout")
	}

	if c.Timeline.MaxActivities <= 0 {
		return vigilerrors.New(vigilerrors.ErrCodeConfigInvalid, "timeline.max_activities must be > 0")
	}
	if c.Timeline.MaxAge < 0 {
		return vigilerrors.New(vigilerrors.ErrCodeConfigInvalid, "timeline.max_age must be >= 0")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return vigilerrors.New(vigilerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level))
	}

	return nil
}
