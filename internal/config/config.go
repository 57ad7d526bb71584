// Package config loads the scheduler's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written in the usual
// "90s" / "5m" notation.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config holds every tunable of the download scheduler. All values have
// working defaults; a config file only needs to name what it changes.
type Config struct {
	// DatabasePath is the SQLite file holding edition hints and fetch
	// commands.
	DatabasePath string `yaml:"database_path"`

	// QueueDir is the directory backing the disk file queue.
	QueueDir string `yaml:"queue_dir"`

	// MinHintCapacity is the minimum source capacity for a hint to be
	// accepted. The legacy downloader accepted capacity 0 if the score was
	// positive; this implementation requires at least 1, explicitly
	// configured instead of toggled by a hidden global.
	MinHintCapacity int `yaml:"min_hint_capacity"`

	// FastPollInterval is how often the fast downloader polls each watched
	// identity for a new edition.
	FastPollInterval Duration `yaml:"fast_poll_interval"`

	// CommandProcessingDelay batches stored fetch commands: commands
	// enqueued within this window are processed together to keep overhead
	// low. Immediate processing can be requested explicitly.
	CommandProcessingDelay Duration `yaml:"command_processing_delay"`

	// SlowRetryDelay is how long the slow downloader idles after draining
	// all pending hints or hitting a fetch failure streak.
	SlowRetryDelay Duration `yaml:"slow_retry_delay"`

	// MaxQueuedFileSize is the well-formedness cap on a single fetched
	// document; larger payloads are dropped at the queue boundary.
	MaxQueuedFileSize int `yaml:"max_queued_file_size"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DatabasePath:           "wotfetch.db",
		QueueDir:               "identity-files",
		MinHintCapacity:        1,
		FastPollInterval:       Duration(5 * time.Minute),
		CommandProcessingDelay: Duration(time.Minute),
		SlowRetryDelay:         Duration(3 * time.Minute),
		MaxQueuedFileSize:      1 << 20, // matches the document format's size bound
	}
}

// Load reads path as YAML over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field for sanity.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.QueueDir == "" {
		return fmt.Errorf("queue_dir must not be empty")
	}
	if c.MinHintCapacity < 1 || c.MinHintCapacity > 100 {
		return fmt.Errorf("min_hint_capacity %d out of range [1, 100]", c.MinHintCapacity)
	}
	if c.FastPollInterval <= 0 {
		return fmt.Errorf("fast_poll_interval must be positive, got %s", c.FastPollInterval)
	}
	if c.CommandProcessingDelay < 0 {
		return fmt.Errorf("command_processing_delay must not be negative, got %s", c.CommandProcessingDelay)
	}
	if c.SlowRetryDelay <= 0 {
		return fmt.Errorf("slow_retry_delay must be positive, got %s", c.SlowRetryDelay)
	}
	if c.MaxQueuedFileSize <= 0 {
		return fmt.Errorf("max_queued_file_size must be positive, got %d", c.MaxQueuedFileSize)
	}
	return nil
}
