package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ligustah/vaultfetch/internal/progress"
)

// Config defines configuration for the vaultfetch CLI.
type Config struct {
	Manifest        string         `yaml:"manifest"`
	OldManifest     string         `yaml:"old_manifest"`
	BaseURL         string         `yaml:"base_url"`
	InstallDir      string         `yaml:"install_dir"`
	CacheDir        string         `yaml:"cache_dir"`
	StatePath       string         `yaml:"state_path"`
	Workers         int            `yaml:"workers"`
	MaxSharedMemory int64          `yaml:"max_shared_memory"`
	ShmDir          string         `yaml:"shm_dir"`
	Progress        bool           `yaml:"progress"`
	Force           bool           `yaml:"force"`
	LogLevel        string         `yaml:"log_level"`
	LogFormat       string         `yaml:"log_format"`
	MetricsAddr     string         `yaml:"metrics_addr"`
	Download        DownloadConfig `yaml:"download"`
	Install         InstallConfig  `yaml:"install"`
}

// DownloadConfig defines chunk download behavior.
type DownloadConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BackoffUnit    time.Duration `yaml:"backoff_unit"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	UserAgent      string        `yaml:"user_agent"`
}

// InstallConfig defines orchestration behavior.
type InstallConfig struct {
	// ChunkAttempts is how many times a chunk is requeued after its
	// worker exhausted its retries.
	ChunkAttempts int      `yaml:"chunk_attempts"`
	InstallTags   []string `yaml:"install_tags"`
}

// DefaultWorkers returns min(2*NumCPU, 16).
func DefaultWorkers() int {
	return min(2*runtime.NumCPU(), 16)
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Workers:         DefaultWorkers(),
		MaxSharedMemory: 1 << 30, // 1GiB
		LogLevel:        "info",
		LogFormat:       "console",
		Download: DownloadConfig{
			MaxRetries:     7,
			ConnectTimeout: 7 * time.Second,
			ReadTimeout:    7 * time.Second,
			PollInterval:   7 * time.Second,
			BackoffUnit:    time.Second,
		},
		Install: InstallConfig{
			ChunkAttempts: 3,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Manifest        string             `yaml:"manifest"`
	OldManifest     string             `yaml:"old_manifest"`
	BaseURL         string             `yaml:"base_url"`
	InstallDir      string             `yaml:"install_dir"`
	CacheDir        string             `yaml:"cache_dir"`
	StatePath       string             `yaml:"state_path"`
	Workers         int                `yaml:"workers"`
	MaxSharedMemory string             `yaml:"max_shared_memory"`
	ShmDir          string             `yaml:"shm_dir"`
	Progress        bool               `yaml:"progress"`
	Force           bool               `yaml:"force"`
	LogLevel        string             `yaml:"log_level"`
	LogFormat       string             `yaml:"log_format"`
	MetricsAddr     string             `yaml:"metrics_addr"`
	Download        yamlDownloadConfig `yaml:"download"`
	Install         InstallConfig      `yaml:"install"`
}

type yamlDownloadConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	ConnectTimeout string `yaml:"connect_timeout"`
	ReadTimeout    string `yaml:"read_timeout"`
	PollInterval   string `yaml:"poll_interval"`
	BackoffUnit    string `yaml:"backoff_unit"`
	MaxBackoff     string `yaml:"max_backoff"`
	UserAgent      string `yaml:"user_agent"`
}

func parseDuration(field, v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = d
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	file := Config{
		Manifest:    yc.Manifest,
		OldManifest: yc.OldManifest,
		BaseURL:     yc.BaseURL,
		InstallDir:  yc.InstallDir,
		CacheDir:    yc.CacheDir,
		StatePath:   yc.StatePath,
		Workers:     yc.Workers,
		ShmDir:      yc.ShmDir,
		Progress:    yc.Progress,
		Force:       yc.Force,
		LogLevel:    yc.LogLevel,
		LogFormat:   yc.LogFormat,
		MetricsAddr: yc.MetricsAddr,
		Download: DownloadConfig{
			MaxRetries: yc.Download.MaxRetries,
			UserAgent:  yc.Download.UserAgent,
		},
		Install: yc.Install,
	}
	if yc.MaxSharedMemory != "" {
		size, err := progress.ParseBytes(yc.MaxSharedMemory)
		if err != nil {
			return Config{}, fmt.Errorf("parse max_shared_memory: %w", err)
		}
		file.MaxSharedMemory = size
	}
	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"download.connect_timeout", yc.Download.ConnectTimeout, &file.Download.ConnectTimeout},
		{"download.read_timeout", yc.Download.ReadTimeout, &file.Download.ReadTimeout},
		{"download.poll_interval", yc.Download.PollInterval, &file.Download.PollInterval},
		{"download.backoff_unit", yc.Download.BackoffUnit, &file.Download.BackoffUnit},
		{"download.max_backoff", yc.Download.MaxBackoff, &file.Download.MaxBackoff},
	}
	for _, d := range durations {
		if err := parseDuration(d.field, d.value, d.dst); err != nil {
			return Config{}, err
		}
	}

	return Default().Merge(file), nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the VAULTFETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"VAULTFETCH_MANIFEST", &c.Manifest},
		{"VAULTFETCH_OLD_MANIFEST", &c.OldManifest},
		{"VAULTFETCH_BASE_URL", &c.BaseURL},
		{"VAULTFETCH_INSTALL_DIR", &c.InstallDir},
		{"VAULTFETCH_CACHE_DIR", &c.CacheDir},
		{"VAULTFETCH_STATE_PATH", &c.StatePath},
		{"VAULTFETCH_SHM_DIR", &c.ShmDir},
		{"VAULTFETCH_LOG_LEVEL", &c.LogLevel},
		{"VAULTFETCH_LOG_FORMAT", &c.LogFormat},
		{"VAULTFETCH_METRICS_ADDR", &c.MetricsAddr},
		{"VAULTFETCH_USER_AGENT", &c.Download.UserAgent},
	}
	for _, s := range strs {
		if v := os.Getenv(s.name); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"VAULTFETCH_WORKERS", &c.Workers},
		{"VAULTFETCH_MAX_RETRIES", &c.Download.MaxRetries},
		{"VAULTFETCH_CHUNK_ATTEMPTS", &c.Install.ChunkAttempts},
	}
	for _, i := range ints {
		if v := os.Getenv(i.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", i.name, err)
			}
			*i.dst = n
		}
	}

	if v := os.Getenv("VAULTFETCH_MAX_SHARED_MEMORY"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse VAULTFETCH_MAX_SHARED_MEMORY: %w", err)
		}
		c.MaxSharedMemory = size
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"VAULTFETCH_CONNECT_TIMEOUT", &c.Download.ConnectTimeout},
		{"VAULTFETCH_READ_TIMEOUT", &c.Download.ReadTimeout},
		{"VAULTFETCH_POLL_INTERVAL", &c.Download.PollInterval},
		{"VAULTFETCH_BACKOFF_UNIT", &c.Download.BackoffUnit},
		{"VAULTFETCH_MAX_BACKOFF", &c.Download.MaxBackoff},
	}
	for _, d := range durations {
		if err := parseDuration(d.name, os.Getenv(d.name), d.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("VAULTFETCH_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("VAULTFETCH_FORCE"); v != "" {
		c.Force = v == "true" || v == "1"
	}
	if v := os.Getenv("VAULTFETCH_INSTALL_TAGS"); v != "" {
		c.Install.InstallTags = splitList(v)
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration for an install.
func (c *Config) Validate() error {
	if c.Manifest == "" {
		return errors.New("config: manifest is required")
	}
	if c.InstallDir == "" {
		return errors.New("config: install_dir is required")
	}
	if c.BaseURL == "" {
		return errors.New("config: base_url is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.MaxSharedMemory <= 0 {
		return errors.New("config: max_shared_memory must be positive")
	}
	if c.Download.MaxRetries <= 0 {
		return errors.New("config: download.max_retries must be positive")
	}
	if c.Download.ConnectTimeout <= 0 || c.Download.ReadTimeout <= 0 {
		return errors.New("config: download timeouts must be positive")
	}
	if c.Download.PollInterval <= 0 {
		return errors.New("config: download.poll_interval must be positive")
	}
	if c.Download.BackoffUnit <= 0 {
		return errors.New("config: download.backoff_unit must be positive")
	}
	if c.Install.ChunkAttempts <= 0 {
		return errors.New("config: install.chunk_attempts must be positive")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	str(&c.Manifest, override.Manifest)
	str(&c.OldManifest, override.OldManifest)
	str(&c.BaseURL, override.BaseURL)
	str(&c.InstallDir, override.InstallDir)
	str(&c.CacheDir, override.CacheDir)
	str(&c.StatePath, override.StatePath)
	str(&c.ShmDir, override.ShmDir)
	str(&c.LogLevel, override.LogLevel)
	str(&c.LogFormat, override.LogFormat)
	str(&c.MetricsAddr, override.MetricsAddr)
	str(&c.Download.UserAgent, override.Download.UserAgent)

	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.MaxSharedMemory != 0 {
		c.MaxSharedMemory = override.MaxSharedMemory
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Force {
		c.Force = override.Force
	}
	if override.Download.MaxRetries != 0 {
		c.Download.MaxRetries = override.Download.MaxRetries
	}
	if override.Download.ConnectTimeout != 0 {
		c.Download.ConnectTimeout = override.Download.ConnectTimeout
	}
	if override.Download.ReadTimeout != 0 {
		c.Download.ReadTimeout = override.Download.ReadTimeout
	}
	if override.Download.PollInterval != 0 {
		c.Download.PollInterval = override.Download.PollInterval
	}
	if override.Download.BackoffUnit != 0 {
		c.Download.BackoffUnit = override.Download.BackoffUnit
	}
	if override.Download.MaxBackoff != 0 {
		c.Download.MaxBackoff = override.Download.MaxBackoff
	}
	if override.Install.ChunkAttempts != 0 {
		c.Install.ChunkAttempts = override.Install.ChunkAttempts
	}
	if len(override.Install.InstallTags) > 0 {
		c.Install.InstallTags = append([]string(nil), override.Install.InstallTags...)
	}
	return c
}
