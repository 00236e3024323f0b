package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Workers != DefaultWorkers() || cfg.Workers > 16 || cfg.Workers < 1 {
		t.Errorf("expected default workers min(2*NumCPU, 16), got %d", cfg.Workers)
	}
	if cfg.MaxSharedMemory != 1024*1024*1024 {
		t.Errorf("expected default shared memory 1GiB, got %d", cfg.MaxSharedMemory)
	}
	if cfg.Download.MaxRetries != 7 {
		t.Errorf("expected default max retries 7, got %d", cfg.Download.MaxRetries)
	}
	if cfg.Download.ConnectTimeout != 7*time.Second || cfg.Download.ReadTimeout != 7*time.Second {
		t.Errorf("expected default timeouts 7s/7s, got %v/%v", cfg.Download.ConnectTimeout, cfg.Download.ReadTimeout)
	}
	if cfg.Download.PollInterval != 7*time.Second {
		t.Errorf("expected default poll interval 7s, got %v", cfg.Download.PollInterval)
	}
	if cfg.Download.BackoffUnit != time.Second {
		t.Errorf("expected default backoff unit 1s, got %v", cfg.Download.BackoffUnit)
	}
	if cfg.Install.ChunkAttempts != 3 {
		t.Errorf("expected default chunk attempts 3, got %d", cfg.Install.ChunkAttempts)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
manifest: https://cdn.example.com/app/manifest
base_url: https://cdn.example.com/app
install_dir: /games/app
workers: 12
max_shared_memory: 512MiB
progress: true
log_format: json
download:
  max_retries: 4
  read_timeout: 30s
  backoff_unit: 250ms
install:
  chunk_attempts: 5
  install_tags: [core, hd]
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Workers != 12 {
		t.Errorf("expected workers 12, got %d", cfg.Workers)
	}
	if cfg.MaxSharedMemory != 512*1024*1024 {
		t.Errorf("expected shared memory 512MiB, got %d", cfg.MaxSharedMemory)
	}
	if !cfg.Progress {
		t.Error("expected progress true")
	}
	if cfg.LogFormat != "json" {
		t.Errorf("expected json log format, got %q", cfg.LogFormat)
	}
	if cfg.Download.MaxRetries != 4 {
		t.Errorf("expected max retries 4, got %d", cfg.Download.MaxRetries)
	}
	if cfg.Download.ReadTimeout != 30*time.Second {
		t.Errorf("expected read timeout 30s, got %v", cfg.Download.ReadTimeout)
	}
	if cfg.Download.ConnectTimeout != 7*time.Second {
		t.Errorf("expected default connect timeout kept, got %v", cfg.Download.ConnectTimeout)
	}
	if cfg.Download.BackoffUnit != 250*time.Millisecond {
		t.Errorf("expected backoff unit 250ms, got %v", cfg.Download.BackoffUnit)
	}
	if cfg.Install.ChunkAttempts != 5 {
		t.Errorf("expected chunk attempts 5, got %d", cfg.Install.ChunkAttempts)
	}
	if len(cfg.Install.InstallTags) != 2 || cfg.Install.InstallTags[1] != "hd" {
		t.Errorf("expected install tags [core hd], got %v", cfg.Install.InstallTags)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected loaded config to validate, got %v", err)
	}
}

func TestLoadFromYAMLBadValues(t *testing.T) {
	for name, content := range map[string]string{
		"size":     "max_shared_memory: lots\n",
		"duration": "download:\n  read_timeout: soon\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatalf("write config file: %v", err)
			}
			if _, err := LoadFromFile(path); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VAULTFETCH_WORKERS", "3")
	t.Setenv("VAULTFETCH_MAX_SHARED_MEMORY", "2GiB")
	t.Setenv("VAULTFETCH_PROGRESS", "true")
	t.Setenv("VAULTFETCH_MAX_RETRIES", "9")
	t.Setenv("VAULTFETCH_BACKOFF_UNIT", "500ms")
	t.Setenv("VAULTFETCH_BASE_URL", "mem://chunks")
	t.Setenv("VAULTFETCH_INSTALL_TAGS", "core, ,lang-en")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Workers != 3 {
		t.Errorf("expected workers 3, got %d", cfg.Workers)
	}
	if cfg.MaxSharedMemory != 2*1024*1024*1024 {
		t.Errorf("expected shared memory 2GiB, got %d", cfg.MaxSharedMemory)
	}
	if !cfg.Progress {
		t.Error("expected progress true")
	}
	if cfg.Download.MaxRetries != 9 {
		t.Errorf("expected max retries 9, got %d", cfg.Download.MaxRetries)
	}
	if cfg.Download.BackoffUnit != 500*time.Millisecond {
		t.Errorf("expected backoff unit 500ms, got %v", cfg.Download.BackoffUnit)
	}
	if cfg.BaseURL != "mem://chunks" {
		t.Errorf("expected base url from env, got %q", cfg.BaseURL)
	}
	if len(cfg.Install.InstallTags) != 2 || cfg.Install.InstallTags[0] != "core" || cfg.Install.InstallTags[1] != "lang-en" {
		t.Errorf("expected tags [core lang-en], got %v", cfg.Install.InstallTags)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("VAULTFETCH_WORKERS", "many")
	cfg := Default()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("expected error for non-numeric workers")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Manifest = "manifest.json"
		cfg.InstallDir = "/tmp/app"
		cfg.BaseURL = "https://cdn.example.com"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing manifest", func(c *Config) { c.Manifest = "" }, true},
		{"missing install dir", func(c *Config) { c.InstallDir = "" }, true},
		{"missing base url", func(c *Config) { c.BaseURL = "" }, true},
		{"invalid workers", func(c *Config) { c.Workers = 0 }, true},
		{"invalid shared memory", func(c *Config) { c.MaxSharedMemory = -1 }, true},
		{"invalid retries", func(c *Config) { c.Download.MaxRetries = 0 }, true},
		{"invalid timeout", func(c *Config) { c.Download.ReadTimeout = 0 }, true},
		{"invalid chunk attempts", func(c *Config) { c.Install.ChunkAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	base.Manifest = "a.manifest"
	base.BaseURL = "https://cdn.example.com"
	base.Workers = 16

	override := Config{
		Workers:  32,
		Download: DownloadConfig{ReadTimeout: time.Minute},
	}

	merged := base.Merge(override)

	if merged.Manifest != "a.manifest" {
		t.Errorf("expected Manifest preserved, got %s", merged.Manifest)
	}
	if merged.BaseURL != "https://cdn.example.com" {
		t.Errorf("expected BaseURL preserved, got %s", merged.BaseURL)
	}
	if merged.Download.ConnectTimeout != 7*time.Second {
		t.Errorf("expected ConnectTimeout preserved, got %v", merged.Download.ConnectTimeout)
	}
	if merged.Workers != 32 {
		t.Errorf("expected Workers overridden to 32, got %d", merged.Workers)
	}
	if merged.Download.ReadTimeout != time.Minute {
		t.Errorf("expected ReadTimeout overridden to 1m, got %v", merged.Download.ReadTimeout)
	}
}

func TestLoadYAMLFileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}
