package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate runs the test in an empty directory so no stray .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadConfig_PollIntervalValidation(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		envVars     map[string]string
		expectError bool
		errorSubstr string
	}{
		{
			name:        "valid poll interval from flag",
			args:        []string{"-poll-interval", "5s"},
			expectError: false,
		},
		{
			name:        "zero poll interval from flag",
			args:        []string{"-poll-interval", "0s"},
			expectError: true,
			errorSubstr: "poll interval must be positive",
		},
		{
			name:        "negative poll interval from env",
			envVars:     map[string]string{"STREAMGUARD_POLL_INTERVAL": "-5s"},
			expectError: true,
			errorSubstr: "poll interval must be positive",
		},
		{
			name:        "valid poll interval from env",
			envVars:     map[string]string{"STREAMGUARD_POLL_INTERVAL": "5s"},
			expectError: false,
		},
		{
			name:        "invalid poll interval format from flag",
			args:        []string{"-poll-interval", "invalid"},
			expectError: true,
			errorSubstr: "invalid poll interval",
		},
		{
			name:        "invalid poll interval format from env",
			envVars:     map[string]string{"STREAMGUARD_POLL_INTERVAL": "invalid"},
			expectError: true,
			errorSubstr: "invalid STREAMGUARD_POLL_INTERVAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := LoadConfig(tt.args)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.errorSubstr)
				} else if !strings.Contains(err.Error(), tt.errorSubstr) {
					t.Errorf("expected error containing %q, got %q", tt.errorSubstr, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				} else if cfg.PollInterval != 5*time.Second {
					t.Errorf("expected poll interval 5s, got %v", cfg.PollInterval)
				}
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := LoadConfig([]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PollInterval != 10*time.Second {
		t.Errorf("expected default poll interval of 10s, got %v", cfg.PollInterval)
	}
	if cfg.Addr != defaultAddr {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.Store.Driver != "sqlite" || !strings.HasPrefix(cfg.Store.Path, dir) {
		t.Errorf("store = %+v; want sqlite under %s", cfg.Store, dir)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "mock" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Store.HolderID == "" {
		t.Error("expected a generated holder id")
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := isolate(t)

	yamlCfg := `
addr: 127.0.0.1:9000
log_level: debug
queue:
  max_concurrent: 4
  max_queue_size: 50
recovery:
  enabled: true
  stale_timeout: 10s
  health_check_interval: 1s
  recovery_attempts: 2
providers:
  - id: openai
    type: openai
    api_key: ${TEST_OPENAI_KEY}
  - id: sim
    type: mock
    limit: 5
`
	if err := os.WriteFile(filepath.Join(dir, "streamguard.yaml"), []byte(yamlCfg), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("STREAMGUARD_MAX_QUEUE_SIZE=75\nTEST_OPENAI_KEY=sk-test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STREAMGUARD_CONFIG", "streamguard.yaml")
	t.Setenv("STREAMGUARD_ADDR", "127.0.0.1:9100")
	t.Cleanup(func() {
		os.Unsetenv("STREAMGUARD_MAX_QUEUE_SIZE")
		os.Unsetenv("TEST_OPENAI_KEY")
	})

	cfg, err := LoadConfig([]string{"-max-concurrent", "8"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr != "127.0.0.1:9100" {
		t.Errorf("env should override yaml addr, got %q", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Queue.MaxConcurrent != 8 {
		t.Errorf("flag should override yaml max_concurrent, got %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Queue.MaxQueueSize != 75 {
		t.Errorf(".env should override yaml max_queue_size, got %d", cfg.Queue.MaxQueueSize)
	}
	if cfg.Queue.QuickAttempts != 3 {
		t.Errorf("unset yaml keys keep defaults, got quick_attempts %d", cfg.Queue.QuickAttempts)
	}
	if cfg.Recovery.StaleTimeout != 10*time.Second || cfg.Recovery.RecoveryAttempts != 2 {
		t.Errorf("recovery = %+v", cfg.Recovery)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[0].APIKey != "sk-test" || cfg.Providers[1].Limit != 5 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		envVars     map[string]string
		errorSubstr string
	}{
		{"unknown store", []string{"-store", "etcd"}, nil, "unsupported store driver"},
		{"redis without addr", []string{"-store", "redis"}, nil, "requires redis_addr"},
		{"postgres without dsn", []string{"-store", "postgres"}, nil, "requires postgres_dsn"},
		{"bad log level", []string{"-log-level", "loud"}, nil, "invalid log level"},
		{"zero concurrency", []string{"-max-concurrent", "0"}, nil, "max_concurrent must be positive"},
		{"bad int env", nil, map[string]string{"STREAMGUARD_MAX_QUEUE_SIZE": "lots"}, "invalid STREAMGUARD_MAX_QUEUE_SIZE"},
		{"tls half set", nil, map[string]string{"STREAMGUARD_TLS_CERT": "cert.pem"}, "must be set together"},
		{"missing config file", []string{"-config", "nope.yaml"}, nil, "read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.errorSubstr) {
				t.Errorf("expected error containing %q, got %v", tt.errorSubstr, err)
			}
		})
	}
}

func TestLoadConfig_OpenAIRequiresKey(t *testing.T) {
	dir := isolate(t)
	t.Setenv("OPENAI_API_KEY", "")
	yamlCfg := "providers:\n  - id: openai\n    type: openai\n"
	path := filepath.Join(dir, "c.yaml")
	if err := os.WriteFile(path, []byte(yamlCfg), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadConfig([]string{"-config", path})
	if err == nil || !strings.Contains(err.Error(), "requires api_key") {
		t.Fatalf("expected api key error, got %v", err)
	}

	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := LoadConfig([]string{"-config", path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers[0].APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.Providers[0].APIKey)
	}
}
