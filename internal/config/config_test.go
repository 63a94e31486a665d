package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `
server:
  port: 9000
database:
  driver: postgres
  host: db.internal
  user: custodia
  password: from-file
  name: evidence
storage:
  backend: minio
minio:
  endpoint: minio:9000
  bucketName: vault
scheduler:
  workers: 8
  base_delay: 5s
  lease: 90s
auth:
  api_keys:
    alice: alice-key-0123456789
integrity:
  sweep_interval: 1h
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadAppliesDefaultsAndDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 || cfg.Database.Port != 5432 || cfg.Scheduler.Workers != 8 {
		t.Errorf("port=%d dbport=%d workers=%d", cfg.Server.Port, cfg.Database.Port, cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.BaseDelay != 5*time.Second || cfg.Scheduler.Lease != 90*time.Second {
		t.Errorf("durations base=%v lease=%v", cfg.Scheduler.BaseDelay, cfg.Scheduler.Lease)
	}
	if cfg.Scheduler.HeartbeatInterval != 30*time.Second || cfg.Scheduler.MaxAttempts != 3 {
		t.Errorf("heartbeat=%v attempts=%d", cfg.Scheduler.HeartbeatInterval, cfg.Scheduler.MaxAttempts)
	}
	if cfg.Integrity.SweepInterval != time.Hour || cfg.Integrity.SweepBatch != 100 {
		t.Errorf("integrity = %+v", cfg.Integrity)
	}
	if cfg.Log.Format != "json" || cfg.Keyring.MasterKeyID != "master-v1" {
		t.Errorf("log=%q key=%q", cfg.Log.Format, cfg.Keyring.MasterKeyID)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("DB_PASSWORD", "from-env")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Password != "from-env" || cfg.OpenAI.APIKey != "sk-test" {
		t.Errorf("password=%q openai=%q", cfg.Database.Password, cfg.OpenAI.APIKey)
	}
}

func TestFromArgs(t *testing.T) {
	p := writeConfig(t, sample)
	cfg, err := FromArgs([]string{"--config", p, "--port", "7000", "--workers", "1"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7000 || cfg.Scheduler.Workers != 1 {
		t.Errorf("port=%d workers=%d", cfg.Server.Port, cfg.Scheduler.Workers)
	}

	t.Setenv("CONFIG_PATH", p)
	cfg, err = FromArgs(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("CONFIG_PATH not used, port=%d", cfg.Server.Port)
	}

	if _, err := FromArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown driver", "database:\n  driver: oracle\n", "unknown driver"},
		{"mysql needs host", "database:\n  driver: mysql\n", "needs host"},
		{"minio needs endpoint", "storage:\n  backend: minio\n", "endpoint is required"},
		{"short api key", "auth:\n  api_keys:\n    bob: short\n", "shorter than 16"},
		{"shared api key", "auth:\n  api_keys:\n    a: same-key-0123456789\n    b: same-key-0123456789\n", "share a key"},
		{"heartbeat vs lease", "scheduler:\n  lease: 10s\n  heartbeat_interval: 10s\n", "heartbeat_interval"},
		{"tool without image", "plugins:\n  tools:\n    - name: yara\n", "image is required"},
		{"tool bad name", "plugins:\n  tools:\n    - name: Yara Rules\n      image: yara\n", "invalid name"},
		{"duplicate tool", "plugins:\n  tools:\n    - name: yara\n      image: a\n    - name: yara\n      image: b\n", "duplicate name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestToolsSection(t *testing.T) {
	body := `
plugins:
  docker:
    memory: 512m
  tools:
    - name: gitleaks
      image: zricethezav/gitleaks:latest
      args: ["detect", "--no-git", "--source={file}", "--report-path=/dev/stdout"]
      extensions: [".zip", ".txt"]
      ok_exit_codes: [0, 1]
      json_output: true
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	tools := cfg.Plugins.Tools
	if len(tools) != 1 || tools[0].Name != "gitleaks" || len(tools[0].Args) != 4 || !tools[0].JSONOutput {
		t.Fatalf("tools = %+v", tools)
	}
	if cfg.Plugins.Docker.Memory != "512m" || len(tools[0].OKExitCodes) != 2 {
		t.Fatalf("docker = %+v", cfg.Plugins.Docker)
	}
}

func TestDSNs(t *testing.T) {
	var c Config
	c.Database.Driver = "postgres"
	c.Database.Host = "db"
	c.Database.User = "u"
	c.Database.Password = "p@ss"
	c.Database.Name = "ev"
	c.Defaults()
	if got, want := c.PostgresDSN(), "postgres://u:p%40ss@db:5432/ev?sslmode=disable"; got != want {
		t.Errorf("PostgresDSN = %q, want %q", got, want)
	}
	c.Database.Port = 3306
	if got, want := c.MySQLDSN(), "u:p@ss@tcp(db:3306)/ev?parseTime=true&charset=utf8mb4&loc=UTC"; got != want {
		t.Errorf("MySQLDSN = %q, want %q", got, want)
	}
}
