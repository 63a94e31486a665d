package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
		CORSOrigins     []string      `yaml:"cors_origins"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres | sqlite
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		Path     string `yaml:"path"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Storage struct {
		Backend string `yaml:"backend"` // minio | filesystem
		Dir     string `yaml:"dir"`
	} `yaml:"storage"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	Keyring struct {
		Backends        []string `yaml:"backends"`
		ServiceName     string   `yaml:"service_name"`
		FileDir         string   `yaml:"file_dir"`
		PasswordEnv     string   `yaml:"password_env"`
		MasterKeyID     string   `yaml:"master_key_id"`
		CreateIfMissing bool     `yaml:"create_if_missing"`
	} `yaml:"keyring"`

	Vault struct {
		ChunkSize       int  `yaml:"chunk_size"`
		PreAuthenticate bool `yaml:"pre_authenticate"`
	} `yaml:"vault"`

	Scheduler struct {
		Workers           int           `yaml:"workers"`
		MaxAttempts       int           `yaml:"max_attempts"`
		BaseDelay         time.Duration `yaml:"base_delay"`
		MaxDelay          time.Duration `yaml:"max_delay"`
		Lease             time.Duration `yaml:"lease"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		TaskTimeout       time.Duration `yaml:"task_timeout"`
		CancelGrace       time.Duration `yaml:"cancel_grace"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		ReapInterval      time.Duration `yaml:"reap_interval"`
		AutoAnalyze       bool          `yaml:"auto_analyze"`
	} `yaml:"scheduler"`

	Integrity struct {
		SweepInterval time.Duration `yaml:"sweep_interval"` // 0 disables the sweep
		SweepBatch    int           `yaml:"sweep_batch"`
	} `yaml:"integrity"`

	Plugins struct {
		Disabled     []string `yaml:"disabled"`
		MaxReadBytes int64    `yaml:"max_read_bytes"`
		Docker       struct {
			Binary  string `yaml:"binary"`
			TempDir string `yaml:"temp_dir"`
			Memory  string `yaml:"memory"`
			CPUs    string `yaml:"cpus"`
		} `yaml:"docker"`
		// Tools are external analyzers run in containers, one plugin each.
		Tools []ToolConfig `yaml:"tools"`
	} `yaml:"plugins"`

	OpenAI struct {
		APIKey       string `yaml:"api_key"`
		Model        string `yaml:"model"`
		BaseURL      string `yaml:"base_url"`
		ExcerptBytes int    `yaml:"excerpt_bytes"`
	} `yaml:"openai"`

	Auth struct {
		// APIKeys maps actor name to its key. Empty means every request
		// is accepted as actor "anonymous".
		APIKeys map[string]string `yaml:"api_keys"`
	} `yaml:"auth"`

	RateLimit struct {
		Capacity        int     `yaml:"capacity"`
		RefillPerSecond float64 `yaml:"refill_per_second"`
	} `yaml:"ratelimit"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json | text
	} `yaml:"log"`
}

type ToolConfig struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description"`
	Image        string   `yaml:"image"`
	Args         []string `yaml:"args"`
	Extensions   []string `yaml:"extensions"`
	ContentTypes []string `yaml:"content_types"`
	OKExitCodes  []int    `yaml:"ok_exit_codes"`
	JSONOutput   bool     `yaml:"json_output"`
}

// Load baca file config.yaml, lalu env override dan default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.Defaults()
	return &cfg, nil
}

// FromArgs resolves the config path from --config, CONFIG_PATH or
// config.yaml, loads it and applies command line overrides.
func FromArgs(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("custodia", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "path to config.yaml (env CONFIG_PATH)")
	port := fs.IntP("port", "p", 0, "HTTP port")
	driver := fs.String("db-driver", "", "database driver: mysql, postgres or sqlite")
	workers := fs.Int("workers", 0, "analysis worker count")
	level := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	p := *path
	if p == "" {
		p = os.Getenv("CONFIG_PATH")
	}
	if p == "" {
		p = "config.yaml"
	}
	cfg, err := Load(p)
	if err != nil {
		return nil, err
	}

	if fs.Changed("port") {
		cfg.Server.Port = *port
	}
	if fs.Changed("db-driver") {
		cfg.Database.Driver = *driver
	}
	if fs.Changed("workers") {
		cfg.Scheduler.Workers = *workers
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *level
	}
	return cfg, cfg.Validate()
}

// secrets boleh dari env supaya tidak masuk file
func (c *Config) applyEnv() {
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.Minio.SecretKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
}

// Defaults fills every zero value.
func (c *Config) Defaults() {
	s := &c.Server
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 15 * time.Minute
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 15 * time.Minute
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 60 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = 10 << 30
	}
	if len(s.CORSOrigins) == 0 {
		s.CORSOrigins = []string{"*"}
	}

	d := &c.Database
	if d.Driver == "" {
		d.Driver = "sqlite"
	}
	if d.Port == 0 {
		switch d.Driver {
		case "mysql":
			d.Port = 3306
		case "postgres":
			d.Port = 5432
		}
	}
	if d.Path == "" {
		d.Path = "custodia.db"
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "filesystem"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "data/blobs"
	}
	if c.Minio.BucketName == "" {
		c.Minio.BucketName = "evidence"
	}

	k := &c.Keyring
	if k.ServiceName == "" {
		k.ServiceName = "custodia"
	}
	if k.MasterKeyID == "" {
		k.MasterKeyID = "master-v1"
	}
	if k.PasswordEnv == "" {
		k.PasswordEnv = "CUSTODIA_KEYRING_PASSWORD"
	}
	if k.FileDir == "" {
		k.FileDir = "data/keyring"
	}

	sc := &c.Scheduler
	if sc.Workers == 0 {
		sc.Workers = 4
	}
	if sc.MaxAttempts == 0 {
		sc.MaxAttempts = 3
	}
	if sc.BaseDelay == 0 {
		sc.BaseDelay = 30 * time.Second
	}
	if sc.MaxDelay == 0 {
		sc.MaxDelay = 10 * time.Minute
	}
	if sc.Lease == 0 {
		sc.Lease = time.Minute
	}
	if sc.HeartbeatInterval == 0 {
		sc.HeartbeatInterval = sc.Lease / 3
	}
	if sc.TaskTimeout == 0 {
		sc.TaskTimeout = 10 * time.Minute
	}
	if sc.CancelGrace == 0 {
		sc.CancelGrace = 10 * time.Second
	}
	if sc.PollInterval == 0 {
		sc.PollInterval = 2 * time.Second
	}
	if sc.ReapInterval == 0 {
		sc.ReapInterval = sc.Lease
	}

	if c.Integrity.SweepBatch == 0 {
		c.Integrity.SweepBatch = 100
	}
	if c.Plugins.MaxReadBytes == 0 {
		c.Plugins.MaxReadBytes = 64 << 20
	}
	if c.OpenAI.ExcerptBytes == 0 {
		c.OpenAI.ExcerptBytes = 8 << 10
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 60
	}
	if c.RateLimit.RefillPerSecond == 0 {
		c.RateLimit.RefillPerSecond = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

var toolName = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			errs = append(errs, fmt.Errorf("database: %s needs host and name", c.Database.Driver))
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database: unknown driver %q", c.Database.Driver))
	}
	switch c.Storage.Backend {
	case "minio":
		if c.Minio.Endpoint == "" {
			errs = append(errs, errors.New("minio: endpoint is required"))
		}
	case "filesystem":
	default:
		errs = append(errs, fmt.Errorf("storage: unknown backend %q", c.Storage.Backend))
	}
	if c.Scheduler.Workers < 0 || c.Scheduler.MaxAttempts < 1 {
		errs = append(errs, errors.New("scheduler: workers must be >= 0 and max_attempts >= 1"))
	}
	if c.Scheduler.HeartbeatInterval >= c.Scheduler.Lease {
		errs = append(errs, errors.New("scheduler: heartbeat_interval must be shorter than lease"))
	}
	seen := map[string]string{}
	for actor, key := range c.Auth.APIKeys {
		if len(key) < 16 {
			errs = append(errs, fmt.Errorf("auth: key for %q shorter than 16 characters", actor))
		}
		if other, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("auth: %q and %q share a key", actor, other))
		}
		seen[key] = actor
	}
	tools := map[string]bool{}
	for i, t := range c.Plugins.Tools {
		if !toolName.MatchString(t.Name) {
			errs = append(errs, fmt.Errorf("plugins.tools[%d]: invalid name %q", i, t.Name))
		}
		if t.Image == "" {
			errs = append(errs, fmt.Errorf("plugins.tools[%d]: image is required", i))
		}
		if tools[t.Name] {
			errs = append(errs, fmt.Errorf("plugins.tools[%d]: duplicate name %q", i, t.Name))
		}
		tools[t.Name] = true
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     "/" + c.Database.Name,
		RawQuery: url.Values{"sslmode": {c.Database.SSLMode}}.Encode(),
	}
	return u.String()
}
