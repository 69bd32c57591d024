// Package config loads nudge's settings from defaults, an optional YAML
// file and NUDGE_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Log          LogConfig          `yaml:"log"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	WebPush      WebPushConfig      `yaml:"webpush"`
	FCM          FCMConfig          `yaml:"fcm"`
	Email        EmailConfig        `yaml:"email"`
	Backup       BackupConfig       `yaml:"backup"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RatePerMinute   int           `yaml:"rate_per_minute"`
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DispatchConfig bounds outbound sends. A zero RatePerSecond disables the
// limiter.
type DispatchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	RateBurst     int           `yaml:"rate_burst"`
}

type WebPushConfig struct {
	PublicKey  string        `yaml:"vapid_public_key"`
	PrivateKey string        `yaml:"vapid_private_key"`
	Subscriber string        `yaml:"subscriber"`
	TTL        time.Duration `yaml:"ttl"`
}

func (c WebPushConfig) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

type FCMConfig struct {
	ServiceAccountFile string `yaml:"service_account_file"`
}

func (c FCMConfig) Enabled() bool {
	return c.ServiceAccountFile != ""
}

type EmailConfig struct {
	PostmarkToken string `yaml:"postmark_token"`
	From          string `yaml:"from"`
	BaseURL       string `yaml:"base_url"`
}

func (c EmailConfig) Enabled() bool {
	return c.PostmarkToken != "" && c.From != ""
}

type BackupConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Prefix        string `yaml:"prefix"`
	Passphrase    string `yaml:"passphrase"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
}

func (c BackupConfig) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

type HousekeepingConfig struct {
	DeliveryRetention time.Duration `yaml:"delivery_retention"`
	PruneSchedule     string        `yaml:"prune_schedule"`
	LimiterIdle       time.Duration `yaml:"limiter_idle"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RatePerMinute:   60,
			RateBurst:       10,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Path: "nudge.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Dispatch: DispatchConfig{
			Timeout:   10 * time.Second,
			RateBurst: 1,
		},
		WebPush: WebPushConfig{
			Subscriber: "noreply@nudge.local",
			TTL:        24 * time.Hour,
		},
		Email: EmailConfig{BaseURL: "http://localhost:8080"},
		Backup: BackupConfig{
			Region:        "us-east-1",
			Prefix:        "nudge",
			Schedule:      "0 3 * * *",
			RetentionDays: 30,
		},
		Housekeeping: HousekeepingConfig{
			DeliveryRetention: 30 * 24 * time.Hour,
			PruneSchedule:     "@hourly",
			LimiterIdle:       10 * time.Minute,
		},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func decode(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected second document")
	}
	return nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envVars = []envVar{
	{"NUDGE_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"NUDGE_ALLOWED_ORIGINS", func(c *Config, v string) error {
		c.Server.AllowedOrigins = splitList(v)
		return nil
	}},
	{"NUDGE_RATE_PER_MINUTE", integer(func(c *Config) *int { return &c.Server.RatePerMinute })},
	{"NUDGE_RATE_BURST", integer(func(c *Config) *int { return &c.Server.RateBurst })},
	{"NUDGE_SHUTDOWN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},
	{"NUDGE_DB_PATH", str(func(c *Config) *string { return &c.Database.Path })},
	{"NUDGE_LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"NUDGE_LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"NUDGE_DISPATCH_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Dispatch.Timeout })},
	{"NUDGE_DISPATCH_RATE", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.Dispatch.RatePerSecond = f
		return nil
	}},
	{"NUDGE_DISPATCH_BURST", integer(func(c *Config) *int { return &c.Dispatch.RateBurst })},
	{"NUDGE_VAPID_PUBLIC_KEY", str(func(c *Config) *string { return &c.WebPush.PublicKey })},
	{"NUDGE_VAPID_PRIVATE_KEY", str(func(c *Config) *string { return &c.WebPush.PrivateKey })},
	{"NUDGE_VAPID_SUBSCRIBER", str(func(c *Config) *string { return &c.WebPush.Subscriber })},
	{"NUDGE_FCM_SERVICE_ACCOUNT", str(func(c *Config) *string { return &c.FCM.ServiceAccountFile })},
	{"NUDGE_POSTMARK_TOKEN", str(func(c *Config) *string { return &c.Email.PostmarkToken })},
	{"NUDGE_EMAIL_FROM", str(func(c *Config) *string { return &c.Email.From })},
	{"NUDGE_BASE_URL", str(func(c *Config) *string { return &c.Email.BaseURL })},
	{"NUDGE_S3_ENDPOINT", str(func(c *Config) *string { return &c.Backup.Endpoint })},
	{"NUDGE_S3_BUCKET", str(func(c *Config) *string { return &c.Backup.Bucket })},
	{"NUDGE_S3_REGION", str(func(c *Config) *string { return &c.Backup.Region })},
	{"NUDGE_S3_ACCESS_KEY", str(func(c *Config) *string { return &c.Backup.AccessKey })},
	{"NUDGE_S3_SECRET_KEY", str(func(c *Config) *string { return &c.Backup.SecretKey })},
	{"NUDGE_BACKUP_PASSPHRASE", str(func(c *Config) *string { return &c.Backup.Passphrase })},
	{"NUDGE_BACKUP_SCHEDULE", str(func(c *Config) *string { return &c.Backup.Schedule })},
	{"NUDGE_BACKUP_RETENTION_DAYS", integer(func(c *Config) *int { return &c.Backup.RetentionDays })},
	{"NUDGE_DELIVERY_RETENTION", duration(func(c *Config) *time.Duration { return &c.Housekeeping.DeliveryRetention })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok {
			continue
		}
		if err := ev.set(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: invalid value %q: %w", ev.name, v, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("server.addr is required")
	case c.Server.RatePerMinute < 0 || c.Server.RateBurst < 0:
		return fmt.Errorf("server rate limit must be >= 0")
	case c.Database.Path == "":
		return fmt.Errorf("database.path is required")
	case c.Dispatch.Timeout <= 0:
		return fmt.Errorf("dispatch.timeout must be > 0")
	case c.Dispatch.RatePerSecond < 0:
		return fmt.Errorf("dispatch.rate_per_second must be >= 0")
	case c.Dispatch.RatePerSecond > 0 && c.Dispatch.RateBurst < 1:
		return fmt.Errorf("dispatch.rate_burst must be >= 1 when rate limiting")
	case (c.WebPush.PublicKey == "") != (c.WebPush.PrivateKey == ""):
		return fmt.Errorf("webpush needs both vapid_public_key and vapid_private_key")
	case c.Backup.RetentionDays < 0:
		return fmt.Errorf("backup.retention_days must be >= 0")
	case c.Housekeeping.DeliveryRetention < 0:
		return fmt.Errorf("housekeeping.delivery_retention must be >= 0")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Backup.Bucket != "" && c.Backup.Passphrase == "" {
		return fmt.Errorf("backup.passphrase is required when backup.bucket is set")
	}
	return nil
}
