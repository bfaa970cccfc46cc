package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"

	"reportflow/internal/scheduler"
)

type Config struct {
	Addr  string `yaml:"addr" validate:"required"`
	Debug bool   `yaml:"debug"`

	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Cron      CronConfig      `yaml:"cron"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Triggers  TriggersConfig  `yaml:"triggers"`
	Redis     RedisConfig     `yaml:"redis"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Mail      MailConfig      `yaml:"mail"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

type DatabaseConfig struct {
	Path        string   `yaml:"path" validate:"required"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	// File, when set, also writes JSON logs to a rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `yaml:"compress"`
}

// CronConfig controls the HTTP trigger endpoints.
type CronConfig struct {
	// Secret, when set, must be sent as a bearer token.
	Secret     string   `yaml:"secret"`
	BatchLimit int      `yaml:"batch_limit" validate:"min=1,max=1000"`
	LockTTL    Duration `yaml:"lock_ttl"`
}

type QueueConfig struct {
	TaskTimeout Duration `yaml:"task_timeout"`
	// StaleAfter returns claims older than this to pending. Zero derives it
	// from the task timeout.
	StaleAfter Duration `yaml:"stale_after"`
}

type SchedulerConfig struct {
	TaskTimeout Duration `yaml:"task_timeout"`
}

// TriggersConfig runs the two trigger jobs in-process on cron specs.
type TriggersConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ScheduledTasks string `yaml:"scheduled_tasks" validate:"required_if=Enabled true,omitempty,cronspec"`
	TaskQueue      string `yaml:"task_queue" validate:"required_if=Enabled true,omitempty,cronspec"`
	Timezone       string `yaml:"timezone" validate:"omitempty,timezone"`
}

type RedisConfig struct {
	// URL selects the Redis run lock; empty uses an in-process lock.
	URL        string `yaml:"url" validate:"omitempty,url"`
	LockPrefix string `yaml:"lock_prefix"`
}

type SMTPConfig struct {
	// Host empty logs messages instead of sending them.
	Host       string  `yaml:"host"`
	Port       int     `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username   string  `yaml:"username"`
	Password   string  `yaml:"password"`
	From       string  `yaml:"from" validate:"required_with=Host,omitempty,email"`
	RatePerSec float64 `yaml:"rate_per_sec" validate:"gte=0"`
}

type MailConfig struct {
	SubjectTemplate string `yaml:"subject_template"`
	BodyTemplate    string `yaml:"body_template"`
}

type ArtifactsConfig struct {
	Dir string `yaml:"dir" validate:"required"`
}

type WebhookConfig struct {
	RetryMax int `yaml:"retry_max" validate:"gte=0,lte=10"`
}

func Default() Config {
	return Config{
		Addr:      ":8080",
		Database:  DatabaseConfig{Path: "reportflow.db", BusyTimeout: Duration(5 * time.Second)},
		Logging:   LoggingConfig{Level: "info", Format: "console", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Cron:      CronConfig{BatchLimit: 10, LockTTL: Duration(10 * time.Minute)},
		Queue:     QueueConfig{TaskTimeout: Duration(5 * time.Minute)},
		Scheduler: SchedulerConfig{TaskTimeout: Duration(5 * time.Minute)},
		Triggers:  TriggersConfig{ScheduledTasks: "*/5 * * * *", TaskQueue: "* * * * *"},
		SMTP:      SMTPConfig{Port: 587, RatePerSec: 2},
		Artifacts: ArtifactsConfig{Dir: "artifacts"},
		Webhook:   WebhookConfig{RetryMax: 3},
	}
}

// LoadDotenv loads variables from path into the environment without
// overriding ones already set. A missing file is not an error.
func LoadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and REPORTFLOW_* environment variables, in that order,
// then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		return scheduler.ValidateCronExpression(fl.Field().String()) == nil
	}); err != nil {
		panic(err)
	}
	return v
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// A claim younger than one full run or one handler call may still be
	// live; recovering it would run the task twice.
	if stale := c.Queue.StaleAfter.D(); stale > 0 {
		if stale <= c.Cron.LockTTL.D() {
			return fmt.Errorf("invalid config: queue.stale_after (%s) must exceed cron.lock_ttl (%s)", stale, c.Cron.LockTTL.D())
		}
		if stale <= c.Queue.TaskTimeout.D() {
			return fmt.Errorf("invalid config: queue.stale_after (%s) must exceed queue.task_timeout (%s)", stale, c.Queue.TaskTimeout.D())
		}
	}
	return nil
}

// Location is the time zone the in-process triggers fire in.
func (c Config) Location() *time.Location {
	if c.Triggers.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Triggers.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := map[string]*string{
		"REPORTFLOW_ADDR":               &cfg.Addr,
		"REPORTFLOW_DB_PATH":            &cfg.Database.Path,
		"REPORTFLOW_LOG_LEVEL":          &cfg.Logging.Level,
		"REPORTFLOW_LOG_FORMAT":         &cfg.Logging.Format,
		"REPORTFLOW_LOG_FILE":           &cfg.Logging.File,
		"REPORTFLOW_CRON_SECRET":        &cfg.Cron.Secret,
		"REPORTFLOW_REDIS_URL":          &cfg.Redis.URL,
		"REPORTFLOW_SMTP_HOST":          &cfg.SMTP.Host,
		"REPORTFLOW_SMTP_USERNAME":      &cfg.SMTP.Username,
		"REPORTFLOW_SMTP_PASSWORD":      &cfg.SMTP.Password,
		"REPORTFLOW_SMTP_FROM":          &cfg.SMTP.From,
		"REPORTFLOW_ARTIFACTS_DIR":      &cfg.Artifacts.Dir,
		"REPORTFLOW_TRIGGERS_TZ":        &cfg.Triggers.Timezone,
		"REPORTFLOW_TRIGGERS_QUEUE":     &cfg.Triggers.TaskQueue,
		"REPORTFLOW_TRIGGERS_SCHEDULED": &cfg.Triggers.ScheduledTasks,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	if v, ok := lookup("REPORTFLOW_SMTP_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REPORTFLOW_SMTP_PORT: %w", err)
		}
		cfg.SMTP.Port = n
	}
	for name, dst := range map[string]*bool{
		"REPORTFLOW_DEBUG":            &cfg.Debug,
		"REPORTFLOW_TRIGGERS_ENABLED": &cfg.Triggers.Enabled,
	} {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = b
		}
	}
	return nil
}
