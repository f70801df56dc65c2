// Package config loads service configuration from the environment, optionally
// layered over a YAML file named by COOP_CONFIG_FILE.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"coopledger/internal/notify"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Services      ServicesConfig      `yaml:"services"`
	Observability ObservabilityConfig `yaml:"observability"`
	Membership    MembershipConfig    `yaml:"membership"`
	Plans         PlansConfig         `yaml:"plans"`
	Notify        NotifyConfig        `yaml:"notify"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
}

// ServerConfig holds the listen ports of every binary.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	GatewayPort     string        `yaml:"gateway_port"`
	MembershipPort  string        `yaml:"membership_port"`
	BillingPort     string        `yaml:"billing_port"`
	SchedulerPort   string        `yaml:"scheduler_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
	Migrate      bool          `yaml:"migrate"`
}

type RedisConfig struct {
	// URL may be empty; approvals are then only collapsed per process.
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ServicesConfig locates the peer services.
type ServicesConfig struct {
	MembershipURL   string `yaml:"membership_url"`
	BillingURL      string `yaml:"billing_url"`
	NotificationURL string `yaml:"notification_url"`
}

type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	ServiceVersion string `yaml:"service_version"`
}

type MembershipConfig struct {
	NumberPrefix         string        `yaml:"number_prefix"`
	DefaultEnrollmentFee string        `yaml:"default_enrollment_fee"`
	EnrollmentFeeDueDays int           `yaml:"enrollment_fee_due_days"`
	CredentialLength     int           `yaml:"credential_length"`
	MaxNumberAttempts    int           `yaml:"max_number_attempts"`
	LockTTL              time.Duration `yaml:"lock_ttl"`
	ApprovalsPerSecond   float64       `yaml:"approvals_per_second"`
	ApprovalBurst        int           `yaml:"approval_burst"`
	LoginsPerMinute      float64       `yaml:"logins_per_minute"`
	LoginBurst           int           `yaml:"login_burst"`
}

// EnrollmentFee parses DefaultEnrollmentFee.
func (m MembershipConfig) EnrollmentFee() (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(m.DefaultEnrollmentFee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid default enrollment fee %q: %w", m.DefaultEnrollmentFee, err)
	}
	return fee, nil
}

type PlansConfig struct {
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type NotifyConfig struct {
	Workers     int                `yaml:"workers"`
	QueueSize   int                `yaml:"queue_size"`
	SendTimeout time.Duration      `yaml:"send_timeout"`
	Retry       notify.RetryConfig `yaml:"retry"`
}

type SchedulerConfig struct {
	ReminderSchedule  string  `yaml:"reminder_schedule"`
	AuditSchedule     string  `yaml:"audit_schedule"`
	MaxOverduePercent float64 `yaml:"max_overdue_percent"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			GatewayPort:     "8080",
			MembershipPort:  "8083",
			BillingPort:     "8082",
			SchedulerPort:   "8084",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{KeyPrefix: "coopledger:"},
		Services: ServicesConfig{
			MembershipURL: "http://localhost:8083",
			BillingURL:    "http://localhost:8082",
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
			OTLPInsecure:   true,
			ServiceVersion: "dev",
		},
		Membership: MembershipConfig{
			NumberPrefix:         "COOP",
			DefaultEnrollmentFee: "500.00",
			EnrollmentFeeDueDays: 30,
			CredentialLength:     10,
			MaxNumberAttempts:    3,
			LockTTL:              30 * time.Second,
			ApprovalsPerSecond:   1,
			ApprovalBurst:        10,
			LoginsPerMinute:      5,
			LoginBurst:           5,
		},
		Plans: PlansConfig{CacheSize: 128, CacheTTL: 5 * time.Minute},
		Notify: NotifyConfig{
			Workers:     4,
			QueueSize:   1024,
			SendTimeout: 10 * time.Second,
			Retry:       notify.DefaultRetryConfig(),
		},
		Scheduler: SchedulerConfig{
			ReminderSchedule:  "0 9 * * *",
			AuditSchedule:     "*/30 * * * *",
			MaxOverduePercent: 30,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// COOP_CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("COOP_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("COOP_HOST", s.Host)
	s.GatewayPort = getEnv("COOP_GATEWAY_PORT", s.GatewayPort)
	s.MembershipPort = getEnv("COOP_MEMBERSHIP_PORT", s.MembershipPort)
	s.BillingPort = getEnv("COOP_BILLING_PORT", s.BillingPort)
	s.SchedulerPort = getEnv("COOP_SCHEDULER_PORT", s.SchedulerPort)
	s.ReadTimeout = getEnvDuration("COOP_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("COOP_WRITE_TIMEOUT", s.WriteTimeout)
	s.ShutdownTimeout = getEnvDuration("COOP_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	d := &c.Database
	d.URL = getEnv("DATABASE_URL", d.URL)
	d.MaxOpenConns = getEnvInt("COOP_DB_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("COOP_DB_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.Migrate = getEnvBool("COOP_DB_MIGRATE", d.Migrate)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)

	svc := &c.Services
	svc.MembershipURL = getEnv("MEMBERSHIP_SERVICE_URL", svc.MembershipURL)
	svc.BillingURL = getEnv("BILLING_SERVICE_URL", svc.BillingURL)
	svc.NotificationURL = getEnv("NOTIFICATION_SERVICE_URL", svc.NotificationURL)

	o := &c.Observability
	o.LogLevel = getEnv("COOP_LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("COOP_LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("COOP_METRICS_ENABLED", o.MetricsEnabled)
	o.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", o.OTLPEndpoint)
	o.OTLPInsecure = getEnvBool("COOP_OTLP_INSECURE", o.OTLPInsecure)

	m := &c.Membership
	m.NumberPrefix = getEnv("COOP_NUMBER_PREFIX", m.NumberPrefix)
	m.DefaultEnrollmentFee = getEnv("COOP_DEFAULT_ENROLLMENT_FEE", m.DefaultEnrollmentFee)
	m.EnrollmentFeeDueDays = getEnvInt("COOP_ENROLLMENT_FEE_DUE_DAYS", m.EnrollmentFeeDueDays)
	m.CredentialLength = getEnvInt("COOP_CREDENTIAL_LENGTH", m.CredentialLength)
	m.ApprovalsPerSecond = getEnvFloat("COOP_APPROVALS_PER_SECOND", m.ApprovalsPerSecond)

	c.Scheduler.ReminderSchedule = getEnv("COOP_REMINDER_SCHEDULE", c.Scheduler.ReminderSchedule)
	c.Scheduler.AuditSchedule = getEnv("COOP_AUDIT_SCHEDULE", c.Scheduler.AuditSchedule)
}

// Validate checks the configuration for values no service can run with.
func (c *Config) Validate() error {
	for name, port := range map[string]string{
		"gateway":    c.Server.GatewayPort,
		"membership": c.Server.MembershipPort,
		"billing":    c.Server.BillingPort,
		"scheduler":  c.Server.SchedulerPort,
	} {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("invalid %s port %q", name, port)
		}
	}

	switch strings.ToLower(c.Observability.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q (must be json or text)", c.Observability.LogFormat)
	}

	m := c.Membership
	if strings.TrimSpace(m.NumberPrefix) == "" {
		return fmt.Errorf("membership number prefix is required")
	}
	fee, err := m.EnrollmentFee()
	if err != nil {
		return err
	}
	if fee.IsNegative() {
		return fmt.Errorf("default enrollment fee must not be negative")
	}
	if m.EnrollmentFeeDueDays < 0 {
		return fmt.Errorf("enrollment fee due days must not be negative")
	}
	if m.CredentialLength < 8 {
		return fmt.Errorf("credential length must be at least 8, got %d", m.CredentialLength)
	}
	if m.ApprovalsPerSecond < 0 || m.LoginsPerMinute < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	if c.Notify.Workers < 1 || c.Notify.QueueSize < 1 {
		return fmt.Errorf("notification workers and queue size must be positive")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, expr := range map[string]string{
		"reminder": c.Scheduler.ReminderSchedule,
		"audit":    c.Scheduler.AuditSchedule,
	} {
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, expr, err)
		}
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
