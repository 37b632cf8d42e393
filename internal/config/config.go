// Package config handles configuration loading for dfir-detect.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"dfir-detect/internal/alerting"
	"dfir-detect/internal/correlation"
	"dfir-detect/internal/detection"
	"dfir-detect/internal/ingest"
	"dfir-detect/internal/kafka"
	"dfir-detect/internal/scheduler"
	"dfir-detect/internal/schema"
	"dfir-detect/internal/secrets"
	"dfir-detect/internal/storage"
	"dfir-detect/internal/storage/s3"
)

// DefaultPath is read when DFIR_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Detection DetectionConfig `yaml:"detection"`
	Rules     RulesConfig     `yaml:"rules"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Kafka     kafka.Config    `yaml:"kafka"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Secrets   secrets.Config  `yaml:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// SanitizeErrors strips paths, addresses and credentials from errors
	// returned by the API and passed to the matcher error hook.
	SanitizeErrors bool `yaml:"sanitize_errors"`
}

// IngestConfig holds HTTP ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int                    `yaml:"max_batch_size" validate:"min=1"`
	MaxPayloadSize int64                  `yaml:"max_payload_size" validate:"min=1024"`
	Auth           ingest.AuthConfig      `yaml:"auth"`
	RateLimit      ingest.RateLimitConfig `yaml:"rate_limit"`
	Headers        ingest.HeadersConfig   `yaml:"headers"`
}

// DetectionConfig holds processor and scheduler settings.
type DetectionConfig struct {
	MaxRetention       time.Duration `yaml:"max_retention" validate:"required"`
	Grace              time.Duration `yaml:"grace" validate:"min=0"`
	MaxEventsPerTenant int           `yaml:"max_events_per_tenant" validate:"min=0"`
	RefreshInterval    time.Duration `yaml:"refresh_interval" validate:"min=0"`
	EvictInterval      time.Duration `yaml:"evict_interval" validate:"min=0"`
	Chaining           bool          `yaml:"chaining"`

	Workers          int           `yaml:"workers" validate:"min=0"`
	QueueDepth       int           `yaml:"queue_depth" validate:"min=1"`
	EvalTimeout      time.Duration `yaml:"eval_timeout" validate:"min=0"`
	TickInterval     time.Duration `yaml:"tick_interval" validate:"min=0"`
	MaxFailures      int           `yaml:"max_failures" validate:"min=1"`
	SuppressCooldown time.Duration `yaml:"suppress_cooldown" validate:"min=0"`

	// MaxEventAge rejects events older than this. Zero accepts any age.
	MaxEventAge time.Duration `yaml:"max_event_age" validate:"min=0"`
	MaxFuture   time.Duration `yaml:"max_future" validate:"min=0"`

	// Defaults are keyed by pattern type.
	Defaults map[string]correlation.Defaults `yaml:"defaults"`
}

// RulesConfig selects where rule documents come from. Enabled sources are
// merged.
type RulesConfig struct {
	// Dir holds <tenant>/*.yaml rule documents.
	Dir string `yaml:"dir"`
	// BuiltinTenants receive the builtin rule set.
	BuiltinTenants []string      `yaml:"builtin_tenants" validate:"dive,required"`
	S3             S3RulesConfig `yaml:"s3"`
}

// S3RulesConfig configures the S3 rule source.
type S3RulesConfig struct {
	Enabled   bool `yaml:"enabled"`
	s3.Config `yaml:",inline"`
}

// AlertingConfig holds alert generation and delivery settings.
type AlertingConfig struct {
	Dedup        DedupConfig                     `yaml:"dedup"`
	RulePolicies map[string]alerting.DedupPolicy `yaml:"rule_policies"`
	Delivery     alerting.DeliveryConfig         `yaml:"delivery"`
	Redis        alerting.RedisConfig            `yaml:"redis"`
	Webhooks     []WebhookConfig                 `yaml:"webhooks" validate:"dive"`
	LogSink      bool                            `yaml:"log_sink"`
}

// DedupConfig selects the dedup store and the default dedup policy.
type DedupConfig struct {
	// Store is "memory" or "redis".
	Store    string        `yaml:"store" validate:"oneof=memory redis"`
	Capacity int           `yaml:"capacity" validate:"min=1"`
	Fields   []string      `yaml:"fields"`
	Bucket   time.Duration `yaml:"bucket" validate:"min=0"`
}

// WebhookConfig configures one webhook sink.
type WebhookConfig struct {
	Name    string            `yaml:"name" validate:"required"`
	URL     string            `yaml:"url" validate:"required,url"`
	Secret  string            `yaml:"secret"`
	Headers map[string]string `yaml:"headers"`
}

// StorageConfig holds ClickHouse sink settings.
type StorageConfig struct {
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	// Migrate applies embedded migrations at startup.
	Migrate bool `yaml:"migrate"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	proc := detection.DefaultConfig()
	sched := scheduler.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			SanitizeErrors:  true,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024,
			Auth: ingest.AuthConfig{
				APIKeyHeader: "X-API-Key",
			},
			RateLimit: ingest.DefaultRateLimitConfig(),
			Headers:   ingest.DefaultHeadersConfig(),
		},
		Detection: DetectionConfig{
			MaxRetention:       proc.MaxRetention,
			Grace:              proc.Grace,
			MaxEventsPerTenant: proc.MaxEventsPerTenant,
			RefreshInterval:    proc.RefreshInterval,
			EvictInterval:      proc.EvictInterval,
			Chaining:           proc.Chaining,
			Workers:            0,
			QueueDepth:         sched.QueueDepth,
			EvalTimeout:        sched.EvalTimeout,
			TickInterval:       sched.TickInterval,
			MaxFailures:        sched.MaxFailures,
			SuppressCooldown:   sched.SuppressCooldown,
			MaxFuture:          5 * time.Minute,
			Defaults: map[string]correlation.Defaults{
				string(correlation.PatternSequence):     {Window: 10 * time.Minute},
				string(correlation.PatternTemporalJoin): {Window: 5 * time.Minute},
				string(correlation.PatternAggregation):  {Window: 5 * time.Minute, Threshold: 10},
				string(correlation.PatternSpike):        {Window: time.Minute, Threshold: 3},
			},
		},
		Rules: RulesConfig{
			Dir: "rules",
			S3:  S3RulesConfig{Config: *s3.DefaultConfig()},
		},
		Alerting: AlertingConfig{
			Dedup: DedupConfig{
				Store:    "memory",
				Capacity: 100000,
			},
			Delivery: alerting.DefaultDeliveryConfig(),
			Redis:    alerting.DefaultRedisConfig(),
			LogSink:  true,
		},
		Kafka: kafka.DefaultConfig(),
		Storage: StorageConfig{
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Migrate:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Secrets: secrets.DefaultConfig(),
	}
}

// Load reads the file at DFIR_CONFIG_PATH (or DefaultPath) over the
// defaults, then applies DFIR_* environment overrides and validates. A
// missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("DFIR_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.resolveSecrets(context.Background()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies DFIR_* environment variables.
func (c *Config) applyEnvOverrides() error {
	var errs []error
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	setInt("DFIR_HTTP_PORT", &c.Server.HTTPPort)
	setString("DFIR_LOG_LEVEL", &c.Logging.Level)
	setString("DFIR_LOG_FORMAT", &c.Logging.Format)
	setBool("DFIR_SANITIZE_ERRORS", &c.Server.SanitizeErrors)

	if key := os.Getenv("DFIR_API_KEY"); key != "" {
		c.Ingest.Auth.APIKeys = append(c.Ingest.Auth.APIKeys, key)
		c.Ingest.Auth.Enabled = true
	}
	setBool("DFIR_RATELIMIT_ENABLED", &c.Ingest.RateLimit.Enabled)
	setInt("DFIR_RATELIMIT_REQUESTS", &c.Ingest.RateLimit.RequestsPerKey)
	setInt("DFIR_RATELIMIT_BURST", &c.Ingest.RateLimit.BurstSize)

	setInt("DFIR_WORKERS", &c.Detection.Workers)
	setInt("DFIR_QUEUE_DEPTH", &c.Detection.QueueDepth)
	setString("DFIR_RULES_DIR", &c.Rules.Dir)
	if tenants := os.Getenv("DFIR_BUILTIN_TENANTS"); tenants != "" {
		c.Rules.BuiltinTenants = splitAndTrim(tenants)
	}
	setBool("DFIR_RULES_S3_ENABLED", &c.Rules.S3.Enabled)
	setString("DFIR_RULES_S3_BUCKET", &c.Rules.S3.Bucket)

	setString("DFIR_DEDUP_STORE", &c.Alerting.Dedup.Store)
	setString("DFIR_REDIS_ADDR", &c.Alerting.Redis.Addr)
	setString("DFIR_REDIS_PASSWORD", &c.Alerting.Redis.Password)

	setBool("DFIR_KAFKA_ENABLED", &c.Kafka.Enabled)
	if brokers := os.Getenv("DFIR_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers)
	}

	setBool("DFIR_CLICKHOUSE_ENABLED", &c.Storage.ClickHouse.Enabled)
	if host := os.Getenv("DFIR_CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	setString("DFIR_CLICKHOUSE_DATABASE", &c.Storage.ClickHouse.Database)
	setString("DFIR_CLICKHOUSE_USER", &c.Storage.ClickHouse.Username)
	setString("DFIR_CLICKHOUSE_PASSWORD", &c.Storage.ClickHouse.Password)

	return errors.Join(errs...)
}

// resolveSecrets replaces env:, file: and vault: references in credential
// fields with their values.
func (c *Config) resolveSecrets(ctx context.Context) error {
	m, err := secrets.NewManager(c.Secrets, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets: %w", err)
	}

	targets := []*string{
		&c.Alerting.Redis.Password,
		&c.Kafka.SASLPassword,
		&c.Storage.ClickHouse.Password,
		&c.Rules.S3.SecretAccessKey,
	}
	for i := range c.Ingest.Auth.APIKeys {
		targets = append(targets, &c.Ingest.Auth.APIKeys[i])
	}
	for i := range c.Alerting.Webhooks {
		targets = append(targets, &c.Alerting.Webhooks[i].Secret)
	}
	if err := m.ResolveAll(ctx, targets...); err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}
	return nil
}

func splitAndTrim(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the cross-field rules between
// sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Detection.Grace >= c.Detection.MaxRetention {
		return fmt.Errorf("detection.grace (%s) must be shorter than detection.max_retention (%s)",
			c.Detection.Grace, c.Detection.MaxRetention)
	}
	for name, d := range c.Detection.Defaults {
		if !knownPattern(name) {
			return fmt.Errorf("detection.defaults: unknown pattern type %q", name)
		}
		if d.Window < 0 || d.Window > c.Detection.MaxRetention {
			return fmt.Errorf("detection.defaults.%s.window %s exceeds detection.max_retention", name, d.Window)
		}
	}
	if c.Alerting.Dedup.Store == "redis" && c.Alerting.Redis.Addr == "" {
		return errors.New("alerting.redis.addr is required for the redis dedup store")
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}
	if c.Rules.S3.Enabled {
		if err := c.Rules.S3.Validate(); err != nil {
			return fmt.Errorf("rules.s3: %w", err)
		}
	}
	if c.Rules.Dir == "" && len(c.Rules.BuiltinTenants) == 0 && !c.Rules.S3.Enabled {
		return errors.New("rules: no rule source configured")
	}
	return nil
}

func knownPattern(name string) bool {
	for _, p := range correlation.PatternTypes {
		if string(p) == name {
			return true
		}
	}
	return false
}

// ProcessorConfig converts the detection section into processor settings.
func (c *Config) ProcessorConfig() detection.Config {
	d := c.Detection
	cfg := detection.DefaultConfig()
	cfg.MaxRetention = d.MaxRetention
	cfg.Grace = d.Grace
	cfg.MaxEventsPerTenant = d.MaxEventsPerTenant
	cfg.RefreshInterval = d.RefreshInterval
	cfg.EvictInterval = d.EvictInterval
	cfg.Chaining = d.Chaining
	cfg.Validator = schema.ValidatorConfig{MaxAge: d.MaxEventAge, MaxFuture: d.MaxFuture}

	cfg.Scheduler.QueueDepth = d.QueueDepth
	cfg.Scheduler.EvalTimeout = d.EvalTimeout
	cfg.Scheduler.TickInterval = d.TickInterval
	cfg.Scheduler.MaxFailures = d.MaxFailures
	cfg.Scheduler.SuppressCooldown = d.SuppressCooldown
	if d.Workers > 0 {
		cfg.Scheduler.Workers = d.Workers
	}

	if len(d.Defaults) > 0 {
		cfg.Defaults = make(map[correlation.PatternType]correlation.Defaults, len(d.Defaults))
		for name, def := range d.Defaults {
			cfg.Defaults[correlation.PatternType(name)] = def
		}
	}
	return cfg
}

// GeneratorConfig returns the dedup policies for the alert generator.
func (c *Config) GeneratorConfig() alerting.GeneratorConfig {
	return alerting.GeneratorConfig{
		Policy:       alerting.DedupPolicy{Fields: c.Alerting.Dedup.Fields, Bucket: c.Alerting.Dedup.Bucket},
		RulePolicies: c.Alerting.RulePolicies,
	}
}

// MiddlewareConfig returns the HTTP middleware settings.
func (c *Config) MiddlewareConfig() ingest.MiddlewareConfig {
	return ingest.MiddlewareConfig{
		Auth:      c.Ingest.Auth,
		RateLimit: c.Ingest.RateLimit,
		Headers:   c.Ingest.Headers,
	}
}
