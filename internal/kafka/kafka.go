// Package kafka connects the detection engine to Kafka: normalized events are
// consumed from an events topic and alerts are produced to an alerts topic
// keyed by their dedup key.
package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Config holds Kafka connection and client configuration.
type Config struct {
	Brokers []string `yaml:"brokers" validate:"required_if=Enabled true"`
	Enabled bool     `yaml:"enabled"`

	// EventsTopic carries normalized events into the engine.
	EventsTopic string `yaml:"events_topic"`
	// AlertsTopic receives created and merged alerts.
	AlertsTopic   string `yaml:"alerts_topic"`
	ConsumerGroup string `yaml:"consumer_group"`
	// Consumers is the number of readers in the consumer group.
	Consumers int `yaml:"consumers"`

	Partitions        int   `yaml:"partitions"`
	ReplicationFactor int   `yaml:"replication_factor"`
	RetentionMs       int64 `yaml:"retention_ms"`
	MaxMessageBytes   int   `yaml:"max_message_bytes"`

	// Compression is one of none, gzip, snappy, lz4, zstd.
	Compression string `yaml:"compression"`

	// SecurityProtocol is one of PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string `yaml:"sasl_username,omitempty"`
	SASLPassword     string `yaml:"sasl_password,omitempty"`

	TLSCertFile   string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `yaml:"tls_key_file,omitempty"`
	TLSCAFile     string `yaml:"tls_ca_file,omitempty"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify,omitempty"`

	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	RequiredAcks int           `yaml:"required_acks"` // -1=all, 0=none, 1=leader

	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	StartOffset    int64         `yaml:"start_offset"` // -1=latest, -2=earliest
	HandleTimeout  time.Duration `yaml:"handle_timeout"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the default Kafka configuration. Kafka is disabled
// unless Enabled is set.
func DefaultConfig() Config {
	return Config{
		Brokers:           []string{"localhost:9092"},
		EventsTopic:       "dfir-events",
		AlertsTopic:       "dfir-alerts",
		ConsumerGroup:     "dfir-detect",
		Consumers:         1,
		Partitions:        12,
		ReplicationFactor: 3,
		RetentionMs:       int64(7 * 24 * time.Hour / time.Millisecond),
		MaxMessageBytes:   1 << 20,
		Compression:       "lz4",
		SecurityProtocol:  "PLAINTEXT",
		BatchSize:         100,
		BatchTimeout:      10 * time.Millisecond,
		MaxRetries:        3,
		RetryBackoff:      100 * time.Millisecond,
		RequiredAcks:      -1,
		MinBytes:          1,
		MaxBytes:          10 << 20,
		MaxWait:           500 * time.Millisecond,
		CommitInterval:    time.Second,
		StartOffset:       kafka.LastOffset,
		HandleTimeout:     30 * time.Second,
		DialTimeout:       10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

var (
	securityProtocols = []string{"PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL"}
	saslMechanisms    = []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"}
)

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.EventsTopic == "" && c.AlertsTopic == "" {
		return errors.New("kafka: an events or alerts topic is required")
	}
	if c.Partitions < 1 {
		return errors.New("kafka: partitions must be at least 1")
	}
	if c.ReplicationFactor < 1 {
		return errors.New("kafka: replication factor must be at least 1")
	}
	if !slices.Contains(securityProtocols, c.SecurityProtocol) {
		return fmt.Errorf("kafka: invalid security protocol: %s", c.SecurityProtocol)
	}
	if c.usesSASL() {
		if !slices.Contains(saslMechanisms, c.SASLMechanism) {
			return fmt.Errorf("kafka: invalid SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("kafka: SASL username and password are required")
		}
	}
	return nil
}

func (c *Config) usesSASL() bool {
	return c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL"
}

func (c *Config) usesTLS() bool {
	return c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL"
}

// CompressionCodec returns the kafka-go codec for the configured compression.
func (c *Config) CompressionCodec() kafka.Compression {
	switch c.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// Dialer returns a kafka.Dialer with TLS and SASL applied.
func (c *Config) Dialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.usesTLS() {
		tlsConfig, err := c.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: configure TLS: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	if c.usesSASL() {
		mechanism, err := c.saslMechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("kafka TLS certificate verification is disabled")
	}

	cfg := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("parse CA certificate")
		}
		cfg.RootCAs = pool
	}

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func (c *Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}

func kafkaLogger(logger *slog.Logger, component string, level slog.Level) kafka.LoggerFunc {
	return func(msg string, args ...interface{}) {
		logger.Log(context.Background(), level, fmt.Sprintf(msg, args...), "component", component)
	}
}

// HealthStatus describes connectivity of a Kafka client.
type HealthStatus struct {
	Healthy     bool          `json:"healthy"`
	LastCheck   time.Time     `json:"last_check"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
	BrokerCount int           `json:"broker_count"`
}

// checkBrokers dials the first broker and lists the cluster.
func checkBrokers(ctx context.Context, cfg *Config) HealthStatus {
	status := HealthStatus{LastCheck: time.Now()}
	start := time.Now()

	dialer, err := cfg.Dialer()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		status.Error = fmt.Sprintf("connect: %v", err)
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = fmt.Sprintf("list brokers: %v", err)
		return status
	}

	status.Latency = time.Since(start)
	status.Healthy = true
	status.BrokerCount = len(brokers)
	return status
}
