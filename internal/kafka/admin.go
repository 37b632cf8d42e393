package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// topicConfigs returns the topics the engine reads and writes. The alerts
// topic is compacted so the latest revision per dedup key survives.
func (c *Config) topicConfigs() []kafka.TopicConfig {
	var topics []kafka.TopicConfig
	entries := func(policy string) []kafka.ConfigEntry {
		e := []kafka.ConfigEntry{
			{ConfigName: "cleanup.policy", ConfigValue: policy},
			{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(c.RetentionMs, 10)},
		}
		if c.MaxMessageBytes > 0 {
			e = append(e, kafka.ConfigEntry{ConfigName: "max.message.bytes", ConfigValue: strconv.Itoa(c.MaxMessageBytes)})
		}
		return e
	}
	if c.EventsTopic != "" {
		topics = append(topics, kafka.TopicConfig{
			Topic:             c.EventsTopic,
			NumPartitions:     c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			ConfigEntries:     entries("delete"),
		})
	}
	if c.AlertsTopic != "" {
		topics = append(topics, kafka.TopicConfig{
			Topic:             c.AlertsTopic,
			NumPartitions:     c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			ConfigEntries:     entries("compact,delete"),
		})
	}
	return topics
}

// EnsureTopics creates the events and alerts topics when they are missing.
func EnsureTopics(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}

	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: read partitions: %w", err)
	}
	existing := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	var missing []kafka.TopicConfig
	for _, t := range cfg.topicConfigs() {
		if !existing[t.Topic] {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}
	ctrl, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: connect to controller: %w", err)
	}
	defer ctrl.Close()

	if err := ctrl.CreateTopics(missing...); err != nil {
		return fmt.Errorf("kafka: create topics: %w", err)
	}
	for _, t := range missing {
		logger.Info("kafka topic created", "topic", t.Topic, "partitions", t.NumPartitions)
	}
	return nil
}
