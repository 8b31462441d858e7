// Package events publishes terminal ingestion outcomes to Kafka so that
// downstream consumers can react to finished uploads.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/retailingest/internal/domain"

	kafka "github.com/segmentio/kafka-go"
)

const eventVersion = "v1"

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the outcome publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	BatchTimeout time.Duration
}

// OutcomeEvent is the payload written for every terminal ingestion record.
type OutcomeEvent struct {
	EventVersion string                 `json:"eventVersion"`
	UploadID     string                 `json:"uploadId"`
	TenantID     string                 `json:"tenantId"`
	FileName     string                 `json:"fileName"`
	Status       domain.IngestionStatus `json:"status"`
	Stats        *domain.IngestionStats `json:"stats,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	CompletedAt  time.Time              `json:"completedAt"`
}

// KafkaNotifier writes OutcomeEvents keyed by tenant, so one tenant's
// outcomes stay ordered within a partition.
type KafkaNotifier struct {
	writer kafkaWriter
	topic  string
}

func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	brokers := normalizeBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka notifier requires topic")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           batchTimeout,
	}
	if cfg.ClientID != "" {
		writer.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}
	return &KafkaNotifier{writer: writer, topic: topic}, nil
}

// NotifyOutcome publishes record. Non-terminal records are ignored.
func (n *KafkaNotifier) NotifyOutcome(ctx context.Context, record domain.IngestionRecord) error {
	if !record.Status.IsTerminal() {
		return nil
	}
	event := OutcomeEvent{
		EventVersion: eventVersion,
		UploadID:     record.ID.String(),
		TenantID:     record.TenantID.String(),
		FileName:     record.FileName,
		Status:       record.Status,
		Stats:        record.Stats,
		CompletedAt:  record.UpdatedAt.UTC(),
	}
	if record.CompletedAt != nil {
		event.CompletedAt = record.CompletedAt.UTC()
	}
	if record.ErrorMessage != nil {
		event.ErrorMessage = *record.ErrorMessage
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling outcome event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.TenantID),
		Value: payload,
		Time:  event.CompletedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("ingestion_" + string(record.Status))},
			{Key: "event_version", Value: []byte(eventVersion)},
			{Key: "tenant_id", Value: []byte(event.TenantID)},
			{Key: "upload_id", Value: []byte(event.UploadID)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing outcome event to topic %q: %w", n.topic, err)
	}
	return nil
}

// Close releases writer resources.
func (n *KafkaNotifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}

func normalizeBrokers(brokers []string) []string {
	out := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}
