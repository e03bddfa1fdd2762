package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/trustgate/internal/trust"
)

// Event types carried in the "type" header.
const (
	EventTrustRecord      = "trust_record"
	EventChallengeOutcome = "challenge_outcome"
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit entries to a Kafka topic, keyed by user ID so a
// user's history stays ordered within one partition.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewKafkaWriter builds a writer for brokers and topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaSink wraps w.
func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w, timeout: 5 * time.Second}
}

// WithTimeout bounds each publish.
func (k *KafkaSink) WithTimeout(d time.Duration) *KafkaSink {
	k.timeout = d
	return k
}

func (k *KafkaSink) Append(ctx context.Context, rec *trust.TrustScoreRecord) error {
	return k.publish(ctx, EventTrustRecord, rec.UserID, rec)
}

func (k *KafkaSink) AppendOutcome(ctx context.Context, o *trust.ChallengeOutcome) error {
	return k.publish(ctx, EventChallengeOutcome, o.UserID, o)
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func (k *KafkaSink) publish(ctx context.Context, eventType, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(eventType)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}
