package reqlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"microplate/gateway/pkg/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher ships log entries to a Kafka topic for archiving.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(addr, topic string, batchSize int) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(addr),
			Topic:                  topic,
			BatchSize:              batchSize,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Append(ctx context.Context, e models.LogEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry %s: %w", e.ID, err)
	}

	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(e.ID), Value: b})
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// CreateTopic makes sure topic exists on broker.
func CreateTopic(ctx context.Context, broker, topic string) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
}
