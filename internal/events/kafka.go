package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"
)

type kafkaPublisher struct {
	writer *kafkaGo.Writer
}

// NewKafkaPublisher creates a Kafka publisher. The topic is chosen per message.
func NewKafkaPublisher(brokers []string) Publisher {
	return &kafkaPublisher{
		writer: &kafkaGo.Writer{
			Addr:                   kafkaGo.TCP(brokers...),
			Balancer:               &kafkaGo.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafkaGo.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (k *kafkaPublisher) Publish(ctx context.Context, topic string, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return k.writer.WriteMessages(ctx, kafkaGo.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
}

func (k *kafkaPublisher) Close() error {
	return k.writer.Close()
}
