package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"optionsflow/config"
	"optionsflow/internal/model"
	"optionsflow/logger"
)

// KafkaReplay durably records every published trade to a Kafka topic,
// partitioned by contract symbol, so a downstream consumer can replay the
// flow:all event stream independent of which WebSocket subscribers were
// connected at the time. Directly grounded on the teacher's
// writer/kafka_writer.go KafkaWriter.
type KafkaReplay struct {
	writer *kafka.Writer
	log    *logger.Entry
}

// NewKafkaReplay builds a KafkaReplay from cfg. Returns an error if Kafka
// broadcast is disabled or misconfigured.
func NewKafkaReplay(cfg config.KafkaConfig) (*KafkaReplay, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("kafka broadcast is disabled")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	return &KafkaReplay{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.Hash{},
		},
		log: logger.GetLogger().WithComponent("broadcast_kafka"),
	}, nil
}

// Write marshals trade to JSON and writes it to the replay topic, keyed by
// contract symbol so a single partition preserves per-contract ordering.
func (k *KafkaReplay) Write(trade model.ClassifiedTrade) {
	data, err := json.Marshal(trade)
	if err != nil {
		k.log.WithError(err).Warn("failed to marshal trade for kafka replay")
		return
	}

	msg := kafka.Message{
		Key:   []byte(trade.ContractSymbol),
		Value: data,
	}
	if err := k.writer.WriteMessages(context.Background(), msg); err != nil {
		k.log.WithError(err).Warn("failed to write trade to kafka replay topic")
	}
}

// Close releases the underlying Kafka writer.
func (k *KafkaReplay) Close() error {
	return k.writer.Close()
}
