package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// KafkaConfig selects the topic and consumer group to read.
type KafkaConfig struct {
	Bootstrap string
	Topic     string
	GroupID   string
	// StartingOffsets is "earliest" or "latest" and applies only when the
	// group has no committed offset.
	StartingOffsets string
	PollTimeout     time.Duration
}

// consumer abstracts ck.Consumer for testability.
type consumer interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitOffsets(offsets []ck.TopicPartition) ([]ck.TopicPartition, error)
	Close() error
}

// KafkaSource consumes one topic with manual offset commits.
type KafkaSource struct {
	c       consumer
	topic   string
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewKafka(cfg KafkaConfig, log *zap.SugaredLogger) (*KafkaSource, error) {
	reset := cfg.StartingOffsets
	if reset == "" {
		reset = "latest"
	}
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  cfg.Bootstrap,
		"group.id":           cfg.GroupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  reset,
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{cfg.Topic}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return newKafkaWith(c, cfg, log), nil
}

func newKafkaWith(c consumer, cfg KafkaConfig, log *zap.SugaredLogger) *KafkaSource {
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &KafkaSource{c: c, topic: cfg.Topic, timeout: timeout, log: log}
}

func (k *KafkaSource) Next(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		msg, err := k.c.ReadMessage(k.timeout)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && (kerr.IsTimeout() || !kerr.IsFatal()) {
				if !kerr.IsTimeout() {
					k.log.Warnw("Kafka consumer error", "error", kerr)
				}
				continue
			}
			return Message{}, fmt.Errorf("read message: %w", err)
		}
		return Message{
			Partition: msg.TopicPartition.Partition,
			Offset:    int64(msg.TopicPartition.Offset),
			Value:     msg.Value,
		}, nil
	}
}

func (k *KafkaSource) Commit(_ context.Context, positions map[int32]int64) error {
	if len(positions) == 0 {
		return nil
	}
	tps := make([]ck.TopicPartition, 0, len(positions))
	for p, off := range positions {
		tps = append(tps, ck.TopicPartition{
			Topic:     &k.topic,
			Partition: p,
			Offset:    ck.Offset(off + 1),
		})
	}
	if _, err := k.c.CommitOffsets(tps); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

func (k *KafkaSource) Close() error { return k.c.Close() }
