// Package kafka はsegmentio/kafka-goを使ったメッセージ送信を提供する。
package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/prateekverma145/NGO-management-sub000/pkg/event"
)

// MessageWriter は *kafka.Writer が満たすインターフェース。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer は1つのトピックへメッセージを送る。
type Producer struct {
	writer MessageWriter
}

// NewProducer はbrokersのtopicへ書き込むProducerを生成する。
// 同じキーのメッセージは同じパーティションに入る。
func NewProducer(brokers []string, topic string) *Producer {
	return NewProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	})
}

// NewProducerWithWriter は任意のMessageWriterを使うProducerを生成する。
func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{writer: w}
}

// Publish はメッセージを1件送信する。
func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	const op = "kafka.producer.Publish"

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PublishEvent はドメインイベントを対象エンティティIDをキーにして送信する。
func (p *Producer) PublishEvent(ctx context.Context, e *event.Event) error {
	const op = "kafka.producer.PublishEvent"

	key, value, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
		},
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close は未送信のメッセージを書き出してから接続を閉じる。
func (p *Producer) Close() error {
	return p.writer.Close()
}
