package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"bookstore/internal/domain/model"
	"bookstore/internal/usecase"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// kafka.Writerの中で使う部分（テストで差し替える）
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// 注文イベントのProducer。キーは注文IDなので同じ注文のイベントは同じパーティションに並ぶ。
type Publisher struct {
	w messageWriter
}

var _ usecase.EventPublisher = (*Publisher)(nil)

func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Publisher{w: w}
}

func (p *Publisher) Publish(ctx context.Context, ev model.OrderEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.OrderID, 10)),
		Value: data,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
	})
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

// Kafka未設定の環境ではログに出すだけ
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev model.OrderEvent) error {
	p.log.Debug("order event",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.EventType),
		zap.Int64("order_id", ev.OrderID),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
	)
	return nil
}
