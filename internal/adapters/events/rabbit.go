package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/infra/metrics"
)

// RabbitSink публикует события завершённых задач в очередь RabbitMQ.
type RabbitSink struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

var _ domain.EventSink = (*RabbitSink)(nil)

// NewRabbitSink подключается к RabbitMQ и объявляет очередь событий.
func NewRabbitSink(amqpURL, queue string) (*RabbitSink, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url пуст")
	}
	if queue == "" {
		return nil, errors.New("имя очереди пусто")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("подключение к rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("объявление очереди %s: %w", queue, err)
	}
	return &RabbitSink{conn: conn, ch: ch, queue: queue}, nil
}

// PublishEvent отправляет событие задачи в очередь.
func (s *RabbitSink) PublishEvent(ctx context.Context, event domain.JobEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}
	start := time.Now()
	err = s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish_event", s.queue, start, err)
	if err != nil {
		return fmt.Errorf("публикация события %s: %w", event.Type, err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (s *RabbitSink) Close() error {
	if err := s.ch.Close(); err != nil {
		_ = s.conn.Close()
		return err
	}
	return s.conn.Close()
}
