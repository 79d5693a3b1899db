/*
Copyright 2025 Lessonbook Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lessonbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lessonbook/lessonbook/config"
	redis_db "github.com/lessonbook/lessonbook/internal/redis-db"
	"github.com/lessonbook/lessonbook/model"
)

// EventBus is the at-least-once transport between the outbox publisher and
// the worker consumers. Implementations must tolerate the same event being
// published more than once.
type EventBus interface {
	Publish(ctx context.Context, event *model.OutboxEvent) error
}

// NewEventBus builds the configured bus backend.
func NewEventBus(conf *config.Configuration) (EventBus, error) {
	switch conf.Bus.Backend {
	case config.BusBackendAsynq:
		return NewAsynqBus(conf), nil
	case config.BusBackendRabbit:
		return NewRabbitBus(conf.Bus.RabbitUrl, conf.Bus.RabbitExchange)
	}
	return nil, fmt.Errorf("unknown bus backend %q", conf.Bus.Backend)
}

// AsynqBus publishes events as asynq tasks. The task type is the event type,
// so worker handlers register per event; the task id is the event id, so a
// crash-window republish collapses into the original task instead of running
// twice.
type AsynqBus struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewAsynqBus initializes the asynq client against the configured Redis.
func NewAsynqBus(conf *config.Configuration) *AsynqBus {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &AsynqBus{
		Client:    client,
		Inspector: inspector,
	}
}

// Publish enqueues the event. Commands and domain events land on separate
// queues so a backlog of commands cannot starve event handling.
func (b *AsynqBus) Publish(ctx context.Context, event *model.OutboxEvent) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event.Event)
	if err != nil {
		return err
	}

	queue := cfg.Bus.EventQueue
	if model.IsCommand(event.Type) {
		queue = cfg.Bus.CommandQueue
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(event.EventID),
		asynq.Queue(queue),
		asynq.MaxRetry(cfg.Bus.MaxRetry),
	}
	task := asynq.NewTask(event.Type, payload, taskOptions...)
	_, err = b.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		// Already enqueued by a previous publish attempt.
		return nil
	}
	return err
}

// RabbitBus publishes events to a durable topic exchange for deployments
// where consumers live outside this process. Routing key is the event type.
type RabbitBus struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewRabbitBus dials the broker and declares the exchange.
func NewRabbitBus(url, exchange string) (*RabbitBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	return &RabbitBus{conn: conn, channel: channel, exchange: exchange}, nil
}

func (b *RabbitBus) Publish(ctx context.Context, event *model.OutboxEvent) error {
	payload, err := json.Marshal(event.Event)
	if err != nil {
		return err
	}
	return b.channel.PublishWithContext(ctx, b.exchange, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Body:         payload,
	})
}

func (b *RabbitBus) Close() error {
	if err := b.channel.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}
