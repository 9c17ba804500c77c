// Package rabbitmq publishes weights processing notifications.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"lora-orchestrator/core/models"
)

// WeightsProcessed is the body of a weights.processed message.
type WeightsProcessed struct {
	JobID       string    `json:"jobId"`
	ModelURL    string    `json:"modelUrl"`
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ProcessedAt time.Time `json:"processedAt"`
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends notifications to a topic exchange.
type Publisher struct {
	channel    amqpChannel
	exchange   string
	routingKey string
}

// NewPublisher opens a channel on conn and declares a durable topic exchange.
func NewPublisher(conn *amqp.Connection, exchange, routingKey string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

// NotifyWeightsProcessed publishes the address of a job's published weights.
func (p *Publisher) NotifyWeightsProcessed(ctx context.Context, jobID string, result *models.BlobUploadResult) error {
	body, err := json.Marshal(WeightsProcessed{
		JobID:       jobID,
		ModelURL:    result.URL,
		Key:         result.Key,
		Size:        result.Size,
		ProcessedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    jobID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Close closes the underlying channel.
func (p *Publisher) Close() error {
	return p.channel.Close()
}
