// Package pubsub publishes completion notices to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/conversion-progress/internal/publisher"
)

// Config names the project and topic notices are published to.
type Config struct {
	ProjectID string
	TopicName string
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// New connects a client and prepares a publisher for cfg.TopicName.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		return nil, errors.New("pubsub project id and topic name are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := client.Publisher(cfg.TopicName)
	pub.EnableMessageOrdering = true
	return &Publisher{client: client, publisher: pub}, nil
}

// NewWithPublisher wraps an existing topic publisher; Close leaves its client alone.
func NewWithPublisher(pub *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: pub}
}

// Publish sends msg, carrying the caller's trace context in its attributes,
// and waits for the server-assigned id.
func (p *Publisher) Publish(ctx context.Context, msg publisher.Message) (string, error) {
	if p == nil || p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	attrs := make(map[string]string, len(msg.Attributes)+2)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:        msg.Data,
		Attributes:  attrs,
		OrderingKey: msg.OrderingKey,
	})
	id, err := result.Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.publisher.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p == nil || p.publisher == nil {
		return nil
	}
	p.publisher.Stop()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
