// Package pubsub publishes lifecycle events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// Publisher routes each event type to a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topics map[string]string

	mu      sync.Mutex
	handles map[string]*pubsub.Topic
}

// New creates a Publisher. topics maps event types to topic ids; events of
// an unmapped type are dropped.
func New(client *pubsub.Client, topics map[string]string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	return &Publisher{
		client:  client,
		topics:  topics,
		handles: make(map[string]*pubsub.Topic),
	}, nil
}

// Dial connects to the project with Application Default Credentials.
func Dial(ctx context.Context, projectID string, topics map[string]string) (*Publisher, error) {
	if projectID == "" {
		return nil, errors.New("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return New(client, topics)
}

func (p *Publisher) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.handles[id]
	if !ok {
		t = p.client.Topic(id)
		p.handles[id] = t
	}
	return t
}

// Publish marshals the payload to JSON and publishes it, waiting for the
// server-assigned message id.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) (string, error) {
	topicID, ok := p.topics[eventType]
	if !ok || topicID == "" {
		return "", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"eventType": eventType},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.topic(topicID).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending publishes and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.handles {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
