package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// GCPPublisher sends notifications to a Google Cloud Pub/Sub topic.
type GCPPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	log    *zap.Logger
}

// NewGCPPublisher creates a Pub/Sub client and verifies the configured
// topic exists. Authentication comes from Application Default
// Credentials.
func NewGCPPublisher(ctx context.Context, projectID, topicID string, log *zap.Logger) (*GCPPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if cerr := client.Close(); cerr != nil {
			log.Warn("failed to close pubsub client after topic check", zap.Error(cerr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		if cerr := client.Close(); cerr != nil {
			log.Warn("failed to close pubsub client after topic check", zap.Error(cerr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	return &GCPPublisher{client: client, topic: topic, log: log}, nil
}

// Publish marshals the payload as JSON and waits for the server ack.
// The topic argument becomes a message attribute; routing happens on
// the single configured Pub/Sub topic.
func (p *GCPPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": topic},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish event %q: %w", topic, err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *GCPPublisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
