// Package publisher pushes scan lifecycle notifications to downstream
// consumers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/config"
	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// Message is one published notification, retained by the memory
// provider for inspection.
type Message struct {
	Topic   string
	Payload []byte
}

// MemoryPublisher keeps published messages in memory. It backs local
// development and tests.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish records the message and returns a sequential id.
func (p *MemoryPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{Topic: topic, Payload: data})
	return strconv.Itoa(len(p.messages)), nil
}

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// New builds the publisher provider selected in the configuration.
func New(ctx context.Context, cfg config.PubSubConfig, log *zap.Logger) (scanner.Publisher, error) {
	switch cfg.Provider {
	case "gcp":
		return NewGCPPublisher(ctx, cfg.ProjectID, cfg.TopicName, log)
	case "memory", "":
		return NewMemoryPublisher(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub provider %q", cfg.Provider)
	}
}
