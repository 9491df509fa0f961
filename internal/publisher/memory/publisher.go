// Package memory contains an in-memory publisher for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/conversion-progress/internal/publisher"
)

// Publisher records published messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []publisher.Message
	err      error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records a copy of msg and returns a pseudo id.
func (p *Publisher) Publish(_ context.Context, msg publisher.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, publisher.Message{
		Data:        append([]byte(nil), msg.Data...),
		Attributes:  maps.Clone(msg.Attributes),
		OrderingKey: msg.OrderingKey,
	})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []publisher.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }
