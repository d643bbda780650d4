// Package memory records published notifications in memory. It backs the
// harvest command when no Pub/Sub topic is configured and is used in tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	// Err, when set, is returned by every Publish call.
	Err error
}

// Message captures one publish call.
type Message struct {
	Topic   string
	Payload any
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.messages = append(p.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// StoredEvents returns the payloads that are stored-advertisement events.
func (p *Publisher) StoredEvents() []crawler.StoredEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.StoredEvent
	for _, m := range p.messages {
		if evt, ok := m.Payload.(crawler.StoredEvent); ok {
			out = append(out, evt)
		}
	}
	return out
}
