// Package channels holds the chat-surface adapters. Each adapter normalizes
// its platform's messages into dispatch.InboundMessage and knows how to carry
// agent payloads back out.
package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/go-roost/internal/agent"
	"github.com/basket/go-roost/internal/dispatch"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Inbound is the slice of the dispatch pipeline channels depend on.
type Inbound interface {
	Handle(ctx context.Context, msg dispatch.InboundMessage) (*dispatch.Receipt, error)
}

// Sender carries agent payloads to one platform.
type Sender interface {
	Deliver(ctx context.Context, t dispatch.Target, payloads []agent.Payload) error
}

// Registry routes outbound deliveries to the Sender owning the target's
// channel name. Its Deliver method satisfies dispatch.Deliverer.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register binds a sender to a channel name, replacing any previous binding.
func (r *Registry) Register(name string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[name] = s
}

// Deliver routes payloads to the sender registered for t.Channel.
func (r *Registry) Deliver(ctx context.Context, t dispatch.Target, payloads []agent.Payload) error {
	r.mu.RLock()
	s := r.senders[t.Channel]
	r.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("no sender registered for channel %q", t.Channel)
	}
	return s.Deliver(ctx, t, payloads)
}
