// Package interrupt is the wake-up channel for the dispatch loop.
//
// Producers (status ingress, operator commands, the wait executor) push
// without ever blocking or dropping. The single consumer blocks in Wait and
// receives every item queued so far, so a burst of pushes costs one wake-up.
package interrupt

import (
	"context"
	"sync"
	"time"
)

// Kind identifies what produced an interrupt.
type Kind string

const (
	KindStatus Kind = "status"
	KindIntent Kind = "intent"
	KindWake   Kind = "wake"
)

// Interrupt is one item on the channel.
type Interrupt struct {
	Kind     Kind      `json:"kind"`
	Server   string    `json:"server,omitempty"`
	ActionID string    `json:"action_uuid,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Channel is an unbounded single-consumer queue.
type Channel struct {
	mu     sync.Mutex
	items  []Interrupt
	signal chan struct{}
}

// New returns an empty channel.
func New() *Channel {
	return &Channel{signal: make(chan struct{}, 1)}
}

// Push enqueues in. It never blocks.
func (c *Channel) Push(in Interrupt) {
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}
	c.mu.Lock()
	c.items = append(c.items, in)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Wake pushes a KindWake interrupt with reason.
func (c *Channel) Wake(reason string) {
	c.Push(Interrupt{Kind: KindWake, Reason: reason})
}

// Wait blocks until at least one interrupt is queued, then returns all of
// them. It returns ctx.Err() if ctx ends first.
func (c *Channel) Wait(ctx context.Context) ([]Interrupt, error) {
	for {
		if items := c.Drain(); len(items) > 0 {
			return items, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.signal:
		}
	}
}

// Drain returns and removes everything queued without blocking.
func (c *Channel) Drain() []Interrupt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.items
	c.items = nil
	return out
}

// Len returns the number of queued interrupts.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
