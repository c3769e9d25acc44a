package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker used by tests and single-process
// deployments. Delivery is synchronous in the publisher's goroutine, which
// makes handler effects visible to the caller as soon as Publish returns.
// Failed handlers are retried inline up to maxDeliveries, then the message
// is recorded as dead-lettered.
type MemoryBroker struct {
	mu            sync.RWMutex
	subs          map[string]map[string]Handler // subject -> group -> handler
	scheduled     []scheduledMessage
	dead          []*Message
	maxDeliveries int
	closed        bool
	logger        *slog.Logger
}

type scheduledMessage struct {
	at      time.Time
	subject string
	body    []byte
	props   map[string]string
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithMaxDeliveries sets the delivery attempts before dead-lettering.
func WithMaxDeliveries(n int) MemoryOption {
	return func(b *MemoryBroker) {
		b.maxDeliveries = n
	}
}

// WithLogger sets the broker's logger.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(b *MemoryBroker) {
		b.logger = logger
	}
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		subs:          make(map[string]map[string]Handler),
		maxDeliveries: 5,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the message synchronously to one handler per group.
func (b *MemoryBroker) Publish(ctx context.Context, subject string, body []byte, props map[string]string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("broker closed")
	}
	groups := make(map[string]Handler, len(b.subs[subject]))
	for g, h := range b.subs[subject] {
		groups[g] = h
	}
	b.mu.RUnlock()

	for group, h := range groups {
		b.deliver(ctx, h, &Message{Subject: subject, Body: body, Props: props}, group)
	}
	return nil
}

// PublishAfter records the message for delivery once DeliverDue is called
// with a time past the deadline. Tests drive the clock explicitly; the serve
// loop pumps it on every scheduler interval.
func (b *MemoryBroker) PublishAfter(_ context.Context, subject string, body []byte, props map[string]string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	b.scheduled = append(b.scheduled, scheduledMessage{
		at:      time.Now().Add(delay),
		subject: subject,
		body:    body,
		props:   props,
	})
	sort.Slice(b.scheduled, func(i, j int) bool { return b.scheduled[i].at.Before(b.scheduled[j].at) })
	return nil
}

// DeliverDue publishes every scheduled message whose deadline has passed.
func (b *MemoryBroker) DeliverDue(ctx context.Context, now time.Time) error {
	b.mu.Lock()
	var due []scheduledMessage
	var rest []scheduledMessage
	for _, m := range b.scheduled {
		if !m.at.After(now) {
			due = append(due, m)
		} else {
			rest = append(rest, m)
		}
	}
	b.scheduled = rest
	b.mu.Unlock()

	for _, m := range due {
		if err := b.Publish(ctx, m.subject, m.body, m.props); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe attaches a handler for a subject and group, replacing any prior
// handler of the same group.
func (b *MemoryBroker) Subscribe(_ context.Context, subject, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[string]Handler)
	}
	b.subs[subject][group] = h
	return nil
}

// DeadLetters returns the messages that exhausted their delivery budget.
func (b *MemoryBroker) DeadLetters() []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Message, len(b.dead))
	copy(out, b.dead)
	return out
}

// Close shuts the broker down; further publishes fail.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBroker) deliver(ctx context.Context, h Handler, msg *Message, group string) {
	for attempt := 1; attempt <= b.maxDeliveries; attempt++ {
		msg.Delivery = attempt
		err := h(ctx, msg)
		if err == nil {
			return
		}
		b.logger.Warn("message handling failed",
			"subject", msg.Subject, "group", group, "attempt", attempt, "error", err)
	}
	b.mu.Lock()
	b.dead = append(b.dead, msg)
	b.mu.Unlock()
	b.logger.Error("message dead-lettered",
		"subject", msg.Subject, "group", group, "deliveries", b.maxDeliveries)
}
