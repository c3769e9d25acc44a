package messaging

import (
	"context"
	"time"
)

// Subjects used by the engine. Events flow scheduler -> orchestrator; jobs
// flow orchestrator -> workers; results flow workers -> orchestrator.
const (
	SubjectEvents  = "runbookd.events"
	SubjectJobs    = "runbookd.jobs"
	SubjectResults = "runbookd.results"
	SubjectDead    = "runbookd.dead"
)

// Message is one delivered broker message.
type Message struct {
	Subject  string
	Body     []byte
	Props    map[string]string
	Delivery int // 1-based delivery attempt
}

// Handler consumes one message. A non-nil error triggers redelivery until
// the broker's max delivery count, after which the message is dead-lettered.
type Handler func(ctx context.Context, msg *Message) error

// Broker is the messaging abstraction between scheduler, orchestrator and
// workers: at-least-once delivery, redelivery on handler error,
// dead-lettering after max deliveries, and scheduled enqueue for delayed
// retry-check messages.
type Broker interface {
	// Publish sends a message on a subject with application properties.
	Publish(ctx context.Context, subject string, body []byte, props map[string]string) error

	// PublishAfter schedules a message for delivery no earlier than delay
	// from now. The store's retry clock is the durable fallback when the
	// process dies before delivery.
	PublishAfter(ctx context.Context, subject string, body []byte, props map[string]string, delay time.Duration) error

	// Subscribe attaches a handler to a subject. All subscribers in the same
	// group share the subject's messages; distinct groups each see every
	// message.
	Subscribe(ctx context.Context, subject, group string, h Handler) error

	// Close releases broker resources.
	Close() error
}
