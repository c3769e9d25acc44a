package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// StreamName is the JetStream stream holding every engine subject.
const StreamName = "RUNBOOKD"

// NATSBroker is the production Broker on NATS JetStream. Queue groups give
// each consumer group one delivery per message; handler errors Nak for
// redelivery until maxDeliveries, after which the message is republished on
// the dead subject and acked away.
type NATSBroker struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	maxDeliveries int
	ackWait       time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	timers []*time.Timer
	closed bool
}

// NATSOption configures a NATSBroker.
type NATSOption func(*NATSBroker)

// WithNATSMaxDeliveries sets delivery attempts before dead-lettering.
func WithNATSMaxDeliveries(n int) NATSOption {
	return func(b *NATSBroker) {
		b.maxDeliveries = n
	}
}

// WithNATSAckWait sets the per-message redelivery timeout.
func WithNATSAckWait(d time.Duration) NATSOption {
	return func(b *NATSBroker) {
		b.ackWait = d
	}
}

// WithNATSLogger sets the broker's logger.
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(b *NATSBroker) {
		b.logger = logger
	}
}

// ConnectNATS connects to a NATS server and ensures the engine stream exists.
func ConnectNATS(url string, opts ...NATSOption) (*NATSBroker, error) {
	nc, err := nats.Connect(url,
		nats.Name("runbookd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	b := &NATSBroker{
		nc:            nc,
		js:            js,
		maxDeliveries: 5,
		ackWait:       30 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if _, err := js.StreamInfo(StreamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      StreamName,
			Subjects:  []string{"runbookd.>"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
	}
	return b, nil
}

// Publish sends a message with application properties carried as headers.
func (b *NATSBroker) Publish(ctx context.Context, subject string, body []byte, props map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	for k, v := range props {
		msg.Header.Set(k, v)
	}
	if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishAfter delivers the message once delay elapses. The timer lives in
// this process; the scheduler's retry clock re-emits from the store when the
// process dies before the timer fires.
func (b *NATSBroker) PublishAfter(_ context.Context, subject string, body []byte, props map[string]string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	timer := time.AfterFunc(delay, func() {
		if err := b.Publish(context.Background(), subject, body, props); err != nil {
			b.logger.Error("scheduled publish failed", "subject", subject, "error", err)
		}
	})
	b.timers = append(b.timers, timer)
	return nil
}

// Subscribe attaches a queue-group handler to a subject.
func (b *NATSBroker) Subscribe(_ context.Context, subject, group string, h Handler) error {
	sub, err := b.js.QueueSubscribe(subject, group, func(m *nats.Msg) {
		b.handle(m, group, h)
	},
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.ackWait),
		nats.MaxDeliver(b.maxDeliveries),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", subject, group, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NATSBroker) handle(m *nats.Msg, group string, h Handler) {
	props := make(map[string]string, len(m.Header))
	for k := range m.Header {
		props[k] = m.Header.Get(k)
	}
	delivery := 1
	if meta, err := m.Metadata(); err == nil {
		delivery = int(meta.NumDelivered)
	}

	msg := &Message{Subject: m.Subject, Body: m.Data, Props: props, Delivery: delivery}
	err := h(context.Background(), msg)
	if err == nil {
		_ = m.Ack()
		return
	}

	b.logger.Warn("message handling failed",
		"subject", m.Subject, "group", group, "attempt", delivery, "error", err)
	if delivery >= b.maxDeliveries {
		if err := b.Publish(context.Background(), SubjectDead, m.Data, props); err != nil {
			b.logger.Error("dead-letter publish failed", "subject", m.Subject, "error", err)
		}
		_ = m.Ack()
		b.logger.Error("message dead-lettered",
			"subject", m.Subject, "group", group, "deliveries", delivery)
		return
	}
	_ = m.Nak()
}

// Close drains subscriptions, stops pending timers and closes the
// connection.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	timers := b.timers
	subs := b.subs
	b.timers = nil
	b.subs = nil
	b.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, s := range subs {
		_ = s.Drain()
	}
	b.nc.Close()
	return nil
}
