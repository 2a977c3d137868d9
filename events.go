package lifetime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Lease event types.
const (
	EventTracked   = "tracked"
	EventUntracked = "untracked"
	EventRenewed   = "renewed"
	EventExpired   = "expired"
)

// LeaseEvent describes a change in a tracked lease.
type LeaseEvent struct {
	Type      string        `json:"type"`
	Manager   string        `json:"manager"`
	Lease     LeaseInfo     `json:"lease"`
	Grant     time.Duration `json:"grantNs,omitempty"`
	Timestamp time.Time     `json:"ts"`
}

// EventPublisher receives lease lifecycle events from a manager.
type EventPublisher interface {
	Publish(ctx context.Context, event LeaseEvent) error
}

// EventSubject returns the subject a lease event of the given type is
// published on.
func EventSubject(domain, eventType string) string {
	return fmt.Sprintf("lifetime.%s.events.%s", domain, eventType)
}

// NATSEvents publishes lease events to NATS core subjects, and optionally
// keeps them in a JetStream stream for later replay.
type NATSEvents struct {
	nc     *nats.Conn
	domain string
	nodeID string

	subs   []*nats.Subscription
	subsMu sync.Mutex
}

// NewNATSEvents creates an event publisher for the domain.
func NewNATSEvents(nc *nats.Conn, domain, nodeID string) (*NATSEvents, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	return &NATSEvents{
		nc:     nc,
		domain: domain,
		nodeID: nodeID,
	}, nil
}

// Publish publishes the event as JSON.
func (e *NATSEvents) Publish(ctx context.Context, event LeaseEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal lease event: %w", err)
	}

	msg := &nats.Msg{
		Subject: EventSubject(e.domain, event.Type),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("X-Node", e.nodeID)
	msg.Header.Set("X-Lease", event.Lease.ID)

	return e.nc.PublishMsg(msg)
}

// EventSubscription delivers decoded lease events.
type EventSubscription struct {
	sub *nats.Subscription
	ch  chan LeaseEvent
}

// C returns the channel for receiving events.
func (s *EventSubscription) C() <-chan LeaseEvent {
	return s.ch
}

// Unsubscribe stops the subscription.
func (s *EventSubscription) Unsubscribe() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// Subscribe subscribes to events of the given type; "*" matches every type.
// Events are dropped when the subscriber falls behind.
func (e *NATSEvents) Subscribe(eventType string) (*EventSubscription, error) {
	ch := make(chan LeaseEvent, 64)
	sub, err := e.nc.Subscribe(EventSubject(e.domain, eventType), func(msg *nats.Msg) {
		var event LeaseEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		select {
		case ch <- event:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to lease events: %w", err)
	}

	e.subsMu.Lock()
	e.subs = append(e.subs, sub)
	e.subsMu.Unlock()

	return &EventSubscription{sub: sub, ch: ch}, nil
}

// StreamName returns the JetStream stream name holding the domain's events.
func (e *NATSEvents) StreamName() string {
	return fmt.Sprintf("lifetime_%s_events", e.domain)
}

// EnsureStream creates or updates a JetStream stream capturing every lease
// event of the domain, kept for maxAge.
func (e *NATSEvents) EnsureStream(ctx context.Context, maxAge time.Duration) (jetstream.Stream, error) {
	js, err := jetstream.New(e.nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        e.StreamName(),
		Description: fmt.Sprintf("Lease events for %s", e.domain),
		Subjects:    []string{EventSubject(e.domain, ">")},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      maxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lease events stream: %w", err)
	}
	return stream, nil
}

// Replay returns up to limit stored events, oldest first. EnsureStream must
// have been called before the events were published.
func (e *NATSEvents) Replay(ctx context.Context, limit int) ([]LeaseEvent, error) {
	js, err := jetstream.New(e.nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	consumer, err := js.OrderedConsumer(ctx, e.StreamName(), jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create replay consumer: %w", err)
	}

	batch, err := consumer.FetchNoWait(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lease events: %w", err)
	}

	var events []LeaseEvent
	for msg := range batch.Messages() {
		var event LeaseEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := batch.Error(); err != nil {
		return events, fmt.Errorf("failed to read lease events: %w", err)
	}
	return events, nil
}

// Stop stops all subscriptions.
func (e *NATSEvents) Stop() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.subs = nil
}

var _ EventPublisher = (*NATSEvents)(nil)
