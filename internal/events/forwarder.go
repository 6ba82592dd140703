package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"homeward/internal/lifecycle"
)

// Message is the broker payload for one lifecycle event.
type Message struct {
	Kind     lifecycle.EventKind `json:"kind"`
	From     lifecycle.State     `json:"from,omitempty"`
	State    lifecycle.State     `json:"state"`
	Snapshot lifecycle.Snapshot  `json:"snapshot"`
	At       time.Time           `json:"at"`
}

// RoutingKey is remittance.<state> for transitions and remittance.pending for heartbeats.
func RoutingKey(ev lifecycle.Event) string {
	if ev.Kind == lifecycle.EventPending {
		return "remittance.pending"
	}
	return "remittance." + string(ev.Snapshot.State)
}

// Forwarder drains a lifecycle subscription into a Publisher.
type Forwarder struct {
	publisher Publisher
	timeout   time.Duration
	logger    *zap.Logger
}

func NewForwarder(p Publisher, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{publisher: p, timeout: 5 * time.Second, logger: logger.Named("events")}
}

// Run publishes every event until the subscription ends or ctx is done.
// Publish failures are logged; the lifecycle never waits on the broker.
func (f *Forwarder) Run(ctx context.Context, sub *lifecycle.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev lifecycle.Event) {
	key := RoutingKey(ev)
	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	err := f.publisher.Publish(pctx, key, Message{
		Kind:     ev.Kind,
		From:     ev.From,
		State:    ev.Snapshot.State,
		Snapshot: ev.Snapshot,
		At:       ev.At,
	})
	if err != nil {
		f.logger.Error("publish lifecycle event",
			zap.String("routing_key", key),
			zap.String("request_id", ev.Snapshot.RequestID),
			zap.Error(err),
		)
	}
}
