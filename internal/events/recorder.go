package events

import (
	"context"
	"sync"
)

type Published struct {
	Topic string
	Key   string
	Event any
}

// Recorder keeps published events in memory. Used by tests and local runs
// without a broker.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) PublishEvent(_ context.Context, topic, key string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Topic: topic, Key: key, Event: event})
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Types lists event type names published to topic, in order.
func (r *Recorder) Types(topic string) []string {
	var out []string
	for _, p := range r.Events() {
		if p.Topic != topic {
			continue
		}
		switch e := p.Event.(type) {
		case OrderEvent:
			out = append(out, e.Type)
		case PaymentEvent:
			out = append(out, e.Type)
		}
	}
	return out
}
