package feed

import (
	"context"
	"sync"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

// Memory is an in-process feed used when no Redis address is configured and
// in tests. Delivery is best-effort per subscriber: a subscriber that stops
// draining loses events rather than blocking the publisher.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]bool
	next int
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySubscription]bool)}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Publish(ctx context.Context, ev Event) error {
	m.deliver(categoryChannel(ev.Job.Category), ev)
	m.deliver(jobChannel(ev.Job.ID), ev)
	return nil
}

func (m *Memory) deliver(channel string, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs[channel] {
		select {
		case s.out <- ev:
		default:
		}
	}
}

func (m *Memory) SubscribeCategory(ctx context.Context, cat models.ServiceCategory) (Subscription, error) {
	return m.subscribe(categoryChannel(cat)), nil
}

func (m *Memory) SubscribeJob(ctx context.Context, jobID string) (Subscription, error) {
	return m.subscribe(jobChannel(jobID)), nil
}

func (m *Memory) subscribe(channel string) *memorySubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &memorySubscription{feed: m, channel: channel, out: make(chan Event, 64)}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]bool)
	}
	m.subs[channel][s] = true
	return s
}

// OpenSubscriptions counts live subscriptions across all channels.
func (m *Memory) OpenSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.subs {
		n += len(set)
	}
	return n
}

type memorySubscription struct {
	feed    *Memory
	channel string
	out     chan Event
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs[s.channel], s)
		s.feed.mu.Unlock()
		close(s.out)
	})
	return nil
}
