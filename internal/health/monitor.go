// Package health watches connectivity to the remote store and the live
// event channel and decides when the session should run on fallback data.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/immerspwada/deliber-sub005/internal/observability"
)

// State is the connectivity mode of one client session.
type State string

const (
	// StateChecking is the initial mode, before the first probe resolves.
	StateChecking     State = "checking"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFallback     State = "fallback"
)

var stateGaugeValue = map[State]float64{
	StateChecking:     0,
	StateConnected:    1,
	StateDisconnected: 2,
	StateFallback:     3,
}

// ProbeResult records the outcome of one connectivity probe.
type ProbeResult struct {
	StoreOK bool
	FeedOK  bool
	Latency time.Duration
	Err     error
	At      time.Time
}

// Pinger is the lightweight reachability check exposed by the store and the
// feed clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the monitor. Zero values take the defaults below.
type Config struct {
	Interval         time.Duration
	FailureThreshold int
	ProbeTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Monitor probes the store and feed on a fixed interval and on demand, and
// derives the session's connectivity state. Probe failures are never fatal:
// they only drive the state machine.
type Monitor struct {
	store Pinger
	feed  Pinger
	cfg   Config
	log   *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	last      ProbeResult
	advised   bool
	observers []func(State)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewMonitor(store, feed Pinger, cfg Config, log *slog.Logger) *Monitor {
	return &Monitor{
		store: store,
		feed:  feed,
		cfg:   cfg.withDefaults(),
		log:   log,
		state: StateChecking,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the periodic probe loop with an immediate first probe.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		m.ProbeNow(ctx)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ProbeNow(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the probe loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// ProbeNow runs one probe synchronously and returns the resulting state.
// A probe that errors is treated identically to one that reports unhealthy.
func (m *Monitor) ProbeNow(ctx context.Context) State {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	res := ProbeResult{At: start}
	if err := m.store.Ping(pctx); err != nil {
		res.Err = err
	} else {
		res.StoreOK = true
	}
	if err := m.feed.Ping(pctx); err != nil {
		if res.Err == nil {
			res.Err = err
		}
	} else {
		res.FeedOK = true
	}
	res.Latency = time.Since(start)
	observability.ProbeLatency.Observe(res.Latency.Seconds())

	return m.apply(res)
}

func (m *Monitor) apply(res ProbeResult) State {
	m.mu.Lock()
	m.last = res
	prev := m.state
	if res.StoreOK && res.FeedOK {
		m.state = StateConnected
		m.failures = 0
		m.advised = false
	} else {
		m.failures++
		if m.failures >= m.cfg.FailureThreshold {
			m.state = StateFallback
		} else {
			m.state = StateDisconnected
		}
	}
	next := m.state
	failures := m.failures
	advise := next == StateFallback && !m.advised
	if advise {
		m.advised = true
	}
	observers := m.observersLocked()
	m.mu.Unlock()

	if advise && m.log != nil {
		// One-time user-visible advisory per degradation episode.
		m.log.Warn("connectivity degraded, switching to offline job data",
			"failures", failures, "error", res.Err)
	}
	if next != prev {
		m.notify(observers, next)
	}
	observability.ConnectivityState.Set(stateGaugeValue[next])
	return next
}

// SetOnline feeds the platform's network-online/offline signal in. Offline
// forces disconnected immediately without waiting for a probe; online
// triggers an immediate re-probe.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	if online {
		m.ProbeNow(ctx)
		return
	}
	m.mu.Lock()
	prev := m.state
	if m.state != StateFallback {
		m.state = StateDisconnected
	}
	m.failures++
	next := m.state
	observers := m.observersLocked()
	m.mu.Unlock()
	if next != prev {
		m.notify(observers, next)
	}
	observability.ConnectivityState.Set(stateGaugeValue[next])
}

// ForceReconnect resets the failure counter and probes immediately.
func (m *Monitor) ForceReconnect(ctx context.Context) State {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	return m.ProbeNow(ctx)
}

// OnChange registers a callback fired on every state change. Callbacks run
// on the probing goroutine; keep them short.
func (m *Monitor) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Monitor) observersLocked() []func(State) {
	out := make([]func(State), len(m.observers))
	copy(out, m.observers)
	return out
}

func (m *Monitor) notify(observers []func(State), s State) {
	for _, fn := range observers {
		fn(s)
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ShouldUseFallback reports whether provider-facing data should come from
// the fallback engine instead of the store.
func (m *Monitor) ShouldUseFallback() bool {
	s := m.State()
	return s == StateDisconnected || s == StateFallback
}

func (m *Monitor) IsHealthy() bool { return m.State() == StateConnected }

// LastProbe returns the most recent probe result.
func (m *Monitor) LastProbe() ProbeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Failures returns the consecutive failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}
