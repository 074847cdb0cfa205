// Package pool manages the set of jobs visible to one provider session:
// discovery, live subscription, acceptance, status advancement, and
// teardown. All mutation happens either under the session mutex or on the
// single event-loop goroutine, mirroring the one-writer discipline of the
// client runtime; cross-provider races are settled only by the store's
// conditional write, never locally.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/immerspwada/deliber-sub005/internal/feed"
	"github.com/immerspwada/deliber-sub005/internal/geo"
	"github.com/immerspwada/deliber-sub005/internal/lifecycle"
	"github.com/immerspwada/deliber-sub005/internal/models"
	"github.com/immerspwada/deliber-sub005/internal/observability"
	"github.com/immerspwada/deliber-sub005/internal/store"
)

var (
	// ErrInvalidTransition is returned before any network call when the
	// proposed status is not reachable from the current one.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNoCurrentJob is returned by operations that require an active job.
	ErrNoCurrentJob = errors.New("no job in progress")
)

// Config tunes one provider session's pool.
type Config struct {
	ProviderID string
	Categories []models.ServiceCategory
	Origin     models.Coord

	ListLimit            int           // default 50
	ProviderShare        float64       // default 0.8
	SyntheticCap         int           // default 10
	SyntheticAcceptDelay time.Duration // default 600ms
}

func (c Config) withDefaults() Config {
	if c.ListLimit <= 0 {
		c.ListLimit = 50
	}
	if c.ProviderShare <= 0 || c.ProviderShare >= 1 {
		c.ProviderShare = 0.8
	}
	if c.SyntheticCap <= 0 {
		c.SyntheticCap = 10
	}
	if c.SyntheticAcceptDelay <= 0 {
		c.SyntheticAcceptDelay = 600 * time.Millisecond
	}
	return c
}

// Manager is the per-provider job pool.
type Manager struct {
	store store.Store
	feed  feed.Feed
	pub   feed.Publisher // optional; announces this session's own writes
	cfg   Config
	log   *slog.Logger

	mu             sync.Mutex
	origin         models.Coord
	available      []models.Job
	current        *models.Job
	subs           []feed.Subscription
	jobSub         feed.Subscription
	fallbackActive bool
	closed         bool

	onNewJob []func(models.Job)
	onChange []func()

	events   chan feed.Event
	stopc    chan struct{}
	loopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(st store.Store, fd feed.Feed, pub feed.Publisher, cfg Config, log *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		store:  st,
		feed:   fd,
		pub:    pub,
		cfg:    cfg,
		log:    log,
		origin: cfg.Origin,
		events: make(chan feed.Event, 128),
		stopc:  make(chan struct{}),
	}
}

// SetLocation updates the provider's last known coordinate. Distances are
// recomputed on the next load or event, not retroactively.
func (m *Manager) SetLocation(c models.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.origin = c
}

// OnNewJob registers a callback fired when a job enters the pool. The
// caller uses it to trigger the audible/haptic alert.
func (m *Manager) OnNewJob(fn func(models.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNewJob = append(m.onNewJob, fn)
}

// OnChange registers a callback fired whenever availableJobs or currentJob
// change. Consumers re-read snapshots instead of receiving deltas.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Available returns the visible pool, nearest first.
func (m *Manager) Available() []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, len(m.available))
	copy(out, m.available)
	return out
}

// Current returns the job the provider is actively executing, or nil.
func (m *Manager) Current() *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// LoadAvailable fetches pending unassigned jobs for the enabled categories,
// filters them to the category radius, and replaces the pool sorted by
// distance. One request, no retry loop.
func (m *Manager) LoadAvailable(ctx context.Context) error {
	jobs, err := m.store.ListOpenJobs(ctx, m.cfg.Categories, m.cfg.ListLimit)
	if err != nil {
		return fmt.Errorf("load available jobs: %w", err)
	}
	m.mu.Lock()
	ranked := geo.RankByDistance(jobs, m.origin)
	m.available = ranked
	observability.PoolSize.Set(float64(len(ranked)))
	change := m.changeObserversLocked()
	m.mu.Unlock()
	fire(change)
	return nil
}

// SubscribeToNewJobs opens one live subscription per enabled category and
// starts the event loop. Create events insert into the pool; update events
// whose status left pending evict the job (another provider won it).
func (m *Manager) SubscribeToNewJobs(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("pool: session already cleaned up")
	}
	m.mu.Unlock()
	m.loopOnce.Do(func() {
		m.wg.Add(1)
		go m.run()
	})
	for _, cat := range m.cfg.Categories {
		sub, err := m.feed.SubscribeCategory(ctx, cat)
		if err != nil {
			return fmt.Errorf("subscribe category %s: %w", cat, err)
		}
		m.mu.Lock()
		m.subs = append(m.subs, sub)
		m.mu.Unlock()
		m.forward(sub)
	}
	return nil
}

// UpdateStatus advances the current job's lifecycle status. Invalid
// transitions are rejected locally, before any network traffic.
func (m *Manager) UpdateStatus(ctx context.Context, next models.JobStatus) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return ErrNoCurrentJob
	}
	if !lifecycle.CanTransition(cur.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next)
	}
	now := time.Now().UTC()
	if !cur.Synthetic {
		entry := models.AuditEntry{
			EntityType:   "job",
			EntityID:     cur.ID,
			TrackingCode: cur.TrackingCode,
			OldStatus:    cur.Status,
			NewStatus:    next,
			ActorID:      m.cfg.ProviderID,
			ActorRole:    models.RoleProvider,
			At:           now,
		}
		if err := m.store.UpdateJobStatus(ctx, cur.ID, next, entry); err != nil {
			return err
		}
	}
	m.mu.Lock()
	var change []func()
	var updated *models.Job
	if m.current != nil && m.current.ID == cur.ID {
		m.current.Status = next
		m.current.UpdatedAt = now
		cp := *m.current
		updated = &cp
		change = m.changeObserversLocked()
	}
	m.mu.Unlock()
	fire(change)
	if updated != nil && !updated.Synthetic {
		m.announce(ctx, *updated)
	}
	return nil
}

// Complete finalizes the current job via the store's atomic completion,
// clears it, and closes its per-job subscription. A non-positive actualFare
// falls back to the estimated fare.
func (m *Manager) Complete(ctx context.Context, actualFare float64) (store.Settlement, error) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return store.Settlement{}, ErrNoCurrentJob
	}
	now := time.Now().UTC()
	var settlement store.Settlement
	if cur.Synthetic {
		fare := actualFare
		if fare <= 0 {
			fare = cur.EstimatedFare
		}
		settlement = store.Settlement{
			FinalFare:   fare,
			ProviderNet: fare * m.cfg.ProviderShare,
			PlatformFee: fare * (1 - m.cfg.ProviderShare),
		}
	} else {
		entry := models.AuditEntry{
			EntityType:   "job",
			EntityID:     cur.ID,
			TrackingCode: cur.TrackingCode,
			OldStatus:    cur.Status,
			NewStatus:    models.StatusCompleted,
			ActorID:      m.cfg.ProviderID,
			ActorRole:    models.RoleProvider,
			At:           now,
		}
		s, err := m.store.CompleteJob(ctx, cur.ID, actualFare, m.cfg.ProviderShare, entry)
		if err != nil {
			return store.Settlement{}, err
		}
		settlement = s
	}
	m.mu.Lock()
	m.current = nil
	jobSub := m.jobSub
	m.jobSub = nil
	change := m.changeObserversLocked()
	m.mu.Unlock()
	if jobSub != nil {
		_ = jobSub.Close()
	}
	fire(change)
	if !cur.Synthetic {
		done := *cur
		done.Status = models.StatusCompleted
		done.FinalFare = settlement.FinalFare
		done.UpdatedAt = now
		m.announce(ctx, done)
	}
	return settlement, nil
}

// Cleanup unsubscribes everything and stops the event loop. Idempotent;
// must be called on session end so no subscription or goroutine leaks.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	jobSub := m.jobSub
	m.jobSub = nil
	m.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	if jobSub != nil {
		_ = jobSub.Close()
	}
	close(m.stopc)
	// Start the loop if it never ran, so wg.Wait cannot hang.
	m.loopOnce.Do(func() {})
	m.wg.Wait()
}

// OpenSubscriptions counts live subscriptions held by this session.
func (m *Manager) OpenSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.subs)
	if m.jobSub != nil {
		n++
	}
	return n
}

// ─── fallback engine hooks ───

// EnterFallback switches the pool to synthetic data: real subscriptions are
// closed and availableJobs is replaced by the seed set. The current job, if
// any, is left alone.
func (m *Manager) EnterFallback(seed []models.Job) {
	m.mu.Lock()
	m.fallbackActive = true
	subs := m.subs
	m.subs = nil
	jobSub := m.jobSub
	m.jobSub = nil
	m.available = m.available[:0]
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	if jobSub != nil {
		_ = jobSub.Close()
	}
	for _, j := range seed {
		m.InsertSynthetic(j)
	}
}

// InsertSynthetic appends one generated job, evicting the oldest synthetic
// entry once the cap is exceeded.
func (m *Manager) InsertSynthetic(j models.Job) {
	j.Synthetic = true
	m.mu.Lock()
	j.DistanceKm = geo.DistanceKm(m.origin.Lat, m.origin.Lng, j.Pickup.Lat, j.Pickup.Lng)
	m.available = append(m.available, j)
	if len(m.available) > m.cfg.SyntheticCap {
		oldest := 0
		for i := range m.available {
			if m.available[i].CreatedAt.Before(m.available[oldest].CreatedAt) {
				oldest = i
			}
		}
		m.available = append(m.available[:oldest], m.available[oldest+1:]...)
	}
	sort.Slice(m.available, func(i, k int) bool { return m.available[i].DistanceKm < m.available[k].DistanceKm })
	observability.PoolSize.Set(float64(len(m.available)))
	newJob := m.newJobObserversLocked()
	change := m.changeObserversLocked()
	m.mu.Unlock()
	for _, fn := range newJob {
		fn(j)
	}
	fire(change)
}

// ExitFallback discards synthetic pool entries and rehydrates from the real
// store. A synthetic current job is deliberately kept so in-flight work
// finishes locally.
func (m *Manager) ExitFallback(ctx context.Context) error {
	m.mu.Lock()
	m.fallbackActive = false
	kept := m.available[:0]
	for _, j := range m.available {
		if !j.Synthetic {
			kept = append(kept, j)
		}
	}
	m.available = kept
	m.mu.Unlock()
	if err := m.LoadAvailable(ctx); err != nil {
		return err
	}
	return m.SubscribeToNewJobs(ctx)
}

// FallbackActive reports whether the pool is running on synthetic data.
func (m *Manager) FallbackActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackActive
}

// ─── event loop ───

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-m.stopc:
			return
		}
	}
}

func (m *Manager) forward(sub feed.Subscription) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range sub.Events() {
			select {
			case m.events <- ev:
			case <-m.stopc:
				return
			}
		}
	}()
}

func (m *Manager) handleEvent(ev feed.Event) {
	switch ev.Type {
	case feed.TypeJobCreated:
		m.handleCreated(ev.Job)
	case feed.TypeJobStatusChanged:
		m.handleStatusChanged(ev.Job)
	}
}

func (m *Manager) handleCreated(j models.Job) {
	if j.Status != models.StatusPending || j.ProviderID != "" {
		return
	}
	m.mu.Lock()
	if m.fallbackActive || m.closed {
		m.mu.Unlock()
		return
	}
	for _, have := range m.available {
		if have.ID == j.ID {
			m.mu.Unlock()
			return
		}
	}
	j.DistanceKm = geo.DistanceKm(m.origin.Lat, m.origin.Lng, j.Pickup.Lat, j.Pickup.Lng)
	if j.DistanceKm > geo.CategoryRadiusKm(j.Category) {
		m.mu.Unlock()
		return
	}
	m.available = append(m.available, j)
	sort.Slice(m.available, func(i, k int) bool { return m.available[i].DistanceKm < m.available[k].DistanceKm })
	observability.PoolSize.Set(float64(len(m.available)))
	newJob := m.newJobObserversLocked()
	change := m.changeObserversLocked()
	m.mu.Unlock()
	for _, fn := range newJob {
		fn(j)
	}
	fire(change)
}

func (m *Manager) handleStatusChanged(j models.Job) {
	m.mu.Lock()
	var change []func()
	if m.current != nil && m.current.ID == j.ID {
		// The feed is at-least-once and unordered: only let an event advance
		// the job, never rewind what this session already wrote.
		if j.Status.Rank() >= m.current.Status.Rank() {
			cp := j
			cp.Synthetic = m.current.Synthetic
			cp.DistanceKm = m.current.DistanceKm
			m.current = &cp
			change = m.changeObserversLocked()
		}
	} else if j.Status != models.StatusPending {
		for i, have := range m.available {
			if have.ID == j.ID {
				m.available = append(m.available[:i], m.available[i+1:]...)
				observability.PoolSize.Set(float64(len(m.available)))
				change = m.changeObserversLocked()
				break
			}
		}
	}
	m.mu.Unlock()
	fire(change)
}

func (m *Manager) announce(ctx context.Context, j models.Job) {
	if m.pub == nil {
		return
	}
	ev := feed.Event{Type: feed.TypeJobStatusChanged, Job: j, At: time.Now().UTC()}
	if err := m.pub.Publish(ctx, ev); err != nil && m.log != nil {
		m.log.Warn("pool: announce failed", "job_id", j.ID, "error", err)
	}
}

func (m *Manager) newJobObserversLocked() []func(models.Job) {
	out := make([]func(models.Job), len(m.onNewJob))
	copy(out, m.onNewJob)
	return out
}

func (m *Manager) changeObserversLocked() []func() {
	out := make([]func(), len(m.onChange))
	copy(out, m.onChange)
	return out
}

func fire(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
