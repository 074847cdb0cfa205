// Package fallback keeps the provider-facing pool alive while the remote
// store is unreachable by substituting locally generated jobs, then
// reconciles back to live data once connectivity recovers.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/immerspwada/deliber-sub005/internal/health"
	"github.com/immerspwada/deliber-sub005/internal/models"
	"github.com/immerspwada/deliber-sub005/internal/observability"
	"github.com/immerspwada/deliber-sub005/internal/pool"
)

// Config tunes synthetic job generation.
type Config struct {
	Interval   time.Duration // generator tick, default 15s
	Chance     float64       // per-tick generation probability, default 0.3
	SeedSize   int           // jobs injected on activation, default 3
	Reference  models.Coord  // synthetic pickups scatter around this point
	Categories []models.ServiceCategory
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Chance <= 0 || c.Chance > 1 {
		c.Chance = 0.3
	}
	if c.SeedSize <= 0 {
		c.SeedSize = 3
	}
	if len(c.Categories) == 0 {
		c.Categories = []models.ServiceCategory{models.CategoryRide}
	}
	return c
}

// Engine watches connectivity and drives the pool in and out of synthetic
// mode. Exactly one generator timer runs while active; it is always
// stopped on deactivation or Stop.
type Engine struct {
	pool    *pool.Manager
	monitor *health.Monitor
	cfg     Config
	log     *slog.Logger

	mu       sync.Mutex
	active   bool
	seq      int
	stopTick chan struct{}
	wg       sync.WaitGroup
}

func NewEngine(p *pool.Manager, m *health.Monitor, cfg Config, log *slog.Logger) *Engine {
	return &Engine{pool: p, monitor: m, cfg: cfg.withDefaults(), log: log}
}

// Start hooks the engine to the health monitor and applies the current
// state once, in case the session started already degraded.
func (e *Engine) Start(ctx context.Context) {
	e.monitor.OnChange(func(health.State) { e.evaluate(ctx) })
	e.evaluate(ctx)
}

// Stop deactivates the generator without touching the store. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	close(e.stopTick)
	e.stopTick = nil
	e.mu.Unlock()
	e.wg.Wait()
}

// Active reports whether synthetic mode is on.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// RunningTimers counts generator timers attributable to this engine.
func (e *Engine) RunningTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return 1
	}
	return 0
}

func (e *Engine) evaluate(ctx context.Context) {
	if e.monitor.ShouldUseFallback() {
		e.activate()
	} else {
		e.deactivate(ctx)
	}
}

func (e *Engine) activate() {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return
	}
	e.active = true
	stop := make(chan struct{})
	e.stopTick = stop
	seed := make([]models.Job, 0, e.cfg.SeedSize)
	for i := 0; i < e.cfg.SeedSize; i++ {
		seed = append(seed, e.generateLocked())
	}
	e.mu.Unlock()

	observability.FallbackActivations.Inc()
	if e.log != nil {
		e.log.Info("fallback: serving synthetic jobs", "seed", len(seed))
	}
	e.pool.EnterFallback(seed)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if rand.Float64() < e.cfg.Chance {
					e.mu.Lock()
					j := e.generateLocked()
					e.mu.Unlock()
					e.pool.InsertSynthetic(j)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (e *Engine) deactivate(ctx context.Context) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	close(e.stopTick)
	e.stopTick = nil
	e.mu.Unlock()
	e.wg.Wait()

	if e.log != nil {
		e.log.Info("fallback: connectivity restored, rehydrating from store")
	}
	if err := e.pool.ExitFallback(ctx); err != nil && e.log != nil {
		e.log.Error("fallback: rehydrate failed", "error", err)
	}
}

// generateLocked builds one synthetic job near the reference point. Callers
// hold e.mu for the sequence counter.
func (e *Engine) generateLocked() models.Job {
	e.seq++
	now := time.Now().UTC()
	cat := e.cfg.Categories[rand.IntN(len(e.cfg.Categories))]
	// ±0.027 degrees is roughly a 3 km scatter.
	pickup := models.Coord{
		Lat: e.cfg.Reference.Lat + (rand.Float64()-0.5)*0.054,
		Lng: e.cfg.Reference.Lng + (rand.Float64()-0.5)*0.054,
	}
	dropoff := models.Coord{
		Lat: pickup.Lat + (rand.Float64()-0.5)*0.09,
		Lng: pickup.Lng + (rand.Float64()-0.5)*0.09,
	}
	observability.SyntheticJobsTotal.Inc()
	return models.Job{
		ID:            fmt.Sprintf("sim-%d-%d", now.UnixNano(), e.seq),
		TrackingCode:  fmt.Sprintf("SIM-%s-%04d", now.Format("20060102"), e.seq),
		CustomerID:    fmt.Sprintf("offline-customer-%d", e.seq),
		Category:      cat,
		Pickup:        pickup,
		PickupAddress: "nearby pickup (offline estimate)",
		Dropoff:       &dropoff,
		EstimatedFare: 4 + rand.Float64()*21,
		Status:        models.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Synthetic:     true,
	}
}
