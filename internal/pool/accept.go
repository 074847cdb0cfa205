package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/immerspwada/deliber-sub005/internal/models"
	"github.com/immerspwada/deliber-sub005/internal/observability"
	"github.com/immerspwada/deliber-sub005/internal/store"
)

// Accept claims a job for this provider. The race against other providers
// is settled entirely by the store's conditional update: one caller's
// predicate matches, everyone else gets store.ErrAlreadyAccepted and must
// drop the job without retrying. Synthetic entries short-circuit the
// protocol — nobody can contend for data that exists only in this process.
func (m *Manager) Accept(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	var target *models.Job
	for i := range m.available {
		if m.available[i].ID == jobID {
			cp := m.available[i]
			target = &cp
			break
		}
	}
	m.mu.Unlock()

	if target != nil && target.Synthetic {
		return m.acceptSynthetic(ctx, *target)
	}

	now := time.Now().UTC()
	if err := m.store.TryAcceptJob(ctx, jobID, m.cfg.ProviderID, now); err != nil {
		if errors.Is(err, store.ErrAlreadyAccepted) {
			// Expected contention loss: silently drop the job locally.
			observability.AcceptConflicts.Inc()
			m.removeFromPool(jobID)
			return nil, err
		}
		// Transport/store failure: the pool is left untouched and the caller
		// must not assume the job is still available.
		return nil, fmt.Errorf("accept job %s: %w", jobID, err)
	}

	// Our write won; re-read the authoritative record.
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("fetch accepted job %s: %w", jobID, err)
	}

	m.mu.Lock()
	cp := *j
	m.current = &cp
	m.mu.Unlock()
	m.removeFromPool(jobID)
	observability.JobsAcceptedTotal.Inc()

	// Track the job's own channel so later pushes (operator override,
	// customer cancellation) reach this session.
	if sub, err := m.feed.SubscribeJob(ctx, jobID); err == nil {
		m.mu.Lock()
		if old := m.jobSub; old != nil {
			m.mu.Unlock()
			_ = old.Close()
			m.mu.Lock()
		}
		m.jobSub = sub
		m.mu.Unlock()
		m.forward(sub)
	} else if m.log != nil {
		m.log.Warn("pool: job subscription failed", "job_id", jobID, "error", err)
	}

	m.announce(ctx, *j)
	out := *j
	return &out, nil
}

func (m *Manager) acceptSynthetic(ctx context.Context, j models.Job) (*models.Job, error) {
	// Simulated round trip so degraded mode feels like the real flow.
	select {
	case <-time.After(m.cfg.SyntheticAcceptDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	now := time.Now().UTC()
	j.Status = models.StatusMatched
	j.ProviderID = m.cfg.ProviderID
	j.MatchedAt = &now
	j.UpdatedAt = now
	m.mu.Lock()
	cp := j
	m.current = &cp
	m.mu.Unlock()
	m.removeFromPool(j.ID)
	return &j, nil
}

func (m *Manager) removeFromPool(jobID string) {
	m.mu.Lock()
	var change []func()
	for i := range m.available {
		if m.available[i].ID == jobID {
			m.available = append(m.available[:i], m.available[i+1:]...)
			observability.PoolSize.Set(float64(len(m.available)))
			change = m.changeObserversLocked()
			break
		}
	}
	m.mu.Unlock()
	fire(change)
}
