package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

// Memory is an in-process Store used when no DSN is configured and in
// tests. It reproduces the remote store's two critical behaviors exactly:
// TryAcceptJob is a compare-and-swap under one lock, and CancelJob stages
// every mutation and applies them all or none.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	wallets map[string]*Wallet
	holds   map[string]*Hold
	audit   []models.AuditEntry

	failNext map[string]error
}

// Wallet is a customer balance with a reserved (held) portion.
type Wallet struct {
	Balance float64
	Held    float64
}

// Hold reserves part of a wallet against one job's estimated fare.
type Hold struct {
	JobID      string
	CustomerID string
	Amount     float64
	Ref        string
	Released   bool
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*models.Job),
		wallets:  make(map[string]*Wallet),
		holds:    make(map[string]*Hold),
		failNext: make(map[string]error),
	}
}

// Cancellation step names accepted by FailNext.
const (
	StepValidate = "validate"
	StepFee      = "fee"
	StepRelease  = "release"
	StepWrite    = "write"
	StepAudit    = "audit"
)

// FailNext arms a one-shot failure at the named cancellation step. Used by
// tests to prove the transaction never half-applies.
func (m *Memory) FailNext(step string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[step] = err
}

func (m *Memory) tripLocked(step string) error {
	if err, ok := m.failNext[step]; ok {
		delete(m.failNext, step)
		return err
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) CreateJob(ctx context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) ListOpenJobs(ctx context.Context, cats []models.ServiceCategory, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[models.ServiceCategory]bool, len(cats))
	for _, c := range cats {
		want[c] = true
	}
	out := make([]models.Job, 0, limit)
	for _, j := range m.jobs {
		if j.Status != models.StatusPending || j.ProviderID != "" {
			continue
		}
		if len(want) > 0 && !want[j.Category] {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TryAcceptJob(ctx context.Context, jobID, providerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	// The CAS predicate: exactly one caller sees it hold.
	if j.Status != models.StatusPending || j.ProviderID != "" {
		return ErrAlreadyAccepted
	}
	j.Status = models.StatusMatched
	j.ProviderID = providerID
	j.MatchedAt = &at
	j.UpdatedAt = at
	m.audit = append(m.audit, models.AuditEntry{
		EntityType:   "job",
		EntityID:     j.ID,
		TrackingCode: j.TrackingCode,
		OldStatus:    models.StatusPending,
		NewStatus:    models.StatusMatched,
		ActorID:      providerID,
		ActorRole:    models.RoleProvider,
		At:           at,
	})
	return nil
}

func (m *Memory) UpdateJobStatus(ctx context.Context, jobID string, next models.JobStatus, entry models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrInvalidState
	}
	applyStatusLocked(j, next, entry.At)
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) CompleteJob(ctx context.Context, jobID string, finalFare, providerShare float64, entry models.AuditEntry) (Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	if j.Status != models.StatusInProgress {
		return Settlement{}, ErrInvalidState
	}
	if finalFare <= 0 {
		finalFare = j.EstimatedFare
	}
	s := Settlement{
		FinalFare:   finalFare,
		ProviderNet: finalFare * providerShare,
		PlatformFee: finalFare * (1 - providerShare),
	}
	if h, ok := m.holds[jobID]; ok && !h.Released {
		w := m.walletLocked(h.CustomerID)
		w.Held -= h.Amount
		h.Released = true
	}
	applyStatusLocked(j, models.StatusCompleted, entry.At)
	j.FinalFare = finalFare
	m.audit = append(m.audit, entry)
	return s, nil
}

func (m *Memory) CancelJob(ctx context.Context, p CancelParams) (CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Step 1: validate against the authoritative row.
	if err := m.tripLocked(StepValidate); err != nil {
		return CancelResult{}, err
	}
	j, ok := m.jobs[p.JobID]
	if !ok {
		return CancelResult{}, ErrNotFound
	}
	if j.Status.Terminal() {
		return CancelResult{}, ErrInvalidState
	}
	prior := j.Status

	// Step 2: compute the fee and refund.
	if err := m.tripLocked(StepFee); err != nil {
		return CancelResult{}, err
	}
	var fee float64
	if p.Fee != nil {
		fee = p.Fee(prior)
	}

	// Step 3: release the hold. Staged; nothing is applied yet.
	if err := m.tripLocked(StepRelease); err != nil {
		return CancelResult{}, err
	}
	var refund float64
	h := m.holds[p.JobID]
	if h != nil && !h.Released {
		refund = h.Amount - fee
		if refund < 0 {
			refund = 0
		}
	}

	// Step 4: the status write.
	if err := m.tripLocked(StepWrite); err != nil {
		return CancelResult{}, err
	}

	// Step 5: the audit append.
	if err := m.tripLocked(StepAudit); err != nil {
		return CancelResult{}, err
	}

	// Commit point: apply every staged mutation together.
	if h != nil && !h.Released {
		w := m.walletLocked(h.CustomerID)
		w.Held -= h.Amount
		w.Balance += refund
		h.Released = true
	}
	applyStatusLocked(j, models.StatusCancelled, p.At)
	j.CancelledBy = p.ActorID
	j.CancelledByRole = p.ActorRole
	j.CancelReason = p.Reason
	m.audit = append(m.audit, models.AuditEntry{
		EntityType:   "job",
		EntityID:     j.ID,
		TrackingCode: j.TrackingCode,
		OldStatus:    prior,
		NewStatus:    models.StatusCancelled,
		ActorID:      p.ActorID,
		ActorRole:    p.ActorRole,
		At:           p.At,
	})
	res := CancelResult{PriorStatus: prior, RefundAmount: refund, Fee: fee}
	if h != nil {
		res.HoldRef = h.Ref
	}
	return res, nil
}

func (m *Memory) OverrideStatus(ctx context.Context, jobID string, next models.JobStatus, entry models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	applyStatusLocked(j, next, entry.At)
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) PlaceHold(ctx context.Context, jobID, customerID string, amount float64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.walletLocked(customerID)
	w.Balance -= amount
	w.Held += amount
	m.holds[jobID] = &Hold{JobID: jobID, CustomerID: customerID, Amount: amount, Ref: ref}
	return nil
}

// Credit seeds a wallet balance. Test helper.
func (m *Memory) Credit(customerID string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walletLocked(customerID).Balance += amount
}

// WalletOf returns a snapshot of a customer's wallet.
func (m *Memory) WalletOf(customerID string) Wallet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.walletLocked(customerID)
}

// AuditEntries returns a copy of the audit log in append order.
func (m *Memory) AuditEntries() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *Memory) walletLocked(customerID string) *Wallet {
	w, ok := m.wallets[customerID]
	if !ok {
		w = &Wallet{}
		m.wallets[customerID] = w
	}
	return w
}

func applyStatusLocked(j *models.Job, next models.JobStatus, at time.Time) {
	j.Status = next
	j.UpdatedAt = at
	switch next {
	case models.StatusMatched:
		j.MatchedAt = &at
	case models.StatusCompleted:
		j.CompletedAt = &at
	case models.StatusCancelled:
		j.CancelledAt = &at
	}
}
