// Package store is the client-side view of the remote data store. The store
// is trusted for two things the rest of the core builds on: a conditional
// row update with compare-and-swap semantics (job acceptance) and a
// multi-table atomic transaction (cancellation and completion).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

var (
	// ErrNotFound means no job row exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyAccepted is the contention-loss outcome of TryAcceptJob:
	// the conditional update matched zero rows because another provider won.
	// Expected and non-exceptional; callers drop the job and do not retry.
	ErrAlreadyAccepted = errors.New("job already accepted by another provider")
	// ErrInvalidState means the row's current status does not permit the
	// requested mutation.
	ErrInvalidState = errors.New("job status does not permit this operation")
)

// Settlement is the monetary outcome of completing a job.
type Settlement struct {
	FinalFare   float64 `json:"final_fare"`
	PlatformFee float64 `json:"platform_fee"`
	ProviderNet float64 `json:"provider_net"`
}

// CancelParams describes one atomic cancellation. Fee is evaluated inside
// the transaction, after the row is locked, so the fee always reflects the
// authoritative prior status rather than a possibly stale client read.
type CancelParams struct {
	JobID     string
	ActorID   string
	ActorRole string
	Reason    string
	At        time.Time
	Fee       func(prior models.JobStatus) float64
}

// CancelResult reports what the committed transaction actually did.
// HoldRef is the external payment reference of the released hold, empty if
// no hold existed.
type CancelResult struct {
	PriorStatus  models.JobStatus
	RefundAmount float64
	Fee          float64
	HoldRef      string
}

// Store is the capability set consumed from the remote data store. Every
// method is one request; partial failure inside a method never leaves a
// partially applied state.
type Store interface {
	// Ping is the lightweight health-probe read.
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ListOpenJobs returns pending, unassigned jobs in the given categories,
	// newest first, capped at limit.
	ListOpenJobs(ctx context.Context, cats []models.ServiceCategory, limit int) ([]models.Job, error)

	// TryAcceptJob performs the conditional update
	//   SET status=matched, provider_id=$provider, matched_at=$at
	//   WHERE id=$job AND status='pending' AND provider_id IS NULL
	// and appends the matching audit entry in the same unit of work.
	// Zero rows updated surfaces as ErrAlreadyAccepted (or ErrNotFound when
	// the row does not exist at all).
	TryAcceptJob(ctx context.Context, jobID, providerID string, at time.Time) error

	// UpdateJobStatus writes the new status plus its per-status timestamp
	// column and appends the audit entry. The caller validates the
	// transition first; the store only guards against lost updates.
	UpdateJobStatus(ctx context.Context, jobID string, next models.JobStatus, entry models.AuditEntry) error

	// CompleteJob atomically finalizes the fare, splits it between provider
	// and platform at providerShare, settles the customer's hold, and
	// appends the audit entry.
	CompleteJob(ctx context.Context, jobID string, finalFare, providerShare float64, entry models.AuditEntry) (Settlement, error)

	// CancelJob atomically flips the job to cancelled, releases the
	// monetary hold, credits the refund, and appends the audit entry.
	// On any failure the prior status and the wallet are untouched.
	CancelJob(ctx context.Context, p CancelParams) (CancelResult, error)

	// OverrideStatus is the operator escape hatch: an unconditional write
	// that bypasses transition validation but still appends an audit entry
	// tagged with the override role.
	OverrideStatus(ctx context.Context, jobID string, next models.JobStatus, entry models.AuditEntry) error

	// PlaceHold reserves amount from the customer's balance against the
	// job's estimated fare, recording the external payment reference.
	PlaceHold(ctx context.Context, jobID, customerID string, amount float64, ref string) error
}
