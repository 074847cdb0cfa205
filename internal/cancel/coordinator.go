// Package cancel composes a status transition with the monetary hold
// release into one all-or-nothing operation. Atomicity is delegated to the
// store's transaction; the coordinator never produces a state where the job
// reads cancelled but the hold was kept, or the reverse.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/immerspwada/deliber-sub005/internal/lifecycle"
	"github.com/immerspwada/deliber-sub005/internal/models"
	"github.com/immerspwada/deliber-sub005/internal/observability"
	"github.com/immerspwada/deliber-sub005/internal/payments"
	"github.com/immerspwada/deliber-sub005/internal/store"
)

// ErrNotCancellable is returned without any store mutation when the job is
// already in a terminal state.
var ErrNotCancellable = errors.New("job can no longer be cancelled")

// FeePolicy decides the cancellation fee. Only customer-initiated
// cancellation after matching may carry one; provider- and
// operator-initiated cancellations always refund in full.
type FeePolicy interface {
	Fee(prior models.JobStatus, actorRole string) float64
}

// FlatFee is the default policy: a fixed fee for customer cancellation once
// a provider has been assigned, zero otherwise. The amount comes from
// configuration, not from this package.
type FlatFee struct {
	CustomerPostMatchFee float64
}

func (p FlatFee) Fee(prior models.JobStatus, actorRole string) float64 {
	if actorRole != models.RoleCustomer {
		return 0
	}
	if prior.Rank() >= models.StatusMatched.Rank() && !prior.Terminal() {
		return p.CustomerPostMatchFee
	}
	return 0
}

// Trail is the append side of the audit stream. Satisfied by
// audit.Producer; nil disables streaming (the store's audit row remains).
type Trail interface {
	Append(ctx context.Context, e models.AuditEntry) error
}

// Result is the outcome of a committed cancellation.
type Result struct {
	PriorStatus  models.JobStatus `json:"prior_status"`
	RefundAmount float64          `json:"refund_amount"`
	Fee          float64          `json:"fee"`
}

// Coordinator runs cancellations end to end.
type Coordinator struct {
	store   store.Store
	policy  FeePolicy
	trail   Trail
	gateway payments.Gateway
	log     *slog.Logger
}

func NewCoordinator(st store.Store, policy FeePolicy, trail Trail, gw payments.Gateway, log *slog.Logger) *Coordinator {
	if policy == nil {
		policy = FlatFee{}
	}
	return &Coordinator{store: st, policy: policy, trail: trail, gateway: gw, log: log}
}

// Cancel validates, computes the refund, and executes the atomic store
// transaction. On any failure the job's prior status and the wallet are
// unchanged; there is no partial outcome to report.
func (c *Coordinator) Cancel(ctx context.Context, jobID, actorID, actorRole, reason string) (Result, error) {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if !lifecycle.CanCancel(j.Status) {
		return Result{}, fmt.Errorf("%w: status is %s", ErrNotCancellable, j.Status)
	}

	now := time.Now().UTC()
	res, err := c.store.CancelJob(ctx, store.CancelParams{
		JobID:     jobID,
		ActorID:   actorID,
		ActorRole: actorRole,
		Reason:    reason,
		At:        now,
		// Evaluated inside the transaction against the locked row, so a
		// status race between our read above and the commit cannot skew
		// the fee.
		Fee: func(prior models.JobStatus) float64 { return c.policy.Fee(prior, actorRole) },
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			return Result{}, fmt.Errorf("%w: already terminal", ErrNotCancellable)
		}
		return Result{}, err
	}
	observability.CancellationsTotal.Inc()

	// Post-commit, best-effort side effects. The store row is the record of
	// truth; these only mirror it outward.
	if c.trail != nil {
		entry := models.AuditEntry{
			EntityType:   "job",
			EntityID:     jobID,
			TrackingCode: j.TrackingCode,
			OldStatus:    res.PriorStatus,
			NewStatus:    models.StatusCancelled,
			ActorID:      actorID,
			ActorRole:    actorRole,
			At:           now,
		}
		if err := c.trail.Append(ctx, entry); err != nil && c.log != nil {
			c.log.Warn("cancel: audit stream append failed", "job_id", jobID, "error", err)
		}
	}
	if c.gateway != nil && res.HoldRef != "" {
		if err := c.gateway.Release(ctx, res.HoldRef); err != nil && c.log != nil {
			c.log.Warn("cancel: payment hold release failed, queued for reconciliation",
				"job_id", jobID, "hold_ref", res.HoldRef, "error", err)
		}
	}
	return Result{PriorStatus: res.PriorStatus, RefundAmount: res.RefundAmount, Fee: res.Fee}, nil
}
