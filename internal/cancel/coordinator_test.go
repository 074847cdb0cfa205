package cancel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immerspwada/deliber-sub005/internal/models"
	"github.com/immerspwada/deliber-sub005/internal/store"
)

type recordingTrail struct {
	entries []models.AuditEntry
	err     error
}

func (r *recordingTrail) Append(_ context.Context, e models.AuditEntry) error {
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

type recordingGateway struct {
	holds    int
	released []string
	relErr   error
}

func (g *recordingGateway) Hold(context.Context, int64, string, string) (string, error) {
	g.holds++
	return "pi_test", nil
}
func (g *recordingGateway) Capture(context.Context, string) error { return nil }
func (g *recordingGateway) Release(_ context.Context, ref string) error {
	if g.relErr != nil {
		return g.relErr
	}
	g.released = append(g.released, ref)
	return nil
}

func seedJob(t *testing.T, m *store.Memory, status models.JobStatus) *models.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	j := &models.Job{
		ID:            "job-1",
		TrackingCode:  "RD-20260830-ABC123",
		CustomerID:    "cust-1",
		Category:      models.CategoryRide,
		EstimatedFare: 100,
		Status:        models.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, m.CreateJob(ctx, j))
	m.Credit("cust-1", 150)
	require.NoError(t, m.PlaceHold(ctx, j.ID, "cust-1", 100, "pi_test"))
	if status != models.StatusPending {
		require.NoError(t, m.OverrideStatus(ctx, j.ID, status, models.AuditEntry{At: now}))
		j.Status = status
	}
	return j
}

func TestFlatFeePolicy(t *testing.T) {
	p := FlatFee{CustomerPostMatchFee: 2.50}

	cases := []struct {
		prior models.JobStatus
		role  string
		want  float64
	}{
		{models.StatusPending, models.RoleCustomer, 0},
		{models.StatusMatched, models.RoleCustomer, 2.50},
		{models.StatusArriving, models.RoleCustomer, 2.50},
		{models.StatusArrived, models.RoleCustomer, 2.50},
		{models.StatusInProgress, models.RoleCustomer, 2.50},
		{models.StatusMatched, models.RoleProvider, 0},
		{models.StatusMatched, models.RoleAdmin, 0},
		{models.StatusMatched, models.RoleAdminOverride, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Fee(tc.prior, tc.role), "fee(%s, %s)", tc.prior, tc.role)
	}
}

func TestCancelBeforeMatchFullRefund(t *testing.T) {
	m := store.NewMemory()
	seedJob(t, m, models.StatusPending)
	trail := &recordingTrail{}
	gw := &recordingGateway{}
	c := NewCoordinator(m, FlatFee{CustomerPostMatchFee: 2.50}, trail, gw, nil)

	res, err := c.Cancel(context.Background(), "job-1", "cust-1", models.RoleCustomer, "waited too long")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, res.PriorStatus)
	assert.Equal(t, 100.0, res.RefundAmount)
	assert.Zero(t, res.Fee)

	assert.Equal(t, 150.0, m.WalletOf("cust-1").Balance)
	require.Len(t, trail.entries, 1)
	assert.Equal(t, models.StatusCancelled, trail.entries[0].NewStatus)
	assert.Equal(t, []string{"pi_test"}, gw.released)
}

func TestCancelAfterMatchChargesFee(t *testing.T) {
	m := store.NewMemory()
	seedJob(t, m, models.StatusMatched)
	c := NewCoordinator(m, FlatFee{CustomerPostMatchFee: 2.50}, nil, nil, nil)

	res, err := c.Cancel(context.Background(), "job-1", "cust-1", models.RoleCustomer, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, res.PriorStatus)
	assert.Equal(t, 97.50, res.RefundAmount)
	assert.Equal(t, 2.50, res.Fee)
}

func TestProviderCancelNoFee(t *testing.T) {
	m := store.NewMemory()
	seedJob(t, m, models.StatusArriving)
	c := NewCoordinator(m, FlatFee{CustomerPostMatchFee: 2.50}, nil, nil, nil)

	res, err := c.Cancel(context.Background(), "job-1", "prov-1", models.RoleProvider, "vehicle trouble")
	require.NoError(t, err)
	assert.Zero(t, res.Fee)
	assert.Equal(t, 100.0, res.RefundAmount)
}

func TestCancelTerminalJobRejected(t *testing.T) {
	m := store.NewMemory()
	seedJob(t, m, models.StatusCompleted)
	c := NewCoordinator(m, FlatFee{}, nil, nil, nil)

	_, err := c.Cancel(context.Background(), "job-1", "cust-1", models.RoleCustomer, "")
	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.Zero(t, m.WalletOf("cust-1").Balance+m.WalletOf("cust-1").Held-150,
		"rejected cancel must not touch the wallet")
}

func TestCancelUnknownJob(t *testing.T) {
	c := NewCoordinator(store.NewMemory(), FlatFee{}, nil, nil, nil)
	_, err := c.Cancel(context.Background(), "missing", "cust-1", models.RoleCustomer, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// A store failure mid-transaction surfaces as an error and leaves every
// record untouched; the trail and gateway never hear about it.
func TestCancelStoreFailureLeavesNoTrace(t *testing.T) {
	boom := errors.New("injected")
	for _, step := range []string{store.StepValidate, store.StepFee, store.StepRelease, store.StepWrite, store.StepAudit} {
		t.Run(step, func(t *testing.T) {
			m := store.NewMemory()
			seedJob(t, m, models.StatusPending)
			trail := &recordingTrail{}
			gw := &recordingGateway{}
			c := NewCoordinator(m, FlatFee{CustomerPostMatchFee: 2.50}, trail, gw, nil)
			m.FailNext(step, boom)

			_, err := c.Cancel(context.Background(), "job-1", "cust-1", models.RoleCustomer, "")
			require.ErrorIs(t, err, boom)

			j, getErr := m.GetJob(context.Background(), "job-1")
			require.NoError(t, getErr)
			assert.Equal(t, models.StatusPending, j.Status)
			assert.Equal(t, 100.0, m.WalletOf("cust-1").Held)
			assert.Empty(t, trail.entries)
			assert.Empty(t, gw.released)
		})
	}
}

// Audit-stream and gateway failures after the commit are tolerated: the
// cancellation already happened and must be reported as a success.
func TestCancelPostCommitFailuresAreBestEffort(t *testing.T) {
	m := store.NewMemory()
	seedJob(t, m, models.StatusPending)
	trail := &recordingTrail{err: errors.New("kafka down")}
	gw := &recordingGateway{relErr: errors.New("stripe down")}
	c := NewCoordinator(m, FlatFee{}, trail, gw, nil)

	res, err := c.Cancel(context.Background(), "job-1", "cust-1", models.RoleCustomer, "")
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.RefundAmount)

	j, _ := m.GetJob(context.Background(), "job-1")
	assert.Equal(t, models.StatusCancelled, j.Status)
}

func TestCancelFeeEvaluatedAgainstLockedStatus(t *testing.T) {
	// The coordinator reads pending, but by commit time the job is matched.
	// The fee must follow the transaction's view, not the stale read.
	m := store.NewMemory()
	seedJob(t, m, models.StatusMatched)
	c := NewCoordinator(m, FlatFee{CustomerPostMatchFee: 2.50}, nil, nil, nil)

	res, err := c.Cancel(context.Background(), "job-1", "cust-1", models.RoleCustomer, "")
	require.NoError(t, err)
	assert.Equal(t, 2.50, res.Fee)
}
