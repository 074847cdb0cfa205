package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immerspwada/deliber-sub005/internal/cancel"
	"github.com/immerspwada/deliber-sub005/internal/feed"
	"github.com/immerspwada/deliber-sub005/internal/models"
	"github.com/immerspwada/deliber-sub005/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory, *feed.Memory) {
	t.Helper()
	st := store.NewMemory()
	fd := feed.NewMemory()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := cancel.NewCoordinator(st, cancel.FlatFee{CustomerPostMatchFee: 2.50}, nil, nil, quiet)
	return NewServer(st, fd, coord, nil, nil, quiet), st, fd
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func customerHeaders() map[string]string {
	return map[string]string{headerActorID: "cust-1", headerActorRole: models.RoleCustomer}
}

func createRide(t *testing.T, s *Server) models.Job {
	t.Helper()
	rr := doJSON(t, s, "POST", "/api/v1/jobs", map[string]any{
		"category":       "ride",
		"pickup":         map[string]float64{"lat": 13.75, "lng": 100.50},
		"pickup_address": "Siam Square",
		"dropoff":        map[string]float64{"lat": 13.80, "lng": 100.55},
		"estimated_fare": 120.0,
		"details":        map[string]any{"passengers": 2},
	}, customerHeaders())
	require.Equal(t, 201, rr.Code, rr.Body.String())
	var j models.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &j))
	return j
}

func TestCreateJob(t *testing.T) {
	s, st, _ := newTestServer(t)
	j := createRide(t, s)

	assert.NotEmpty(t, j.ID)
	assert.True(t, strings.HasPrefix(j.TrackingCode, "RD-"), "ride codes carry the RD prefix")
	assert.Equal(t, models.StatusPending, j.Status)
	assert.Equal(t, "cust-1", j.CustomerID)
	ride, ok := j.Details.(*models.RideDetails)
	require.True(t, ok)
	assert.Equal(t, 2, ride.Passengers)

	w := st.WalletOf("cust-1")
	assert.Equal(t, 120.0, w.Held, "the estimated fare is reserved on creation")
}

func TestCreateJobValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr := doJSON(t, s, "POST", "/api/v1/jobs", map[string]any{
		"category": "ride", "estimated_fare": 50.0,
	}, nil)
	assert.Equal(t, 401, rr.Code, "identity headers are required")

	rr = doJSON(t, s, "POST", "/api/v1/jobs", map[string]any{
		"category": "teleport", "estimated_fare": 50.0,
	}, customerHeaders())
	assert.Equal(t, 400, rr.Code)

	rr = doJSON(t, s, "POST", "/api/v1/jobs", map[string]any{
		"category": "ride", "estimated_fare": 0.0,
	}, customerHeaders())
	assert.Equal(t, 400, rr.Code)
}

func TestGetJob(t *testing.T) {
	s, _, _ := newTestServer(t)
	j := createRide(t, s)

	rr := doJSON(t, s, "GET", "/api/v1/jobs/"+j.ID, nil, nil)
	require.Equal(t, 200, rr.Code)
	var got models.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, j.ID, got.ID)

	rr = doJSON(t, s, "GET", "/api/v1/jobs/nope", nil, nil)
	assert.Equal(t, 404, rr.Code)
}

func TestCancelJob(t *testing.T) {
	s, st, _ := newTestServer(t)
	st.Credit("cust-1", 200)
	j := createRide(t, s)

	rr := doJSON(t, s, "POST", "/api/v1/jobs/"+j.ID+"/cancel",
		map[string]string{"reason": "waited too long"}, customerHeaders())
	require.Equal(t, 200, rr.Code, rr.Body.String())

	var resp struct {
		Success      bool    `json:"success"`
		RefundAmount float64 `json:"refund_amount"`
		Fee          float64 `json:"fee"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 120.0, resp.RefundAmount, "pre-match cancellation refunds in full")
	assert.Zero(t, resp.Fee)

	w := st.WalletOf("cust-1")
	assert.Equal(t, 200.0, w.Balance)
	assert.Zero(t, w.Held)

	// Cancelling again conflicts: the job is terminal now.
	rr = doJSON(t, s, "POST", "/api/v1/jobs/"+j.ID+"/cancel", nil, customerHeaders())
	assert.Equal(t, 409, rr.Code)
}

func TestCancelJobPostMatchFee(t *testing.T) {
	s, st, _ := newTestServer(t)
	st.Credit("cust-1", 200)
	j := createRide(t, s)
	require.NoError(t, st.TryAcceptJob(t.Context(), j.ID, "prov-1", time.Now().UTC()))

	rr := doJSON(t, s, "POST", "/api/v1/jobs/"+j.ID+"/cancel", nil, customerHeaders())
	require.Equal(t, 200, rr.Code)

	var resp struct {
		RefundAmount float64 `json:"refund_amount"`
		Fee          float64 `json:"fee"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2.50, resp.Fee)
	assert.Equal(t, 117.50, resp.RefundAmount)
}

func TestCancelJobRequiresIdentity(t *testing.T) {
	s, _, _ := newTestServer(t)
	j := createRide(t, s)
	rr := doJSON(t, s, "POST", "/api/v1/jobs/"+j.ID+"/cancel", nil, nil)
	assert.Equal(t, 401, rr.Code)
}

func TestOverrideRequiresAdmin(t *testing.T) {
	s, _, _ := newTestServer(t)
	j := createRide(t, s)

	rr := doJSON(t, s, "POST", "/api/v1/jobs/"+j.ID+"/override",
		map[string]string{"status": "in_progress"}, customerHeaders())
	assert.Equal(t, 403, rr.Code)
}

func TestOverrideSkipsValidationButAudits(t *testing.T) {
	s, st, _ := newTestServer(t)
	j := createRide(t, s)
	admin := map[string]string{headerActorID: "op-7", headerActorRole: models.RoleAdmin}

	// pending -> picked_up is unreachable through the normal state machine.
	rr := doJSON(t, s, "POST", "/api/v1/jobs/"+j.ID+"/override",
		map[string]string{"status": "picked_up", "reason": "support case 4411"}, admin)
	require.Equal(t, 200, rr.Code, rr.Body.String())

	var resp struct {
		Success  bool             `json:"success"`
		From     models.JobStatus `json:"from"`
		To       models.JobStatus `json:"to"`
		WasValid bool             `json:"was_valid"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, models.StatusPending, resp.From)
	assert.Equal(t, models.StatusPickedUp, resp.To)
	assert.False(t, resp.WasValid, "the bypass is reported, not hidden")

	got, err := st.GetJob(t.Context(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPickedUp, got.Status)

	entries := st.AuditEntries()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, models.RoleAdminOverride, last.ActorRole)
	assert.Equal(t, "op-7", last.ActorID)

	rr = doJSON(t, s, "POST", "/api/v1/jobs/"+j.ID+"/override",
		map[string]string{"status": "teleporting"}, admin)
	assert.Equal(t, 400, rr.Code, "unknown statuses are still rejected")
}

func TestReadyAndHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	assert.Equal(t, 200, doJSON(t, s, "GET", "/healthz", nil, nil).Code)
	assert.Equal(t, 200, doJSON(t, s, "GET", "/ready", nil, nil).Code)
}

func TestCreateJobPublishesToFeed(t *testing.T) {
	s, _, fd := newTestServer(t)
	sub, err := fd.SubscribeCategory(t.Context(), models.CategoryRide)
	require.NoError(t, err)
	defer sub.Close()

	j := createRide(t, s)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, feed.TypeJobCreated, ev.Type)
		assert.Equal(t, j.ID, ev.Job.ID)
	case <-time.After(time.Second):
		t.Fatal("creation was never announced on the feed")
	}
}
