package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/immerspwada/deliber-sub005/internal/cancel"
	"github.com/immerspwada/deliber-sub005/internal/dispatch"
	"github.com/immerspwada/deliber-sub005/internal/feed"
	"github.com/immerspwada/deliber-sub005/internal/lifecycle"
	"github.com/immerspwada/deliber-sub005/internal/models"
	"github.com/immerspwada/deliber-sub005/internal/observability"
	"github.com/immerspwada/deliber-sub005/internal/store"
)

// Caller identity is consumed from the session layer as opaque headers.
const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

type createJobRequest struct {
	Category       models.ServiceCategory `json:"category"`
	Pickup         models.Coord           `json:"pickup"`
	PickupAddress  string                 `json:"pickup_address"`
	Dropoff        *models.Coord          `json:"dropoff,omitempty"`
	DropoffAddress string                 `json:"dropoff_address,omitempty"`
	EstimatedFare  float64                `json:"estimated_fare"`
	Details        json.RawMessage        `json:"details,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if !req.Category.Valid() {
		http.Error(w, "unknown service category", 400)
		return
	}
	if req.EstimatedFare <= 0 {
		http.Error(w, "estimated_fare must be > 0", 400)
		return
	}
	customerID := r.Header.Get(headerActorID)
	if customerID == "" {
		http.Error(w, "missing caller identity", 401)
		return
	}
	details, err := models.DecodeDetails(req.Category, req.Details)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	now := time.Now().UTC()
	j := &models.Job{
		ID:             models.NewJobID(),
		TrackingCode:   models.NewTrackingCode(req.Category, now),
		CustomerID:     customerID,
		Category:       req.Category,
		Pickup:         req.Pickup,
		PickupAddress:  req.PickupAddress,
		Dropoff:        req.Dropoff,
		DropoffAddress: req.DropoffAddress,
		EstimatedFare:  req.EstimatedFare,
		Status:         models.StatusPending,
		Details:        details,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateJob(r.Context(), j); err != nil {
		s.logger.Error("create job failed", "error", err)
		http.Error(w, "could not create job", 500)
		return
	}

	// Reserve the estimated fare. The external hold reference, when a
	// gateway is configured, travels with the ledger row so cancellation
	// can release it.
	holdRef := ""
	if s.gateway != nil {
		if ref, err := s.gateway.Hold(r.Context(), int64(j.EstimatedFare*100), "usd", customerID); err == nil {
			holdRef = ref
		} else {
			s.logger.Warn("payment hold failed, ledger hold only", "job_id", j.ID, "error", err)
		}
	}
	if err := s.store.PlaceHold(r.Context(), j.ID, customerID, j.EstimatedFare, holdRef); err != nil {
		s.logger.Error("ledger hold failed", "job_id", j.ID, "error", err)
	}

	s.publish(r, feed.Event{Type: feed.TypeJobCreated, Job: *j, At: now})
	if s.wsreg != nil {
		s.wsreg.Broadcast(dispatch.OfferFromJob(*j))
	}
	observability.JobsCreatedTotal.Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", 404)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(j)
}

type cancelJobRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actorID := r.Header.Get(headerActorID)
	actorRole := r.Header.Get(headerActorRole)
	if actorID == "" || actorRole == "" {
		http.Error(w, "missing caller identity", 401)
		return
	}
	var req cancelJobRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	res, err := s.cancel.Cancel(r.Context(), id, actorID, actorRole, req.Reason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "job not found", 404)
		return
	case errors.Is(err, cancel.ErrNotCancellable):
		http.Error(w, err.Error(), 409)
		return
	case err != nil:
		s.logger.Error("cancel failed", "job_id", id, "error", err)
		http.Error(w, "cancellation failed", 500)
		return
	}

	if j, err := s.store.GetJob(r.Context(), id); err == nil {
		s.publish(r, feed.Event{Type: feed.TypeJobStatusChanged, Job: *j, At: time.Now().UTC()})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "refund_amount": res.RefundAmount, "fee": res.Fee})
}

type overrideRequest struct {
	Status models.JobStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

// handleOverride is the operator escape hatch: it skips transition
// validation on purpose, but every use lands in the audit log with the
// override role so the bypass stays traceable.
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(headerActorRole) != models.RoleAdmin {
		http.Error(w, "operator role required", 403)
		return
	}
	id := mux.Vars(r)["id"]
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Status.Rank() < 0 {
		http.Error(w, "unknown status", 400)
		return
	}

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", 404)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", 500)
		return
	}

	now := time.Now().UTC()
	entry := models.AuditEntry{
		EntityType:   "job",
		EntityID:     j.ID,
		TrackingCode: j.TrackingCode,
		OldStatus:    j.Status,
		NewStatus:    req.Status,
		ActorID:      r.Header.Get(headerActorID),
		ActorRole:    models.RoleAdminOverride,
		At:           now,
	}
	if err := s.store.OverrideStatus(r.Context(), id, req.Status, entry); err != nil {
		s.logger.Error("override failed", "job_id", id, "error", err)
		http.Error(w, "override failed", 500)
		return
	}
	if updated, err := s.store.GetJob(r.Context(), id); err == nil {
		s.publish(r, feed.Event{Type: feed.TypeJobStatusChanged, Job: *updated, At: now})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"from":       j.Status,
		"to":         req.Status,
		"was_valid":  lifecycle.CanTransition(j.Status, req.Status),
		"audited_as": models.RoleAdminOverride,
	})
}

func (s *Server) publish(r *http.Request, ev feed.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(r.Context(), ev); err != nil {
		s.logger.Warn("feed publish failed", "job_id", ev.Job.ID, "type", ev.Type, "error", err)
	}
}
