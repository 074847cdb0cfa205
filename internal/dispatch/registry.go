// Package dispatch pushes job offers to connected provider apps over
// websocket. Providers that are not connected simply miss the push and pick
// the job up from the change feed instead.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

var ErrNoSession = errors.New("no websocket session for provider")

// Offer is the payload pushed when a new job becomes available.
type Offer struct {
	JobID         string                 `json:"job_id"`
	TrackingCode  string                 `json:"tracking_code"`
	Category      models.ServiceCategory `json:"category"`
	Pickup        models.Coord           `json:"pickup"`
	PickupAddress string                 `json:"pickup_address"`
	EstimatedFare float64                `json:"estimated_fare"`
}

func OfferFromJob(j models.Job) Offer {
	return Offer{
		JobID:         j.ID,
		TrackingCode:  j.TrackingCode,
		Category:      j.Category,
		Pickup:        j.Pickup,
		PickupAddress: j.PickupAddress,
		EstimatedFare: j.EstimatedFare,
	}
}

// Session is one connected provider app.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Registry holds provider sessions keyed by provider id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{sessions: make(map[string]*Session), log: log}
}

// Add registers (or replaces) the session for a provider.
func (r *Registry) Add(providerID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[providerID] = &Session{conn: conn}
}

// Remove drops the session and closes its connection.
func (r *Registry) Remove(providerID string) {
	r.mu.Lock()
	s, ok := r.sessions[providerID]
	delete(r.sessions, providerID)
	r.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

// Push sends an offer to one provider.
func (r *Registry) Push(providerID string, offer Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[providerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(offer); err != nil {
		if r.log != nil {
			r.log.Warn("dispatch: ws send failed", "provider_id", providerID, "error", err)
		}
		return err
	}
	return nil
}

// Broadcast sends an offer to every connected provider. Best-effort; dead
// sessions are skipped.
func (r *Registry) Broadcast(offer Offer) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Push(id, offer)
	}
}
