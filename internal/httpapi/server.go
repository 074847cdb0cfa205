package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/immerspwada/deliber-sub005/internal/cancel"
	"github.com/immerspwada/deliber-sub005/internal/dispatch"
	"github.com/immerspwada/deliber-sub005/internal/feed"
	"github.com/immerspwada/deliber-sub005/internal/payments"
	"github.com/immerspwada/deliber-sub005/internal/store"
)

// Server is the customer/operator-facing HTTP API: job creation, job
// lookup, cancellation, the operator override escape hatch, and the
// provider websocket attach point.
type Server struct {
	store   store.Store
	pub     feed.Publisher
	cancel  *cancel.Coordinator
	gateway payments.Gateway // optional
	wsreg   *dispatch.Registry
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(st store.Store, pub feed.Publisher, coord *cancel.Coordinator, gw payments.Gateway, reg *dispatch.Registry, logger *slog.Logger) *Server {
	s := &Server{
		store:   st,
		pub:     pub,
		cancel:  coord,
		gateway: gw,
		wsreg:   reg,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/jobs", s.handleCreateJob).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{id}", s.handleGetJob).Methods("GET")
	s.mux.HandleFunc("/api/v1/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{id}/override", s.handleOverride).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{provider_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["provider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", 400)
		return
	}
	s.wsreg.Add(id, conn)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "store not ready", 503)
		return
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
