package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/immerspwada/deliber-sub005/internal/config"
	"github.com/immerspwada/deliber-sub005/internal/fallback"
	"github.com/immerspwada/deliber-sub005/internal/feed"
	"github.com/immerspwada/deliber-sub005/internal/health"
	"github.com/immerspwada/deliber-sub005/internal/logging"
	"github.com/immerspwada/deliber-sub005/internal/models"
	"github.com/immerspwada/deliber-sub005/internal/pool"
	"github.com/immerspwada/deliber-sub005/internal/store"
)

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "override METRICS_ADDR for local runs")
	flag.Parse()

	cfg, err := config.LoadProviderConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var st store.Store
	if cfg.PGDSN != "" {
		pg, err := store.NewPostgres(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable at startup, probes will retry", "error", err)
		} else {
			defer pg.Close()
			st = pg
		}
	}
	if st == nil {
		st = store.NewMemory()
	}

	var fd feed.Feed
	var pub feed.Publisher
	if cfg.RedisAddr != "" {
		rf := feed.NewRedis(cfg.RedisAddr, cfg.RedisPassword, logger)
		defer rf.Close()
		fd, pub = rf, rf
	} else {
		mf := feed.NewMemory()
		fd, pub = mf, mf
	}

	origin := models.Coord{Lat: cfg.OriginLat, Lng: cfg.OriginLng}

	monitor := health.NewMonitor(st, fd, health.Config{
		Interval:         cfg.ProbeInterval,
		FailureThreshold: cfg.FailureThreshold,
	}, logger)

	mgr := pool.NewManager(st, fd, pub, pool.Config{
		ProviderID:    cfg.ProviderID,
		Categories:    cfg.Categories,
		Origin:        origin,
		ProviderShare: cfg.ProviderShare,
	}, logger)
	mgr.OnNewJob(func(j models.Job) {
		// The app layer turns this into the audible/haptic alert.
		logger.Info("new job available", "job_id", j.ID, "tracking", j.TrackingCode,
			"category", j.Category, "distance_km", j.DistanceKm, "synthetic", j.Synthetic)
	})

	engine := fallback.NewEngine(mgr, monitor, fallback.Config{
		Interval:   cfg.FallbackInterval,
		Reference:  origin,
		Categories: cfg.Categories,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(cfg.MetricsAddr, st, monitor, mgr, logger)

	first := monitor.ProbeNow(ctx)
	monitor.Start(ctx)
	engine.Start(ctx)
	if first == health.StateConnected {
		if err := mgr.LoadAvailable(ctx); err != nil {
			logger.Error("initial job load failed", "error", err)
		}
		if err := mgr.SubscribeToNewJobs(ctx); err != nil {
			logger.Error("subscribe failed", "error", err)
		}
	}

	logger.Info("provider session running", "provider_id", cfg.ProviderID, "categories", cfg.Categories)
	<-ctx.Done()
	logger.Info("shutting down provider session")

	engine.Stop()
	monitor.Stop()
	mgr.Cleanup()
}

func serveMetrics(addr string, st store.Store, monitor *health.Monitor, mgr *pool.Manager, logger interface {
	Info(string, ...any)
	Error(string, ...any)
}) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		probe := monitor.LastProbe()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"mode":               monitor.State(),
			"consecutive_errors": monitor.Failures(),
			"store_reachable":    probe.StoreOK,
			"feed_reachable":     probe.FeedOK,
			"latency_ms":         probe.Latency.Milliseconds(),
			"fallback_active":    mgr.FallbackActive(),
			"pool_size":          len(mgr.Available()),
		})
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
