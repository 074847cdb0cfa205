package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/immerspwada/deliber-sub005/internal/audit"
	"github.com/immerspwada/deliber-sub005/internal/cancel"
	"github.com/immerspwada/deliber-sub005/internal/config"
	"github.com/immerspwada/deliber-sub005/internal/dispatch"
	"github.com/immerspwada/deliber-sub005/internal/feed"
	"github.com/immerspwada/deliber-sub005/internal/httpapi"
	"github.com/immerspwada/deliber-sub005/internal/logging"
	"github.com/immerspwada/deliber-sub005/internal/payments"
	"github.com/immerspwada/deliber-sub005/internal/store"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// Store: Postgres when a DSN is configured, in-memory otherwise so the
	// binary still runs locally without setup.
	var st store.Store
	if cfg.PGDSN != "" {
		pg, err := store.NewPostgres(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable, using memory store", "error", err)
		} else {
			defer pg.Close()
			st = pg
			if cfg.RunMigrations {
				runMigrations(pg, logger)
			}
		}
	}
	if st == nil {
		st = store.NewMemory()
	}

	var pub feed.Publisher
	if cfg.RedisAddr != "" {
		rf := feed.NewRedis(cfg.RedisAddr, cfg.RedisPassword, logger)
		defer rf.Close()
		pub = rf
	} else {
		pub = feed.NewMemory()
	}

	var trail cancel.Trail
	if len(cfg.KafkaBrokers) > 0 {
		p := audit.NewProducer(cfg.KafkaBrokers, cfg.AuditTopic)
		defer p.Close()
		trail = p
	}

	var gw payments.Gateway
	if os.Getenv("STRIPE_API_KEY") != "" {
		gw = payments.NewStripeGateway()
	}

	coord := cancel.NewCoordinator(st, cancel.FlatFee{CustomerPostMatchFee: cfg.CancelFee}, trail, gw, logger)
	wsreg := dispatch.NewRegistry(logger)
	api := httpapi.NewServer(st, pub, coord, gw, wsreg, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func runMigrations(pg *store.Postgres, logger interface {
	Info(string, ...any)
	Error(string, ...any)
}) {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_jobs.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if err := pg.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_jobs.sql")
}
