package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	AuditTopic   string

	PGDSN string

	CancelFee     float64
	ProviderShare float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		AuditTopic:      "audit-status-changes",
		CancelFee:       2.50,
		ProviderShare:   0.8,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.AuditTopic, "KAFKA_AUDIT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.CancelFee, "CANCEL_FEE", &errs)
	setFloatFromEnv(&cfg.ProviderShare, "PROVIDER_SHARE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.ProviderShare <= 0 || cfg.ProviderShare >= 1 {
		errs = append(errs, fmt.Errorf("PROVIDER_SHARE must be in (0,1)"))
	}
	if cfg.CancelFee < 0 {
		errs = append(errs, fmt.Errorf("CANCEL_FEE must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ProviderConfig captures the provider session daemon's parameters.
type ProviderConfig struct {
	ProviderID string
	Categories []models.ServiceCategory
	OriginLat  float64
	OriginLng  float64

	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	PGDSN         string

	ProbeInterval    time.Duration
	FailureThreshold int
	FallbackInterval time.Duration

	ProviderShare float64
	LogLevel      string
}

func defaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Categories:       []models.ServiceCategory{models.CategoryRide},
		MetricsAddr:      ":2112",
		ProbeInterval:    30 * time.Second,
		FailureThreshold: 3,
		FallbackInterval: 15 * time.Second,
		ProviderShare:    0.8,
		LogLevel:         "info",
	}
}

func LoadProviderConfig() (ProviderConfig, error) {
	cfg := defaultProviderConfig()
	var errs []error

	cfg.ProviderID = strings.TrimSpace(os.Getenv("PROVIDER_ID"))
	if cfg.ProviderID == "" {
		errs = append(errs, fmt.Errorf("PROVIDER_ID is required"))
	}
	if v := os.Getenv("PROVIDER_CATEGORIES"); v != "" {
		cfg.Categories = cfg.Categories[:0]
		for _, raw := range splitAndTrim(v) {
			c := models.ServiceCategory(raw)
			if !c.Valid() {
				errs = append(errs, fmt.Errorf("invalid category %q in PROVIDER_CATEGORIES", raw))
				continue
			}
			cfg.Categories = append(cfg.Categories, c)
		}
	}
	setFloatFromEnv(&cfg.OriginLat, "PROVIDER_LAT", &errs)
	setFloatFromEnv(&cfg.OriginLng, "PROVIDER_LNG", &errs)

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.ProbeInterval, "PROBE_INTERVAL", &errs)
	setIntFromEnv(&cfg.FailureThreshold, "PROBE_FAILURE_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.FallbackInterval, "FALLBACK_INTERVAL", &errs)
	setFloatFromEnv(&cfg.ProviderShare, "PROVIDER_SHARE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("PROBE_FAILURE_THRESHOLD must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
