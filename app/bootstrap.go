package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parental-gate/internal/db"
	"parental-gate/internal/maintenance"
	"parental-gate/internal/observability"
	"parental-gate/internal/pingate"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler       http.Handler
	Logger        *observability.Logger
	Sweeper       *pingate.Sweeper
	SweepInterval time.Duration
	Close         func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	environment := envOrDefault("APP_ENV", "development")
	logger := observability.NewLogger(environment, envOrDefault("LOG_LEVEL", "info"))

	driver := envOrDefault("DATABASE_DRIVER", db.DriverSQLite)
	databaseURL := envOrDefault("DATABASE_URL", "parental-gate.db")
	if driver == db.DriverPostgres {
		var err error
		if databaseURL, err = mustEnv("DATABASE_URL"); err != nil {
			return nil, err
		}
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	database, err := db.Open(ctx, db.Config{
		Driver:          driver,
		URL:             databaseURL,
		MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		ConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
	})
	if err != nil {
		return nil, err
	}

	if options.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	cfg := pingate.DefaultConfig()
	cfg.LockoutThreshold = envIntOrDefault("PIN_LOCKOUT_THRESHOLD", pingate.DefaultLockoutThreshold)
	cfg.LockoutDuration = envSecondsOrDefault("PIN_LOCKOUT_SECONDS", int(pingate.DefaultLockoutDuration/time.Second))
	cfg.Hasher.Algorithm = envOrDefault("PIN_HASH_ALGORITHM", pingate.AlgorithmPBKDF2SHA256)
	cfg.Hasher.Iterations = envIntOrDefault("PIN_HASH_ITERATIONS", pingate.DefaultPBKDF2Iterations)
	cfg.DenyList = envList("PIN_DENY_LIST")
	cfg.AllowWeakSettings = EnvBoolOrDefault("PIN_ALLOW_WEAK_SETTINGS", false)

	pinRepo := pingate.NewRepository(database)
	pinService, err := pingate.NewService(pinRepo, pinRepo, logger, cfg)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("configure pin gate: %w", err)
	}
	sweeper := pingate.NewSweeper(pinRepo, pinRepo, pinService.LockoutPolicy(), logger)

	gateSecret := strings.TrimSpace(os.Getenv("GATE_TOKEN_SECRET"))
	if gateSecret == "" {
		gateSecret, err = randomSecret(32)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("generate gate token secret: %w", err)
		}
		logger.Warn("gate_token_secret_generated", map[string]any{"reason": "GATE_TOKEN_SECRET not set; gate passes will not survive a restart"})
	}
	gateTokens := pingate.NewGateTokens(gateSecret, envMinutesOrDefault("GATE_TOKEN_TTL_MINUTES", 10))

	pinHandler := pingate.NewHandler(pinService, sweeper, pinRepo, gateTokens)
	trustedProxies, err := observability.ParseTrustedProxies(envList("TRUSTED_PROXIES"))
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("parse TRUSTED_PROXIES: %w", err)
	}
	attemptLimiter := pingate.NewAttemptRateLimiter(
		envIntOrDefault("PIN_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("PIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	).WithTrustedProxies(trustedProxies)
	answerLimiter := pingate.NewAttemptRateLimiter(
		envIntOrDefault("PIN_RESET_RATE_LIMIT_MAX", 5),
		envSecondsOrDefault("PIN_RESET_RATE_LIMIT_WINDOW_SECONDS", 900),
	)
	sweepHandler := maintenance.NewSweepHandler(
		sweeper,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("PIN_STALE_AFTER_DAYS", 180),
	)

	mux := http.NewServeMux()
	pinHandler.Register(mux, attemptLimiter, answerLimiter)
	mux.HandleFunc("GET /internal/maintenance/sweep", sweepHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/sweep", sweepHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, trustedProxies, mux))

	return &Runtime{
		Handler:       handler,
		Logger:        logger,
		Sweeper:       sweeper,
		SweepInterval: envSecondsOrDefault("PIN_SWEEP_INTERVAL_SECONDS", 60),
		Close: func() error {
			observability.FlushSentry()
			logger.Sync()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func randomSecret(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envList(name string) []string {
	var values []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
