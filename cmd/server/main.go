package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"securechat/internal/authz"
	"securechat/internal/config"
	"securechat/internal/convreg"
	"securechat/internal/delivery"
	"securechat/internal/directory"
	"securechat/internal/fanout"
	"securechat/internal/keyreg"
	"securechat/internal/msgstore"
	"securechat/internal/observability/logging"
	"securechat/internal/observability/metrics"
	"securechat/internal/store"
	transport "securechat/internal/transport/http"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "securechat",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})

	slog.SetDefault(logger)
	metrics.MustRegister("securechat")

	logger.Info("starting service")

	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	hasher, err := msgstore.NewHasher(cfg.HashAlgo)
	if err != nil {
		logger.Error("message hasher", "error", err)
		os.Exit(1)
	}

	dir := directory.New(st)
	keys := keyreg.New(st)
	conv := convreg.New(st)
	messages := msgstore.New(st, hasher)
	tracker := delivery.NewTracker(st, delivery.RetryPolicy{
		Base:        cfg.RetryBase,
		Cap:         cfg.RetryCap,
		MaxAttempts: cfg.RetryMaxAttempts,
	}, logger)
	registry := fanout.NewRegistry()
	router := fanout.NewRouter(st, messages, conv, tracker, registry, logger)
	verifier := authz.NewVerifier(cfg.TokenSecret, cfg.TokenIssuer)

	if cfg.ReconcileOnStart {
		if _, err := router.Reconcile(context.Background(), cfg.DeliveryBatchMax); err != nil {
			logger.Error("reconcile", "error", err)
			os.Exit(1)
		}
	}

	go router.RunRetry(context.Background(), cfg.RetryTick, cfg.DeliveryBatchMax)

	handler := transport.NewRouter(dir, keys, conv, messages, tracker, router, registry, verifier, logger, transport.Options{
		WSPollInterval:   cfg.WSPollInterval,
		DeliveryBatchMax: cfg.DeliveryBatchMax,
		CORSOrigins:      cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("securechat listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
