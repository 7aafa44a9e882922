package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-scheduler/internal/audit"
	"voice-scheduler/internal/auth"
	"voice-scheduler/internal/bridge"
	"voice-scheduler/internal/calls"
	"voice-scheduler/internal/config"
	"voice-scheduler/internal/httpapi"
	"voice-scheduler/internal/orchestrator"
	"voice-scheduler/internal/realtime"
	"voice-scheduler/internal/reporting"
	"voice-scheduler/internal/scheduler"
	"voice-scheduler/internal/telephony"
	"voice-scheduler/pkg/logger"
	"voice-scheduler/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

const (
	shutdownTimeout  = 30 * time.Second
	slotKey          = "voice-scheduler:active-calls"
	startupCheckWait = 5 * time.Second
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, dialect, err := openDatabase(rootCtx, cfg)
	if err != nil {
		log.Error("database init failed", "driver", cfg.DB.Driver, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	callStore := calls.NewSQLStore(db, dialect)
	auditRepo := audit.NewSQLRepo(db, dialect)
	if err := callStore.Migrate(rootCtx); err != nil {
		log.Error("calls migration failed", "err", err)
		os.Exit(1)
	}
	if err := auditRepo.Migrate(rootCtx); err != nil {
		log.Error("audit migration failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	slots, err := utils.NewConcurrencyCap(rdb, slotKey, cfg.Scheduler.MaxConcurrentCalls, cfg.Scheduler.StaleAfter)
	if err != nil {
		log.Error("concurrency cap init failed", "err", err)
		os.Exit(1)
	}

	// Telephony side: Twilio places the call, the hub pairs it with the
	// media stream that connects back to /media-stream.
	provider := telephony.NewTwilioProvider(cfg.Twilio)
	checkCtx, cancelCheck := context.WithTimeout(rootCtx, startupCheckWait)
	if err := provider.HealthCheck(checkCtx); err != nil {
		log.Warn("twilio health check failed", "err", err)
	}
	cancelCheck()

	hub := telephony.NewStreamHub()
	telDialer := telephony.NewDialer(provider, hub, authManager, telephony.DialerConfig{
		MediaStreamURL:    cfg.MediaStreamURL(),
		StatusCallbackURL: cfg.StatusCallbackURL(),
		Greeting:          cfg.Twilio.Greeting,
		RingTimeout:       cfg.Twilio.RingTimeout,
	}, log)

	aiDialer, err := realtime.NewDialer(realtime.ConfigFrom(cfg.Realtime), log)
	if err != nil {
		log.Error("realtime init failed", "err", err)
		os.Exit(1)
	}

	br := bridge.New(telDialer, aiDialer, bridge.Config{
		ConnectTimeout: cfg.Bridge.ConnectTimeout,
		StartTimeout:   cfg.Bridge.StartTimeout,
		IdleTimeout:    cfg.Bridge.IdleTimeout,
		MaxDuration:    cfg.Bridge.MaxDuration,
		QueueLimit:     cfg.Bridge.QueueLimit,
	}, log)

	sched := scheduler.New(log)
	orch := orchestrator.New(callStore, sched, br, orchestrator.Config{
		MaxLateness:    cfg.Scheduler.MaxLateness,
		CapacityRetry:  cfg.Scheduler.CapacityRetry,
		StaleAfter:     cfg.Scheduler.StaleAfter,
		StaleSweepSpec: cfg.Scheduler.StaleSweepSpec,
	}, log,
		orchestrator.WithSlotLimiter(slots),
		orchestrator.WithAudit(audit.NewService(auditRepo)),
	)

	if _, err := orch.Recover(rootCtx); err != nil {
		log.Error("recovery failed", "err", err)
		os.Exit(1)
	}
	if err := orch.Start(rootCtx); err != nil {
		log.Error("orchestrator start failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	handlers := httpapi.Handlers{
		Auth:    authManager,
		Calls:   orch,
		Reports: reporting.NewService(callStore),
		Ready:   readiness(db, rdb),
	}

	statusHandler := telephony.StatusCallbackHandler{Hub: hub, PublicBaseURL: cfg.App.PublicBaseURL}
	if cfg.IsProduction() || cfg.Twilio.AuthToken != "" {
		statusHandler.Validator = telephony.NewTwilioSignatureValidator(cfg.Twilio.AuthToken)
	}

	registerPublicRoutes(r, handlers, telephony.NewMediaStreamHandler(hub, authManager), statusHandler)
	if cfg.AllowsDevLogin() {
		registerAuthRoutes(r, handlers)
	}
	registerProtectedRoutes(r, handlers, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: /media-stream holds its connection for the whole call.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "db", cfg.DB.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "active_calls", orch.Active(), "pending_triggers", orch.Pending())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		log.Error("orchestrator shutdown incomplete", "err", err)
	}
	log.Info("shutdown complete")
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, utils.Dialect, error) {
	if cfg.DB.Driver == config.DriverSQLite {
		db, err := utils.OpenSQLite(ctx, cfg.DB.SQLitePath, 5*time.Second)
		return db, utils.DialectSQLite, err
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PoolConfig{})
	return db, utils.DialectPostgres, err
}

func readiness(db *sql.DB, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	}
}
