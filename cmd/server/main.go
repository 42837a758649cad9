package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantgate/gateway/internal/actioncenter"
	"github.com/quantgate/gateway/internal/authcache"
	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/bus"
	"github.com/quantgate/gateway/internal/config"
	"github.com/quantgate/gateway/internal/credentials"
	"github.com/quantgate/gateway/internal/crypto"
	"github.com/quantgate/gateway/internal/database"
	"github.com/quantgate/gateway/internal/database/repositories"
	"github.com/quantgate/gateway/internal/events"
	"github.com/quantgate/gateway/internal/latency"
	"github.com/quantgate/gateway/internal/live"
	"github.com/quantgate/gateway/internal/orderlogs"
	"github.com/quantgate/gateway/internal/ratelimit"
	"github.com/quantgate/gateway/internal/registry"
	"github.com/quantgate/gateway/internal/router"
	"github.com/quantgate/gateway/internal/sandbox"
	"github.com/quantgate/gateway/internal/scheduler"
	"github.com/quantgate/gateway/internal/server"
	"github.com/quantgate/gateway/internal/streaming"
	"github.com/quantgate/gateway/pkg/logger"

	// Adapters self-register into broker.Global() from their own init()
	// hooks; importing them for side effect is the only wiring they need.
	_ "github.com/quantgate/gateway/internal/broker/apikeypair"
	_ "github.com/quantgate/gateway/internal/broker/oauth2broker"
	_ "github.com/quantgate/gateway/internal/broker/sessiontoken"
)

// systemUserID is the account the sandbox engine's market-data reads
// authenticate as (§4.4's RequiresMarketDataCreds path), distinct from any
// individual trader.
const systemUserID = "system"

// kdfSalt is the fixed HKDF salt for the credential-store AEAD key; unlike
// APP_KEY it is not a secret, only a domain separator (internal/crypto).
var kdfSalt = []byte("quantgate-gateway-credential-store-v1")

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	log.Info().Msg("starting quantgate gateway")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})

	mainDB, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open main database")
	}
	defer mainDB.Close()
	if err := mainDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate main database")
	}

	sandboxDB, err := database.New(cfg.SandboxDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open sandbox database")
	}
	defer sandboxDB.Close()

	latencyDB, err := database.New(cfg.LatencyDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open latency database")
	}
	defer latencyDB.Close()
	latencyRecorder, err := latency.New(latencyDB.Conn())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to migrate latency database")
	}

	logsDB, err := database.New(cfg.LogsDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open logs database")
	}
	defer logsDB.Close()
	logSink, err := orderlogs.New(logsDB.Conn())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to migrate logs database")
	}

	enc, err := crypto.NewEncryptor([]byte(cfg.AppKey), kdfSalt)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential encryptor")
	}

	userRepo := repositories.NewUserRepository(mainDB.Conn(), log)
	sessionRepo := repositories.NewBrokerSessionRepository(mainDB.Conn(), log)
	apiKeyRepo := repositories.NewAPIKeyRepository(mainDB.Conn(), log, cfg.APIKeyPepper)
	orderRepo := repositories.NewOrderRepository(mainDB.Conn(), log)

	credSource := credentials.NewResolver(userRepo, sessionRepo, enc)

	authCache := authcache.New(log)
	verifier := authcache.NewVerifier(authCache, apiKeyRepo)

	rateRules := ratelimit.DefaultRules()
	if rule, err := ratelimit.ParseRule(cfg.OrderRateLimit); err == nil {
		rateRules[ratelimit.CategoryOrderPlacement] = rule
	}
	if rule, err := ratelimit.ParseRule(cfg.SmartOrderRateLimit); err == nil {
		rateRules[ratelimit.CategorySmartOrder] = rule
	}
	if rule, err := ratelimit.ParseRule(cfg.APIRateLimit); err == nil {
		rateRules[ratelimit.CategoryGeneralAPI] = rule
	}
	if rule, err := ratelimit.ParseRule(cfg.LoginRateLimitMin); err == nil {
		rateRules[ratelimit.CategoryLoginMinute] = rule
	}
	if rule, err := ratelimit.ParseRule(cfg.LoginRateLimitHour); err == nil {
		rateRules[ratelimit.CategoryLoginHour] = rule
	}
	limiter := ratelimit.New(rateRules)

	reg := registry.New(log)
	if err := reg.Reload(registry.NewStaticSource()); err != nil {
		log.Fatal().Err(err).Msg("failed to load initial symbol registry")
	}

	messageBus := bus.New(log, bus.DefaultSendHWM)
	defer messageBus.Close()

	factory := broker.Global()
	log.Info().Strs("brokers", factory.Registered()).Msg("broker adapters registered")

	ev := events.NewManager(log)
	ev.SetSink(logSink)

	quotes := live.NewMarketDataSource(factory, credSource, systemUserID)

	sandboxRepo, err := sandbox.NewRepository(sandboxDB.Conn())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to migrate sandbox database")
	}
	sandboxEngine := sandbox.New(log, sandboxRepo, reg, quotes, ev)

	pending := actioncenter.NewStore(mainDB.Conn(), log, ev)
	liveDispatcher := live.New(log, factory, credSource, orderRepo, reg, sessionRepo, verifier)
	gate := router.New(log, verifier, sandboxEngine, liveDispatcher, pending, nil)

	adapterPool := streaming.NewAdapterPool(log, factory, credSource, messageBus, sessionRepo, verifier)
	hub := streaming.NewHub(log, messageBus, adapterPool, reg)
	streamHandler := streaming.NewHandler(hub, verifier, log)

	sched := scheduler.New(log)
	sched.Start()
	defer sched.Stop()

	if err := sandbox.InstallSchedules(sched, sandboxEngine, cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to install sandbox schedules")
	}
	if err := sched.AddJob("@daily", registry.RefreshJob{Registry: reg, Source: registry.NewStaticSource()}); err != nil {
		log.Fatal().Err(err).Msg("failed to install registry refresh job")
	}

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		DevMode:   cfg.DevMode,
		Gate:      gate,
		Pending:   pending,
		Streaming: streamHandler,
		Registry:  reg,
		Limiter:   limiter,
		Latency:   latencyRecorder,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("gateway started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("gateway stopped")
}
