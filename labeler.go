package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/labeler/admin"
	"github.com/maxpert/labeler/cfg"
	"github.com/maxpert/labeler/notify"
	"github.com/maxpert/labeler/poller"
	"github.com/maxpert/labeler/publisher"
	_ "github.com/maxpert/labeler/publisher/sink"
	_ "github.com/maxpert/labeler/publisher/transformer"
	"github.com/maxpert/labeler/query"
	"github.com/maxpert/labeler/server"
	"github.com/maxpert/labeler/signer"
	"github.com/maxpert/labeler/store"
	"github.com/maxpert/labeler/subscription"
	"github.com/maxpert/labeler/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// A bad key must stop the process before anything is signed.
	keyType, err := signer.ParseKeyType(cfg.Config.SigningKeyType)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid signing key type")
		return
	}
	sig, err := signer.FromHex(keyType, cfg.Config.SigningKey, cfg.Config.DID)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid signing key")
		return
	}

	log.Info().Str("driver", cfg.Config.Datastore.Driver).Msg("Opening label store")
	openCtx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := store.Open(openCtx, store.Config{
		Driver:        cfg.Config.Datastore.Driver,
		DSN:           cfg.Config.Datastore.DSN,
		MaxOpenConns:  cfg.Config.Datastore.MaxOpenConns,
		MaxIdleConns:  cfg.Config.Datastore.MaxIdleConns,
		BusyTimeoutMS: cfg.Config.Datastore.BusyTimeoutMS,
		Owner:         cfg.Config.InstanceID,
		ClaimTimeout:  ms(cfg.Config.Poller.ClaimTimeoutMS),
		MaxAttempts:   cfg.Config.Poller.MaxAttempts,
	})
	cancelOpen()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open label store")
		return
	}
	defer st.Close()

	hub := notify.NewHub()

	queuePoller, err := poller.New(poller.Config{
		Store:     st,
		Signer:    sig,
		Hub:       hub,
		Interval:  ms(cfg.Config.Poller.IntervalMS),
		BatchSize: cfg.Config.Poller.BatchSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create queue poller")
		return
	}

	querySvc, err := query.New(st, query.Config{
		DefaultLimit: cfg.Config.Query.DefaultLimit,
		MaxLimit:     cfg.Config.Query.MaxLimit,
		CacheSize:    cfg.Config.Query.PatternCacheSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create query service")
		return
	}

	subscriptions, err := subscription.NewHandler(subscription.Config{
		Store:          st,
		Hub:            hub,
		PageSize:       cfg.Config.Subscription.ReplayPageSize,
		SendBuffer:     cfg.Config.Subscription.SendBuffer,
		WriteTimeout:   ms(cfg.Config.Subscription.WriteTimeoutMS),
		OriginPatterns: cfg.Config.Subscription.OriginPatterns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create subscription handler")
		return
	}

	sinks, err := publisher.NewRegistry(publisher.RegistryConfig{
		CursorPath:  cfg.GetSinkCursorPath(),
		Log:         st,
		SinkConfigs: cfg.Config.Sinks,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sink registry")
		return
	}

	srv, err := server.New(server.Config{
		Store:         st,
		Signer:        sig,
		Hub:           hub,
		Query:         querySvc,
		Subscriptions: subscriptions,
		Metrics:       telemetry.GetMetricsHandler(),
		Secret:        admin.NewSecret(cfg.Config.HTTP.WriteSecret),
		BindAddress:   cfg.Config.HTTP.BindAddress,
		Port:          cfg.Config.HTTP.Port,
		Compress:      cfg.Config.HTTP.Compress,
		ReadTimeout:   ms(cfg.Config.HTTP.ReadTimeoutMS),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create HTTP server")
		return
	}

	// Start in dependency order; shutdown runs in reverse.
	var collector *telemetry.MetricsCollector
	if telemetry.Enabled() {
		collector = telemetry.NewMetricsCollector(st, ms(cfg.Config.Prometheus.CollectIntervalMS))
		collector.Start()
	}

	if err := sinks.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sink registry")
		return
	}

	queuePoller.Start()

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
		return
	}

	log.Info().
		Str("did", sig.DID()).
		Str("key", sig.PublicKeyDIDKey()).
		Str("key_type", string(sig.KeyType())).
		Str("addr", srv.Addr()).
		Str("data_dir", cfg.Config.DataDir).
		Int("sinks", len(cfg.Config.Sinks)).
		Msg("Labeler started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")

	// Hijacked websocket connections are invisible to http.Server.Shutdown.
	subscriptions.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ms(cfg.Config.HTTP.ShutdownTimeoutMS))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	queuePoller.Stop()
	sinks.Stop()
	if collector != nil {
		collector.Stop()
	}

	log.Info().Msg("Labeler stopped")
}
