package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ratematch/core/events"
	"ratematch/gateway/middleware"
	"ratematch/observability"
	"ratematch/observability/logging"
	telemetry "ratematch/observability/otel"
	"ratematch/services/matchingd/config"
	"ratematch/services/matchingd/journal"
	"ratematch/services/matchingd/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/matchingd/config.yaml", "path to matchingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("RATEMATCH_ENV"))
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service: "matchingd",
		Env:     env,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})
	defer logCloser.Close()

	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "matchingd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	genesis, err := config.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		log.Fatalf("load genesis: %v", err)
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx, cfg, genesis, db, logger)
	if err != nil {
		log.Fatalf("bootstrap engine: %v", err)
	}

	sqlDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	eventJournal, err := journal.New(sqlDB, logger)
	if err != nil {
		log.Fatalf("init journal: %v", err)
	}

	srv := server.New(rt.engine, eventJournal, server.Options{
		Auth:           middleware.NewAuthenticator(cfg.Auth.Middleware(), logger),
		AdminScope:     cfg.Auth.AdminScope,
		RateLimit:      cfg.RateLimit,
		Quota:          cfg.Quota,
		CORS:           cfg.CORS,
		OriginPatterns: cfg.CORS.AllowedOrigins,
		LogRequests:    true,
	}, logger)
	rt.engine.SetEmitter(events.Fanout{srv, observability.Events()})
	rt.engine.SetMetrics(observability.Matching())

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext matchingd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("matchingd listening",
			"address", cfg.ListenAddress,
			"markets", len(rt.engine.Markets()),
			"auth", cfg.Auth)
		if cfg.TLS.CertPath != "" {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}
