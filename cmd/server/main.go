package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/chain"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/config"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/funding"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/handler"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/keyring"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/queue"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/telemetry"
)

const (
	serviceName    = "polkawalletgenerator"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// Initialize structured logging
	telemetry.InitLogger(serviceName, cfg.LogLevel)

	// Initialize OpenTelemetry tracing
	cleanup, err := telemetry.InitTracer(telemetry.TracerConfig{
		ServiceName: serviceName,
		Version:     serviceVersion,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		slog.Warn("failed to initialize tracer", "error", err)
	} else {
		defer cleanup()
	}

	gin.SetMode(cfg.GinMode)

	slog.Info("starting address funding service", "node", cfg.NodeURL, "amount", cfg.TransferAmount.String())

	// 1. Crypto backend and funder account, loaded once
	keys, err := keyring.New(cfg.SS58Prefix, cfg.MnemonicWords)
	if err != nil {
		fatal("failed to create keyring", err)
	}
	if err := keys.Ready(); err != nil {
		fatal("crypto backend not ready", err)
	}
	funder, err := keyring.LoadFunder(keys, cfg.FunderURI)
	if err != nil {
		fatal("failed to load funder account", err)
	}
	slog.Info("funder loaded", "address", funder.Address())

	// 2. Optional event stream
	var publisher queue.Publisher = queue.NopPublisher{}
	if cfg.NATSUrl != "" {
		slog.Info("connecting to NATS", "url", cfg.NATSUrl)
		natsClient, err := queue.NewNATSClient(cfg.NATSUrl, serviceName)
		if err != nil {
			fatal("failed to connect to NATS", err)
		}
		defer natsClient.Close()
		publisher = natsClient
	}

	// 3. Funding workflow
	svc := funding.NewService(
		chain.NewWSConnector(cfg.NodeURL, cfg.TransferCall),
		keys,
		funder,
		publisher,
		funding.Config{Amount: cfg.TransferAmount, FinalityTimeout: cfg.FinalityTimeout},
	)
	defer svc.Stop()

	// 4. HTTP router
	router := handler.NewRouter(handler.NewHandler(svc, cfg.RequestTimeout))

	// A funding request may wait for block inclusion, so the write deadline
	// follows the request timeout.
	writeTimeout := time.Duration(0)
	if cfg.RequestTimeout > 0 {
		writeTimeout = cfg.RequestTimeout + 10*time.Second
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
	}

	// Metrics server on a separate port for Prometheus scraping
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	go func() {
		slog.Info("HTTP server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("HTTP server error", err)
		}
	}()

	go func() {
		slog.Info("metrics server listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("metrics server error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("HTTP server forced to shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		slog.Warn("metrics server forced to shutdown", "error", err)
	}

	slog.Info("service stopped")
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
