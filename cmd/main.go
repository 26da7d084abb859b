package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kkkkikiki/voucher/internal/api"
	"github.com/kkkkikiki/voucher/internal/audit"
	"github.com/kkkkikiki/voucher/internal/config"
	"github.com/kkkkikiki/voucher/internal/database"
	"github.com/kkkkikiki/voucher/internal/ledger"
	"github.com/kkkkikiki/voucher/internal/logging"
	"github.com/kkkkikiki/voucher/internal/remote"
	"github.com/kkkkikiki/voucher/internal/service"
	"github.com/kkkkikiki/voucher/internal/station"
	"github.com/kkkkikiki/voucher/internal/syncengine"
	"github.com/kkkkikiki/voucher/internal/token"
)

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// A missing .env is fine, the environment may already be set
	_ = gotenv.Load()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.App)
	defer logger.Sync()

	logger.Info("Starting voucher station",
		zap.String("station", cfg.Station.ID),
		zap.String("environment", cfg.App.Environment),
	)

	// Initialize database connections
	db, err := database.NewDB(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open ledger", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database connections", zap.Error(err))
		}
	}()

	codec, err := token.NewCodec([]byte(cfg.Station.SigningKey))
	if err != nil {
		logger.Fatal("Failed to create token codec", zap.Error(err))
	}

	store := ledger.New(db.Local)
	recorder := audit.NewRecorder(store, logger)

	// The remote stays a nil interface for an offline station
	var remoteLedger syncengine.RemoteLedger
	var postgres *remote.PostgresLedger
	if db.Postgres != nil {
		postgres = remote.NewPostgresLedger(db.Postgres)
		remoteLedger = postgres
	}

	engine := syncengine.New(cfg.Sync, store, remoteLedger, codec, recorder, logger)
	client := station.NewClient(cfg.Station, codec, store, engine, recorder, station.NopPrinter{}, logger)
	stationServer := service.NewStationServer(client, engine, service.NewRoleGate(), logger)

	// Create HTTP mux
	mux := http.NewServeMux()

	// Register station service handler
	path, handler := api.NewStationServiceHandler(stationServer)
	mux.Handle(path, handler)

	// Add health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		response := fmt.Sprintf(`{"status":"ok","service":"voucher-station","station":"%s"}`, client.Station())
		w.Write([]byte(response))
	})

	// Add database health check endpoint. The remote is informational only.
	mux.HandleFunc("/health/db", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","message":"local ledger unavailable"}`))
			return
		}
		remoteState := "disabled"
		if postgres != nil {
			remoteState = "connected"
			if err := postgres.Ping(r.Context()); err != nil {
				remoteState = "unreachable"
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(fmt.Sprintf(`{"status":"ok","local":"connected","remote":"%s"}`, remoteState)))
	})

	// Add Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(mux, &http2.Server{
			MaxConcurrentStreams: 250,
		}),
	}

	// Background workers stop with ctx
	go engine.Run(ctx)
	if cfg.Station.SweepInterval > 0 {
		go client.RunExpirySweeper(ctx, cfg.Station.SweepInterval)
	}

	// Start server in goroutine
	go func() {
		logger.Info("Listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")
	stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return
	}

	logger.Info("Server exited gracefully")
}
