package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-governance-workflows/internal/app"
	"github.com/pesio-ai/be-governance-workflows/internal/common/auth"
	"github.com/pesio-ai/be-governance-workflows/internal/common/config"
	"github.com/pesio-ai/be-governance-workflows/internal/common/logger"
	"github.com/pesio-ai/be-governance-workflows/internal/common/middleware"
	"github.com/pesio-ai/be-governance-workflows/internal/common/tracing"
	"github.com/pesio-ai/be-governance-workflows/internal/handler"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Backend).
		Msg("Starting Governance Workflows Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(cfg.Service.Name, cfg.Service.Version, cfg.Tracing.OutputFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Tracing shutdown failed")
			}
		}()
	}

	// Stores, notifier and engines
	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	var runner interface{ Stop() }
	if cfg.Sweeper.Enabled {
		r := application.SweepRunner()
		if err := r.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start escalation sweeper")
		}
		runner = r
		log.Info().Dur("interval", cfg.Sweeper.Interval).Msg("Escalation sweeper started")
	}

	api := handler.NewAPI(application.Approvals, application.Playbooks, log)

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(application.Registry, promhttp.HandlerOpts{}))
	handler.NewHTTPHandler(api, log).Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = auth.Middleware(h)
	h = middleware.Metrics(application.Metrics)(h)
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor()))
	handler.NewGRPCHandler(api, log).Register(grpcServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	if runner != nil {
		runner.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}
