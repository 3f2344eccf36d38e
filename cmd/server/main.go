package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/copyleftdev/ikrfit/internal/cells"
	"github.com/copyleftdev/ikrfit/internal/config"
	"github.com/copyleftdev/ikrfit/internal/errors"
	"github.com/copyleftdev/ikrfit/internal/logging"
	"github.com/copyleftdev/ikrfit/internal/metrics"
	"github.com/copyleftdev/ikrfit/internal/results"
	"github.com/copyleftdev/ikrfit/internal/server"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	serviceLogger := logger.WithFields(map[string]interface{}{
		"service": "ikrfit-server",
		"env":     cfg.Environment,
	})
	ctx := (&logging.CtxLogger{Logger: serviceLogger}).WithContext(context.Background())

	table := cells.Default()
	if cfg.Storage.CellsFile != "" {
		if table, err = cells.Load(cfg.Storage.CellsFile); err != nil {
			serviceLogger.Fatal("Failed to load cells", map[string]interface{}{"error": err.Error()})
		}
	}

	store, err := results.NewStore(ctx, cfg.Storage.ResultsDir, cfg.Storage.ResultsDB,
		logging.NewZapLogger(serviceLogger))
	if err != nil {
		serviceLogger.Fatal("Failed to open result store", map[string]interface{}{"error": err.Error()})
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(serviceLogger))
	r.Use(errors.RecoveryMiddleware(serviceLogger))
	r.Use(middleware.Timeout(cfg.HTTP.WriteTimeout))

	srv := server.NewServer(cfg, serviceLogger, store, table, metrics.New())
	srv.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		serviceLogger.Info("Starting server", map[string]interface{}{
			"address":     httpServer.Addr,
			"results_dir": cfg.Storage.ResultsDir,
			"results_db":  cfg.Storage.ResultsDB,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serviceLogger.Fatal("Failed to start server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	serviceLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()

	start := time.Now()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serviceLogger.Error("Server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := srv.Close(); err != nil {
		serviceLogger.Error("Failed to close result store", map[string]interface{}{"error": err.Error()})
	}

	serviceLogger.Info("Server stopped", map[string]interface{}{
		"shutdown_ms": time.Since(start).Milliseconds(),
	})
}
