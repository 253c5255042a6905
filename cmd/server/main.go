package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/focus-fox/internal/api"
	"github.com/RichardoC/focus-fox/internal/chat"
	"github.com/RichardoC/focus-fox/internal/config"
	"github.com/RichardoC/focus-fox/internal/db"
	"github.com/RichardoC/focus-fox/internal/llm"
	"github.com/RichardoC/focus-fox/internal/models"
	"github.com/RichardoC/focus-fox/internal/page"
	"go.uber.org/zap"
)

func newLogger(level string) (*zap.Logger, error) {
	if level == "DEBUG" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if !cfg.EnvFileLoaded {
		logger.Info("No .env file found, relying on environment variables")
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DatabasePath))
	}
	defer database.Close()

	snapshot := &page.Snapshot{}
	controller := chat.NewController(database, llm.New(nil, logger), logger, chat.Options{
		ContextWindow: cfg.ContextWindow,
		Page:          snapshot,
	})

	if cfg.Model.Name != "" {
		seed := models.ModelConfig{
			ID:      cfg.Model.ID,
			APIKey:  cfg.Model.APIKey,
			Model:   cfg.Model.Name,
			BaseURL: cfg.Model.BaseURL,
		}
		if _, err := controller.SaveModel(context.Background(), seed); err != nil {
			logger.Fatal("failed to seed model", zap.Error(err), zap.String("modelID", seed.ID))
		}
		logger.Info("Seeded model",
			zap.String("modelID", seed.ID),
			zap.String("model", seed.Model),
			zap.String("baseURL", seed.BaseURL))
	}

	handler := api.NewHandler(controller, snapshot, logger)
	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     api.NewRouter(handler, cfg.AllowedOrigins),
		ReadTimeout: 15 * time.Second,
		// replies stream for as long as the model keeps talking
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}
