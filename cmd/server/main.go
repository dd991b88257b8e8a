package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"registry-cache-service/internal/api"
	"registry-cache-service/internal/cache"
	"registry-cache-service/internal/config"
	"registry-cache-service/internal/logger"
	"registry-cache-service/internal/realtime"
	"registry-cache-service/internal/store"
)

func main() {
	// Load Config
	path := os.Getenv("REGISTRY_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting registry cache service", zap.String("driver", cfg.Database.Driver))

	// Init Backing Store
	backend, err := store.Open(cfg.Database, cfg.Cache.Tables)
	if err != nil {
		logger.Log.Fatal("Failed to open backing store", zap.Error(err))
	}

	// Init Push Source
	var source cache.EventSource[store.Row]
	if cfg.Cache.Realtime {
		source = realtime.NewBinlogSource(cfg.Database, cfg.Cache.Tables)
	}

	// Init Manager
	manager := realtime.NewManager(cfg, backend, source)
	defer manager.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	err = manager.Start(startCtx)
	cancelStart()
	if err != nil {
		logger.Log.Fatal("Failed to start cache manager", zap.Error(err))
	}

	// Init API
	handler := api.NewHandler(manager, cfg.Server)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: cfg.Server.GetReadTimeout(),
		// Zero keeps watch streams open.
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Warn("Server shutdown incomplete", zap.Error(err))
	}
	manager.Stop()
}
