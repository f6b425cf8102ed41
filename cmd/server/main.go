package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/UniSketch/UniSketch7-sub001/api/handlers"
	"github.com/UniSketch/UniSketch7-sub001/internal/config"
	"github.com/UniSketch/UniSketch7-sub001/internal/db"
	"github.com/UniSketch/UniSketch7-sub001/internal/logger"
	"github.com/UniSketch/UniSketch7-sub001/internal/repository"
	"github.com/UniSketch/UniSketch7-sub001/internal/session"
	"github.com/UniSketch/UniSketch7-sub001/internal/ws"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := flag.String("env", ".env", "dotenv file to load before reading the environment")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()

	// Initialize repositories
	sketchRepo := repository.NewSketchRepository(database)
	permissionRepo := repository.NewPermissionRepository(database)

	// Initialize session registry with autosave
	sessionManager := session.NewManager(sketchRepo, log, session.Config{
		Session:          cfg.SessionOptions(),
		AutosaveInterval: cfg.AutosaveInterval,
	})
	sessionManager.Start()

	// Initialize WebSocket service
	wsService := ws.NewService(sessionManager, permissionRepo, log, ws.Options{
		BatchInterval:  cfg.BatchInterval,
		SendBuffer:     cfg.ClientSendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// Initialize handlers
	sketchHandler := handlers.NewSketchHandler(sketchRepo, permissionRepo, sessionManager, wsService)
	wsHandler := handlers.NewWebSocketHandler(wsService.Handler(), log)

	// Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(corsMiddleware())
	r.Use(handlers.Identity())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": sessionManager.Count(),
		})
	})

	// API routes
	api := r.Group("/api")
	{
		sketchHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Shutting down server", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("Server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
	wsService.Close()
	if err := sessionManager.Close(ctx); err != nil {
		log.Error("Failed to save sketches on shutdown", zap.Error(err))
		return err
	}

	log.Info("Server stopped")
	return nil
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-User-ID, X-User-Name")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
