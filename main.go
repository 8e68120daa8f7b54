package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/whiteboard/internal/auth"
	"github.com/xiaot623/gogo/whiteboard/internal/config"
	"github.com/xiaot623/gogo/whiteboard/internal/engine"
	"github.com/xiaot623/gogo/whiteboard/internal/hub"
	internalhttp "github.com/xiaot623/gogo/whiteboard/internal/http"
	"github.com/xiaot623/gogo/whiteboard/internal/logging"
	"github.com/xiaot623/gogo/whiteboard/internal/metrics"
	"github.com/xiaot623/gogo/whiteboard/internal/persist"
	"github.com/xiaot623/gogo/whiteboard/internal/policy"
	"github.com/xiaot623/gogo/whiteboard/internal/state"
	"github.com/xiaot623/gogo/whiteboard/internal/store"
	"github.com/xiaot623/gogo/whiteboard/internal/transport/rpc"
	"github.com/xiaot623/gogo/whiteboard/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(logrus.Fields{
		"ws_port":   cfg.WSPort,
		"http_port": cfg.HTTPPort,
		"rpc_port":  cfg.RPCPort,
	}).Info("Starting whiteboard service...")

	m := metrics.New(prometheus.NewRegistry())

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}

	gw := persist.NewGateway(db, log,
		persist.WithInterval(cfg.PersistInterval),
		persist.WithTimeout(cfg.StoreTimeout),
		persist.WithMetrics(m),
	)
	sessions := state.NewStore(gw, log, state.WithLoadTimeout(cfg.StoreTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	admission, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to load admission policy")
	}

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is empty; tokens are signed with an empty key")
	}
	authn := auth.NewAuthenticator(cfg.JWTSecret)

	// Initialize registry and engine
	registry := hub.NewRegistry()
	eng := engine.New(registry, sessions, gw, log,
		engine.WithAdmission(admission, cfg.MaxSessionMembers),
		engine.WithMetrics(m),
	)
	go eng.Run(ctx)

	// Initialize WebSocket server
	wsServer := ws.NewServer(cfg, eng, authn, log, m)

	// Create WebSocket Echo server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsServer.Register(wsEcho)

	// Initialize internal HTTP and RPC servers
	httpServer := internalhttp.NewServer(eng, authn, registry, db, m, log)
	rpcServer, err := rpc.NewServer(eng, cfg.StoreTimeout, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create RPC server")
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start WebSocket server")
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		if err := rpcServer.Start(addr); err != nil {
			log.WithError(err).Fatal("Failed to start RPC server")
		}
	}()

	log.Info("Whiteboard service started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down whiteboard service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Stop intake first, then let the engine flush every resident session.
	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to shutdown WebSocket server gracefully")
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to close WebSocket connections")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to shutdown HTTP server gracefully")
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to shutdown RPC server gracefully")
	}

	cancel()
	select {
	case <-eng.Done():
	case <-shutdownCtx.Done():
		log.Warn("Engine did not stop before the shutdown deadline")
	}

	if err := gw.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Pending snapshots were not all written")
	}
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("Failed to close database")
	}

	log.Info("Whiteboard service stopped")
}
