// Command server runs the donor matching service: the REST API, the
// websocket distribution layer and the matching engine behind them.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lifeline-health/lifeline/internal/auth"
	"github.com/lifeline-health/lifeline/internal/config"
	"github.com/lifeline-health/lifeline/internal/lifecycle"
	"github.com/lifeline-health/lifeline/internal/matching"
	"github.com/lifeline-health/lifeline/internal/notify"
	"github.com/lifeline-health/lifeline/internal/server"
	"github.com/lifeline-health/lifeline/internal/storage"
	"github.com/lifeline-health/lifeline/internal/ws"
	"github.com/lifeline-health/lifeline/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("service exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics := ws.NewMetrics(registry)
	hub := ws.NewHub(cfg.WS.BroadcastBacklog, cfg.WS.SendQueueSize, metrics, log.Named("hub"))
	defer hub.Stop()

	var bridge *ws.Bridge
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bridge = ws.NewBridge(hub, rdb, cfg.Redis.Channel, log.Named("bridge"))
		defer bridge.Stop()
		log.Info("cross-instance bridge enabled", zap.String("channel", cfg.Redis.Channel))
	}

	notifier := notify.NewLogNotifier(log.Named("notify"))
	dispatcher := ws.NewDispatcher(hub, notifier, log.Named("dispatcher"))
	rooms := ws.NewRoomManager(hub, store, metrics, log.Named("rooms"))

	engine := matching.NewEngine(cfg.Matching.Weights, log.Named("engine"))
	matcher := matching.NewMatcher(store, engine, dispatcher, cfg.Matching, log.Named("matcher"))
	sm := lifecycle.NewStateMachine(store, dispatcher, log.Named("lifecycle"))

	wsHandler := ws.NewHandler(hub, rooms, dispatcher, sm, store, cfg.WS, nil, log.Named("ws"))
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)

	srv := server.New(*cfg, store, matcher, sm, wsHandler, dispatcher, verifier, registry, log.Named("http"))
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
