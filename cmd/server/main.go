package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/BetaCatPro/ws-beacon/internal/config"
	"github.com/BetaCatPro/ws-beacon/internal/logging"
	"github.com/BetaCatPro/ws-beacon/pkg/server"
)

const statusInterval = 30 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv, err := server.NewServer(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Fatal("create server", zap.Error(err))
	}
	srv.SetConnectHandler(func(id string) {
		logger.Info("client connected", zap.String("connection_id", id))
	})
	srv.SetDisconnectHandler(func(id string, err error) {
		logger.Info("client disconnected", zap.String("connection_id", id), zap.Error(err))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := srv.GetStats()
				logger.Info("server status",
					zap.Int("transports", srv.GetClientCount()),
					zap.Int("registered", srv.Registry().Len()),
					zap.Int("replay_depth", srv.ReplayBuffer().Len()),
					zap.Int64("sent", stats.Sent),
					zap.Int64("dropped", stats.Dropped))
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
