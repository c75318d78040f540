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
	"github.com/BetaCatPro/ws-beacon/internal/conn"
	"github.com/BetaCatPro/ws-beacon/internal/errors"
	"github.com/BetaCatPro/ws-beacon/internal/logging"
	"github.com/BetaCatPro/ws-beacon/pkg/client"
)

const closeTimeout = 5 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.LoadClient(*configPath)
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

	logger.Info("page config",
		zap.Bool("enable_realtime", cfg.Page.EnableRealtime),
		zap.Int("initial_seconds", cfg.Page.InitialSeconds))
	if !cfg.Page.EnableRealtime {
		logger.Info("realtime disabled, nothing to do")
		return
	}

	errorCenter := errors.NewErrorCenter()
	errorCenter.AddErrorCallback(func(err error) {
		logger.Debug("reported error", zap.Stringer("kind", errors.KindOf(err)), zap.Error(err))
	})

	reconnect := conn.NewReconnectManager(cfg.Reconnect, nil, logger, errorCenter)
	transport, err := client.NewWebSocketTransport(cfg, reconnect, logger, errorCenter)
	if err != nil {
		logger.Fatal("create transport", zap.Error(err))
	}

	manager, err := client.NewManager(cfg, transport,
		client.WithLogger(logger),
		client.WithErrorCenter(errorCenter),
		client.WithHandlers(client.Handlers{
			OnStatus: func(s client.Status) {
				logger.Info("status", zap.String("status", string(s)))
			},
			OnPayload: func(p string) {
				fmt.Println(p)
			},
		}))
	if err != nil {
		logger.Fatal("create manager", zap.Error(err))
	}
	lifecycle := client.NewLifecycleAdapter(manager, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 终端作业控制信号代替页面生命周期事件
	hostSignals := make(chan os.Signal, 8)
	signal.Notify(hostSignals, syscall.SIGCONT, syscall.SIGTSTP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGWINCH)
	defer signal.Stop(hostSignals)

	manager.Start()

	for {
		select {
		case sig := <-hostSignals:
			switch sig {
			case syscall.SIGCONT:
				lifecycle.Resume()
			case syscall.SIGTSTP:
				lifecycle.Freeze()
			case syscall.SIGUSR1:
				lifecycle.Offline()
			case syscall.SIGUSR2:
				lifecycle.Online()
			case syscall.SIGWINCH:
				lifecycle.Visible()
			}
		case <-manager.Done():
			logger.Info("session ended")
			return
		case <-ctx.Done():
			manager.Close()
			select {
			case <-manager.Done():
			case <-time.After(closeTimeout):
				logger.Warn("close timed out")
			}
			return
		}
	}
}
