// Package cmd implements the routecodex subcommands: serving the gateway and
// driving OAuth authorization for provider credentials.
package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/api"
	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/daemon"
	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/lifecycle"
	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/pipeline"
	"github.com/Jasonzhangf/routecodex-sub005/internal/usage"
	"github.com/Jasonzhangf/routecodex-sub005/internal/util"
	"github.com/Jasonzhangf/routecodex-sub005/internal/watcher"
)

const shutdownTimeout = 30 * time.Second

// StartService brings up the pipeline, the token daemon, the config watcher,
// and the API server, then blocks until a shutdown signal arrives.
func StartService(cfg *config.Config, configPath string) int {
	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{})
	tokens := lifecycle.NewManager(cfg.AuthDir, httpClient, nil)

	manager := pipeline.NewManager(cfg, tokens, httpClient)
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := manager.Initialize(rootCtx); err != nil {
		log.Errorf("failed to initialize pipeline: %v", err)
		return ExitConfigInvalid
	}

	tracker := usage.NewTracker(512)
	tracker.Start(rootCtx)

	var tokenDaemon *daemon.Daemon
	if cfg.TokenDaemon.Enabled {
		history, err := daemon.OpenHistory(cfg.TokenDaemon.HistoryPath)
		if err != nil {
			log.Warnf("token daemon disabled, history store unavailable: %v", err)
		} else {
			defer func() {
				_ = history.Close()
			}()
			tokenDaemon = daemon.New(cfg.TokenDaemon, cfg.AuthDir, tokens, history)
			go tokenDaemon.Run(rootCtx)
			log.Info("token refresh daemon started")
		}
	}

	server := api.NewServer(cfg, manager, tracker, configPath)

	if configPath != "" {
		configWatcher, err := watcher.NewWatcher(configPath, func(next *config.Config) {
			if err := manager.ReloadConfiguration(rootCtx, next); err != nil {
				log.Errorf("config reload failed, keeping previous configuration: %v", err)
			}
		})
		if err != nil {
			log.Warnf("config watching disabled: %v", err)
		} else if err := configWatcher.Start(rootCtx); err != nil {
			log.Warnf("config watching disabled: %v", err)
		} else {
			defer func() {
				_ = configWatcher.Stop()
			}()
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infof("received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			log.Errorf("API server failed: %v", err)
			return ExitFailure
		}
		return ExitSuccess
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Warnf("error stopping API server: %v", err)
	}
	manager.Shutdown(ctx)
	tracker.Stop()
	rootCancel()
	log.Info("shutdown complete")
	return ExitSuccess
}
