// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/holomush/framehost/internal/logging"
	"github.com/holomush/framehost/internal/observability"
	"github.com/holomush/framehost/internal/plugin"
	"github.com/holomush/framehost/internal/plugin/capability"
	"github.com/holomush/framehost/internal/plugin/goplugin"
	"github.com/holomush/framehost/internal/plugin/hostfunc"
	pluginlua "github.com/holomush/framehost/internal/plugin/lua"
	"github.com/holomush/framehost/internal/plugin/remote"
	certs "github.com/holomush/framehost/internal/tls"
	"github.com/holomush/framehost/internal/xdg"
)

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Activate every plugin and serve until interrupted",
		Long: `Discover plugin.yaml profiles under the plugins directory, activate a
channel for each one and keep them running until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			if configPath == "" {
				if configPath, err = xdg.FindConfigFile(); err != nil {
					return err
				}
			}
			cfg, err := loadConfig(cmd.Flags(), configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runHost(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	registerHostFlags(cmd.Flags())
	return cmd
}

// buildFactories maps each supported URL scheme to its context factory.
func buildFactories(cfg *hostConfig, logger *slog.Logger, logOut io.Writer) (plugin.Factories, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	clients := &goplugin.DefaultClientFactory{
		Level:      hclog.LevelFromString(level.String()),
		Output:     logOut,
		JSONFormat: cfg.LogFormat == "json",
	}
	var remoteOpts []remote.Option
	if cfg.RemoteCA != "" {
		tlsCfg, err := certs.ClientConfig(cfg.RemoteCA)
		if err != nil {
			return nil, err
		}
		remoteOpts = append(remoteOpts, remote.WithTLSConfig(tlsCfg))
	}
	ws := remote.NewFactory(remoteOpts...)

	return plugin.Factories{
		"file": pluginlua.NewFactory(
			pluginlua.WithExecTimeout(cfg.LuaExecTimeout),
			pluginlua.WithLogger(logger),
		),
		"exec": goplugin.NewFactory(clients),
		"ws":   ws,
		"wss":  ws,
	}, nil
}

// runHost activates the plugins and blocks until ctx is done or the
// observability server fails.
func runHost(ctx context.Context, cfg *hostConfig, logOut io.Writer) error {
	logger, err := logging.Setup(logging.Options{
		Service: "framehost",
		Version: version,
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
	}, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	factories, err := buildFactories(cfg, logger, logOut)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var metrics plugin.Metrics
	var obsServer *observability.Server
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, ready.Load)
		errCh, startErr := obsServer.Start()
		if startErr != nil {
			return startErr
		}
		go monitorServerErrors(ctx, cancel, errCh, "observability")
		metrics = obsServer.Metrics()
	}

	enforcer := capability.NewEnforcer()
	funcs := hostfunc.New(hostfunc.NewMemoryKV(), enforcer)

	channelOpts := []plugin.Option{plugin.WithRequestTimeout(cfg.RequestTimeout)}
	if metrics != nil {
		channelOpts = append(channelOpts, plugin.WithMetrics(metrics))
	}

	manager := plugin.NewManager(cfg.PluginsDir, factories.New,
		plugin.WithEnforcer(enforcer),
		plugin.WithResponders(func(p *plugin.Profile) plugin.Responder {
			return funcs.Responder(p.Name)
		}),
		plugin.WithChannelOptions(channelOpts...),
		plugin.WithActivationTimeout(cfg.HandshakeTimeout),
		plugin.WithManagerLogger(logger),
	)
	funcs.SetCaller(manager)

	if err := manager.ActivateAll(ctx); err != nil {
		return err
	}
	ready.Store(true)
	logger.Info("host ready",
		"plugins_dir", cfg.PluginsDir,
		"active", manager.ListPlugins(),
		"schemes", factories.Schemes())

	<-ctx.Done()
	ready.Store(false)
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	closeErr := manager.Close(shutdownCtx)
	if closeErr != nil {
		logger.Warn("error deactivating plugins", "error", closeErr)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return closeErr
}

// monitorServerErrors cancels ctx when the server reports a serve error.
// It exits when the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
