package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanprov/lanprovd/internal/api"
	"github.com/lanprov/lanprovd/internal/config"
	"github.com/lanprov/lanprovd/internal/dhcp"
	"github.com/lanprov/lanprovd/internal/events"
	"github.com/lanprov/lanprovd/internal/logging"
	"github.com/lanprov/lanprovd/internal/metrics"
	"github.com/lanprov/lanprovd/internal/service"
)

const eventBufferSize = 1000

func newServeCmd() *cobra.Command {
	var (
		configPath string
		pidFile    string
	)
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the DHCP server, device discovery and the control API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, pidFile)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "write the process ID to this file")
	return cmd
}

func runServe(configPath, pidFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, level := logging.Setup(cfg.Server.LogLevel, os.Stdout)
	logger.Info("lanprovd starting",
		"version", version,
		"config", configPath,
		"dhcp", cfg.DHCP.Enabled,
		"discovery", cfg.Discovery.Enabled,
		"api", cfg.API.Enabled)
	metrics.ServerStartTime.SetToCurrentTime()
	metrics.ServerInfo.WithLabelValues(version).Set(1)

	if pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			return err
		}
		defer removePIDFile(pidFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(eventBufferSize, logger)
	go bus.Start()
	defer bus.Stop()

	svc := service.New(cfg, bus, logger)
	defer svc.Close()

	if cfg.DHCP.Enabled {
		startDHCP(ctx, svc, logger)
	}
	if cfg.Discovery.Enabled {
		if err := svc.StartDiscovery(ctx); err != nil {
			logger.Error("failed to start device discovery", "error", err)
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(svc, cfg.API, logger)
		ln, err := apiServer.Listen()
		if err != nil {
			return err
		}
		go func() {
			if err := apiServer.Serve(ln); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	apply := func(next *config.Config) {
		level.Set(logging.ParseLevel(next.Server.LogLevel))
		if err := svc.Reconfigure(ctx, next); err != nil {
			logger.Error("applying reloaded configuration", "error", err)
		}
	}

	go func() {
		if err := config.Watch(ctx, configPath, logger, apply); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reloading config")
			next, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to reload config", "error", err)
				continue
			}
			apply(next)

		default:
			logger.Info("received shutdown signal", "signal", sig.String())

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			cancel()
			if apiServer != nil {
				if err := apiServer.Stop(shutdownCtx); err != nil {
					logger.Warn("API server shutdown", "error", err)
				}
			}
			svc.Close()

			logger.Info("lanprovd stopped")
			return nil
		}
	}
	return nil
}

// startDHCP starts the DHCP subsystem. A failure is logged and left for the
// operator to resolve through the API; it is never retried.
func startDHCP(ctx context.Context, svc *service.Service, logger *slog.Logger) {
	st, err := svc.StartDHCP(ctx, nil)
	if err != nil {
		var bindErr *dhcp.BindError
		if errors.As(err, &bindErr) {
			logger.Error("failed to bind DHCP port", "error", err, "addr", bindErr.Addr)
			return
		}
		logger.Error("failed to start DHCP server", "error", err)
		return
	}
	if st.Fallback {
		logger.Warn("no usable interface found, serving fallback addressing",
			"interface", st.Interface,
			"ip", st.IP)
	}
}

// writePIDFile writes the current process ID to the given path.
func writePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating PID directory %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// removePIDFile removes the PID file.
func removePIDFile(path string) {
	os.Remove(path)
}
