package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/colabvibe/colabvibe/internal/backend"
	"github.com/colabvibe/colabvibe/internal/buffer"
	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/ports"
	"github.com/colabvibe/colabvibe/internal/recovery"
	"github.com/colabvibe/colabvibe/internal/server"
	"github.com/colabvibe/colabvibe/internal/store"
	"github.com/colabvibe/colabvibe/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session orchestration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if devMode {
		cfg.Dev = true
	}
	logger.Configure(logger.LevelFromEnv(cfg.Dev), cfg.Dev)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}
	st, err := store.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	allocator := ports.NewAllocator(cfg.Ports)
	if cfg.Ports.HealthCheck {
		allocator.StartHealthCheck(cfg.CleanupInterval, func(port int) {
			logger.Warnf("leased port %d unresponsive, releasing", port)
			allocator.Release(port)
		})
		defer allocator.StopHealthCheck()
	}

	buffers := buffer.NewManager(cfg.Buffering)
	buffers.StartSweeper(cfg.Buffering.SweepInterval)
	defer buffers.StopSweeper()

	registry := backend.NewRegistry(cfg, st, buffers, allocator)
	previewExec, err := previewExecutor(cfg)
	if err != nil {
		return err
	}
	previews := backend.NewPreviewService(cfg, previewExec, allocator)
	srv := server.New(cfg, registry, buffers, previews)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	recovery.SafeGo("shutdown-listener", func() {
		sig := <-shutdown
		logger.Infof("received %s, shutting down", sig)
		previews.Shutdown(context.Background())
		registry.Shutdown()
		if err := srv.Shutdown(); err != nil {
			logger.Errorf("server shutdown: %v", err)
		}
	})

	return srv.Listen()
}

// previewExecutor picks the transport previews run their probes and tunnels
// through. With a remote host configured the ssh executor is used so preview
// ports on that host are reachable; otherwise, or when the dial fails and
// fallback is allowed, previews stay on the local executor.
func previewExecutor(cfg *config.Config) (transport.Executor, error) {
	if cfg.Remote.Host == "" {
		return transport.NewLocalExecutor(), nil
	}
	exec, err := transport.DialSSH(cfg.Remote)
	if err != nil {
		if !cfg.Remote.LocalFallback {
			return nil, fmt.Errorf("ssh transport for previews: %w", err)
		}
		logger.Warnf("ssh transport to %s unavailable for previews, using local executor: %v", cfg.Remote.Host, err)
		return transport.NewLocalExecutor(), nil
	}
	return exec, nil
}
