package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/backend/container"
	"github.com/p-arndt/runspace/internal/backend/local"
	"github.com/p-arndt/runspace/internal/config"
	"github.com/p-arndt/runspace/internal/ctl"
	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/monitor"
	"github.com/p-arndt/runspace/internal/ptybridge"
	"github.com/p-arndt/runspace/internal/registry"
	"github.com/p-arndt/runspace/internal/runspace"
)

func main() {
	cfgPath := flag.String("config", "", "path to runspaced.yaml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *cfgPath); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := registry.NewStore(cfg.RegistryPath, logger)

	if err := os.MkdirAll(filepath.Dir(cfg.EventDBPath), 0755); err != nil {
		return fmt.Errorf("event db dir: %w", err)
	}
	journal, err := events.NewJournal(cfg.EventDBPath)
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	defer journal.Close()

	bus := events.NewBus()
	journalCh, cancelJournal := bus.Subscribe(256)
	defer cancelJournal()
	go func() {
		for ev := range journalCh {
			if err := journal.Append(ev); err != nil {
				logger.Error("journal append", "error", err)
			}
		}
	}()

	backends := buildBackends(ctx, cfg, logger)
	bridge := ptybridge.New(logger)

	mgr, err := runspace.NewManager(cfg, store, backends, bridge, bus, logger)
	if err != nil {
		return err
	}

	if err := mgr.Reconcile(ctx); err != nil {
		logger.Error("reconcile", "error", err)
	}
	autoStart(ctx, mgr, logger)

	mon := monitor.New(mgr, bus, cfg.Monitor, logger)
	go mon.Run(ctx)

	ln, err := listen(cfg.Socket)
	if err != nil {
		return err
	}
	defer ln.Close()

	srv := ctl.NewServer(mgr, bridge, journal, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
		ln.Close()
	}()

	logger.Info("listening", "socket", cfg.Socket)
	return srv.Serve(ctx, ln)
}

// buildBackends wires every backend the host can support. The local
// backend is always available; the container backend needs a reachable
// Docker daemon.
func buildBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) map[registry.BackendType]backend.Backend {
	backends := map[registry.BackendType]backend.Backend{
		registry.BackendLocalNamespace: local.New(cfg.Defaults, logger),
	}

	cb, err := container.New(cfg.Defaults, logger)
	if err != nil {
		logger.Warn("container backend disabled", "error", err)
		return backends
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cb.Ping(pingCtx); err != nil {
		logger.Warn("container backend disabled, docker unreachable", "error", err)
		cb.Close()
		return backends
	}
	backends[registry.BackendContainer] = cb
	logger.Info("container backend enabled")
	return backends
}

// autoStart brings up runspaces that opted into starting with the daemon.
func autoStart(ctx context.Context, mgr *runspace.Manager, logger *slog.Logger) {
	list, err := mgr.List(ctx)
	if err != nil {
		logger.Error("autostart: list", "error", err)
		return
	}
	for _, rs := range list {
		if !rs.AutoStart || rs.Status == registry.StatusActive {
			continue
		}
		if _, err := mgr.Start(ctx, rs.ID); err != nil {
			logger.Error("autostart", "runspace_id", rs.ID, "name", rs.Name, "error", err)
		}
	}
}

func listen(socket string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socket), 0755); err != nil {
		return nil, fmt.Errorf("socket dir: %w", err)
	}
	// A previous daemon may have left the socket behind.
	if _, err := os.Stat(socket); err == nil {
		if err := os.Remove(socket); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(socket, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("socket perms: %w", err)
	}
	return ln, nil
}
