// Package monitor periodically probes runspace health and reclaims idle
// active runspaces by suspending them.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/config"
	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/registry"
)

type EventSink interface {
	Publish(events.Event)
}

type Monitor struct {
	mgr      Lifecycle
	bus      EventSink
	cfg      config.MonitorConfig
	interval time.Duration
	logger   *slog.Logger

	// consecutive unhealthy probes per runspace id
	failures map[string]int
}

func New(mgr Lifecycle, bus EventSink, cfg config.MonitorConfig, logger *slog.Logger) *Monitor {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		mgr:      mgr,
		bus:      bus,
		cfg:      cfg,
		interval: interval,
		logger:   logger,
		failures: make(map[string]int),
	}
}

func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep runs one health and reclamation pass.
func (m *Monitor) sweep(ctx context.Context) {
	list, err := m.mgr.List(ctx)
	if err != nil {
		m.logger.Error("monitor: list runspaces", "error", err)
		return
	}

	seen := make(map[string]bool, len(list))
	for _, rs := range list {
		if rs.Status == registry.StatusStopped {
			continue
		}
		seen[rs.ID] = true
		m.probe(ctx, rs)
		if rs.Status == registry.StatusActive {
			m.reclaim(ctx, rs)
		}
	}

	// Drop counters for runspaces that were deleted or stopped.
	for id := range m.failures {
		if !seen[id] {
			delete(m.failures, id)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, rs *registry.Runspace) {
	h, err := m.mgr.Health(ctx, rs.ID)
	if err != nil {
		m.logger.Warn("monitor: health probe failed", "runspace_id", rs.ID, "error", err)
		return
	}
	if h.Status != backend.Unhealthy {
		m.failures[rs.ID] = 0
		return
	}

	m.failures[rs.ID]++
	if m.failures[rs.ID] < m.threshold() {
		return
	}

	// Report once, then start counting again.
	m.failures[rs.ID] = 0
	m.logger.Warn("monitor: runspace degraded", "runspace_id", rs.ID, "name", rs.Name)
	m.bus.Publish(events.Event{
		Type:       events.TypeDegraded,
		RunspaceID: rs.ID,
		Name:       rs.Name,
		Detail:     "consecutive unhealthy probes",
		At:         time.Now().UTC(),
	})
}

// reclaim suspends an active runspace that opted into autoSuspend and has
// been idle past its timeout.
func (m *Monitor) reclaim(ctx context.Context, rs *registry.Runspace) {
	if !rs.AutoSuspend {
		return
	}
	timeout := rs.SuspendTimeoutSeconds
	if timeout <= 0 {
		timeout = m.cfg.SuspendTimeoutSeconds
	}
	idle := time.Since(rs.LastActiveAt)
	if idle < time.Duration(timeout)*time.Second {
		return
	}

	m.logger.Info("monitor: suspending idle runspace",
		"runspace_id", rs.ID, "name", rs.Name, "idle", idle.Truncate(time.Second))
	if err := m.mgr.Suspend(ctx, rs.ID); err != nil {
		m.logger.Error("monitor: suspend", "runspace_id", rs.ID, "error", err)
	}
}

func (m *Monitor) threshold() int {
	if m.cfg.UnhealthyThreshold <= 0 {
		return 3
	}
	return m.cfg.UnhealthyThreshold
}
