package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/Solvire/gramline/internal/domain/status"
	"github.com/Solvire/gramline/internal/remote"
	"github.com/google/uuid"
)

const probeTimeout = 10 * time.Second

// HealthCheck probes every live connection once. Healthy connections have
// their failure counter reset; a connection failing the probe is degraded and
// evicted once it crosses the error threshold.
func (m *Manager) HealthCheck(ctx context.Context) {
	m.mu.Lock()
	targets := make(map[uuid.UUID]remote.Client, len(m.entries))
	for id, e := range m.entries {
		targets[id] = e.client
	}
	m.mu.Unlock()

	for id, client := range targets {
		m.probe(ctx, id, client)
	}
}

func (m *Manager) probe(ctx context.Context, userID uuid.UUID, client remote.Client) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	start := m.now()
	err := client.Ping(probeCtx)
	latency := time.Since(start)
	cancel()

	if err == nil {
		m.mu.Lock()
		e, ok := m.entries[userID]
		var identity *remote.Identity
		if ok {
			e.errCount = 0
			identity = e.identity
		}
		m.mu.Unlock()
		if !ok {
			return // evicted while we were probing
		}

		m.broadcaster.Publish(status.Update{
			UserID:    userID,
			State:     status.StateConnected,
			Identity:  identity,
			DC:        client.DC(),
			LatencyMS: latency.Milliseconds(),
		})
		return
	}

	rpc := remote.Parse(err)
	if rpc.Kind == remote.KindInvalidCredential {
		m.evict(userID, status.StateError, rpc.Code)
		if derr := m.store.Deactivate(ctx, userID); derr != nil {
			slog.Error("failed to deactivate revoked session", "user_id", userID.String(), "error", derr)
		}
		return
	}

	m.mu.Lock()
	e, ok := m.entries[userID]
	var count int
	if ok {
		e.errCount++
		count = e.errCount
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if count >= m.cfg.ErrorThreshold {
		slog.Warn("connection failed health checks", "user_id", userID.String(), "failures", count, "error", err)
		m.evict(userID, status.StateError, rpc.Code)
		return
	}

	m.broadcaster.Publish(status.Update{
		UserID: userID,
		State:  status.StateDegraded,
		Detail: rpc.Code,
	})
}

// Run drives the periodic health checks and idle cleanup until ctx is
// cancelled, then disconnects everything.
func (m *Manager) Run(ctx context.Context) {
	health := time.NewTicker(m.cfg.HealthInterval)
	defer health.Stop()

	idleInterval := m.cfg.IdleTimeout / 4
	if idleInterval < time.Minute {
		idleInterval = time.Minute
	}
	idle := time.NewTicker(idleInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-health.C:
			m.HealthCheck(ctx)
		case <-idle.C:
			if n := m.CleanupIdle(); n > 0 {
				slog.Info("idle connections evicted", "count", n)
			}
		}
	}
}
