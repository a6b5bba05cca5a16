// Package pool maintains at most one live remote connection per local user,
// built on demand from the persisted session and shared by every borrower.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Solvire/gramline/internal/domain/session"
	"github.com/Solvire/gramline/internal/domain/status"
	"github.com/Solvire/gramline/internal/governor"
	"github.com/Solvire/gramline/internal/remote"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ErrSessionRevoked is returned when the remote network no longer accepts the
// stored session. The record is deactivated; the user must sign in again.
var ErrSessionRevoked = errors.New("remote session revoked")

// Config holds pool limits and the remote application credentials used when
// restoring connections.
type Config struct {
	MaxSize        int
	IdleTimeout    time.Duration
	HealthInterval time.Duration
	ErrorThreshold int

	AppID         int32
	AppHash       string
	DeviceModel   string
	SystemVersion string
	AppVersion    string
	LangCode      string
}

type entry struct {
	client        remote.Client
	identity      *remote.Identity
	lastUsed      time.Time
	errCount      int
	lastFloodWait int
}

// Manager owns the per-user connections. Concurrent borrowers of the same
// user are collapsed into a single connection build; distinct users proceed
// independently.
type Manager struct {
	store       *session.Store
	dialer      remote.Dialer
	gov         *governor.Governor
	broadcaster *status.Broadcaster
	cfg         Config

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	group   singleflight.Group

	now func() time.Time
}

// NewManager creates a Manager, applying defaults for zero-valued limits
func NewManager(store *session.Store, dialer remote.Dialer, gov *governor.Governor, broadcaster *status.Broadcaster, cfg Config) *Manager {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 20
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 60 * time.Second
	}
	if cfg.ErrorThreshold == 0 {
		cfg.ErrorThreshold = 3
	}

	return &Manager{
		store:       store,
		dialer:      dialer,
		gov:         gov,
		broadcaster: broadcaster,
		cfg:         cfg,
		entries:     make(map[uuid.UUID]*entry),
		now:         time.Now,
	}
}

// Client returns the user's live connection, building one from the persisted
// session when none exists. Concurrent callers for the same user share a
// single build; none of them triggers a second dial.
func (m *Manager) Client(ctx context.Context, userID uuid.UUID) (remote.Client, error) {
	if c, degraded := m.lookup(userID); c != nil {
		if !degraded {
			return c, nil
		}
		// One reconnect attempt for a degraded connection before the
		// expensive rebuild from the persisted session.
		if m.revive(ctx, userID, c) {
			return c, nil
		}
	}

	v, err, _ := m.group.Do(userID.String(), func() (interface{}, error) {
		// A concurrent caller may have finished the build already
		if c, degraded := m.lookup(userID); c != nil && !degraded {
			return c, nil
		}
		return m.build(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(remote.Client), nil
}

// lookup returns the live connection and marks it used, or nil. The second
// return reports whether the connection has recorded failures.
func (m *Manager) lookup(userID uuid.UUID) (remote.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		return nil, false
	}
	e.lastUsed = m.now()
	return e.client, e.errCount > 0
}

// revive probes a degraded connection once. A passing probe clears the
// failure count; a failing one evicts the entry so the caller rebuilds.
func (m *Manager) revive(ctx context.Context, userID uuid.UUID, client remote.Client) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := client.Ping(probeCtx)
	cancel()

	if err == nil {
		m.mu.Lock()
		if e, ok := m.entries[userID]; ok {
			e.errCount = 0
		}
		m.mu.Unlock()
		return true
	}

	slog.Warn("degraded connection failed reconnect probe", "user_id", userID.String(), "error", err)
	m.evict(userID, status.StateError, remote.Parse(err).Code)
	return false
}

func (m *Manager) build(ctx context.Context, userID uuid.UUID) (remote.Client, error) {
	blob, rec, err := m.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}

	client, err := m.dialer.Dial(ctx, remote.DialOptions{
		AppID:         m.cfg.AppID,
		AppHash:       m.cfg.AppHash,
		SessionBlob:   blob,
		DC:            dcFromMeta(rec.Metadata),
		DeviceModel:   m.cfg.DeviceModel,
		SystemVersion: m.cfg.SystemVersion,
		AppVersion:    m.cfg.AppVersion,
		LangCode:      m.cfg.LangCode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial for user %s: %w", userID.String(), err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect for user %s: %w", userID.String(), err)
	}

	// The stored session may have been revoked from another device; verify
	// it before handing the connection out.
	var identity *remote.Identity
	err = m.gov.ExecuteMigratable(ctx, func(ctx context.Context) error {
		var opErr error
		identity, opErr = client.Self(ctx)
		return opErr
	}, client.Migrate)
	if err != nil {
		_ = client.Disconnect()
		return nil, m.buildFailed(ctx, userID, err)
	}

	if err := m.store.Touch(ctx, userID); err != nil {
		slog.Warn("failed to record session use", "user_id", userID.String(), "error", err)
	}
	if dc := client.DC(); dc != dcFromMeta(rec.Metadata) {
		_ = m.store.MergeMetadata(ctx, userID, session.Metadata{session.MetaLastDC: dc})
	}

	m.insert(ctx, userID, &entry{client: client, identity: identity, lastUsed: m.now()})

	m.broadcaster.Publish(status.Update{
		UserID:   userID,
		State:    status.StateConnected,
		Identity: identity,
		DC:       client.DC(),
	})

	slog.Info("connection established", "user_id", userID.String(), "dc", client.DC())
	return client, nil
}

// buildFailed maps a failed restore into the caller-facing error and records
// the outcome on the session record.
func (m *Manager) buildFailed(ctx context.Context, userID uuid.UUID, err error) error {
	rpc := remote.Parse(err)
	switch {
	case rpc.Kind == remote.KindInvalidCredential:
		if derr := m.store.Deactivate(ctx, userID); derr != nil {
			slog.Error("failed to deactivate revoked session", "user_id", userID.String(), "error", derr)
		}
		m.broadcaster.Publish(status.Update{UserID: userID, State: status.StateError, Detail: rpc.Code})
		return fmt.Errorf("%w: %s", ErrSessionRevoked, rpc.Code)
	case errors.Is(err, governor.ErrRotateSession):
		secs, _ := remote.FloodWait(err)
		meta := session.Metadata{session.MetaLastFloodWait: secs}
		if rerr := m.store.RecordFailure(ctx, userID, meta); rerr != nil {
			slog.Error("failed to record session failure", "user_id", userID.String(), "error", rerr)
		}
		// Extreme flood waits rotate the session: the stored blob must not
		// be retried until the user authenticates again.
		if derr := m.store.Deactivate(ctx, userID); derr != nil {
			slog.Error("failed to deactivate rotated session", "user_id", userID.String(), "error", derr)
		}
		m.broadcaster.Publish(status.Update{UserID: userID, State: status.StateError, Detail: rpc.Code})
		return err
	default:
		if rerr := m.store.RecordFailure(ctx, userID, nil); rerr != nil {
			slog.Error("failed to record session failure", "user_id", userID.String(), "error", rerr)
		}
		m.broadcaster.Publish(status.Update{UserID: userID, State: status.StateError, Detail: rpc.Code})
		return err
	}
}

// insert stores the entry, evicting the least recently used connection when
// the pool is full.
func (m *Manager) insert(ctx context.Context, userID uuid.UUID, e *entry) {
	m.mu.Lock()

	var victim remote.Client
	var victimID uuid.UUID
	if len(m.entries) >= m.cfg.MaxSize {
		oldest := m.now()
		for id, cand := range m.entries {
			if !cand.lastUsed.After(oldest) {
				oldest = cand.lastUsed
				victimID = id
				victim = cand.client
			}
		}
		delete(m.entries, victimID)
	}

	m.entries[userID] = e
	m.mu.Unlock()

	if victim != nil {
		_ = victim.Disconnect()
		m.broadcaster.Publish(status.Update{UserID: victimID, State: status.StateDisconnected, Detail: "evicted: pool full"})
		slog.Info("connection evicted", "user_id", victimID.String(), "reason", "pool full")
	}
}

// ReleaseOnError reports a failure observed while using a borrowed
// connection. Credential failures and extreme flood waits deactivate the
// session; served rate limits are recorded; anything else counts toward the
// eviction threshold.
func (m *Manager) ReleaseOnError(ctx context.Context, userID uuid.UUID, err error) {
	rpc := remote.Parse(err)
	switch {
	case rpc.Kind == remote.KindInvalidCredential:
		m.evict(userID, status.StateError, rpc.Code)
		if derr := m.store.Deactivate(ctx, userID); derr != nil {
			slog.Error("failed to deactivate revoked session", "user_id", userID.String(), "error", derr)
		}
	case errors.Is(err, governor.ErrRotateSession):
		m.evict(userID, status.StateError, rpc.Code)
		secs, _ := remote.FloodWait(err)
		meta := session.Metadata{session.MetaLastFloodWait: secs}
		if rerr := m.store.RecordFailure(ctx, userID, meta); rerr != nil {
			slog.Error("failed to record session failure", "user_id", userID.String(), "error", rerr)
		}
		if derr := m.store.Deactivate(ctx, userID); derr != nil {
			slog.Error("failed to deactivate rotated session", "user_id", userID.String(), "error", derr)
		}
	case rpc.Kind == remote.KindRateLimited:
		// The governor already served the wait; keep the connection but
		// record the cool-down in entry health and session metadata.
		m.mu.Lock()
		if e, ok := m.entries[userID]; ok {
			e.lastFloodWait = rpc.Seconds
		}
		m.mu.Unlock()
		if merr := m.store.MergeMetadata(ctx, userID, session.Metadata{session.MetaLastFloodWait: rpc.Seconds}); merr != nil {
			slog.Error("failed to record flood wait", "user_id", userID.String(), "error", merr)
		}
	default:
		m.mu.Lock()
		e, ok := m.entries[userID]
		var over bool
		if ok {
			e.errCount++
			over = e.errCount >= m.cfg.ErrorThreshold
		}
		m.mu.Unlock()
		if over {
			m.evict(userID, status.StateError, rpc.Code)
		}
	}
}

// Evict drops the user's connection, typically on logout
func (m *Manager) Evict(ctx context.Context, userID uuid.UUID) {
	m.evict(userID, status.StateDisconnected, "")
}

func (m *Manager) evict(userID uuid.UUID, state status.ConnState, detail string) {
	m.mu.Lock()
	e, ok := m.entries[userID]
	if ok {
		delete(m.entries, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	_ = e.client.Disconnect()
	m.broadcaster.Publish(status.Update{UserID: userID, State: state, Detail: detail})
	slog.Info("connection closed", "user_id", userID.String(), "state", string(state))
}

// CleanupIdle drops every connection idle longer than the configured timeout
// and reports how many were evicted.
func (m *Manager) CleanupIdle() int {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var victims []uuid.UUID
	for id, e := range m.entries {
		if e.lastUsed.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	m.mu.Unlock()

	for _, id := range victims {
		m.evict(id, status.StateDisconnected, "evicted: idle")
	}
	return len(victims)
}

// Size reports the number of live connections
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Shutdown disconnects everything, without status fan-out churn
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[uuid.UUID]*entry)
	m.mu.Unlock()

	for id, e := range entries {
		_ = e.client.Disconnect()
		m.broadcaster.Publish(status.Update{UserID: id, State: status.StateDisconnected, Detail: "shutdown"})
	}
}

func dcFromMeta(meta session.Metadata) int {
	switch v := meta[session.MetaLastDC].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
