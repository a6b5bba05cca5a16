package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the ephemeral record of one in-progress sign-in, keyed by the
// caller's local session. It is never written to the session store.
type State struct {
	Phone           string    `json:"phone"`
	CodeHash        string    `json:"code_hash"`
	CodeRequestedAt time.Time `json:"code_requested_at"`
	Requires2FA     bool      `json:"requires_2fa"`
}

// ErrStateNotFound is returned when no flow state exists for the key
var ErrStateNotFound = errors.New("flow state not found")

// StateStore holds in-progress flow state with a TTL
type StateStore interface {
	Get(ctx context.Context, flowID string) (*State, error)
	Put(ctx context.Context, flowID string, st *State, ttl time.Duration) error
	Delete(ctx context.Context, flowID string) error
}

const redisKeyPrefix = "authflow:"

type redisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore creates a redis-backed StateStore
func NewRedisStateStore(client *redis.Client) StateStore {
	return &redisStateStore{client: client}
}

func (r *redisStateStore) Get(ctx context.Context, flowID string) (*State, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+flowID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to read flow state: %w", err)
	}

	var st State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("failed to decode flow state: %w", err)
	}
	return &st, nil
}

func (r *redisStateStore) Put(ctx context.Context, flowID string, st *State, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode flow state: %w", err)
	}

	if err := r.client.SetEx(ctx, redisKeyPrefix+flowID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write flow state: %w", err)
	}
	return nil
}

func (r *redisStateStore) Delete(ctx context.Context, flowID string) error {
	return r.client.Del(ctx, redisKeyPrefix+flowID).Err()
}

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

type memoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStateStore creates an in-memory StateStore for tests and
// single-binary development setups without redis.
func NewMemoryStateStore() StateStore {
	return &memoryStateStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *memoryStateStore) Get(ctx context.Context, flowID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[flowID]
	if !ok || m.now().After(e.expiresAt) {
		delete(m.entries, flowID)
		return nil, ErrStateNotFound
	}
	st := e.state
	return &st, nil
}

func (m *memoryStateStore) Put(ctx context.Context, flowID string, st *State, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[flowID] = memoryEntry{state: *st, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *memoryStateStore) Delete(ctx context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, flowID)
	return nil
}
