package status

import (
	"sync"
	"time"

	"github.com/Solvire/gramline/internal/remote"
	"github.com/google/uuid"
)

// ConnState is the reported health of one user's remote connection
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDegraded     ConnState = "degraded"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

// Update is one point-in-time connection status for a user
type Update struct {
	UserID      uuid.UUID        `json:"user_id"`
	State       ConnState        `json:"state"`
	Identity    *remote.Identity `json:"identity,omitempty"`
	DC          int              `json:"dc,omitempty"`
	LatencyMS   int64            `json:"latency_ms,omitempty"`
	Detail      string           `json:"detail,omitempty"`
	LastChecked time.Time        `json:"last_checked"`
}

// Connected reports whether the update describes a usable connection
func (u Update) Connected() bool {
	return u.State == StateConnected || u.State == StateDegraded
}

const subscriberBuffer = 16

// Broadcaster fans connection status updates out to any number of
// subscribers. Publishing never blocks: a subscriber that cannot keep up
// misses intermediate updates and catches up on the next one.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Update]struct{}
	latest map[uuid.UUID]Update
}

// NewBroadcaster creates an empty Broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[chan Update]struct{}),
		latest: make(map[uuid.UUID]Update),
	}
}

// Subscribe registers a listener. The channel is primed with the current
// status of every known user so late subscribers start from a full picture.
// The returned cancel function must be called to release the subscription.
func (b *Broadcaster) Subscribe() (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buffer := subscriberBuffer
	if len(b.latest) >= buffer {
		buffer = len(b.latest) + subscriberBuffer
	}
	ch := make(chan Update, buffer)
	for _, u := range b.latest {
		ch <- u
	}
	b.subs[ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish records u as the latest status for its user and fans it out
func (b *Broadcaster) Publish(u Update) {
	if u.LastChecked.IsZero() {
		u.LastChecked = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[u.UserID] = u
	for ch := range b.subs {
		select {
		case ch <- u:
		default: // slow subscriber, drop
		}
	}
}

// Forget drops the retained status for a user, typically after logout
func (b *Broadcaster) Forget(userID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, userID)
}

// Latest returns the last published status for a user
func (b *Broadcaster) Latest(userID uuid.UUID) (Update, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	u, ok := b.latest[userID]
	return u, ok
}

// Snapshot returns the last published status of every known user
func (b *Broadcaster) Snapshot() []Update {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Update, 0, len(b.latest))
	for _, u := range b.latest {
		out = append(out, u)
	}
	return out
}
