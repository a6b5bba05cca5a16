// Package governor wraps remote calls with the rate-limit and migration
// handling the messaging network demands: honored flood waits with jitter,
// a single reconnect on datacenter migration, bounded exponential backoff
// for transient failures, and minimum spacing between calls.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Solvire/gramline/internal/remote"
	"github.com/sethvargo/go-retry"
)

// ErrRotateSession signals that the reported flood wait exceeds the
// recoverable ceiling; the caller must deactivate the session instead of
// blocking on the wait.
var ErrRotateSession = errors.New("flood wait exceeds recoverable ceiling")

// Config holds the governor limits
type Config struct {
	MaxWait     time.Duration // cap on a single honored flood wait
	ExtremeWait time.Duration // waits above this trigger ErrRotateSession
	MinInterval time.Duration // minimum spacing between governed calls
	MaxRetries  uint64        // bound for both flood and transient retries
	BackoffBase time.Duration // first transient backoff step
}

// Operation is one remote call
type Operation func(ctx context.Context) error

// MigrateFunc reconnects the underlying client to the given datacenter
type MigrateFunc func(ctx context.Context, dc int) error

// Governor serializes pacing decisions for a stream of remote calls
type Governor struct {
	cfg Config

	mu       sync.Mutex
	lastCall time.Time

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Governor, applying defaults for zero-valued limits
func New(cfg Config) *Governor {
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 300 * time.Second
	}
	if cfg.ExtremeWait == 0 {
		cfg.ExtremeWait = 3600 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}

	return &Governor{
		cfg:   cfg,
		sleep: sleepContext,
		now:   time.Now,
	}
}

// Execute runs op under the governor without migration support
func (g *Governor) Execute(ctx context.Context, op Operation) error {
	return g.ExecuteMigratable(ctx, op, nil)
}

// ExecuteMigratable runs op under the governor. On a migration signal it
// invokes migrate once and retries the operation; on flood waits it sleeps
// min(reported, MaxWait) plus jitter in [0, sleep] and retries, unless the
// reported wait is extreme, in which case it fails with ErrRotateSession.
func (g *Governor) ExecuteMigratable(ctx context.Context, op Operation, migrate MigrateFunc) error {
	migrated := false
	floods := uint64(0)

	for {
		err := g.executeTransient(ctx, op)
		if err == nil {
			return nil
		}

		rpc := remote.Parse(err)
		switch rpc.Kind {
		case remote.KindRateLimited:
			reported := time.Duration(rpc.Seconds) * time.Second
			if reported > g.cfg.ExtremeWait {
				slog.Warn("extreme flood wait, rotating session", "reported", reported, "ceiling", g.cfg.ExtremeWait)
				return fmt.Errorf("flood wait %s: %w: %w", reported, ErrRotateSession, err)
			}
			floods++
			if floods > g.cfg.MaxRetries {
				return err
			}
			if serr := g.floodSleep(ctx, reported); serr != nil {
				return serr
			}

		case remote.KindMustMigrate:
			if migrate == nil || migrated {
				return err
			}
			slog.Info("remote requested datacenter migration", "dc", rpc.DC)
			if merr := migrate(ctx, rpc.DC); merr != nil {
				return fmt.Errorf("migrate to DC %d: %w", rpc.DC, merr)
			}
			migrated = true

		default:
			return err
		}
	}
}

// executeTransient retries op with bounded exponential backoff for
// network-level failures; every other outcome passes through unmodified.
func (g *Governor) executeTransient(ctx context.Context, op Operation) error {
	backoff := retry.WithMaxRetries(g.cfg.MaxRetries, retry.NewExponential(g.cfg.BackoffBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := g.space(ctx); err != nil {
			return err
		}

		err := op(ctx)
		if err != nil && remote.IsKind(err, remote.KindTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// floodSleep honors a reported flood wait: sleep min(reported, MaxWait) plus
// a randomized jitter in [0, sleep] so concurrent waiters do not retry in
// lockstep.
func (g *Governor) floodSleep(ctx context.Context, reported time.Duration) error {
	honored := reported
	if honored > g.cfg.MaxWait {
		honored = g.cfg.MaxWait
	}

	jitter := time.Duration(0)
	if honored > 0 {
		jitter = time.Duration(rand.Int64N(int64(honored) + 1))
	}

	slog.Info("honoring flood wait", "reported", reported, "sleeping", honored+jitter)
	return g.sleep(ctx, honored+jitter)
}

// space enforces the minimum interval between governed calls
func (g *Governor) space(ctx context.Context) error {
	if g.cfg.MinInterval <= 0 {
		return nil
	}

	g.mu.Lock()
	now := g.now()
	var wait time.Duration
	if next := g.lastCall.Add(g.cfg.MinInterval); next.After(now) {
		wait = next.Sub(now)
	}
	// Reserve the slot before sleeping so concurrent callers queue up
	g.lastCall = now.Add(wait)
	g.mu.Unlock()

	if wait > 0 {
		return g.sleep(ctx, wait)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
