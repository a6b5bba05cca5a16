package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Solvire/gramline/internal/remote"
)

// fakeClock captures requested sleeps without actually sleeping
type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (f *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeClock) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func testGovernor(cfg Config) (*Governor, *fakeClock) {
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Nanosecond
	}
	g := New(cfg)
	clock := &fakeClock{}
	g.sleep = clock.sleep
	return g, clock
}

func TestExecute_FloodWait_RetriesWithinBounds(t *testing.T) {
	g, clock := testGovernor(Config{MaxWait: 300 * time.Second, ExtremeWait: time.Hour})

	calls := 0
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return remote.RateLimited(30)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("Execute() calls = %d, want 2", calls)
	}

	reported := 30 * time.Second
	var floodSleep time.Duration
	for _, d := range clock.recorded() {
		if d >= reported {
			floodSleep = d
		}
	}
	if floodSleep < reported || floodSleep > 2*reported {
		t.Errorf("flood sleep = %v, want within [%v, %v]", floodSleep, reported, 2*reported)
	}
}

func TestExecute_FloodWait_CappedAtMaxWait(t *testing.T) {
	g, clock := testGovernor(Config{MaxWait: 10 * time.Second, ExtremeWait: time.Hour})

	calls := 0
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return remote.RateLimited(600) // above cap, below extreme
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() unexpected error: %v", err)
	}

	for _, d := range clock.recorded() {
		if d > 20*time.Second {
			t.Errorf("sleep = %v exceeds 2*MaxWait despite the cap", d)
		}
	}
}

func TestExecute_ExtremeFloodWait_NoRetry(t *testing.T) {
	g, _ := testGovernor(Config{MaxWait: 300 * time.Second, ExtremeWait: 3600 * time.Second})

	calls := 0
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return remote.RateLimited(86400)
	})

	if !errors.Is(err, ErrRotateSession) {
		t.Fatalf("Execute() error = %v, want ErrRotateSession", err)
	}
	if calls != 1 {
		t.Errorf("Execute() calls = %d, want 1 (extreme waits must not be retried)", calls)
	}
}

func TestExecute_FloodWait_Bounded(t *testing.T) {
	g, _ := testGovernor(Config{MaxWait: time.Second, ExtremeWait: time.Hour, MaxRetries: 2})

	calls := 0
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return remote.RateLimited(1)
	})

	if _, ok := remote.FloodWait(err); !ok {
		t.Fatalf("Execute() error = %v, want the rate-limit error surfaced", err)
	}
	if calls != 3 {
		t.Errorf("Execute() calls = %d, want 3 (initial + MaxRetries)", calls)
	}
}

func TestExecuteMigratable_ReconnectsOnce(t *testing.T) {
	g, _ := testGovernor(Config{})

	var migratedTo []int
	calls := 0
	err := g.ExecuteMigratable(context.Background(),
		func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return remote.MustMigrate(4)
			}
			return nil
		},
		func(ctx context.Context, dc int) error {
			migratedTo = append(migratedTo, dc)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("ExecuteMigratable() unexpected error: %v", err)
	}
	if len(migratedTo) != 1 || migratedTo[0] != 4 {
		t.Errorf("migrate calls = %v, want [4]", migratedTo)
	}
	if calls != 2 {
		t.Errorf("op calls = %d, want 2", calls)
	}
}

func TestExecuteMigratable_SecondMigrationSurfaces(t *testing.T) {
	g, _ := testGovernor(Config{})

	calls := 0
	err := g.ExecuteMigratable(context.Background(),
		func(ctx context.Context) error {
			calls++
			return remote.MustMigrate(calls + 1)
		},
		func(ctx context.Context, dc int) error { return nil },
	)

	if _, ok := remote.MigrateTarget(err); !ok {
		t.Fatalf("ExecuteMigratable() error = %v, want migration error surfaced", err)
	}
	if calls != 2 {
		t.Errorf("op calls = %d, want 2 (exactly one retry after migration)", calls)
	}
}

func TestExecute_MigrationWithoutHookSurfaces(t *testing.T) {
	g, _ := testGovernor(Config{})

	err := g.Execute(context.Background(), func(ctx context.Context) error {
		return remote.MustMigrate(2)
	})
	if dc, ok := remote.MigrateTarget(err); !ok || dc != 2 {
		t.Errorf("Execute() error = %v, want migration to DC 2 surfaced", err)
	}
}

func TestExecute_TransientRetriedThenSurfaced(t *testing.T) {
	g, _ := testGovernor(Config{MaxRetries: 2})

	calls := 0
	transient := remote.NewRPCError(remote.KindTransient, "CONNECTION_CLOSED")
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return transient
	})

	if !remote.IsKind(err, remote.KindTransient) {
		t.Fatalf("Execute() error = %v, want transient error surfaced", err)
	}
	if calls != 3 {
		t.Errorf("op calls = %d, want 3 (initial + MaxRetries)", calls)
	}
}

func TestExecute_NonRetryablePassesThrough(t *testing.T) {
	g, _ := testGovernor(Config{})

	calls := 0
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return remote.NewRPCError(remote.KindInvalidCode, "PHONE_CODE_INVALID")
	})

	if !remote.IsKind(err, remote.KindInvalidCode) {
		t.Fatalf("Execute() error = %v, want invalid-code passed through", err)
	}
	if calls != 1 {
		t.Errorf("op calls = %d, want 1 (user-input errors are never retried)", calls)
	}
}

func TestExecute_MinIntervalSpacing(t *testing.T) {
	g, clock := testGovernor(Config{MinInterval: 100 * time.Millisecond})

	op := func(ctx context.Context) error { return nil }
	if err := g.Execute(context.Background(), op); err != nil {
		t.Fatalf("Execute() unexpected error: %v", err)
	}
	if err := g.Execute(context.Background(), op); err != nil {
		t.Fatalf("Execute() unexpected error: %v", err)
	}

	var spaced bool
	for _, d := range clock.recorded() {
		if d > 0 && d <= 100*time.Millisecond {
			spaced = true
		}
	}
	if !spaced {
		t.Errorf("no spacing sleep recorded between back-to-back calls: %v", clock.recorded())
	}
}
