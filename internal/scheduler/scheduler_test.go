package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int64) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGuard struct {
	err   error
	calls int
}

func (g *fakeGuard) EnsureConnected(ctx context.Context) error {
	g.calls++
	return g.err
}

func newTestScheduler(cfg Config, guard Guard) (*Scheduler, *int) {
	cycles := 0
	cfg.Start = epoch
	s := New(cfg, guard, func(ctx context.Context) error {
		cycles++
		return nil
	}, quietLogger())
	return s, &cycles
}

func TestTick_StrictInterval(t *testing.T) {
	t.Parallel()
	s, cycles := newTestScheduler(Config{Interval: 30 * time.Second}, nil)

	tests := []struct {
		now       int64
		wantFired bool
		wantLast  int64
	}{
		{0, false, 0},
		{29999, false, 0},
		{30000, false, 0},
		{30001, true, 30001},
		{60001, false, 30001},
		{60002, true, 60002},
	}

	for _, tt := range tests {
		fired, err := s.Tick(context.Background(), at(tt.now))
		if err != nil {
			t.Fatalf("Tick(%d) error: %v", tt.now, err)
		}
		if fired != tt.wantFired {
			t.Errorf("Tick(%d) fired = %v, want %v", tt.now, fired, tt.wantFired)
		}
		if got := s.Last(); !got.Equal(at(tt.wantLast)) {
			t.Errorf("after Tick(%d) Last() = %v, want +%dms", tt.now, got.Sub(epoch), tt.wantLast)
		}
	}

	if *cycles != 2 {
		t.Errorf("cycles = %d, want 2", *cycles)
	}
}

func TestTick_NoCatchUp(t *testing.T) {
	t.Parallel()
	s, cycles := newTestScheduler(Config{Interval: 30 * time.Second}, nil)

	// Five intervals late: one cycle, not five.
	if fired, _ := s.Tick(context.Background(), at(150001)); !fired {
		t.Fatal("late tick did not fire")
	}
	if fired, _ := s.Tick(context.Background(), at(150002)); fired {
		t.Error("second tick right after fired again")
	}
	if *cycles != 1 {
		t.Errorf("cycles = %d, want 1", *cycles)
	}
	if !s.Last().Equal(at(150001)) {
		t.Errorf("Last() = %v, want drift-preserving reset to now", s.Last().Sub(epoch))
	}
}

func TestTick_DriftCorrection(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(Config{Interval: 30 * time.Second, DriftCorrection: true}, nil)

	s.Tick(context.Background(), at(30150))
	if !s.Last().Equal(at(30000)) {
		t.Errorf("Last() = %v, want +30000ms", s.Last().Sub(epoch))
	}

	// Far behind: resynchronize to now rather than firing repeatedly.
	s.Tick(context.Background(), at(200000))
	if !s.Last().Equal(at(200000)) {
		t.Errorf("Last() = %v, want +200000ms", s.Last().Sub(epoch))
	}
}

func TestTick_GuardRunsFirst(t *testing.T) {
	t.Parallel()
	g := &fakeGuard{}
	s, cycles := newTestScheduler(Config{Interval: 30 * time.Second}, g)

	s.Tick(context.Background(), at(10))
	s.Tick(context.Background(), at(30001))
	if g.calls != 2 {
		t.Errorf("guard calls = %d, want 2 (every tick)", g.calls)
	}
	if *cycles != 1 {
		t.Errorf("cycles = %d, want 1", *cycles)
	}
}

func TestTick_GuardErrorSkipsCycle(t *testing.T) {
	t.Parallel()
	guardErr := errors.New("retries exhausted")
	s, cycles := newTestScheduler(Config{Interval: 30 * time.Second}, &fakeGuard{err: guardErr})

	fired, err := s.Tick(context.Background(), at(60000))
	if !errors.Is(err, guardErr) {
		t.Errorf("Tick() error = %v, want %v", err, guardErr)
	}
	if fired || *cycles != 0 {
		t.Errorf("fired=%v cycles=%d, want no cycle", fired, *cycles)
	}
	if !s.Last().Equal(epoch) {
		t.Error("Last() moved without a cycle")
	}
}

func TestTick_CycleErrorStillAdvances(t *testing.T) {
	t.Parallel()
	s := New(Config{Interval: time.Second, Start: epoch}, nil, func(ctx context.Context) error {
		return errors.New("publish failed")
	}, quietLogger())

	fired, err := s.Tick(context.Background(), at(1001))
	if err != nil || !fired {
		t.Fatalf("Tick() = %v, %v; want true, nil", fired, err)
	}
	if !s.Last().Equal(at(1001)) {
		t.Errorf("Last() = %v, want +1001ms", s.Last().Sub(epoch))
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	before := time.Now()
	s := New(Config{}, nil, func(context.Context) error { return nil }, nil)

	if s.config.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", s.config.Interval)
	}
	if s.config.PollInterval != 100*time.Millisecond {
		t.Errorf("PollInterval = %v, want 100ms", s.config.PollInterval)
	}
	if s.Last().Before(before) {
		t.Error("Last() should default to construction time")
	}
}

func TestRun_FiresAndStopsOnCancel(t *testing.T) {
	t.Parallel()
	var cycles atomic.Int32
	s := New(Config{
		Interval:     5 * time.Millisecond,
		PollInterval: time.Millisecond,
	}, nil, func(ctx context.Context) error {
		cycles.Add(1)
		return nil
	}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() = %v, want DeadlineExceeded", err)
	}
	if cycles.Load() == 0 {
		t.Error("Run() never fired a cycle")
	}
}

func TestRun_ReturnsGuardError(t *testing.T) {
	t.Parallel()
	guardErr := errors.New("retries exhausted")
	s := New(Config{PollInterval: time.Millisecond}, &fakeGuard{err: guardErr},
		func(context.Context) error { return nil }, quietLogger())

	if err := s.Run(context.Background()); !errors.Is(err, guardErr) {
		t.Errorf("Run() = %v, want %v", err, guardErr)
	}
}

// stallingGuard blocks once, the first time it is called while a cycle
// is due, simulating a slow reconnect.
type stallingGuard struct {
	due   func() bool
	stall time.Duration
	done  bool
}

func (g *stallingGuard) EnsureConnected(ctx context.Context) error {
	if g.done || !g.due() {
		return nil
	}
	g.done = true
	select {
	case <-time.After(g.stall):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRun_SingleCycleAfterStalledGuard(t *testing.T) {
	t.Parallel()
	const interval = 100 * time.Millisecond

	var mu sync.Mutex
	var fires []time.Time
	guard := &stallingGuard{stall: 4 * interval}
	s := New(Config{
		Interval:     interval,
		PollInterval: 2 * time.Millisecond,
	}, guard, func(ctx context.Context) error {
		mu.Lock()
		fires = append(fires, time.Now())
		mu.Unlock()
		return nil
	}, quietLogger())
	guard.due = func() bool { return s.Due(time.Now()) }

	ctx, cancel := context.WithTimeout(context.Background(), 7*interval)
	defer cancel()

	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v, want DeadlineExceeded", err)
	}
	if !guard.done {
		t.Fatal("guard never stalled")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fires) == 0 {
		t.Fatal("Run() never fired a cycle")
	}
	for i := 1; i < len(fires); i++ {
		if gap := fires[i].Sub(fires[i-1]); gap < interval {
			t.Errorf("cycles %d and %d fired %v apart, want at least %v (all: %v)", i-1, i, gap, interval, fires)
		}
	}
}
