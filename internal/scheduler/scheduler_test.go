package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abhishekkushwahaa/signsetu/internal/cron"
	"github.com/abhishekkushwahaa/signsetu/internal/dispatcher"
	"github.com/abhishekkushwahaa/signsetu/internal/testutil"
)

// instantTimer fires immediately, advancing clock by the requested delay.
func instantTimer(clock *testutil.FakeClock) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		clock.Advance(d)
		ch := make(chan time.Time, 1)
		ch <- clock.Now()
		return ch
	}
}

type mockRunner struct {
	mu       sync.Mutex
	calls    []time.Time
	onRun    func(ctx context.Context, n int) error
	deadline []time.Duration
	clock    *testutil.FakeClock
}

func (r *mockRunner) Run(ctx context.Context, now time.Time) (dispatcher.RunResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, now)
	n := len(r.calls)
	if dl, ok := ctx.Deadline(); ok {
		r.deadline = append(r.deadline, time.Until(dl))
	}
	r.mu.Unlock()

	var err error
	if r.onRun != nil {
		err = r.onRun(ctx, n)
	}
	if err != nil {
		return dispatcher.RunResult{}, err
	}
	return dispatcher.RunResult{Processed: 1, Sent: 1}, nil
}

type mockMetrics struct {
	mu      sync.Mutex
	started int
	errs    int
	drifts  []time.Duration
	missed  []int
}

func (m *mockMetrics) TickStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *mockMetrics) TickCompleted(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.errs++
	}
}

func (m *mockMetrics) TickDrift(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drifts = append(m.drifts, d)
}

func (m *mockMetrics) TicksMissed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missed = append(m.missed, n)
}

func newTestScheduler(t *testing.T, expr string, runner *mockRunner, cfg Config) (*Scheduler, *testutil.FakeClock) {
	t.Helper()
	sched, err := cron.NewParser().Parse(expr)
	require.NoError(t, err)

	clock := testutil.NewFakeClock(testutil.RefTime.Add(90 * time.Second)) // 12:01:30
	runner.clock = clock
	s := New(cfg, sched, runner, zaptest.NewLogger(t)).WithClock(clock.Now, instantTimer(clock))
	return s, clock
}

func TestScheduler_RunsAtEachActivation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &mockRunner{onRun: func(_ context.Context, n int) error {
		if n == 3 {
			cancel()
		}
		return nil
	}}
	s, _ := newTestScheduler(t, "*/5 * * * *", runner, Config{})

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []time.Time{
		testutil.RefTime.Add(5 * time.Minute),
		testutil.RefTime.Add(10 * time.Minute),
		testutil.RefTime.Add(15 * time.Minute),
	}, runner.calls)
}

func TestScheduler_RunErrorDoesNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &mockRunner{onRun: func(_ context.Context, n int) error {
		if n == 2 {
			cancel()
			return nil
		}
		return dispatcher.ErrStoreUnavailable
	}}
	metrics := &mockMetrics{}
	s, _ := newTestScheduler(t, "* * * * *", runner, Config{})
	s.WithMetrics(metrics)

	_ = s.Run(ctx)
	assert.Len(t, runner.calls, 2)
	assert.Equal(t, 2, metrics.started)
	assert.Equal(t, 1, metrics.errs)
}

func TestScheduler_AppliesRunTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &mockRunner{onRun: func(context.Context, int) error {
		cancel()
		return nil
	}}
	s, _ := newTestScheduler(t, "* * * * *", runner, Config{RunTimeout: 30 * time.Second})

	_ = s.Run(ctx)
	require.Len(t, runner.deadline, 1)
	assert.InDelta(t, float64(30*time.Second), float64(runner.deadline[0]), float64(time.Second))
}

func TestScheduler_SlowRunSkipsActivations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runner *mockRunner
	runner = &mockRunner{onRun: func(_ context.Context, n int) error {
		switch n {
		case 1:
			// 12:05 run takes 12 minutes: 12:10 and 12:15 pass.
			runner.clock.Advance(12 * time.Minute)
		case 2:
			cancel()
		}
		return nil
	}}
	metrics := &mockMetrics{}
	s, _ := newTestScheduler(t, "*/5 * * * *", runner, Config{})
	s.WithMetrics(metrics)

	_ = s.Run(ctx)

	require.Len(t, runner.calls, 2)
	assert.Equal(t, testutil.RefTime.Add(20*time.Minute), runner.calls[1])
	assert.Equal(t, []int{2}, metrics.missed)
}

func TestScheduler_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &mockRunner{}
	s, _ := newTestScheduler(t, "* * * * *", runner, Config{})

	err := s.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, runner.calls)
}

func TestScheduler_DriftRecorded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &mockRunner{onRun: func(context.Context, int) error {
		cancel()
		return nil
	}}
	metrics := &mockMetrics{}
	s, _ := newTestScheduler(t, "*/5 * * * *", runner, Config{})
	s.WithMetrics(metrics)

	_ = s.Run(ctx)
	assert.Equal(t, []time.Duration{0}, metrics.drifts)
}

// driftingTimer fires late by a growing amount: 40ms, 80ms, 120ms...
func driftingTimer(clock *testutil.FakeClock) func(time.Duration) <-chan time.Time {
	var fires int
	return func(d time.Duration) <-chan time.Time {
		fires++
		clock.Advance(d + time.Duration(fires)*40*time.Millisecond)
		ch := make(chan time.Time, 1)
		ch <- clock.Now()
		return ch
	}
}

func TestScheduler_LateTimerKeepsWindowsContiguous(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &mockRunner{onRun: func(_ context.Context, n int) error {
		if n == 3 {
			cancel()
		}
		return nil
	}}
	sched, err := cron.NewParser().Parse("*/10 * * * *")
	require.NoError(t, err)
	clock := testutil.NewFakeClock(testutil.RefTime.Add(90 * time.Second))
	metrics := &mockMetrics{}
	s := New(Config{}, sched, runner, zaptest.NewLogger(t)).
		WithClock(clock.Now, driftingTimer(clock)).
		WithMetrics(metrics)

	_ = s.Run(ctx)

	// With W equal to the period, each run's window [now, now+10m) must start
	// where the previous one ended, or a block at 12:10:00.060 is never due.
	require.Len(t, runner.calls, 3)
	const window = 10 * time.Minute
	for i := 1; i < len(runner.calls); i++ {
		assert.Equal(t, runner.calls[i-1].Add(window), runner.calls[i])
	}
	assert.Equal(t, testutil.RefTime.Add(10*time.Minute), runner.calls[0])

	block := testutil.Block("Focus", testutil.RefTime.Add(10*time.Minute+60*time.Millisecond))
	var selected int
	for _, now := range runner.calls {
		if block.Due(now, window) {
			selected++
		}
	}
	assert.Equal(t, 1, selected)

	// The lateness is still visible as drift.
	require.Len(t, metrics.drifts, 3)
	assert.Greater(t, metrics.drifts[2], metrics.drifts[0])
}
