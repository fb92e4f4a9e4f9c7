package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (c *captureSender) SendMessage(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestJitteredDelayBounds(t *testing.T) {
	req := require.New(t)
	interval := time.Minute
	jitter := 10 * time.Second

	for _, f := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		d := jitteredDelay(interval, jitter, f)
		req.GreaterOrEqual(d, interval-jitter)
		req.LessOrEqual(d, interval+jitter)
	}

	req.Equal(interval, jitteredDelay(interval, 0, 0.5))

	// Degenerate config never yields a non-positive delay.
	req.Greater(jitteredDelay(time.Millisecond, time.Hour, 0).Nanoseconds(), int64(0))
}

// advanceTicks releases n scheduler sleeps, waiting for the sleeper each
// time. Advancing by interval+jitter always covers the drawn delay.
func advanceTicks(clock *clockwork.FakeClock, sched Schedule, n int) {
	for i := 0; i < n; i++ {
		clock.BlockUntil(1)
		clock.Advance(sched.Interval + sched.Jitter)
	}
}

func TestCadence(t *testing.T) {
	sender := &captureSender{}
	clock := clockwork.NewFakeClock()
	s := New(nil, sender, nil, clock)

	sched := Schedule{Text: "关注主播不迷路", Interval: time.Minute, Jitter: 5 * time.Second, Enabled: true}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, []Schedule{sched})
	}()

	advanceTicks(clock, sched, 10)
	require.Eventually(t, func() bool { return sender.count() == 10 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestSkipsWhileNotLive(t *testing.T) {
	req := require.New(t)
	sender := &captureSender{}
	clock := clockwork.NewFakeClock()

	var mu sync.Mutex
	live := false
	s := New(nil, sender, func() bool { mu.Lock(); defer mu.Unlock(); return live }, clock)

	sched := Schedule{Text: "ad", Interval: time.Minute, Enabled: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, []Schedule{sched})

	// Offline ticks are skipped, not queued.
	advanceTicks(clock, sched, 3)
	req.Zero(sender.count())

	mu.Lock()
	live = true
	mu.Unlock()

	// Back online: only the next tick fires, nothing is caught up.
	advanceTicks(clock, sched, 1)
	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisabledScheduleNeverRuns(t *testing.T) {
	sender := &captureSender{}
	s := New(nil, sender, nil, clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, []Schedule{
			{Text: "off", Interval: time.Second, Enabled: false},
			{Text: "", Interval: time.Second, Enabled: true},
		})
	}()

	// No schedules qualify, so Run returns without waiting for cancel.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run should return when nothing is scheduled")
	}
	require.Zero(t, sender.count())
}

func TestSendFailureLoggedAndDropped(t *testing.T) {
	sender := &captureSender{err: errors.New("rate limited")}
	clock := clockwork.NewFakeClock()
	s := New(nil, sender, nil, clock)

	sched := Schedule{Text: "ad", Interval: time.Minute, Enabled: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, []Schedule{sched})

	advanceTicks(clock, sched, 2)

	// Failures do not stop the loop: it keeps sleeping for the next tick.
	clock.BlockUntil(1)
	require.Zero(t, sender.count())
}

func TestMultipleSchedules(t *testing.T) {
	sender := &captureSender{}
	clock := clockwork.NewFakeClock()
	s := New(nil, sender, nil, clock)

	scheds := []Schedule{
		{Text: "a", Interval: time.Minute, Enabled: true},
		{Text: "b", Interval: time.Minute, Enabled: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, scheds)

	// Both loops sleep, then both fire on one advance.
	clock.BlockUntil(2)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return sender.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}
