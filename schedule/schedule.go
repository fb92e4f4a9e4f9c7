// Package schedule emits periodic promotional broadcasts. Each schedule
// ticks at its own interval plus uniform jitter within a configured bound,
// gated on room liveness: while the room is offline or the connection is
// down a tick is skipped silently, and missed broadcasts are never queued.
package schedule

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sender delivers an outgoing chat message to the monitored room.
type Sender interface {
	SendMessage(ctx context.Context, text string) error
}

// LivenessFunc reports whether the monitored room is currently live and
// reachable. Checked on every tick.
type LivenessFunc func() bool

// Schedule is one recurring broadcast.
type Schedule struct {
	Text     string
	Interval time.Duration
	Jitter   time.Duration // each gap is drawn uniformly from [Interval-Jitter, Interval+Jitter]
	Enabled  bool
}

// Scheduler runs broadcast schedules independently of the event stream.
type Scheduler struct {
	log    *slog.Logger
	sender Sender
	live   LivenessFunc
	clock  clockwork.Clock
}

// New creates a Scheduler. A nil live func gates nothing; a nil clock falls
// back to the real one.
func New(log *slog.Logger, sender Sender, live LivenessFunc, clock clockwork.Clock) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if live == nil {
		live = func() bool { return true }
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{log: log, sender: sender, live: live, clock: clock}
}

// Run drives every enabled schedule until ctx is cancelled. It blocks; run
// it in its own goroutine.
func (s *Scheduler) Run(ctx context.Context, schedules []Schedule) {
	var wg sync.WaitGroup
	for _, sched := range schedules {
		if !sched.Enabled || sched.Text == "" || sched.Interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(sched Schedule) {
			defer wg.Done()
			s.loop(ctx, sched)
		}(sched)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, sched Schedule) {
	s.log.Info("broadcast schedule started", "interval", sched.Interval, "jitter", sched.Jitter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(jitteredDelay(sched.Interval, sched.Jitter, rand.Float64())):
		}

		if !s.live() {
			s.log.Debug("broadcast skipped, room not live")
			continue
		}
		if err := s.sender.SendMessage(ctx, sched.Text); err != nil {
			s.log.Warn("broadcast dropped", "error", err)
		}
	}
}

// jitteredDelay maps a uniform sample f in [0,1) onto
// [interval-jitter, interval+jitter], clamped to stay positive.
func jitteredDelay(interval, jitter time.Duration, f float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	d := interval + time.Duration((2*f-1)*float64(jitter))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
