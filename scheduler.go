package kp184

import (
	"context"
	"time"
)

// Wake tells why Scheduler.Wait returned.
type Wake int

const (
	WakeTick     Wake = iota // sample interval elapsed
	WakeDeadline             // maximum load time elapsed
	WakeCancel               // context cancelled
)

// Scheduler paces the discharge loop.
type Scheduler interface {
	Now() time.Time
	Sleep(d time.Duration)
	// Start begins periodic ticks.
	Start(interval time.Duration)
	// ArmDeadline arms, or re-arms, the one-shot maximum load time.
	ArmDeadline(d time.Duration)
	// Wait blocks until the next tick, the deadline or cancellation.
	Wait(ctx context.Context) Wake
	Stop()
}

type realScheduler struct {
	ticker   *time.Ticker
	deadline *time.Timer
}

// NewScheduler returns a Scheduler backed by the wall clock.
func NewScheduler() Scheduler { return &realScheduler{} }

func (s *realScheduler) Now() time.Time        { return time.Now() }
func (s *realScheduler) Sleep(d time.Duration) { time.Sleep(d) }

func (s *realScheduler) Start(interval time.Duration) {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.ticker = time.NewTicker(interval)
}

func (s *realScheduler) ArmDeadline(d time.Duration) {
	if s.deadline != nil {
		s.deadline.Stop()
	}
	s.deadline = time.NewTimer(d)
}

func (s *realScheduler) Wait(ctx context.Context) Wake {
	var tick, deadline <-chan time.Time
	if s.ticker != nil {
		tick = s.ticker.C
	}
	if s.deadline != nil {
		deadline = s.deadline.C
	}
	select {
	case <-ctx.Done():
		return WakeCancel
	case <-deadline:
		s.deadline = nil
		return WakeDeadline
	case <-tick:
		return WakeTick
	}
}

func (s *realScheduler) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}
