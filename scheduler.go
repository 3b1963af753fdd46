package onionshare

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/mjl-/onionshare/internal/log"
)

// Target is what a Scheduler starts and stops, typically a *Session.
type Target interface {
	Start(ctx context.Context) error
	StopWhenPublished()
}

// Scheduler starts and stops a target at wall clock times. It only calls the
// target's Start and StopWhenPublished.
type Scheduler struct {
	clock   clock.Clock
	log     *logging.Logger
	target  Target
	startAt time.Time
	stopAt  time.Time

	mu      sync.Mutex
	armed   bool
	timers  []*clock.Timer
	cancel  context.CancelFunc
	started chan struct{}
	err     error
}

// NewScheduler returns a scheduler for target. A zero startAt starts
// immediately when the scheduler is armed, a zero stopAt never stops. Clock
// and log may be nil.
func NewScheduler(c clock.Clock, target Target, startAt, stopAt time.Time, l *logging.Logger) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	if l == nil {
		l = log.Discard().GetLogger("scheduler")
	}
	return &Scheduler{
		clock:   c,
		log:     l,
		target:  target,
		startAt: startAt,
		stopAt:  stopAt,
		started: make(chan struct{}),
	}
}

// Arm creates the timers. Times in the past fire immediately. Start of the
// target uses ctx, Cancel cancels it. Arming twice has no effect.
func (s *Scheduler) Arm(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return
	}
	s.armed = true

	ctx, s.cancel = context.WithCancel(ctx)
	now := s.clock.Now()

	start := func() {
		s.log.Info("starting session")
		err := s.target.Start(ctx)
		if err != nil {
			s.log.Errorf("scheduled start: %s", err)
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.started)
	}
	if s.startAt.IsZero() || !s.startAt.After(now) {
		go start()
	} else {
		s.log.Infof("session starts at %s", s.startAt.Format(time.RFC3339))
		s.timers = append(s.timers, s.clock.AfterFunc(s.startAt.Sub(now), start))
	}

	if !s.stopAt.IsZero() {
		s.log.Infof("session stops at %s", s.stopAt.Format(time.RFC3339))
		s.timers = append(s.timers, s.clock.AfterFunc(s.stopAt.Sub(now), func() {
			s.log.Info("stopping session")
			s.target.StopWhenPublished()
		}))
	}
}

// Started is closed after the target's Start returned.
func (s *Scheduler) Started() <-chan struct{} {
	return s.started
}

// Err returns the error from the target's Start.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops timers that have not fired and cancels a Start in progress.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	if s.cancel != nil {
		s.cancel()
	}
}
