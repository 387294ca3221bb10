package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// announceLead is how long before a scheduled session the upcoming
// notification fires, so the display can warm up and the operator can still
// postpone or skip.
const announceLead = 5 * time.Minute

// A scheduled session that cannot start yet (instrument busy, chart missing)
// is retried until readyWindow past its scheduled time, then the occurrence
// is forfeited. Vars so tests can shrink the window.
var (
	readyWindow        = 5 * time.Minute
	readyRetryInterval = 10 * time.Second
)

// Scheduler fires recurring measurement sessions from a cron expression.
// The effective next run lives in nextRun: postpone and skip rewrite it
// directly, so Status (and the CLI schedule view) always shows the time the
// session will actually start.
type Scheduler struct {
	// startRun launches a session and returns its id. ready gates the start;
	// notify surfaces schedule actions (upcoming, delayed, forfeited,
	// started, error) to observers.
	startRun func() (string, error)
	ready    func() error
	notify   func(action, message string)

	parser cron.Parser

	mu       sync.Mutex
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	wake   chan struct{}
	stopCh chan struct{}
}

func NewScheduler(startRun func() (string, error), ready func() error, notify func(action, message string)) *Scheduler {
	if startRun == nil {
		panic("startRun function cannot be nil")
	}
	return &Scheduler{
		startRun: startRun,
		ready:    ready,
		notify:   notify,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Schedule sets (or replaces) the cron expression and recomputes the next
// run. Safe whether or not the loop is running.
func (s *Scheduler) Schedule(cronExpr string) error {
	sh, err := s.parser.Parse(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.schedule = sh
	s.nextRun = sh.Next(time.Now())
	s.mu.Unlock()

	s.poke()
	return nil
}

// Disable clears the schedule; the loop keeps running and idles until a new
// expression arrives.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	s.schedule = nil
	s.nextRun = time.Time{}
	s.mu.Unlock()

	s.poke()
}

// Postpone moves the next run later by d. It cannot move past the following
// occurrence; skip exists for that.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || s.nextRun.IsZero() {
		return fmt.Errorf("no active schedule to postpone")
	}

	pp := s.nextRun.Add(d).Truncate(time.Second)
	if following := s.schedule.Next(s.nextRun); !pp.Before(following) {
		return fmt.Errorf("postpone duration too long")
	}
	s.nextRun = pp

	s.poke()
	return nil
}

// Skip drops the next occurrence and moves on to the one after it.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || s.nextRun.IsZero() {
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)

	s.poke()
	return nil
}

func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextRun = s.nextRun
	running = s.running
	return
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.loop()
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh: // already closed
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) loop() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	var announced time.Time
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		sched, next := s.snapshot()
		now := time.Now()

		var wait time.Duration
		switch {
		case sched == nil || next.IsZero():
			// Nothing scheduled; sleep until poked.
			wait = 24 * time.Hour
		case now.Before(next.Add(-announceLead)):
			wait = next.Add(-announceLead).Sub(now)
		case !next.Equal(announced):
			announced = next
			s.say("upcoming", fmt.Sprintf("next measurement session at %s", next.Format(time.DateTime)))
			continue
		case now.Before(next):
			wait = next.Sub(now)
		default:
			s.fire(next)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			// Schedule, postpone, or skip changed the next run.
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// fire runs one occurrence: hold until ready (or forfeit the occurrence when
// the ready window closes), then start the session and advance the schedule.
func (s *Scheduler) fire(at time.Time) {
	deadline := at.Add(readyWindow)
	var lastMsg string
	for s.ready != nil {
		err := s.ready()
		if err == nil {
			break
		}
		if msg := err.Error(); msg != lastMsg {
			lastMsg = msg
			s.say("delayed", fmt.Sprintf("scheduled session delayed: %v", err))
		}
		if !time.Now().Before(deadline) {
			s.advance(at)
			s.say("forfeited", fmt.Sprintf("scheduled session at %s forfeited: %v", at.Format(time.DateTime), err))
			return
		}

		select {
		case <-time.After(readyRetryInterval):
		case <-s.stopCh:
			return
		}
	}

	s.advance(at)
	go func() {
		id, err := s.startRun()
		if err != nil {
			s.say("error", fmt.Sprintf("scheduled session failed to start: %v", err))
			return
		}
		s.say("started", fmt.Sprintf("scheduled session %s started", id))
	}()
}

// advance moves nextRun past the occurrence that just fired, unless a
// postpone already moved it further out.
func (s *Scheduler) advance(from time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || s.nextRun.After(from) {
		return
	}
	s.nextRun = s.schedule.Next(time.Now())
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) say(action, message string) {
	logrus.WithField("action", action).Debug(message)
	if s.notify != nil {
		s.notify(action, message)
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
