// Package session drives one supervised run of the external measurement
// tool through the full calibration workflow: it spawns the tool, walks the
// stage sequence, schedules patches, classifies failures, and keeps a
// snapshot-readable status for observers.
package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dcal-project/dcal/pkg/chart"
	"github.com/dcal-project/dcal/pkg/config"
	"github.com/dcal-project/dcal/pkg/events"
	"github.com/dcal-project/dcal/pkg/protocol"
	"github.com/dcal-project/dcal/pkg/transport"
)

// State is the top-level session state.
type State string

const (
	StateIdle      State = "Idle"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateAborted   State = "Aborted"
	StateFailed    State = "Failed"
)

// StagePhase is the sub-state while a stage is active.
type StagePhase string

const (
	PhaseEntering  StagePhase = "Entering"
	PhaseMeasuring StagePhase = "Measuring"
	PhaseVerifying StagePhase = "Verifying"
)

// ErrCancelled is the terminal error of a user-cancelled session.
var ErrCancelled = pkgerrors.New("session cancelled")

// errRestartStage is internal: the active stage must be re-entered.
var errRestartStage = pkgerrors.New("stage restart required")

// exchanger is the transport surface the state machine needs. Tests inject a
// scripted implementation.
type exchanger interface {
	SendLine(text string) error
	WaitForPattern(patterns []transport.Pattern, timeout time.Duration) (*transport.Match, error)
	Terminate(grace time.Duration) error
	Recent(n int) []string
	Alive() bool
}

// spawnTransport is a seam so tests can run the machine without a process.
var spawnTransport = func(command string, args []string, env []string, dir string) (exchanger, error) {
	return transport.Start(command, args, env, dir)
}

// NotifyFunc receives session events for fan-out (SSE hub or logging).
type NotifyFunc func(name string, payload any)

// Options configures a session.
type Options struct {
	Conf       config.Config
	Chart      []chart.PatchSpec
	Adapter    *protocol.Adapter
	Registry   *Registry
	Instrument string
	Notify     NotifyFunc
}

// Session is one supervised run across all stages. A single worker goroutine
// (the caller of Run) is the sole writer of all mutable state; observers read
// snapshots through Status and Results.
type Session struct {
	id       string
	conf     config.Config
	chart    []chart.PatchSpec
	adapter  *protocol.Adapter
	registry *Registry
	device   string
	notify   NotifyFunc

	classifier *failureClassifier
	estimator  *progressEstimator

	cancel atomic.Bool

	mu            sync.Mutex
	state         State
	stage         string
	stagePhase    StagePhase
	stageDone     int
	stageTotal    int
	retryCount    int
	stageRestarts int
	startedAt     time.Time
	finishedAt    time.Time
	remaining     time.Duration
	lastError     string
	results       []MeasurementResult
}

// New builds a session in Idle state. Run starts it.
func New(opts Options) *Session {
	notify := opts.Notify
	if notify == nil {
		notify = func(string, any) {}
	}
	return &Session{
		id:         time.Now().Format("s-20060102-150405"),
		conf:       opts.Conf,
		chart:      opts.Chart,
		adapter:    opts.Adapter,
		registry:   opts.Registry,
		device:     opts.Instrument,
		notify:     notify,
		classifier: newFailureClassifier(opts.Conf.ErrorPolicyOverrides()),
		estimator:  newProgressEstimator(),
		state:      StateIdle,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Cancel requests cooperative cancellation. It is honored between patch
// transitions, within at most one patch timeout window; the external process
// is then taken down through the graceful terminate path.
func (s *Session) Cancel() {
	s.cancel.Store(true)
}

// Run executes the whole workflow on the calling goroutine. Callers must run
// it off any event-handling thread; it blocks, bounded by stage timeouts.
func (s *Session) Run() error {
	release, err := s.registry.Acquire(s.device, s.id)
	if err != nil {
		s.finish(StateFailed, err.Error())
		return err
	}
	defer release()

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setState(StateRunning, "")

	args := []string{
		"-y", s.conf.Instrument(),
		"-C", s.conf.ChartPath(),
	}
	tr, err := spawnTransport(s.conf.ToolPath(), args, nil, s.conf.OutputDir())
	if err != nil {
		// SpawnError is fatal: surfaced immediately, never retried.
		s.finish(StateFailed, err.Error())
		return err
	}
	defer tr.Terminate(s.conf.TerminateGrace()) //nolint:errcheck

	stages := BuildStages(s.conf, s.chart)
	for si := 0; si < len(stages); {
		if s.cancelRequested() {
			return s.abort(tr)
		}

		err := s.runStage(tr, stages[si])
		switch {
		case err == nil:
			si++
		case pkgerrors.Is(err, ErrCancelled):
			return s.abort(tr)
		case pkgerrors.Is(err, errRestartStage):
			s.mu.Lock()
			s.stageRestarts++
			restarts := s.stageRestarts
			s.mu.Unlock()
			if restarts > s.conf.StageRestartBudget() {
				return s.fail(tr, pkgerrors.Errorf("stage %s restart budget exhausted", stages[si].ID))
			}
			logrus.WithFields(logrus.Fields{
				"stage":   stages[si].ID,
				"restart": restarts,
			}).Warn("restarting stage")
		default:
			return s.fail(tr, err)
		}
	}

	s.finish(StateCompleted, "")
	return nil
}

// runStage enters one stage and measures every patch in it. Prior stages'
// results are preserved; re-entry resets this stage's patches and drops its
// partial results.
func (s *Session) runStage(tr exchanger, st Stage) error {
	patches := make([]*Patch, len(st.Patches))
	for i := range st.Patches {
		patches[i] = &Patch{Spec: st.Patches[i], Status: PatchPending}
	}
	sched := newPatchScheduler(patches, s.conf.RetryBudget())

	s.enterStage(st, len(patches))

	if err := s.stageEntry(tr, st); err != nil {
		return err
	}

	s.setPhase(PhaseMeasuring)
	for {
		if s.cancelRequested() {
			return ErrCancelled
		}

		p, err := sched.Next()
		if err != nil {
			// Single-in-flight invariant violated; this is a bug, not a
			// recoverable measurement failure.
			return err
		}
		if p == nil {
			break
		}

		start := time.Now()
		ev := s.measurePatch(tr, st, p)
		dur := time.Since(start)

		switch ev.Kind {
		case protocol.KindReading:
			sched.MarkMeasured(p)
			s.recordResult(st, p, ev.Reading, dur)
			s.estimator.Update(p.Spec.TargetY, dur)
			s.updateProgress(st, p, sched)
		case protocol.KindError, protocol.KindFault:
			if err := s.handleFailure(st, p, sched, ev); err != nil {
				return err
			}
		}
	}

	s.setPhase(PhaseVerifying)
	if !sched.Done() {
		return pkgerrors.Errorf("stage %s ended with unmeasured patches", st.ID)
	}
	return nil
}

// stageEntry performs the stage's opening exchange: announce the stage and
// wait for the tool's prompt. Failures here go through the same policy
// machinery as patch failures.
func (s *Session) stageEntry(tr exchanger, st Stage) error {
	for attempt := 0; ; attempt++ {
		if err := tr.SendLine("S " + st.ID); err != nil {
			return s.entryFailure(st, attempt, s.adapter.Fault(err))
		}

		m, err := tr.WaitForPattern(s.adapter.Patterns(st.ID), st.Timeout)
		if err != nil {
			if e := s.entryFailure(st, attempt, s.adapter.Fault(err)); e != nil {
				return e
			}
			continue
		}

		ev := s.adapter.Classify(st.ID, m)
		switch ev.Kind {
		case protocol.KindPrompt:
			return nil
		case protocol.KindReading:
			// A stray reading during entry means we are out of sync with the
			// tool; treat as a protocol error.
			ev = protocol.Event{Kind: protocol.KindError, Code: protocol.CodeUnknown, Line: ev.Line}
			fallthrough
		default:
			if e := s.entryFailure(st, attempt, ev); e != nil {
				return e
			}
		}
	}
}

func (s *Session) entryFailure(st Stage, attempt int, ev protocol.Event) error {
	policy := s.policyFor(ev)
	s.noteError(st.ID, ev)

	switch policy {
	case PolicyRetryPatch:
		if attempt < s.conf.RetryBudget() {
			logrus.WithFields(logrus.Fields{
				"stage":   st.ID,
				"attempt": attempt + 1,
			}).Warn("stage entry failed, retrying")
			return nil
		}
		return pkgerrors.Errorf("stage %s entry failed: %s", st.ID, ev)
	case PolicyRestartStage:
		return errRestartStage
	default:
		return pkgerrors.Errorf("stage %s entry failed: %s", st.ID, ev)
	}
}

// measurePatch sends one measurement command and waits for its outcome.
// Intermediate prompts (e.g. "press a key") are acknowledged and the wait
// continues; the stage timeout bounds every individual wait.
func (s *Session) measurePatch(tr exchanger, st Stage, p *Patch) protocol.Event {
	cmd := fmt.Sprintf("M %d %.4f %.4f %.4f", p.Spec.Index, p.Spec.R, p.Spec.G, p.Spec.B)
	if err := tr.SendLine(cmd); err != nil {
		return s.adapter.Fault(err)
	}

	for {
		m, err := tr.WaitForPattern(s.adapter.Patterns(st.ID), st.Timeout)
		if err != nil {
			return s.adapter.Fault(err)
		}
		ev := s.adapter.Classify(st.ID, m)
		if ev.Kind == protocol.KindPrompt {
			if err := tr.SendLine(""); err != nil {
				return s.adapter.Fault(err)
			}
			continue
		}
		return ev
	}
}

// handleFailure applies the classified policy for a failed patch. Returns
// nil when the patch was requeued and measuring continues.
func (s *Session) handleFailure(st Stage, p *Patch, sched *patchScheduler, ev protocol.Event) error {
	policy := s.policyFor(ev)
	s.noteError(st.ID, ev)

	logrus.WithFields(logrus.Fields{
		"stage":  st.ID,
		"patch":  p.Spec.Index,
		"event":  ev.String(),
		"policy": policy,
	}).Warn("patch measurement failed")

	switch policy {
	case PolicyRetryPatch:
		if sched.MarkFailed(p) {
			s.estimator.NoteRetry()
			s.mu.Lock()
			s.retryCount++
			s.mu.Unlock()
			s.publishPatch(st, p, sched)
			return nil
		}
		// Retry budget exhausted: the stage is lost and the session with it.
		return pkgerrors.Errorf("patch %d of stage %s failed after %d retries: %s",
			p.Spec.Index, st.ID, p.Retries-1, ev)
	case PolicyRestartStage:
		sched.MarkFailed(p)
		return errRestartStage
	default:
		return pkgerrors.Errorf("fatal failure on patch %d of stage %s: %s", p.Spec.Index, st.ID, ev)
	}
}

func (s *Session) policyFor(ev protocol.Event) Policy {
	if ev.Kind == protocol.KindFault {
		return s.classifier.ClassifyFault(ev.Err)
	}
	return s.classifier.ClassifyCode(ev.Code)
}

func (s *Session) cancelRequested() bool {
	return s.cancel.Load()
}

func (s *Session) abort(tr exchanger) error {
	_ = tr.Terminate(s.conf.TerminateGrace())
	s.finish(StateAborted, "cancelled by user")
	return ErrCancelled
}

func (s *Session) fail(tr exchanger, err error) error {
	if recent := tr.Recent(5); len(recent) > 0 {
		logrus.WithField("output", strings.Join(recent, " | ")).Error("recent tool output before failure")
	}
	s.finish(StateFailed, err.Error())
	return err
}

// --- status bookkeeping -------------------------------------------------

func (s *Session) setState(to State, msg string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if msg != "" {
		s.lastError = msg
	}
	s.mu.Unlock()

	s.notify(events.SessionState, events.SessionStateEvent{
		From: string(from), To: string(to), Message: msg, Ts: time.Now().Unix(),
	})
}

func (s *Session) finish(to State, msg string) {
	s.mu.Lock()
	s.finishedAt = time.Now()
	s.remaining = 0
	n := len(s.results)
	s.mu.Unlock()

	s.setState(to, msg)
	s.notify(events.SessionDone, events.SessionDoneEvent{
		State: string(to), Message: msg, Results: n, Ts: time.Now().Unix(),
	})
}

func (s *Session) enterStage(st Stage, total int) {
	s.estimator.NoteStage()

	s.mu.Lock()
	s.stage = st.ID
	s.stagePhase = PhaseEntering
	s.stageDone = 0
	s.stageTotal = total
	// Re-entry drops this stage's partial results; earlier stages keep
	// theirs.
	kept := s.results[:0]
	for _, r := range s.results {
		if r.Stage != st.ID {
			kept = append(kept, r)
		}
	}
	s.results = kept
	s.mu.Unlock()

	s.notify(events.SessionStage, events.SessionStageEvent{
		Stage: st.ID, Phase: string(PhaseEntering), Ts: time.Now().Unix(),
	})
}

func (s *Session) setPhase(ph StagePhase) {
	s.mu.Lock()
	s.stagePhase = ph
	stage := s.stage
	s.mu.Unlock()

	s.notify(events.SessionStage, events.SessionStageEvent{
		Stage: stage, Phase: string(ph), Ts: time.Now().Unix(),
	})
}

func (s *Session) recordResult(st Stage, p *Patch, reading []float64, dur time.Duration) {
	r := MeasurementResult{
		Stage:      st.ID,
		PatchIndex: p.Spec.Index,
		Reading:    append([]float64(nil), reading...),
		CapturedAt: time.Now(),
		Duration:   dur,
		Retries:    p.Retries,
	}
	s.mu.Lock()
	s.results = append(s.results, r)
	s.stageDone++
	s.mu.Unlock()
}

func (s *Session) updateProgress(st Stage, p *Patch, sched *patchScheduler) {
	rem := s.estimator.Remaining(sched.Pending())
	s.mu.Lock()
	s.remaining = rem
	s.mu.Unlock()
	s.publishPatch(st, p, sched)
}

func (s *Session) publishPatch(st Stage, p *Patch, sched *patchScheduler) {
	s.mu.Lock()
	rem := s.remaining
	s.mu.Unlock()

	s.notify(events.SessionPatch, events.SessionPatchEvent{
		Stage:            st.ID,
		PatchIndex:       p.Spec.Index,
		Status:           string(p.Status),
		Retries:          p.Retries,
		RemainingSeconds: int(rem / time.Second),
		Ts:               time.Now().Unix(),
	})
}

func (s *Session) noteError(stage string, ev protocol.Event) {
	s.mu.Lock()
	s.lastError = fmt.Sprintf("stage %s: %s", stage, ev)
	s.mu.Unlock()
}

// Status is a point-in-time snapshot safe to serialize from any goroutine.
type Status struct {
	ID               string    `json:"id"`
	State            State     `json:"state"`
	Stage            string    `json:"stage,omitempty"`
	StagePhase       string    `json:"stagePhase,omitempty"`
	StageDone        int       `json:"stageDone"`
	StageTotal       int       `json:"stageTotal"`
	Results          int       `json:"results"`
	Retries          int       `json:"retries"`
	StartedAt        time.Time `json:"startedAt"`
	ElapsedSeconds   int       `json:"elapsedSeconds"`
	RemainingSeconds int       `json:"remainingSeconds"`
	LastError        string    `json:"lastError,omitempty"`
	Instrument       string    `json:"instrument"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Duration(0)
	if !s.startedAt.IsZero() {
		end := s.finishedAt
		if end.IsZero() {
			end = time.Now()
		}
		elapsed = end.Sub(s.startedAt)
	}

	return Status{
		ID:               s.id,
		State:            s.state,
		Stage:            s.stage,
		StagePhase:       string(s.stagePhase),
		StageDone:        s.stageDone,
		StageTotal:       s.stageTotal,
		Results:          len(s.results),
		Retries:          s.retryCount,
		StartedAt:        s.startedAt,
		ElapsedSeconds:   int(elapsed / time.Second),
		RemainingSeconds: int(s.remaining / time.Second),
		LastError:        s.lastError,
		Instrument:       s.device,
	}
}

// Results returns all measurement results ordered by stage sequence and then
// by the patch's original index, regardless of physical measurement order.
func (s *Session) Results() []MeasurementResult {
	s.mu.Lock()
	out := make([]MeasurementResult, len(s.results))
	copy(out, s.results)
	s.mu.Unlock()

	rank := make(map[string]int, len(StageOrder))
	for i, id := range StageOrder {
		rank[id] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		if rank[out[i].Stage] != rank[out[j].Stage] {
			return rank[out[i].Stage] < rank[out[j].Stage]
		}
		return out[i].PatchIndex < out[j].PatchIndex
	})
	return out
}
