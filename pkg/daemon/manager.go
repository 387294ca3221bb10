package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dcal-project/dcal/pkg/chart"
	"github.com/dcal-project/dcal/pkg/protocol"
	"github.com/dcal-project/dcal/pkg/session"
)

var ErrNoSession = pkgerrors.New("no measurement session")

// sessionManager owns the lifecycle of the daemon's single active session.
// The registry already guards the instrument; the manager adds the daemon's
// view of "current session" so status and results survive after the run ends.
type sessionManager struct {
	mu      sync.Mutex
	current *session.Session
	done    chan struct{}
}

func newSessionManager() *sessionManager {
	return &sessionManager{}
}

// Start builds and launches a session from the current config. It fails when
// a session is already running, the chart cannot be read, or the recognizer
// overrides do not compile.
func (m *sessionManager) Start() (session.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.finished() {
		return session.Status{}, pkgerrors.Wrapf(session.ErrConcurrentSession,
			"session %s", m.current.ID())
	}

	specs, err := chart.ReadFile(conf.ChartPath())
	if err != nil {
		return session.Status{}, pkgerrors.Wrapf(err, "loading chart %s", conf.ChartPath())
	}

	table, err := protocol.DefaultTable().Merge(conf.RecognizerOverrides())
	if err != nil {
		return session.Status{}, pkgerrors.Wrap(err, "applying recognizer overrides")
	}

	s := session.New(session.Options{
		Conf:       conf,
		Chart:      specs,
		Adapter:    protocol.NewAdapter(table),
		Registry:   registry,
		Instrument: conf.Instrument(),
		Notify:     sseHub.Publish,
	})

	done := make(chan struct{})
	m.current = s
	m.done = done

	go func() {
		defer close(done)
		if err := s.Run(); err != nil {
			logrus.WithError(err).WithField("session", s.ID()).Error("session ended with error")
		}
		if err := writeResultsArtifact(s); err != nil {
			logrus.WithError(err).WithField("session", s.ID()).Error("failed to write results artifact")
		}
	}()

	logrus.WithField("session", s.ID()).Info("session started")
	return s.Status(), nil
}

// Current returns the most recent session, running or finished.
func (m *sessionManager) Current() (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Cancel requests cancellation of the running session.
func (m *sessionManager) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.finished() {
		return ErrNoSession
	}
	m.current.Cancel()
	return nil
}

// Wait blocks until the running session (if any) finishes, bounded by d.
func (m *sessionManager) Wait(d time.Duration) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(d):
		logrus.Warn("session did not finish within the shutdown grace period")
	}
}

// finished must be called with m.mu held.
func (m *sessionManager) finished() bool {
	if m.done == nil {
		return true
	}
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// resultsArtifact is the on-disk record of one session: every measurement in
// stage order, regardless of the physical order retries imposed.
type resultsArtifact struct {
	ID         string                      `json:"id"`
	State      session.State               `json:"state"`
	Instrument string                      `json:"instrument"`
	SavedAt    time.Time                   `json:"savedAt"`
	Results    []session.MeasurementResult `json:"results"`
}

func writeResultsArtifact(s *session.Session) error {
	results := s.Results()
	if len(results) == 0 {
		return nil
	}

	if err := os.MkdirAll(conf.OutputDir(), 0755); err != nil {
		return pkgerrors.Wrap(err, "creating output directory")
	}

	art := resultsArtifact{
		ID:         s.ID(),
		State:      s.Status().State,
		Instrument: conf.Instrument(),
		SavedAt:    time.Now(),
		Results:    results,
	}
	b, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "marshaling results")
	}

	path := filepath.Join(conf.OutputDir(), s.ID()+".json")
	if err := os.WriteFile(path, b, 0644); err != nil {
		return pkgerrors.Wrap(err, "writing results")
	}
	logrus.WithField("path", path).Info("results artifact written")
	return nil
}
