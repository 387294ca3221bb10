package session

import (
	"sync"

	pkgerrors "github.com/pkg/errors"
)

// ErrConcurrentSession is returned when a session is requested for an
// instrument that already has one. Sessions are never queued.
var ErrConcurrentSession = pkgerrors.New("a measurement session is already active for this instrument")

// Registry enforces one session per physical instrument. Acquisition is
// scoped: the returned release function must run on every exit path,
// including aborts.
type Registry struct {
	mu     sync.Mutex
	active map[string]string // instrument -> session id
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]string)}
}

// Acquire claims the instrument for sessionID.
func (r *Registry) Acquire(instrument, sessionID string) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.active[instrument]; ok {
		return nil, pkgerrors.Wrapf(ErrConcurrentSession, "held by session %s", owner)
	}
	r.active[instrument] = sessionID

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.active, instrument)
		})
	}, nil
}

// Holder returns the session currently holding the instrument, if any.
func (r *Registry) Holder(instrument string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[instrument]
	return id, ok
}
