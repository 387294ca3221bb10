package session

import (
	pkgerrors "github.com/pkg/errors"
)

var errPatchInFlight = pkgerrors.New("a patch is already in flight")

// patchScheduler owns the ordered patch queue of the active stage. Patches
// are handed out in ascending sequence order; a retried patch is reinserted
// at the head of the remaining queue (immediately after the current
// position), keeping the luminance-correlated measurement sequence intact so
// the instrument does not need extra settling time.
//
// The external tool is single-threaded and stateful, so at most one patch is
// in flight at any time; the scheduler enforces that.
type patchScheduler struct {
	all        []*Patch
	pending    []*Patch
	inFlight   *Patch
	maxRetries int
}

func newPatchScheduler(patches []*Patch, maxRetries int) *patchScheduler {
	pending := make([]*Patch, len(patches))
	copy(pending, patches)
	for _, p := range patches {
		p.Status = PatchPending
	}
	return &patchScheduler{
		all:        patches,
		pending:    pending,
		maxRetries: maxRetries,
	}
}

// Next hands out the next pending patch, or nil when the queue is drained
// (stage complete). Calling Next while a patch is in flight is a bug.
func (s *patchScheduler) Next() (*Patch, error) {
	if s.inFlight != nil {
		return nil, errPatchInFlight
	}
	if len(s.pending) == 0 {
		return nil, nil
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	p.Status = PatchInFlight
	s.inFlight = p
	return p, nil
}

// MarkMeasured completes the in-flight patch.
func (s *patchScheduler) MarkMeasured(p *Patch) {
	p.Status = PatchMeasured
	if s.inFlight == p {
		s.inFlight = nil
	}
}

// MarkFailed fails the in-flight patch. If retry budget remains the patch is
// requeued at the current position and true is returned; otherwise it stays
// failed and the stage is lost.
func (s *patchScheduler) MarkFailed(p *Patch) (requeued bool) {
	if s.inFlight == p {
		s.inFlight = nil
	}
	p.Retries++
	if p.Retries <= s.maxRetries {
		p.Status = PatchPending
		s.pending = append([]*Patch{p}, s.pending...)
		return true
	}
	p.Status = PatchFailed
	return false
}

// Pending returns the patches still waiting to be measured, in order.
func (s *patchScheduler) Pending() []*Patch {
	out := make([]*Patch, len(s.pending))
	copy(out, s.pending)
	return out
}

// Done reports whether every patch is measured and nothing is in flight.
func (s *patchScheduler) Done() bool {
	return s.inFlight == nil && len(s.pending) == 0
}
