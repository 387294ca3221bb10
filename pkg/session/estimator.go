package session

import (
	"math"
	"sync"
	"time"
)

// Dark patches force longer instrument integration and settling, so per-patch
// cost is averaged separately below and above this target luminance.
const darkLuminanceCutoff = 0.05

// ewmaAlpha weights recent measurements; the estimate tightens as the run
// progresses without being whipsawed by one slow patch.
const ewmaAlpha = 0.3

// fallbackPatchCost seeds the estimate before any measurement completes.
const fallbackPatchCost = 10 * time.Second

type luminanceBucket int

const (
	bucketDark luminanceBucket = iota
	bucketBright
	bucketCount
)

func bucketFor(targetY float64) luminanceBucket {
	if targetY < darkLuminanceCutoff {
		return bucketDark
	}
	return bucketBright
}

// progressEstimator tracks per-bucket measurement cost and produces a
// remaining-time estimate over the pending queue. Reads are snapshot-safe:
// all state is behind one mutex and Remaining copies nothing mutable out.
type progressEstimator struct {
	mu     sync.Mutex
	avg    [bucketCount]float64 // seconds
	seeded [bucketCount]bool

	// Remaining is clamped monotonically non-increasing between updates.
	// A retry adds work back and a stage boundary starts a fresh queue, so
	// both reset the clamp.
	lastEstimate time.Duration
	haveEstimate bool
}

func newProgressEstimator() *progressEstimator {
	return &progressEstimator{}
}

// Update folds a completed measurement into the bucket average.
func (e *progressEstimator) Update(targetY float64, d time.Duration) {
	if d < 0 {
		d = 0
	}
	b := bucketFor(targetY)

	e.mu.Lock()
	defer e.mu.Unlock()
	secs := d.Seconds()
	if !e.seeded[b] {
		e.avg[b] = secs
		e.seeded[b] = true
		return
	}
	e.avg[b] = ewmaAlpha*secs + (1-ewmaAlpha)*e.avg[b]
}

// NoteRetry resets the monotonic clamp: a requeued patch adds work back, so
// the next estimate may grow.
func (e *progressEstimator) NoteRetry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haveEstimate = false
}

// NoteStage resets the monotonic clamp at a stage boundary. The previous
// stage drains its queue to an estimate of zero; without the reset every
// later stage would stay pinned there.
func (e *progressEstimator) NoteStage() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haveEstimate = false
}

// Remaining estimates the time to measure the given pending patches. Never
// negative, never NaN; monotonically non-increasing between calls unless a
// retry occurred.
func (e *progressEstimator) Remaining(pending []*Patch) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	var secs float64
	for _, p := range pending {
		secs += e.costLocked(bucketFor(p.Spec.TargetY))
	}
	if math.IsNaN(secs) || secs < 0 {
		secs = 0
	}
	est := time.Duration(secs * float64(time.Second))

	if e.haveEstimate && est > e.lastEstimate {
		est = e.lastEstimate
	}
	e.lastEstimate = est
	e.haveEstimate = true
	return est
}

// costLocked returns the expected seconds for one patch of bucket b, falling
// back to the other bucket's average and then to a fixed seed.
func (e *progressEstimator) costLocked(b luminanceBucket) float64 {
	if e.seeded[b] {
		return e.avg[b]
	}
	for o := luminanceBucket(0); o < bucketCount; o++ {
		if e.seeded[o] {
			return e.avg[o]
		}
	}
	return fallbackPatchCost.Seconds()
}
