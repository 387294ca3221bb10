package session

import (
	"testing"
	"time"

	"github.com/dcal-project/dcal/pkg/chart"
)

func pendingWith(targetYs ...float64) []*Patch {
	out := make([]*Patch, len(targetYs))
	for i, y := range targetYs {
		out[i] = &Patch{Spec: chart.PatchSpec{Index: i, TargetY: y}}
	}
	return out
}

func TestEstimatorFallbackBeforeAnyMeasurement(t *testing.T) {
	e := newProgressEstimator()

	got := e.Remaining(pendingWith(0.5, 0.5, 0.5))
	want := 3 * fallbackPatchCost
	if got != want {
		t.Fatalf("Remaining = %v, want %v", got, want)
	}
}

func TestEstimatorUsesBucketAverages(t *testing.T) {
	e := newProgressEstimator()
	e.Update(0.01, 8*time.Second) // dark
	e.Update(0.8, 2*time.Second)  // bright

	got := e.Remaining(pendingWith(0.01, 0.8))
	want := 10 * time.Second
	if got != want {
		t.Fatalf("Remaining = %v, want %v", got, want)
	}
}

func TestEstimatorBorrowsOtherBucket(t *testing.T) {
	e := newProgressEstimator()
	e.Update(0.8, 4*time.Second) // bright only

	got := e.Remaining(pendingWith(0.01)) // dark pending
	if got != 4*time.Second {
		t.Fatalf("Remaining = %v, want 4s", got)
	}
}

func TestEstimatorMonotoneWithoutRetry(t *testing.T) {
	e := newProgressEstimator()
	e.Update(0.5, 2*time.Second)

	first := e.Remaining(pendingWith(0.5, 0.5))

	// A slow measurement raises the average, but the published estimate must
	// not grow while the pending count is unchanged.
	e.Update(0.5, 60*time.Second)
	second := e.Remaining(pendingWith(0.5, 0.5))
	if second > first {
		t.Fatalf("estimate grew from %v to %v without a retry", first, second)
	}
}

func TestEstimatorRetryResetsClamp(t *testing.T) {
	e := newProgressEstimator()
	e.Update(0.5, 2*time.Second)

	small := e.Remaining(pendingWith(0.5))
	e.NoteRetry()
	grown := e.Remaining(pendingWith(0.5, 0.5))
	if grown <= small {
		t.Fatalf("estimate %v did not grow after retry (was %v)", grown, small)
	}
}

func TestEstimatorClampResetsAcrossStages(t *testing.T) {
	e := newProgressEstimator()
	e.Update(0.5, 2*time.Second)

	// Last patch of a stage measured: nothing pending, estimate drains to 0.
	if got := e.Remaining(nil); got != 0 {
		t.Fatalf("Remaining(nil) = %v, want 0", got)
	}

	// Entering the next stage brings a fresh queue; the estimate must come
	// back up instead of staying pinned at the previous stage's zero.
	e.NoteStage()
	got := e.Remaining(pendingWith(0.5, 0.5, 0.5, 0.5, 0.5))
	want := 10 * time.Second
	if got != want {
		t.Fatalf("Remaining after stage boundary = %v, want %v", got, want)
	}
}

func TestEstimatorNeverNegative(t *testing.T) {
	e := newProgressEstimator()
	e.Update(0.5, -5*time.Second)

	if got := e.Remaining(pendingWith(0.5)); got < 0 {
		t.Fatalf("Remaining = %v, want >= 0", got)
	}
	if got := e.Remaining(nil); got != 0 {
		t.Fatalf("Remaining(nil) = %v, want 0", got)
	}
}

func TestEstimatorEWMAFold(t *testing.T) {
	e := newProgressEstimator()
	e.Update(0.5, 10*time.Second)
	e.Update(0.5, 20*time.Second)

	// 0.3*20 + 0.7*10 = 13s
	got := e.Remaining(pendingWith(0.5))
	want := 13 * time.Second
	if got != want {
		t.Fatalf("Remaining = %v, want %v", got, want)
	}
}
