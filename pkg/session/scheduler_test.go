package session

import (
	"testing"

	"github.com/dcal-project/dcal/pkg/chart"
)

func makePatches(n int) []*Patch {
	out := make([]*Patch, n)
	for i := 0; i < n; i++ {
		out[i] = &Patch{Spec: chart.PatchSpec{Index: i}}
	}
	return out
}

func TestSchedulerHandsOutInOrder(t *testing.T) {
	sched := newPatchScheduler(makePatches(3), 2)

	for want := 0; want < 3; want++ {
		p, err := sched.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if p.Spec.Index != want {
			t.Fatalf("got patch %d, want %d", p.Spec.Index, want)
		}
		if p.Status != PatchInFlight {
			t.Fatalf("status = %s, want %s", p.Status, PatchInFlight)
		}
		sched.MarkMeasured(p)
	}

	p, err := sched.Next()
	if err != nil {
		t.Fatalf("Next after drain: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil after drain, got patch %d", p.Spec.Index)
	}
	if !sched.Done() {
		t.Fatal("Done = false after drain")
	}
}

func TestSchedulerRejectsConcurrentNext(t *testing.T) {
	sched := newPatchScheduler(makePatches(2), 2)

	if _, err := sched.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := sched.Next(); err == nil {
		t.Fatal("expected error with a patch in flight")
	}
}

func TestSchedulerRequeuesFailedAtFront(t *testing.T) {
	sched := newPatchScheduler(makePatches(3), 2)

	p0, _ := sched.Next()
	sched.MarkMeasured(p0)

	p1, _ := sched.Next()
	if !sched.MarkFailed(p1) {
		t.Fatal("expected requeue on first failure")
	}
	if p1.Retries != 1 {
		t.Fatalf("Retries = %d, want 1", p1.Retries)
	}

	// The failed patch comes back before patch 2.
	again, _ := sched.Next()
	if again != p1 {
		t.Fatalf("got patch %d, want requeued patch %d", again.Spec.Index, p1.Spec.Index)
	}
	sched.MarkMeasured(again)

	p2, _ := sched.Next()
	if p2.Spec.Index != 2 {
		t.Fatalf("got patch %d, want 2", p2.Spec.Index)
	}
}

func TestSchedulerExhaustsRetryBudget(t *testing.T) {
	sched := newPatchScheduler(makePatches(1), 2)

	p, _ := sched.Next()
	if !sched.MarkFailed(p) {
		t.Fatal("failure 1 should requeue")
	}
	p, _ = sched.Next()
	if !sched.MarkFailed(p) {
		t.Fatal("failure 2 should requeue")
	}
	p, _ = sched.Next()
	if sched.MarkFailed(p) {
		t.Fatal("failure 3 should exhaust the budget")
	}
	if p.Status != PatchFailed {
		t.Fatalf("status = %s, want %s", p.Status, PatchFailed)
	}
	if p.Retries != 3 {
		t.Fatalf("Retries = %d, want 3", p.Retries)
	}
}

func TestSchedulerResetsStatusOnBuild(t *testing.T) {
	patches := makePatches(2)
	patches[0].Status = PatchMeasured
	patches[1].Status = PatchFailed
	patches[1].Retries = 5

	sched := newPatchScheduler(patches, 2)
	if len(sched.Pending()) != 2 {
		t.Fatalf("pending = %d, want 2", len(sched.Pending()))
	}
	for _, p := range patches {
		if p.Status != PatchPending {
			t.Fatalf("status = %s, want %s", p.Status, PatchPending)
		}
	}
}
