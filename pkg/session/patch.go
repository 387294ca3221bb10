package session

import (
	"time"

	"github.com/dcal-project/dcal/pkg/chart"
)

// PatchStatus is the lifecycle state of one test patch. The only legal
// transitions are pending -> in-flight -> measured, or pending -> in-flight
// -> failed -> pending while retry budget remains.
type PatchStatus string

const (
	PatchPending  PatchStatus = "pending"
	PatchInFlight PatchStatus = "in-flight"
	PatchMeasured PatchStatus = "measured"
	PatchFailed   PatchStatus = "failed"
)

// Patch is one test color within a stage. Patches are created on stage entry
// and kept for the whole session, even after success, for audit and
// reporting.
type Patch struct {
	Spec    chart.PatchSpec
	Status  PatchStatus
	Retries int
}

// MeasurementResult records one successful patch measurement. Immutable once
// created. PatchIndex is the patch's original sequence index, preserved even
// when retries changed the physical measurement order.
type MeasurementResult struct {
	Stage      string        `json:"stage"`
	PatchIndex int           `json:"patchIndex"`
	Reading    []float64     `json:"reading"`
	CapturedAt time.Time     `json:"capturedAt"`
	Duration   time.Duration `json:"duration"`
	Retries    int           `json:"retries"`
}
