package session

import (
	"time"

	"github.com/dcal-project/dcal/pkg/chart"
	"github.com/dcal-project/dcal/pkg/config"
)

// Stage identifiers, in workflow order. These double as keys into the
// recognizer table and the per-stage timeout config.
const (
	StageSetup      = "setup"
	StageAmbient    = "ambient"
	StageBlackPoint = "blackpoint"
	StageWhitePoint = "whitepoint"
	StageGrayscale  = "grayscale"
	StageProfiling  = "profiling"
	StageVerify     = "verify"
)

// StageOrder is the fixed workflow sequence.
var StageOrder = []string{
	StageSetup,
	StageAmbient,
	StageBlackPoint,
	StageWhitePoint,
	StageGrayscale,
	StageProfiling,
	StageVerify,
}

// Stage is immutable workflow configuration: which patches to measure and
// how long each exchange may take. Built once at session start.
type Stage struct {
	ID      string
	Patches []chart.PatchSpec
	Timeout time.Duration
}

// verifySampleMax bounds the verification pass: it re-measures a spread of
// chart patches rather than the whole chart.
const verifySampleMax = 8

// BuildStages derives the full workflow from config and the loaded chart.
// Single-exchange stages (setup, ambient, black/white point) carry one
// synthetic patch so the scheduler and estimator treat every stage the same
// way.
func BuildStages(conf config.Config, chartSpecs []chart.PatchSpec) []Stage {
	single := func(r, g, b float64) []chart.PatchSpec {
		return []chart.PatchSpec{{Index: 0, R: r, G: g, B: b, TargetY: chart.TargetLuminance(r, g, b)}}
	}

	stages := []Stage{
		{ID: StageSetup, Patches: single(0.5, 0.5, 0.5)},
		{ID: StageAmbient, Patches: single(0, 0, 0)},
		{ID: StageBlackPoint, Patches: single(0, 0, 0)},
		{ID: StageWhitePoint, Patches: single(1, 1, 1)},
		{ID: StageGrayscale, Patches: chart.Grayscale(conf.GrayscaleSteps())},
		{ID: StageProfiling, Patches: chartSpecs},
		{ID: StageVerify, Patches: verifySample(chartSpecs)},
	}
	for i := range stages {
		stages[i].Timeout = conf.StageTimeout(stages[i].ID)
	}
	return stages
}

// verifySample picks an evenly spread subset of the chart, reindexed so the
// verify stage has its own dense sequence.
func verifySample(specs []chart.PatchSpec) []chart.PatchSpec {
	n := len(specs)
	if n == 0 {
		return nil
	}
	count := n
	if count > verifySampleMax {
		count = verifySampleMax
	}
	out := make([]chart.PatchSpec, 0, count)
	for i := 0; i < count; i++ {
		s := specs[i*n/count]
		s.Index = i
		out = append(out, s)
	}
	return out
}
