package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Config interface {
	ToolPath() string
	Instrument() string
	ChartPath() string
	OutputDir() string
	RetryBudget() int
	StageRestartBudget() int
	GrayscaleSteps() int
	StageTimeout(stage string) time.Duration
	TerminateGrace() time.Duration
	RecognizerOverrides() map[string]map[string][]string
	ErrorPolicyOverrides() map[string]string
	Cron() string
	AllowNonRootAccess() bool

	SetToolPath(string)
	SetInstrument(string)
	SetChartPath(string)
	SetOutputDir(string)
	SetRetryBudget(int)
	SetCron(string)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error

	LogrusFields() logrus.Fields
}
