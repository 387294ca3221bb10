package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dcal-project/dcal/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		ToolPath:              ptr.To("dispread"),
		Instrument:            ptr.To("1"),
		ChartPath:             ptr.To(""),
		OutputDir:             ptr.To("/var/lib/dcal"),
		RetryBudget:           ptr.To(2),
		StageRestartBudget:    ptr.To(1),
		GrayscaleSteps:        ptr.To(16),
		TerminateGraceSeconds: ptr.To(5),
		AllowNonRootAccess:    ptr.To(false),
		Cron:                  ptr.To(""),
	}

	// Instrument-setup style stages involve a human attaching the probe, so
	// their waits are open-ended compared to automated patch reads.
	defaultStageTimeoutSeconds = map[string]int{
		"setup":      300,
		"ambient":    120,
		"blackpoint": 60,
		"whitepoint": 60,
		"grayscale":  45,
		"profiling":  90,
		"verify":     45,
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = defaultFileConfig
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	ToolPath              *string `json:"toolPath,omitempty"`
	Instrument            *string `json:"instrument,omitempty"`
	ChartPath             *string `json:"chartPath,omitempty"`
	OutputDir             *string `json:"outputDir,omitempty"`
	RetryBudget           *int    `json:"retryBudget,omitempty"`
	StageRestartBudget    *int    `json:"stageRestartBudget,omitempty"`
	GrayscaleSteps        *int    `json:"grayscaleSteps,omitempty"`
	TerminateGraceSeconds *int    `json:"terminateGraceSeconds,omitempty"`
	AllowNonRootAccess    *bool   `json:"allowNonRootAccess,omitempty"`
	Cron                  *string `json:"cron,omitempty"`

	// StageTimeoutSeconds overrides the per-stage wait budget. Keys are stage
	// identifiers; missing stages fall back to built-in defaults.
	StageTimeoutSeconds map[string]int `json:"stageTimeoutSeconds,omitempty"`

	// Recognizers maps stage -> event kind ("error"/"reading"/"prompt") to a
	// list of regular expressions. These are tool-version-specific and merged
	// over the built-in tables, so upgrading the measurement tool only needs
	// a config change.
	Recognizers map[string]map[string][]string `json:"recognizers,omitempty"`

	// ErrorPolicies maps instrument error codes to a policy name
	// ("retry-patch"/"restart-stage"/"abort-session").
	ErrorPolicies map[string]string `json:"errorPolicies,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		ToolPath:              ptr.To(c.ToolPath()),
		Instrument:            ptr.To(c.Instrument()),
		ChartPath:             ptr.To(c.ChartPath()),
		OutputDir:             ptr.To(c.OutputDir()),
		RetryBudget:           ptr.To(c.RetryBudget()),
		StageRestartBudget:    ptr.To(c.StageRestartBudget()),
		GrayscaleSteps:        ptr.To(c.GrayscaleSteps()),
		TerminateGraceSeconds: ptr.To(int(c.TerminateGrace() / time.Second)),
		AllowNonRootAccess:    ptr.To(c.AllowNonRootAccess()),
		Cron:                  ptr.To(c.Cron()),
		Recognizers:           c.RecognizerOverrides(),
		ErrorPolicies:         c.ErrorPolicyOverrides(),
	}

	return rawConfig, nil
}

func (f *File) ToolPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.ToolPath != nil {
		return *f.c.ToolPath
	}
	return *defaultFileConfig.ToolPath
}

func (f *File) Instrument() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.Instrument != nil {
		return *f.c.Instrument
	}
	return *defaultFileConfig.Instrument
}

func (f *File) ChartPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.ChartPath != nil {
		return *f.c.ChartPath
	}
	return *defaultFileConfig.ChartPath
}

func (f *File) OutputDir() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.OutputDir != nil {
		return *f.c.OutputDir
	}
	return *defaultFileConfig.OutputDir
}

func (f *File) RetryBudget() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.RetryBudget != nil {
		return *f.c.RetryBudget
	}
	return *defaultFileConfig.RetryBudget
}

func (f *File) StageRestartBudget() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.StageRestartBudget != nil {
		return *f.c.StageRestartBudget
	}
	return *defaultFileConfig.StageRestartBudget
}

func (f *File) GrayscaleSteps() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.GrayscaleSteps != nil {
		return *f.c.GrayscaleSteps
	}
	return *defaultFileConfig.GrayscaleSteps
}

func (f *File) StageTimeout(stage string) time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if secs, ok := f.c.StageTimeoutSeconds[stage]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := defaultStageTimeoutSeconds[stage]; ok {
		return time.Duration(secs) * time.Second
	}
	return 60 * time.Second
}

func (f *File) TerminateGrace() time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	secs := *defaultFileConfig.TerminateGraceSeconds
	if f.c.TerminateGraceSeconds != nil {
		secs = *f.c.TerminateGraceSeconds
	}
	return time.Duration(secs) * time.Second
}

func (f *File) RecognizerOverrides() map[string]map[string][]string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.c.Recognizers
}

func (f *File) ErrorPolicyOverrides() map[string]string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.c.ErrorPolicies
}

func (f *File) Cron() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.Cron != nil {
		return *f.c.Cron
	}
	return *defaultFileConfig.Cron
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.AllowNonRootAccess != nil {
		return *f.c.AllowNonRootAccess
	}
	return *defaultFileConfig.AllowNonRootAccess
}

func (f *File) SetToolPath(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.ToolPath = &s
}

func (f *File) SetInstrument(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Instrument = &s
}

func (f *File) SetChartPath(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.ChartPath = &s
}

func (f *File) SetOutputDir(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.OutputDir = &s
}

func (f *File) SetRetryBudget(i int) {
	if f.c == nil {
		panic("config is nil")
	}

	if i < 0 {
		panic("retry budget must not be negative")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.RetryBudget = &i
}

func (f *File) SetCron(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Cron = &s
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}
	configString := string(b)

	if strings.TrimSpace(configString) == "" {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"toolPath":    f.ToolPath(),
		"instrument":  f.Instrument(),
		"chartPath":   f.ChartPath(),
		"outputDir":   f.OutputDir(),
		"retryBudget": f.RetryBudget(),
		"cron":        f.Cron(),
	}
}
