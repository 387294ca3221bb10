package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dcal-project/dcal/pkg/chart"
	"github.com/dcal-project/dcal/pkg/protocol"
	"github.com/dcal-project/dcal/pkg/transport"
)

// testConfig is a fixed-value config for driving the state machine.
type testConfig struct {
	retryBudget   int
	restartBudget int
	graySteps     int
	timeout       time.Duration
	policies      map[string]string
}

func (c *testConfig) ToolPath() string                  { return "/usr/bin/dispread" }
func (c *testConfig) Instrument() string                { return "usb:1" }
func (c *testConfig) ChartPath() string                 { return "/tmp/chart.ti1" }
func (c *testConfig) OutputDir() string                 { return "/tmp" }
func (c *testConfig) RetryBudget() int                  { return c.retryBudget }
func (c *testConfig) StageRestartBudget() int           { return c.restartBudget }
func (c *testConfig) GrayscaleSteps() int               { return c.graySteps }
func (c *testConfig) StageTimeout(string) time.Duration { return c.timeout }
func (c *testConfig) TerminateGrace() time.Duration     { return 10 * time.Millisecond }
func (c *testConfig) RecognizerOverrides() map[string]map[string][]string {
	return nil
}
func (c *testConfig) ErrorPolicyOverrides() map[string]string { return c.policies }
func (c *testConfig) Cron() string                            { return "" }
func (c *testConfig) AllowNonRootAccess() bool                { return false }
func (c *testConfig) SetToolPath(string)                      {}
func (c *testConfig) SetInstrument(string)                    {}
func (c *testConfig) SetChartPath(string)                     {}
func (c *testConfig) SetOutputDir(string)                     {}
func (c *testConfig) SetRetryBudget(int)                      {}
func (c *testConfig) SetCron(string)                          {}
func (c *testConfig) SetAllowNonRootAccess(bool)              {}
func (c *testConfig) Load() error                             { return nil }
func (c *testConfig) Save() error                             { return nil }
func (c *testConfig) LogrusFields() logrus.Fields             { return nil }

func defaultTestConfig() *testConfig {
	return &testConfig{
		retryBudget:   2,
		restartBudget: 1,
		graySteps:     2,
		timeout:       time.Second,
	}
}

// fakeTool is a scripted exchanger. Each SendLine consumes one reply batch
// and appends its lines to the output buffer; WaitForPattern scans the
// buffer the way the real transport scans its line accumulator.
type fakeTool struct {
	mu         sync.Mutex
	sent       []string
	replies    [][]string
	buf        []string
	terminated bool
	waits      int
	onWait     func(n int)
}

func (f *fakeTool) SendLine(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	if len(f.replies) > 0 {
		f.buf = append(f.buf, f.replies[0]...)
		f.replies = f.replies[1:]
	}
	return nil
}

func (f *fakeTool) WaitForPattern(patterns []transport.Pattern, timeout time.Duration) (*transport.Match, error) {
	f.mu.Lock()
	f.waits++
	n := f.waits
	hook := f.onWait
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, line := range f.buf {
		for _, p := range patterns {
			if sub := p.Expr.FindStringSubmatch(line); sub != nil {
				f.buf = f.buf[i+1:]
				return &transport.Match{Name: p.Name, Line: line, Captures: sub[1:]}, nil
			}
		}
	}
	return nil, &transport.TimeoutError{After: timeout}
}

func (f *fakeTool) Terminate(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	return nil
}

func (f *fakeTool) Recent(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.buf) {
		n = len(f.buf)
	}
	return append([]string(nil), f.buf[len(f.buf)-n:]...)
}

func (f *fakeTool) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.terminated
}

func (f *fakeTool) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func withFakeTool(t *testing.T, f *fakeTool) {
	t.Helper()
	old := spawnTransport
	spawnTransport = func(string, []string, []string, string) (exchanger, error) { return f, nil }
	t.Cleanup(func() { spawnTransport = old })
}

const (
	promptLine  = "Place instrument on test window, press a key to continue:"
	readingLine = "Result is XYZ: 20.00 21.00 22.00"
	ambientLine = "Ambient = 123.4 lux"
)

func testChart(n int) []chart.PatchSpec {
	out := make([]chart.PatchSpec, n)
	for i := range out {
		v := float64(i) / float64(n)
		out[i] = chart.PatchSpec{Index: i, R: v, G: v, B: v, TargetY: chart.TargetLuminance(v, v, v)}
	}
	return out
}

func newTestSession(conf *testConfig, chartSpecs []chart.PatchSpec, notify NotifyFunc) *Session {
	return New(Options{
		Conf:       conf,
		Chart:      chartSpecs,
		Adapter:    protocol.NewAdapter(protocol.DefaultTable()),
		Registry:   NewRegistry(),
		Instrument: conf.Instrument(),
		Notify:     notify,
	})
}

// fullRunReplies scripts a clean pass through every stage: one prompt per
// stage entry, one reading per patch.
func fullRunReplies(conf *testConfig, chartLen int) [][]string {
	counts := []struct {
		stage   string
		patches int
	}{
		{StageSetup, 1},
		{StageAmbient, 1},
		{StageBlackPoint, 1},
		{StageWhitePoint, 1},
		{StageGrayscale, conf.graySteps},
		{StageProfiling, chartLen},
		{StageVerify, chartLen}, // below the sample cap
	}
	var replies [][]string
	for _, c := range counts {
		replies = append(replies, []string{promptLine})
		for i := 0; i < c.patches; i++ {
			if c.stage == StageAmbient {
				replies = append(replies, []string{ambientLine})
			} else {
				replies = append(replies, []string{readingLine})
			}
		}
	}
	return replies
}

func TestRunCompletesWorkflow(t *testing.T) {
	conf := defaultTestConfig()
	specs := testChart(3)
	fake := &fakeTool{replies: fullRunReplies(conf, len(specs))}
	withFakeTool(t, fake)

	var (
		evMu    sync.Mutex
		evNames []string
	)
	s := newTestSession(conf, specs, func(name string, payload any) {
		evMu.Lock()
		evNames = append(evNames, name)
		evMu.Unlock()
	})

	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := s.Status()
	if st.State != StateCompleted {
		t.Fatalf("state = %s, want %s", st.State, StateCompleted)
	}
	if st.Retries != 0 {
		t.Fatalf("retries = %d, want 0", st.Retries)
	}

	results := s.Results()
	wantResults := 4 + conf.graySteps + 2*len(specs)
	if len(results) != wantResults {
		t.Fatalf("results = %d, want %d", len(results), wantResults)
	}

	// Stage order is preserved in the artifact regardless of capture order.
	rank := map[string]int{}
	for i, id := range StageOrder {
		rank[id] = i
	}
	for i := 1; i < len(results); i++ {
		if rank[results[i].Stage] < rank[results[i-1].Stage] {
			t.Fatalf("results out of stage order at %d: %s after %s",
				i, results[i].Stage, results[i-1].Stage)
		}
	}

	for _, r := range results {
		want := 3
		if r.Stage == StageAmbient {
			want = 1
		}
		if len(r.Reading) != want {
			t.Fatalf("stage %s reading has %d components, want %d", r.Stage, len(r.Reading), want)
		}
	}

	evMu.Lock()
	defer evMu.Unlock()
	var sawDone bool
	for _, n := range evNames {
		if n == "session.done" {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("no session.done event published")
	}
}

func TestRunStageRetriesPatchThenSucceeds(t *testing.T) {
	conf := defaultTestConfig()
	s := newTestSession(conf, nil, nil)
	fake := &fakeTool{replies: [][]string{
		{promptLine},
		{readingLine},                  // patch 0
		{"Error - SPOT_READ_FAILED"},   // patch 1, attempt 1
		{"Error - SPOT_READ_FAILED"},   // patch 1, attempt 2
		{readingLine},                  // patch 1, attempt 3
		{readingLine},                  // patch 2
	}}

	st := Stage{ID: StageProfiling, Patches: testChart(3), Timeout: time.Second}
	if err := s.runStage(fake, st); err != nil {
		t.Fatalf("runStage: %v", err)
	}

	results := s.Results()
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for _, r := range results {
		want := 0
		if r.PatchIndex == 1 {
			want = 2
		}
		if r.Retries != want {
			t.Fatalf("patch %d retries = %d, want %d", r.PatchIndex, r.Retries, want)
		}
	}
	if got := s.Status().Retries; got != 2 {
		t.Fatalf("session retries = %d, want 2", got)
	}

	// The failed patch was re-measured immediately, before patch 2.
	var mSends []string
	for _, line := range fake.sentLines() {
		if strings.HasPrefix(line, "M ") {
			mSends = append(mSends, strings.Fields(line)[1])
		}
	}
	want := []string{"0", "1", "1", "1", "2"}
	if len(mSends) != len(want) {
		t.Fatalf("measure sends = %v, want %v", mSends, want)
	}
	for i := range want {
		if mSends[i] != want[i] {
			t.Fatalf("measure sends = %v, want %v", mSends, want)
		}
	}
}

func TestRunStageRetryBudgetExhausted(t *testing.T) {
	conf := defaultTestConfig() // budget 2, so 3 attempts total
	s := newTestSession(conf, nil, nil)
	fake := &fakeTool{replies: [][]string{
		{promptLine},
		{"Error - MISREAD"},
		{"Error - MISREAD"},
		{"Error - MISREAD"},
	}}

	st := Stage{ID: StageProfiling, Patches: testChart(1), Timeout: time.Second}
	err := s.runStage(fake, st)
	if err == nil {
		t.Fatal("expected stage failure after budget exhaustion")
	}
	if !strings.Contains(err.Error(), "failed after") {
		t.Fatalf("err = %v, want retry-exhaustion message", err)
	}
}

func TestRunStageTimeoutsAreBounded(t *testing.T) {
	conf := defaultTestConfig()
	conf.retryBudget = 1
	s := newTestSession(conf, nil, nil)
	// Entry prompt arrives; no measurement output ever does.
	fake := &fakeTool{replies: [][]string{{promptLine}}}

	st := Stage{ID: StageProfiling, Patches: testChart(1), Timeout: 50 * time.Millisecond}
	err := s.runStage(fake, st)
	if err == nil {
		t.Fatal("expected stage failure after repeated timeouts")
	}

	// One wait for the entry, one per measurement attempt. A hang here
	// would mean timeouts are not bounding the loop.
	if got := fake.waits; got != 3 {
		t.Fatalf("waits = %d, want 3", got)
	}
}

func TestRunStageRestartPolicy(t *testing.T) {
	conf := defaultTestConfig()
	s := newTestSession(conf, nil, nil)
	fake := &fakeTool{replies: [][]string{
		{promptLine},
		{readingLine},                   // patch 0 measured
		{"Error - NEEDS_CALIBRATION"},   // patch 1 demands recalibration
	}}

	st := Stage{ID: StageProfiling, Patches: testChart(2), Timeout: time.Second}
	err := s.runStage(fake, st)
	if !pkgerrors.Is(err, errRestartStage) {
		t.Fatalf("err = %v, want errRestartStage", err)
	}

	// Re-entry drops the stage's partial results and measures from scratch.
	fake.replies = [][]string{
		{promptLine},
		{readingLine},
		{readingLine},
	}
	if err := s.runStage(fake, st); err != nil {
		t.Fatalf("runStage after restart: %v", err)
	}
	results := s.Results()
	if len(results) != 2 {
		t.Fatalf("results = %d after restart, want 2", len(results))
	}
}

func TestRunStageRestartBudgetExhausted(t *testing.T) {
	conf := defaultTestConfig() // restart budget 1
	specs := testChart(1)
	fake := &fakeTool{replies: [][]string{
		{promptLine},
		{"Error - NEEDS_CALIBRATION"},
		{promptLine},
		{"Error - NEEDS_CALIBRATION"},
	}}
	withFakeTool(t, fake)

	s := newTestSession(conf, specs, nil)
	err := s.Run()
	if err == nil {
		t.Fatal("expected session failure")
	}
	if !strings.Contains(err.Error(), "restart budget") {
		t.Fatalf("err = %v, want restart-budget message", err)
	}
	if st := s.Status(); st.State != StateFailed {
		t.Fatalf("state = %s, want %s", st.State, StateFailed)
	}
}

func TestRunFatalErrorAborts(t *testing.T) {
	conf := defaultTestConfig()
	fake := &fakeTool{replies: [][]string{
		{promptLine},
		{"Error - DEVICE_REMOVED"},
	}}
	withFakeTool(t, fake)

	s := newTestSession(conf, testChart(1), nil)
	err := s.Run()
	if err == nil {
		t.Fatal("expected session failure")
	}
	st := s.Status()
	if st.State != StateFailed {
		t.Fatalf("state = %s, want %s", st.State, StateFailed)
	}
	if st.LastError == "" {
		t.Fatal("last error not recorded")
	}
	if !fake.terminated {
		t.Fatal("process not terminated after fatal error")
	}
}

func TestRunCancelMidSession(t *testing.T) {
	conf := defaultTestConfig()
	fake := &fakeTool{replies: [][]string{
		{promptLine},  // setup entry
		{readingLine}, // setup patch
		{promptLine},  // ambient entry
	}}
	withFakeTool(t, fake)

	s := newTestSession(conf, testChart(1), nil)
	fake.onWait = func(n int) {
		// Cancel while the ambient stage is being entered; the measuring
		// loop must notice before the next patch goes out.
		if n == 3 {
			s.Cancel()
		}
	}

	err := s.Run()
	if !pkgerrors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	st := s.Status()
	if st.State != StateAborted {
		t.Fatalf("state = %s, want %s", st.State, StateAborted)
	}
	if !fake.terminated {
		t.Fatal("process not terminated on cancel")
	}
	// Results measured before the cancel survive.
	if got := len(s.Results()); got != 1 {
		t.Fatalf("results = %d, want 1", got)
	}
}

func TestRunRejectsConcurrentSession(t *testing.T) {
	conf := defaultTestConfig()
	fake := &fakeTool{}
	withFakeTool(t, fake)

	s := newTestSession(conf, testChart(1), nil)
	release, err := s.registry.Acquire(conf.Instrument(), "other-session")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	if err := s.Run(); !pkgerrors.Is(err, ErrConcurrentSession) {
		t.Fatalf("err = %v, want ErrConcurrentSession", err)
	}
	if st := s.Status(); st.State != StateFailed {
		t.Fatalf("state = %s, want %s", st.State, StateFailed)
	}
	if fake.waits != 0 {
		t.Fatal("transport used despite registry rejection")
	}
}

func TestRunSpawnFailureIsFatal(t *testing.T) {
	old := spawnTransport
	spawnTransport = func(command string, _ []string, _ []string, _ string) (exchanger, error) {
		return nil, &transport.SpawnError{Command: command, Err: pkgerrors.New("no such file")}
	}
	t.Cleanup(func() { spawnTransport = old })

	s := newTestSession(defaultTestConfig(), testChart(1), nil)
	if err := s.Run(); err == nil {
		t.Fatal("expected spawn failure")
	}
	if st := s.Status(); st.State != StateFailed {
		t.Fatalf("state = %s, want %s", st.State, StateFailed)
	}
}

func TestMeasurePatchAcknowledgesIntermediatePrompts(t *testing.T) {
	conf := defaultTestConfig()
	s := newTestSession(conf, nil, nil)
	fake := &fakeTool{replies: [][]string{
		{promptLine},
		{"Press a key to continue:"}, // tool wants an ack first
		{readingLine},                // reply to the ack
	}}

	st := Stage{ID: StageProfiling, Patches: testChart(1), Timeout: time.Second}
	if err := s.runStage(fake, st); err != nil {
		t.Fatalf("runStage: %v", err)
	}

	sent := fake.sentLines()
	var sawAck bool
	for _, line := range sent {
		if line == "" {
			sawAck = true
		}
	}
	if !sawAck {
		t.Fatalf("no prompt ack sent; sends were %q", sent)
	}
	if got := len(s.Results()); got != 1 {
		t.Fatalf("results = %d, want 1", got)
	}
}
