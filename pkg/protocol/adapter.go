package protocol

import (
	"math"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dcal-project/dcal/pkg/transport"
)

// Adapter classifies transport matches into typed events for one recognizer
// table. It never panics on malformed tool output; garbage numerics become
// InstrumentError(PARSE_FAILURE) events.
type Adapter struct {
	table Table
}

func NewAdapter(table Table) *Adapter {
	return &Adapter{table: table}
}

// Patterns returns the ordered recognizers the transport should wait on for
// the given stage.
func (a *Adapter) Patterns(stage string) []transport.Pattern {
	return a.table.Patterns(stage)
}

// Classify turns a transport match into exactly one event.
func (a *Adapter) Classify(stage string, m *transport.Match) Event {
	switch m.Name {
	case "prompt":
		return Event{Kind: KindPrompt, Line: m.Line}
	case "reading":
		reading, err := a.parseReading(stage, m.Captures)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"stage": stage,
				"line":  m.Line,
			}).WithError(err).Warn("malformed reading")
			return Event{Kind: KindError, Code: CodeParseFailure, Line: m.Line}
		}
		return Event{Kind: KindReading, Reading: reading, Line: m.Line}
	case "error":
		code := CodeUnknown
		if len(m.Captures) > 0 && m.Captures[0] != "" {
			code = m.Captures[0]
		}
		return Event{Kind: KindError, Code: code, Line: m.Line}
	default:
		logrus.WithField("pattern", m.Name).Warn("unrecognized pattern kind")
		return Event{Kind: KindError, Code: CodeUnknown, Line: m.Line}
	}
}

// Fault wraps a transport-level error (timeout, process exit, write failure)
// into an event.
func (a *Adapter) Fault(err error) Event {
	return Event{Kind: KindFault, Err: err}
}

// parseReading converts captured numeric text into float components. The
// instrument driver inherits the process locale, so decimal commas are
// accepted alongside decimal points.
func (a *Adapter) parseReading(stage string, captures []string) ([]float64, error) {
	want := a.table.Channels(stage)
	if len(captures) < want {
		return nil, pkgerrors.Errorf("reading has %d components, want %d", len(captures), want)
	}

	out := make([]float64, 0, want)
	for _, c := range captures[:want] {
		v, err := strconv.ParseFloat(strings.ReplaceAll(c, ",", "."), 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "component %q", c)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, pkgerrors.Errorf("non-finite component %q", c)
		}
		out = append(out, v)
	}
	return out, nil
}
