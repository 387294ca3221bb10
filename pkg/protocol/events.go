// Package protocol turns raw measurement-tool output into typed session
// events. Recognizer patterns are tool-version-specific configuration;
// everything here treats them as injected data.
package protocol

import "fmt"

// Kind is the type tag of a session event.
type Kind string

const (
	// KindPrompt means the tool is waiting for input (key press, patch
	// advance) and the session may proceed.
	KindPrompt Kind = "prompt"
	// KindReading carries the numeric components of a completed measurement.
	KindReading Kind = "reading"
	// KindError is a tool-reported measurement problem, identified by code.
	KindError Kind = "instrument-error"
	// KindFault is a transport-level failure: timeout, write error, or the
	// process exiting underneath us.
	KindFault Kind = "transport-fault"
)

// Error codes synthesized by the adapter itself (as opposed to codes captured
// verbatim from tool output).
const (
	CodeParseFailure = "PARSE_FAILURE"
	CodeUnknown      = "UNKNOWN"
)

// Event is the typed result of one protocol exchange. Exactly one of the
// payload fields is meaningful, selected by Kind.
type Event struct {
	Kind    Kind
	Line    string    // the output line that produced this event
	Reading []float64 // KindReading: parsed components
	Code    string    // KindError: instrument error code
	Err     error     // KindFault: underlying transport error
}

func (e Event) String() string {
	switch e.Kind {
	case KindReading:
		return fmt.Sprintf("reading%v", e.Reading)
	case KindError:
		return fmt.Sprintf("instrument-error(%s)", e.Code)
	case KindFault:
		return fmt.Sprintf("transport-fault(%v)", e.Err)
	default:
		return string(e.Kind)
	}
}
