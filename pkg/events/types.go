package events

import "encoding/json"

// Event name constants
const (
	SessionState   = "session.state"
	SessionStage   = "session.stage"
	SessionPatch   = "session.patch"
	SessionDone    = "session.done"
	ScheduleAction = "schedule.action"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// SessionStateEvent is the typed payload for session.state.
type SessionStateEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// SessionStageEvent is the typed payload for session.stage.
type SessionStageEvent struct {
	Stage string `json:"stage"`
	Phase string `json:"phase"`
	Ts    int64  `json:"ts"`
}

// SessionPatchEvent is the typed payload for session.patch.
type SessionPatchEvent struct {
	Stage            string `json:"stage"`
	PatchIndex       int    `json:"patchIndex"`
	Status           string `json:"status"`
	Retries          int    `json:"retries"`
	RemainingSeconds int    `json:"remainingSeconds"`
	Ts               int64  `json:"ts"`
}

// SessionDoneEvent is the typed payload for session.done.
type SessionDoneEvent struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
	Results int    `json:"results"`
	Ts      int64  `json:"ts"`
}

// ScheduleActionEvent is the typed payload for schedule.action.
type ScheduleActionEvent struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is
// empty, it returns the zero value of T with a nil error.
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
