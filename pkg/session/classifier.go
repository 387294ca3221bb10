package session

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/dcal-project/dcal/pkg/protocol"
	"github.com/dcal-project/dcal/pkg/transport"
)

// Policy is the recovery decision for one failure.
type Policy string

const (
	// PolicyRetryPatch re-measures the current patch (transient conditions:
	// ambient light spike, momentary disconnect).
	PolicyRetryPatch Policy = "retry-patch"
	// PolicyRestartStage re-enters the active stage from its first patch
	// (e.g. the instrument demands recalibration).
	PolicyRestartStage Policy = "restart-stage"
	// PolicyAbortSession ends the session (device removed, unrecoverable
	// crash).
	PolicyAbortSession Policy = "abort-session"
)

// Built-in code policies for Argyll-style instrument errors. Configuration
// can override or extend these per deployment.
var defaultErrorPolicies = map[string]Policy{
	"AMBIENT_LIGHT":             PolicyRetryPatch,
	"SPOT_READ_FAILED":          PolicyRetryPatch,
	"COMMS_TIMEOUT":             PolicyRetryPatch,
	"MISREAD":                   PolicyRetryPatch,
	protocol.CodeParseFailure:   PolicyRetryPatch,
	"NEEDS_CALIBRATION":         PolicyRestartStage,
	"WRONG_SENSOR_POSITION":     PolicyRestartStage,
	"DEVICE_REMOVED":            PolicyAbortSession,
	"HARDWARE_FAILURE":          PolicyAbortSession,
	"USER_ABORT":                PolicyAbortSession,
}

// failureClassifier maps instrument error codes and transport faults to
// recovery policies.
type failureClassifier struct {
	policies map[string]Policy
}

func newFailureClassifier(overrides map[string]string) *failureClassifier {
	policies := make(map[string]Policy, len(defaultErrorPolicies)+len(overrides))
	for code, p := range defaultErrorPolicies {
		policies[code] = p
	}
	for code, p := range overrides {
		switch Policy(p) {
		case PolicyRetryPatch, PolicyRestartStage, PolicyAbortSession:
			policies[code] = Policy(p)
		default:
			logrus.WithFields(logrus.Fields{
				"code":   code,
				"policy": p,
			}).Warn("ignoring unknown error policy in config")
		}
	}
	return &failureClassifier{policies: policies}
}

// ClassifyCode decides the policy for a tool-reported error code. Unknown
// codes are retried (the scheduler's budget bounds them) and escalate to
// abort once the budget is spent; they are logged, never dropped.
func (c *failureClassifier) ClassifyCode(code string) Policy {
	if p, ok := c.policies[code]; ok {
		return p
	}
	logrus.WithField("code", code).Warn("unrecognized instrument error code, will retry")
	return PolicyRetryPatch
}

// ClassifyFault decides the policy for a transport-level failure. Timeouts
// may be transient (instrument settling, slow patch); a dead process is not.
func (c *failureClassifier) ClassifyFault(err error) Policy {
	var te *transport.TimeoutError
	if errors.As(err, &te) {
		return PolicyRetryPatch
	}
	return PolicyAbortSession
}
