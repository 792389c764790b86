package session

import "errors"

// Domain errors for the session package. These indicate caller or
// transport bugs rather than device conditions, which are reported as
// *Fault values.
var (
	// ErrNoPendingRequest is returned when a response arrives while no
	// request is outstanding.
	ErrNoPendingRequest = errors.New("session: no pending request")

	// ErrResponseMismatch is returned when a response does not answer the
	// pending request.
	ErrResponseMismatch = errors.New("session: response does not match request")

	// ErrTooManyProvisions is returned when a session accumulates more
	// distinct provisions than channel bitmasks can address.
	ErrTooManyProvisions = errors.New("session: too many provisions")

	// ErrNoScriptRunner is returned when a script provision is run by an
	// engine created without a runner.
	ErrNoScriptRunner = errors.New("session: no script runner")

	// ErrCorruptState is returned by Deserialize for malformed input.
	ErrCorruptState = errors.New("session: corrupt serialized state")
)

// Fault codes produced by the engine itself. Device faults are reported
// as "cwmp.<code>" and script faults as "script" or "script.<name>".
const (
	FaultTooManyRPCs     = "too_many_rpcs"
	FaultDeeplyNested    = "deeply_nested_vparams"
	FaultTooManyCycles   = "too_many_cycles"
	FaultTooManyCommits  = "too_many_commits"
	FaultTimeout         = "timeout"
	FaultScript          = "script"
	faultProvisionAbsent = "script.NotFound"
)
