// Package enums provides the closed value sets shared by the store, queue, session and bridge.
//
// Each type is a string with a Parse function rejecting unknown values, so enums are stored
// as plain text in sqlite and marshal to JSON as-is.
package enums

import "fmt"

// JobStatus is a status of a generation job
type JobStatus string

// job statuses, a job moves queued -> processing -> complete|failed, with processing -> queued on retry
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
)

// JobStatusValues returns all job statuses
func JobStatusValues() []JobStatus {
	return []JobStatus{JobStatusQueued, JobStatusProcessing, JobStatusComplete, JobStatusFailed}
}

// ParseJobStatus converts string to JobStatus
func ParseJobStatus(s string) (JobStatus, error) {
	for _, v := range JobStatusValues() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid job status %q", s)
}

// IsTerminal returns true for statuses a job never leaves
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

func (s JobStatus) String() string { return string(s) }

// JobType is a kind of generation
type JobType string

// job types
const (
	JobTypeMesh  JobType = "mesh"  // image to mesh
	JobTypeImage JobType = "image" // text to image
	JobTypeFull  JobType = "full"  // text to image to mesh
)

// JobTypeValues returns all job types
func JobTypeValues() []JobType {
	return []JobType{JobTypeMesh, JobTypeImage, JobTypeFull}
}

// ParseJobType converts string to JobType
func ParseJobType(s string) (JobType, error) {
	for _, v := range JobTypeValues() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid job type %q", s)
}

// NeedsPrompt returns true for types driven by a text prompt
func (t JobType) NeedsPrompt() bool {
	return t == JobTypeImage || t == JobTypeFull
}

func (t JobType) String() string { return string(t) }

// SessionState is a state of a single job execution
type SessionState string

// session states
const (
	SessionStateIdle            SessionState = "idle"
	SessionStateGeneratingImage SessionState = "generating_image"
	SessionStateGeneratingMesh  SessionState = "generating_mesh"
	SessionStateComplete        SessionState = "complete"
	SessionStateFailed          SessionState = "failed"
)

// SessionStateValues returns all session states
func SessionStateValues() []SessionState {
	return []SessionState{SessionStateIdle, SessionStateGeneratingImage, SessionStateGeneratingMesh,
		SessionStateComplete, SessionStateFailed}
}

// ParseSessionState converts string to SessionState
func ParseSessionState(s string) (SessionState, error) {
	for _, v := range SessionStateValues() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid session state %q", s)
}

func (s SessionState) String() string { return string(s) }

// BridgeState is a lifecycle state of the supervised inference process
type BridgeState string

// bridge states, unavailable is kept until an explicit start
const (
	BridgeStateStopped     BridgeState = "stopped"
	BridgeStateStarting    BridgeState = "starting"
	BridgeStateRunning     BridgeState = "running"
	BridgeStateError       BridgeState = "error"
	BridgeStateUnavailable BridgeState = "unavailable"
)

// BridgeStateValues returns all bridge states
func BridgeStateValues() []BridgeState {
	return []BridgeState{BridgeStateStopped, BridgeStateStarting, BridgeStateRunning,
		BridgeStateError, BridgeStateUnavailable}
}

// Index returns position of the state in BridgeStateValues, used as a gauge value
func (s BridgeState) Index() int {
	for i, v := range BridgeStateValues() {
		if v == s {
			return i
		}
	}
	return -1
}

func (s BridgeState) String() string { return string(s) }

// EventKind is a kind of bridge lifecycle notification
type EventKind string

// bridge event kinds
const (
	EventStarted       EventKind = "started"
	EventStopped       EventKind = "stopped"
	EventCrash         EventKind = "crash"
	EventHealth        EventKind = "health"
	EventError         EventKind = "error"
	EventRestartFailed EventKind = "restart_failed"
)

func (k EventKind) String() string { return string(k) }
