package session

import (
	"github.com/scribefeed/scribefeed/pkg/types"
)

// State is the lifecycle state of a meeting view session.
type State int

const (
	// StateIdle means no meeting is bound.
	StateIdle State = iota

	// StateConnecting means the session is establishing its transport
	// connection or waiting for its subscription to be acknowledged.
	StateConnecting

	// StateSubscribed means the server acknowledged the subscription but no
	// meeting status has been observed yet.
	StateSubscribed

	// StateActive means the meeting reports a healthy live transcription feed.
	StateActive

	// StateDegraded means the meeting reports a non-live status or the
	// transport has given up reconnecting.
	StateDegraded

	// StateClosed means the per-meeting binding has been torn down.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "idle"
}

// Snapshot is an immutable view of a session published to consumers after
// every state-affecting event. Consumers own the snapshot; the controller
// never mutates a published one.
type Snapshot struct {
	// SessionUID identifies the session generation the snapshot belongs to.
	// Snapshots from superseded sessions carry a different UID.
	SessionUID string

	// Meeting is the bound meeting reference.
	Meeting types.MeetingRef

	// State is the session lifecycle state.
	State State

	// Status is the last server-reported meeting status, empty until one is
	// observed.
	Status types.MeetingStatus

	// Blocks is the grouped transcript projection.
	Blocks []types.Block

	// Changed lists the segment keys revised by the most recent merge, for
	// consumers that highlight fresh text.
	Changed []types.Key

	// Dropped counts segments excluded from reconciliation so far.
	Dropped uint64
}

// Warning is a non-fatal session problem surfaced to consumers, distinct
// from errors returned by controller operations.
type Warning struct {
	// SessionUID identifies the session generation that produced the warning.
	SessionUID string

	// Message is a human-readable description of the problem.
	Message string
}
