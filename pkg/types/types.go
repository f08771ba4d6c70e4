// Package types defines the shared types used across all scribefeed packages.
//
// These types form the lingua franca between the streaming transport, the
// reconciler, the history client, and the session controller. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSpeaker is assigned to segments the source delivers without a
// speaker attribution.
const DefaultSpeaker = "Unknown"

// Key identifies a segment within a meeting's transcript. It is derived from
// the segment's absolute start time (millisecond precision); two updates that
// carry the same absolute start time describe the same utterance fragment.
type Key int64

// Time returns the absolute start time the key was derived from.
func (k Key) Time() time.Time {
	return time.UnixMilli(int64(k)).UTC()
}

// Segment is one timestamped utterance fragment.
//
// Start is the source-of-truth identity: segments that share an absolute
// start time are revisions of the same fragment. Segments delivered without
// an absolute start time cannot be keyed and are excluded from
// reconciliation.
type Segment struct {
	// Text is the utterance content. The reconciler stores it trimmed with
	// internal whitespace runs collapsed to a single space.
	Text string

	// Speaker is the attributed speaker name. Defaults to [DefaultSpeaker]
	// during normalization when empty.
	Speaker string

	// Start is the absolute wall-clock start of the fragment. A zero Start
	// means the source did not provide one.
	Start time.Time

	// End is the absolute wall-clock end of the fragment. May be zero.
	End time.Time

	// UpdatedAt is the revision timestamp assigned by the source. May be
	// zero for sources that do not version their segments.
	UpdatedAt time.Time

	// Language is the BCP-47 recognition language reported for this fragment.
	Language string

	// SessionUID identifies the server-side recognition session that
	// produced the fragment.
	SessionUID string
}

// Key derives the segment's identity key from its absolute start time.
// Returns ok=false when the segment has no absolute start time and therefore
// no identity.
func (s Segment) Key() (Key, bool) {
	if s.Start.IsZero() {
		return 0, false
	}
	return Key(s.Start.UnixMilli()), true
}

// Normalize returns a copy of s with Text trimmed and internal whitespace
// runs collapsed to a single space, and Speaker defaulted when empty.
func (s Segment) Normalize() Segment {
	s.Text = NormalizeText(s.Text)
	if s.Speaker == "" {
		s.Speaker = DefaultSpeaker
	}
	return s
}

// NormalizeText trims leading and trailing whitespace and collapses internal
// whitespace runs to a single space.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Block is a presentation grouping of consecutive same-speaker segments.
// Blocks are a projection computed from the current segment sequence; they
// hold no state of their own.
type Block struct {
	// Speaker is the shared speaker of all grouped segments.
	Speaker string

	// Text is the segment texts joined with a single space.
	Text string

	// Start is the first grouped segment's start time.
	Start time.Time

	// End is the last grouped segment's end time. May be zero when the last
	// segment carries no end time.
	End time.Time

	// Provisional reports whether any grouped segment is still subject to
	// revision by the source.
	Provisional bool

	// Keys lists the identity keys of the grouped segments in order.
	Keys []Key
}

// MeetingRef identifies a meeting across both the REST and streaming
// boundaries. The string form is "platform/nativeID" or
// "platform/nativeID/internalID"; the internal numeric ID is what goes on
// the wire in subscribe frames.
type MeetingRef struct {
	// Platform is the conferencing platform identifier (e.g. "google_meet").
	Platform string

	// NativeID is the platform's own meeting identifier.
	NativeID string

	// ID is the internal numeric meeting ID used by the event stream.
	// Zero means the ref carries no internal ID and cannot be subscribed.
	ID int64
}

// ParseMeetingRef parses "platform/nativeID" or "platform/nativeID/internalID".
func ParseMeetingRef(s string) (MeetingRef, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return MeetingRef{}, fmt.Errorf("meeting ref %q: want platform/nativeID[/internalID]", s)
	}
	ref := MeetingRef{Platform: parts[0], NativeID: parts[1]}
	if len(parts) >= 3 && parts[2] != "" {
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return MeetingRef{}, fmt.Errorf("meeting ref %q: internal ID: %w", s, err)
		}
		ref.ID = id
	}
	return ref, nil
}

// String renders the canonical string form of the ref.
func (m MeetingRef) String() string {
	if m.ID != 0 {
		return fmt.Sprintf("%s/%s/%d", m.Platform, m.NativeID, m.ID)
	}
	return m.Platform + "/" + m.NativeID
}

// Subscribable reports whether the ref carries the internal numeric ID the
// event stream requires for subscription.
func (m MeetingRef) Subscribable() bool {
	return m.ID != 0
}

// MeetingStatus is the server-reported lifecycle status of a meeting.
type MeetingStatus string

// Statuses observed from the transcription service.
const (
	StatusActive    MeetingStatus = "active"
	StatusConnected MeetingStatus = "connected"
	StatusCompleted MeetingStatus = "completed"
	StatusFailed    MeetingStatus = "failed"
	StatusError     MeetingStatus = "error"
	StatusStopped   MeetingStatus = "stopped"
)

// Live reports whether the status indicates an ongoing meeting with a
// healthy transcription feed.
func (s MeetingStatus) Live() bool {
	return s == StatusActive || s == StatusConnected
}

// Terminal reports whether the status indicates the meeting has permanently
// ended and no further transcript events will arrive.
func (s MeetingStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusStopped:
		return true
	}
	return false
}

// TranscriptPage is the result of a one-shot REST transcript fetch.
type TranscriptPage struct {
	// Segments is the historical segment batch, unordered as delivered.
	Segments []Segment

	// Status is the meeting status at fetch time.
	Status MeetingStatus

	// Language is the recognition language reported by the service.
	Language string
}
