package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scribefeed/scribefeed/pkg/types"
)

// EventKind classifies an inbound server frame. The set is closed: any frame
// that fails to parse or carries an unrecognised type decodes to
// [KindUnknown] and is dropped by the consumer with a diagnostic.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindTranscriptMutable
	KindTranscriptFinalized
	KindMeetingStatus
	KindSubscribed
	KindPong
	KindError
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case KindTranscriptMutable:
		return "transcript.mutable"
	case KindTranscriptFinalized:
		return "transcript.finalized"
	case KindMeetingStatus:
		return "meeting.status"
	case KindSubscribed:
		return "subscribed"
	case KindPong:
		return "pong"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Event is one decoded server frame.
type Event struct {
	Kind EventKind

	// Meeting is the internal meeting ID the frame refers to. Zero when the
	// frame carries no meeting reference (pong, subscribed ack).
	Meeting int64

	// Segments holds the segment batch of a transcript event.
	Segments []types.Segment

	// Status is the payload of a meeting.status event.
	Status types.MeetingStatus

	// Meetings lists the acknowledged meeting IDs of a subscribed event.
	Meetings []int64

	// Message is the payload of an error event.
	Message string

	// Diagnostic describes why a frame decoded to [KindUnknown].
	Diagnostic string
}

// wireEvent is the envelope shared by all server frames.
type wireEvent struct {
	Type    string `json:"type"`
	Meeting struct {
		ID int64 `json:"id"`
	} `json:"meeting"`
	Payload json.RawMessage `json:"payload"`
	TS      string          `json:"ts"`
}

// wireSegment is a transcript segment as delivered on the wire. Mutable and
// finalized batches share the shape; finalized segments omit updated_at.
type wireSegment struct {
	Text          string  `json:"text"`
	Speaker       string  `json:"speaker"`
	Language      string  `json:"language"`
	SessionUID    string  `json:"session_uid"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	EndTime       float64 `json:"end_time"`
	AbsoluteStart string  `json:"absolute_start_time"`
	AbsoluteEnd   string  `json:"absolute_end_time"`
	UpdatedAt     string  `json:"updated_at"`
}

// Decode parses a raw inbound frame into an [Event]. It never fails: parse
// errors and unrecognised type fields produce a [KindUnknown] event whose
// Diagnostic explains the drop, so one malformed frame cannot terminate the
// connection or corrupt downstream state.
func Decode(data []byte) Event {
	var env wireEvent
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{Kind: KindUnknown, Diagnostic: fmt.Sprintf("parse frame: %v", err)}
	}

	ev := Event{Meeting: env.Meeting.ID}
	switch env.Type {
	case "transcript.mutable", "transcript.finalized":
		if env.Type == "transcript.mutable" {
			ev.Kind = KindTranscriptMutable
		} else {
			ev.Kind = KindTranscriptFinalized
		}
		var payload struct {
			Segments []wireSegment `json:"segments"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return Event{Kind: KindUnknown, Diagnostic: fmt.Sprintf("parse %s payload: %v", env.Type, err)}
		}
		ev.Segments = make([]types.Segment, 0, len(payload.Segments))
		for _, ws := range payload.Segments {
			ev.Segments = append(ev.Segments, ws.segment())
		}
	case "meeting.status":
		var payload struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return Event{Kind: KindUnknown, Diagnostic: fmt.Sprintf("parse meeting.status payload: %v", err)}
		}
		ev.Kind = KindMeetingStatus
		ev.Status = types.MeetingStatus(payload.Status)
	case "subscribed":
		var payload struct {
			Meetings []int64 `json:"meetings"`
		}
		// The ack payload is informational; a malformed one still confirms
		// the subscription.
		_ = json.Unmarshal(env.Payload, &payload)
		ev.Kind = KindSubscribed
		ev.Meetings = payload.Meetings
	case "pong":
		ev.Kind = KindPong
	case "error":
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(env.Payload, &payload)
		ev.Kind = KindError
		ev.Message = payload.Error
	default:
		return Event{Kind: KindUnknown, Diagnostic: fmt.Sprintf("unrecognised frame type %q", env.Type)}
	}
	return ev
}

// segment converts a wire segment to the shared segment type. Timestamps the
// server omits or mangles come through as zero values; the reconciler decides
// what to do with unkeyable segments.
// The relative start/end offsets on the wire are deliberately ignored:
// identity and ordering derive from the absolute clock only.
func (ws wireSegment) segment() types.Segment {
	return types.Segment{
		Text:       ws.Text,
		Speaker:    ws.Speaker,
		Language:   ws.Language,
		SessionUID: ws.SessionUID,
		Start:      parseTime(ws.AbsoluteStart),
		End:        parseTime(ws.AbsoluteEnd),
		UpdatedAt:  parseTime(ws.UpdatedAt),
	}
}

// parseTime parses an RFC 3339 timestamp, returning the zero time for empty
// or malformed input.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
