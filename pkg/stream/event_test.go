package stream

import (
	"testing"
	"time"

	"github.com/scribefeed/scribefeed/pkg/types"
)

func TestDecode_TranscriptMutable(t *testing.T) {
	raw := []byte(`{
		"type": "transcript.mutable",
		"meeting": {"id": 42},
		"payload": {"segments": [
			{
				"text": "  hello   world ",
				"speaker": "Alice",
				"language": "en",
				"session_uid": "sess-1",
				"start": 12.5,
				"absolute_start_time": "2025-06-01T12:00:00.500Z",
				"absolute_end_time": "2025-06-01T12:00:02Z",
				"updated_at": "2025-06-01T12:00:03Z"
			}
		]},
		"ts": "2025-06-01T12:00:03Z"
	}`)

	ev := Decode(raw)
	if ev.Kind != KindTranscriptMutable {
		t.Fatalf("kind = %v, want transcript.mutable", ev.Kind)
	}
	if ev.Meeting != 42 {
		t.Errorf("meeting = %d, want 42", ev.Meeting)
	}
	if len(ev.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(ev.Segments))
	}
	seg := ev.Segments[0]
	if seg.Text != "  hello   world " {
		t.Errorf("decoder must not normalize text, got %q", seg.Text)
	}
	if seg.Speaker != "Alice" || seg.Language != "en" || seg.SessionUID != "sess-1" {
		t.Errorf("unexpected segment metadata: %+v", seg)
	}
	wantStart := time.Date(2025, 6, 1, 12, 0, 0, 500_000_000, time.UTC)
	if !seg.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", seg.Start, wantStart)
	}
	if seg.End.IsZero() || seg.UpdatedAt.IsZero() {
		t.Errorf("end/updated_at should be parsed: %+v", seg)
	}
}

func TestDecode_TranscriptFinalized(t *testing.T) {
	raw := []byte(`{
		"type": "transcript.finalized",
		"meeting": {"id": 7},
		"payload": {"segments": [
			{"text": "done", "start": 1.0, "end": 2.0, "absolute_start_time": "2025-06-01T12:00:01Z"}
		]}
	}`)

	ev := Decode(raw)
	if ev.Kind != KindTranscriptFinalized {
		t.Fatalf("kind = %v, want transcript.finalized", ev.Kind)
	}
	if len(ev.Segments) != 1 || ev.Segments[0].Text != "done" {
		t.Fatalf("unexpected segments: %+v", ev.Segments)
	}
	if !ev.Segments[0].UpdatedAt.IsZero() {
		t.Error("finalized segment without updated_at must decode with zero UpdatedAt")
	}
}

func TestDecode_MissingAbsoluteStart(t *testing.T) {
	// Segments without an absolute clock decode fine; the zero Start is what
	// excludes them downstream.
	raw := []byte(`{
		"type": "transcript.mutable",
		"meeting": {"id": 1},
		"payload": {"segments": [{"text": "orphan", "start": 3.5}]}
	}`)

	ev := Decode(raw)
	if ev.Kind != KindTranscriptMutable {
		t.Fatalf("kind = %v", ev.Kind)
	}
	if !ev.Segments[0].Start.IsZero() {
		t.Error("segment without absolute_start_time must have zero Start")
	}
	if _, ok := ev.Segments[0].Key(); ok {
		t.Error("segment without absolute start must not be keyable")
	}
}

func TestDecode_MeetingStatus(t *testing.T) {
	ev := Decode([]byte(`{"type":"meeting.status","meeting":{"id":5},"payload":{"status":"completed"}}`))
	if ev.Kind != KindMeetingStatus {
		t.Fatalf("kind = %v", ev.Kind)
	}
	if ev.Status != types.StatusCompleted {
		t.Errorf("status = %q, want completed", ev.Status)
	}
}

func TestDecode_Subscribed(t *testing.T) {
	ev := Decode([]byte(`{"type":"subscribed","payload":{"meetings":[1,2,3]}}`))
	if ev.Kind != KindSubscribed {
		t.Fatalf("kind = %v", ev.Kind)
	}
	if len(ev.Meetings) != 3 || ev.Meetings[2] != 3 {
		t.Errorf("meetings = %v", ev.Meetings)
	}
}

func TestDecode_Pong(t *testing.T) {
	if ev := Decode([]byte(`{"type":"pong"}`)); ev.Kind != KindPong {
		t.Errorf("kind = %v, want pong", ev.Kind)
	}
}

func TestDecode_Error(t *testing.T) {
	ev := Decode([]byte(`{"type":"error","payload":{"error":"subscription limit"}}`))
	if ev.Kind != KindError || ev.Message != "subscription limit" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{not json`},
		{"unknown type", `{"type":"transcript.v2","payload":{}}`},
		{"empty", ``},
		{"wrong payload shape", `{"type":"transcript.mutable","payload":{"segments":"nope"}}`},
		{"bad status payload", `{"type":"meeting.status","payload":[1,2]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := Decode([]byte(tc.raw))
			if ev.Kind != KindUnknown {
				t.Errorf("kind = %v, want unknown", ev.Kind)
			}
			if ev.Diagnostic == "" {
				t.Error("unknown events must carry a diagnostic")
			}
		})
	}
}

func TestDecode_BadTimestampsDegradeToZero(t *testing.T) {
	raw := []byte(`{
		"type": "transcript.finalized",
		"payload": {"segments": [{"text": "x", "absolute_start_time": "yesterday-ish"}]}
	}`)
	ev := Decode(raw)
	if ev.Kind != KindTranscriptFinalized {
		t.Fatalf("kind = %v", ev.Kind)
	}
	if !ev.Segments[0].Start.IsZero() {
		t.Error("malformed timestamp must parse to zero, not fail the frame")
	}
}
