package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"id":"m1","text":"  hello  "}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.Type != TypeClientMessage || msg.ID != "m1" || msg.Text != "hello" {
		t.Fatalf("ParseClientMessage() = %+v", msg)
	}

	msg, err = ParseClientMessage([]byte(`{"type":"message","text":"hi"}`))
	if err != nil || msg.Text != "hi" {
		t.Fatalf("ParseClientMessage(typed) = %+v, %v", msg, err)
	}
}

func TestParseClientMessageRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{name: "empty text", raw: `{"text":"   "}`, want: ErrEmptyText},
		{name: "unknown type", raw: `{"type":"client_audio_chunk","text":"x"}`, want: ErrUnsupportedType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Fatalf("ParseClientMessage() error = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("ParseClientMessage(garbage) error = nil")
	}
}

func TestScheduledFrameShape(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 5, 0, 0, time.FixedZone("CET", 3600))
	raw, err := json.Marshal(NewScheduled(7, "⏰ stretch", at))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "scheduled" || got["job_id"] != float64(7) {
		t.Fatalf("scheduled frame = %v", got)
	}
	if got["created_at"] != "2026-03-02T08:05:00Z" {
		t.Fatalf("created_at = %v, want UTC", got["created_at"])
	}
}
