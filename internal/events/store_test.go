package events

import (
	"fmt"
	"testing"
	"time"

	"botsentry/internal/model"
)

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	s := NewStore(10)
	ev := s.Record(model.SecurityEvent{EventType: "bot_detected", IP: "1.2.3.4"})
	if ev.ID == "" {
		t.Fatalf("expected generated id")
	}
	if ev.Timestamp.IsZero() {
		t.Fatalf("expected generated timestamp")
	}
}

func TestRingEvictsOldest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Record(model.SecurityEvent{EventType: fmt.Sprintf("ev%d", i), IP: "1.2.3.4"})
	}
	list := s.List(0)
	if len(list) != 3 {
		t.Fatalf("expected 3 events, got %d", len(list))
	}
	if list[0].EventType != "ev2" || list[2].EventType != "ev4" {
		t.Fatalf("unexpected ring contents: %s..%s", list[0].EventType, list[2].EventType)
	}
}

func TestListLimit(t *testing.T) {
	s := NewStore(10)
	for i := 0; i < 5; i++ {
		s.Record(model.SecurityEvent{EventType: "x", IP: "1.2.3.4"})
	}
	if got := len(s.List(2)); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestSince(t *testing.T) {
	s := NewStore(10)
	s.Record(model.SecurityEvent{EventType: "old", IP: "1.2.3.4", Timestamp: time.Now().Add(-time.Hour)})
	s.Record(model.SecurityEvent{EventType: "new", IP: "1.2.3.4"})
	got := s.Since(time.Now().Add(-time.Minute))
	if len(got) != 1 || got[0].EventType != "new" {
		t.Fatalf("unexpected since result: %+v", got)
	}
}
