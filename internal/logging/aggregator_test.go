package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestAggregatorFlushCounts(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)

	agg.Record(CompSession, "output_chunk", slog.String("session_id", "a"))
	agg.Record(CompSession, "output_chunk", slog.String("session_id", "a"))
	agg.Record(CompSession, "output_chunk", slog.String("session_id", "a"))
	agg.Record(CompRouter, "viewer_dropped")

	if got := agg.Pending(CompSession, "output_chunk"); got != 3 {
		t.Fatalf("expected 3 pending, got %d", got)
	}

	agg.Flush()

	var records []map[string]any
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		var r map[string]any
		if err := json.Unmarshal(line, &r); err == nil {
			records = append(records, r)
		}
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 summary records, got %d", len(records))
	}
	// Sorted by component: router before session.
	if records[0]["event"] != "viewer_dropped" {
		t.Errorf("expected viewer_dropped first, got %v", records[0]["event"])
	}
	if records[1]["count"] != float64(3) || records[1]["session_id"] != "a" {
		t.Errorf("unexpected output_chunk summary: %v", records[1])
	}
	if agg.Pending(CompSession, "output_chunk") != 0 {
		t.Error("flush should reset counters")
	}
}

func TestAggregatorNilLogger(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Start()

	// Should not panic
	agg.Record(CompPTY, "test_event")

	time.Sleep(1200 * time.Millisecond)
	agg.Stop()
}

func TestAggregatorStopFlushes(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)
	agg.Start()

	agg.Record(CompStatus, "state_change")
	agg.Stop()

	if !containsMsg(buf.Bytes(), "event_summary") {
		t.Fatalf("expected final flush on Stop, got %q", buf.String())
	}
}
