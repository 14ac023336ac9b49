package ramutex

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileEventSink(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "log.txt")

	for i := 0; i < 2; i++ {
		sink := NewFileEventSink(filePath, nullLogger{})
		if err := sink.Open(); err != nil {
			t.Fatalf("cannot open sink: %v", err)
		}

		sink.Record(Event{
			Site:  "a:1",
			State: SiteStateWork,
			TS:    Timestamp(i + 1),
			Kind:  EventKindWorkEnter,
		})

		sink.Close()
	}

	file, err := os.Open(filePath)
	if err != nil {
		t.Fatalf("cannot open %q: %v", filePath, err)
	}
	defer file.Close()

	var events []Event

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("cannot decode event: %v", err)
		}

		events = append(events, e)
	}

	if len(events) != 2 {
		t.Fatalf("%d events read, expected 2", len(events))
	}

	if events[0].TS != 1 || events[1].TS != 2 {
		t.Errorf("unexpected events %v", events)
	}
}

func TestTraceRecorderWorkIntervals(t *testing.T) {
	now := time.Now()

	r := NewTraceRecorder()
	r.Record(Event{Time: now, Site: "a", Kind: EventKindWorkEnter})
	r.Record(Event{Time: now.Add(time.Second), Site: "a",
		Kind: EventKindWorkExit})
	r.Record(Event{Time: now.Add(2 * time.Second), Site: "b",
		Kind: EventKindWorkEnter})
	r.Record(Event{Time: now.Add(3 * time.Second), Site: "b",
		Kind: EventKindWorkExit})

	if err := r.CheckWorkIntervals(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	intervals := r.WorkIntervals()
	if len(intervals) != 2 {
		t.Fatalf("%d intervals, expected 2", len(intervals))
	}

	if intervals[1].Site != "b" || intervals[1].End.Sub(intervals[1].Start) != time.Second {
		t.Errorf("unexpected interval %v", intervals[1])
	}

	r.Record(Event{Site: "a", Kind: EventKindWorkEnter})
	r.Record(Event{Site: "c", Kind: EventKindWorkEnter})

	if err := r.CheckWorkIntervals(); err == nil {
		t.Errorf("overlapping critical sections not detected")
	}
}
