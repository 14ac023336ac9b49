package ramutex

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type EventKind string

const (
	EventKindStart       EventKind = "start"
	EventKindGap         EventKind = "gap"
	EventKindRequest     EventKind = "request"
	EventKindWorkEnter   EventKind = "workEnter"
	EventKindWorkExit    EventKind = "workExit"
	EventKindCleanup     EventKind = "cleanup"
	EventKindFinish      EventKind = "finish"
	EventKindSendRequest EventKind = "sendRequest"
	EventKindSendReply   EventKind = "sendReply"
	EventKindRecvRequest EventKind = "recvRequest"
	EventKindRecvReply   EventKind = "recvReply"
	EventKindDefer       EventKind = "defer"
	EventKindAnomaly     EventKind = "anomaly"
)

type Event struct {
	Time    time.Time `json:"time"`
	RunId   string    `json:"runId"`
	Site    PeerID    `json:"site"`
	State   SiteState `json:"state"`
	TS      Timestamp `json:"ts"`
	Kind    EventKind `json:"kind"`
	Peer    PeerID    `json:"peer,omitempty"`
	Message string    `json:"message,omitempty"`
}

func (e Event) String() string {
	s := fmt.Sprintf("[%s] %s ts=%d %s", e.Site, e.State, e.TS, e.Kind)

	if e.Peer != "" {
		s += " peer=" + string(e.Peer)
	}

	if e.Message != "" {
		s += ": " + e.Message
	}

	return s
}

// EventSink receives the events produced by a site. Events are only used
// for auditing and debugging; they are never read back by the algorithm.
type EventSink interface {
	Record(Event)
}

type EventSinks []EventSink

func (sinks EventSinks) Record(e Event) {
	for _, sink := range sinks {
		sink.Record(e)
	}
}

type LoggerEventSink struct {
	Log Logger
}

func NewLoggerEventSink(logger Logger) *LoggerEventSink {
	return &LoggerEventSink{Log: logger}
}

func (s *LoggerEventSink) Record(e Event) {
	switch e.Kind {
	case EventKindAnomaly:
		s.Log.Error("%v", e)
	case EventKindSendRequest, EventKindSendReply, EventKindRecvRequest,
		EventKindRecvReply, EventKindDefer:
		s.Log.Debug(2, "%v", e)
	default:
		s.Log.Info("%v", e)
	}
}

// FileEventSink appends events as JSON lines to a file which can be shared
// by several sites.
type FileEventSink struct {
	Log Logger

	filePath string
	file     *os.File

	mu sync.Mutex
}

func NewFileEventSink(filePath string, logger Logger) *FileEventSink {
	return &FileEventSink{
		Log:      logger,
		filePath: filePath,
	}
}

func (s *FileEventSink) Open() error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	file, err := os.OpenFile(s.filePath, flags, 0644)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.filePath, err)
	}

	s.file = file

	return nil
}

func (s *FileEventSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func (s *FileEventSink) Record(e Event) {
	if err := s.write(e); err != nil {
		s.Log.Error("cannot record event: %v", err)
	}
}

func (s *FileEventSink) write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("%q is not open", s.filePath)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cannot encode event: %w", err)
	}

	data = append(data, '\n')

	// A single write call so that lines written by different processes are
	// not interleaved.
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("cannot write %q: %w", s.filePath, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
	}

	return nil
}

// TraceRecorder keeps all events in memory.
type TraceRecorder struct {
	events []Event
	mu     sync.Mutex
}

func NewTraceRecorder() *TraceRecorder {
	return &TraceRecorder{}
}

func (r *TraceRecorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *TraceRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]Event, len(r.events))
	copy(events, r.events)
	return events
}

func (r *TraceRecorder) Count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}

	return n
}

type WorkInterval struct {
	Site  PeerID
	Start time.Time
	End   time.Time
}

// WorkIntervals pairs workEnter and workExit events per site. An interval
// without exit has a zero end time.
func (r *TraceRecorder) WorkIntervals() []WorkInterval {
	var intervals []WorkInterval
	open := make(map[PeerID]int)

	for _, e := range r.Events() {
		switch e.Kind {
		case EventKindWorkEnter:
			open[e.Site] = len(intervals)
			intervals = append(intervals, WorkInterval{
				Site:  e.Site,
				Start: e.Time,
			})

		case EventKindWorkExit:
			if idx, found := open[e.Site]; found {
				intervals[idx].End = e.Time
				delete(open, e.Site)
			}
		}
	}

	return intervals
}

// CheckWorkIntervals returns an error if two sites were in the critical
// section at the same time according to the recorded trace. Since events
// are recorded in the order they happen, any workEnter event must be
// followed by the matching workExit before another workEnter.
func (r *TraceRecorder) CheckWorkIntervals() error {
	var holder PeerID

	for _, e := range r.Events() {
		switch e.Kind {
		case EventKindWorkEnter:
			if holder != "" {
				return fmt.Errorf("%s entered the critical section while "+
					"held by %s", e.Site, holder)
			}

			holder = e.Site

		case EventKindWorkExit:
			if holder != e.Site {
				return fmt.Errorf("%s left a critical section held by %q",
					e.Site, holder)
			}

			holder = ""
		}
	}

	return nil
}
