package ramutex

import (
	"math/rand"
	"testing"
	"time"
)

type nullLogger struct{}

func (nullLogger) Debug(int, string, ...interface{}) {}
func (nullLogger) Info(string, ...interface{})       {}
func (nullLogger) Error(string, ...interface{})      {}

type manualTimer struct {
	Delay time.Duration
	Kind  TimerKind
}

// manualScheduler records armed timers; tests fire them explicitly.
type manualScheduler struct {
	timers []manualTimer
}

func (s *manualScheduler) After(delay time.Duration, kind TimerKind) {
	s.timers = append(s.timers, manualTimer{Delay: delay, Kind: kind})
}

func (s *manualScheduler) next(t *testing.T) manualTimer {
	t.Helper()

	if len(s.timers) == 0 {
		t.Fatalf("no timer armed")
	}

	timer := s.timers[0]
	s.timers = s.timers[1:]

	return timer
}

type sentMsg struct {
	To  PeerID
	Msg Msg
}

type recordingSender struct {
	msgs []sentMsg
}

func (s *recordingSender) Send(to PeerID, msg Msg) {
	s.msgs = append(s.msgs, sentMsg{To: to, Msg: msg})
}

func (s *recordingSender) reset() {
	s.msgs = nil
}

func (s *recordingSender) count(msgType MsgType) int {
	n := 0
	for _, msg := range s.msgs {
		if msg.Msg.GetType() == msgType {
			n++
		}
	}

	return n
}

type testSite struct {
	*Site

	sender    *recordingSender
	scheduler *manualScheduler
	trace     *TraceRecorder
	monitor   *SafetyMonitor
	nbFinish  int
}

func newTestSite(t *testing.T, self PeerID, ids ...PeerID) *testSite {
	t.Helper()

	ts := &testSite{
		sender:    &recordingSender{},
		scheduler: &manualScheduler{},
		trace:     NewTraceRecorder(),
		monitor:   NewSafetyMonitor(""),
	}

	site, err := NewSite(SiteCfg{
		Membership: NewMembership(self, ids),

		Sender:    ts.sender,
		Scheduler: ts.scheduler,
		Events:    ts.trace,
		Monitor:   ts.monitor,

		Logger: nullLogger{},

		Rand: rand.New(rand.NewSource(1)),

		OnFinish: func() { ts.nbFinish++ },
	})
	if err != nil {
		t.Fatalf("cannot create site: %v", err)
	}

	ts.Site = site

	return ts
}

// fire removes the oldest armed timer, checks its kind and triggers it.
func (ts *testSite) fire(t *testing.T, kind TimerKind) {
	t.Helper()

	timer := ts.scheduler.next(t)
	if timer.Kind != kind {
		t.Fatalf("next timer is %q, expected %q", timer.Kind, kind)
	}

	ts.OnTimer(timer.Kind)
}

func (ts *testSite) assertState(t *testing.T, state SiteState) {
	t.Helper()

	if ts.State() != state {
		t.Fatalf("site %s is in state %q, expected %q", ts.Id, ts.State(),
			state)
	}
}

func assertPanics(t *testing.T, fn func()) {
	t.Helper()

	defer func() {
		if value := recover(); value == nil {
			t.Errorf("function did not panic")
		}
	}()

	fn()
}
