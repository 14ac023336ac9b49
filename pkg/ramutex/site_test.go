package ramutex

import (
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func TestSiteHasPriority(t *testing.T) {
	site := newTestSite(t, "B", "A", "C")

	// Outside of the request and work phases, a site never has priority
	if site.HasPriority(100, "Z") {
		t.Errorf("site has priority in state %v", site.State())
	}

	site.clock.ObservedTS = 4

	if err := site.BeginSimulation(1); err != nil {
		t.Fatal(err)
	}

	if site.HasPriority(100, "Z") {
		t.Errorf("site has priority in state %v", site.State())
	}

	site.fire(t, TimerGap)
	site.assertState(t, SiteStateRequest)

	if site.Clock().TS != 5 {
		t.Fatalf("request timestamp is %d, expected 5", site.Clock().TS)
	}

	tests := []struct {
		senderTS    Timestamp
		senderPID   PeerID
		hasPriority bool
	}{
		{5, "A", false},
		{5, "C", true},
		{4, "A", false},
		{4, "C", false},
		{6, "A", true},
		{6, "C", true},
	}

	for _, test := range tests {
		hasPriority := site.HasPriority(test.senderTS, test.senderPID)
		if hasPriority != test.hasPriority {
			t.Errorf("priority against (%d, %s) is %v, expected %v",
				test.senderTS, test.senderPID, hasPriority, test.hasPriority)
		}
	}
}

func TestSiteSimultaneousRequests(t *testing.T) {
	a := newTestSite(t, "A", "B")
	b := newTestSite(t, "B", "A")

	for _, site := range []*testSite{a, b} {
		if err := site.BeginSimulation(1); err != nil {
			t.Fatal(err)
		}

		site.fire(t, TimerGap)
		site.assertState(t, SiteStateRequest)
	}

	reqA := a.sender.msgs[0].Msg
	reqB := b.sender.msgs[0].Msg

	if reqA.GetSenderTS() != 1 || reqB.GetSenderTS() != 1 {
		t.Fatalf("unexpected requests %v and %v", reqA, reqB)
	}

	a.sender.reset()
	b.sender.reset()

	a.OnMessage("B", reqB)
	b.OnMessage("A", reqA)

	// (1, A) < (1, B): A defers B, B replies to A
	if len(a.sender.msgs) != 0 {
		t.Errorf("A sent %v", a.sender.msgs)
	}

	if !reflect.DeepEqual(a.deferred.Peers(), []PeerID{"B"}) {
		t.Errorf("A deferred %v", a.deferred.Peers())
	}

	if len(b.sender.msgs) != 1 || b.sender.msgs[0].To != "A" ||
		b.sender.msgs[0].Msg.GetType() != MsgTypeReply {
		t.Fatalf("B sent %v", b.sender.msgs)
	}

	a.OnMessage("B", b.sender.msgs[0].Msg)
	a.assertState(t, SiteStateWork)
	b.assertState(t, SiteStateRequest)

	a.fire(t, TimerWork)
	a.assertState(t, SiteStateCleanup)

	if len(a.sender.msgs) != 1 || a.sender.msgs[0].To != "B" {
		t.Fatalf("A sent %v", a.sender.msgs)
	}

	b.OnMessage("A", a.sender.msgs[0].Msg)
	b.assertState(t, SiteStateWork)
}

func TestSiteSingleNode(t *testing.T) {
	site := newTestSite(t, "A")

	if err := site.BeginSimulation(2); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		site.assertState(t, SiteStateGap)

		site.fire(t, TimerGap)
		site.assertState(t, SiteStateWork)

		if holder, held := site.monitor.Holder(); !held || holder != "A" {
			t.Fatalf("safety monitor not held during work")
		}

		site.fire(t, TimerWork)
	}

	site.assertState(t, SiteStateCleanup)

	site.fire(t, TimerCleanup)

	if !site.Finished() || site.nbFinish != 1 {
		t.Errorf("site did not finish")
	}

	if len(site.sender.msgs) != 0 {
		t.Errorf("single site sent messages %v", site.sender.msgs)
	}

	if n := site.trace.Count(EventKindWorkEnter); n != 2 {
		t.Errorf("site entered the critical section %d times, expected 2",
			n)
	}
}

func TestSiteRequestBroadcast(t *testing.T) {
	site := newTestSite(t, "B", "A", "C", "D")

	if err := site.BeginSimulation(1); err != nil {
		t.Fatal(err)
	}

	site.fire(t, TimerGap)
	site.assertState(t, SiteStateRequest)

	var recipients []PeerID
	for _, msg := range site.sender.msgs {
		req, ok := msg.Msg.(*RequestMsg)
		if !ok {
			t.Fatalf("unexpected message %v", msg.Msg)
		}

		if req.SenderTS != 1 || req.SenderPID != "B" {
			t.Errorf("unexpected request %v", req)
		}

		recipients = append(recipients, msg.To)
	}

	if !reflect.DeepEqual(recipients, []PeerID{"A", "C", "D"}) {
		t.Errorf("requests sent to %v", recipients)
	}

	if site.Status().PendingReplies != 3 {
		t.Errorf("%d pending replies, expected 3",
			site.Status().PendingReplies)
	}

	site.OnMessage("A", &ReplyMsg{SenderTS: 0, SenderPID: "A"})
	site.OnMessage("D", &ReplyMsg{SenderTS: 4, SenderPID: "D"})
	site.assertState(t, SiteStateRequest)

	site.OnMessage("C", &ReplyMsg{SenderTS: 2, SenderPID: "C"})
	site.assertState(t, SiteStateWork)

	if site.Clock().ObservedTS != 4 {
		t.Errorf("observed timestamp is %d, expected 4",
			site.Clock().ObservedTS)
	}
}

func TestSiteDeferredDrain(t *testing.T) {
	site := newTestSite(t, "A", "B", "C", "D")

	if err := site.BeginSimulation(2); err != nil {
		t.Fatal(err)
	}

	site.fire(t, TimerGap)
	site.sender.reset()

	site.OnMessage("B", &RequestMsg{SenderTS: 2, SenderPID: "B"})
	site.OnMessage("C", &RequestMsg{SenderTS: 1, SenderPID: "C"})

	if len(site.sender.msgs) != 0 {
		t.Fatalf("site sent %v", site.sender.msgs)
	}

	site.OnMessage("B", &ReplyMsg{SenderTS: 1, SenderPID: "B"})
	site.OnMessage("C", &ReplyMsg{SenderTS: 1, SenderPID: "C"})
	site.OnMessage("D", &ReplyMsg{SenderTS: 1, SenderPID: "D"})
	site.assertState(t, SiteStateWork)

	site.OnMessage("D", &RequestMsg{SenderTS: 3, SenderPID: "D"})

	if len(site.sender.msgs) != 0 {
		t.Fatalf("site sent %v", site.sender.msgs)
	}

	if !reflect.DeepEqual(site.deferred.Peers(), []PeerID{"B", "C", "D"}) {
		t.Fatalf("deferred peers are %v", site.deferred.Peers())
	}

	site.fire(t, TimerWork)
	site.assertState(t, SiteStateGap)

	if site.deferred.Len() != 0 {
		t.Errorf("deferred queue not empty after leave")
	}

	if _, held := site.monitor.Holder(); held {
		t.Errorf("safety monitor still held after leave")
	}

	expected := []sentMsg{
		{"B", &ReplyMsg{SenderTS: 1, SenderPID: "A"}},
		{"C", &ReplyMsg{SenderTS: 1, SenderPID: "A"}},
		{"D", &ReplyMsg{SenderTS: 1, SenderPID: "A"}},
	}

	if !reflect.DeepEqual(site.sender.msgs, expected) {
		t.Errorf("site sent %v, expected %v", site.sender.msgs, expected)
	}

	// The next request is stamped after the highest timestamp observed
	site.sender.reset()
	site.fire(t, TimerGap)

	if site.Clock().TS != 4 {
		t.Errorf("request timestamp is %d, expected 4", site.Clock().TS)
	}

	if site.sender.count(MsgTypeRequest) != 3 {
		t.Errorf("site sent %v", site.sender.msgs)
	}
}

func TestSiteRequestInGap(t *testing.T) {
	site := newTestSite(t, "A", "B")

	site.OnMessage("B", &RequestMsg{SenderTS: 9, SenderPID: "B"})

	expected := []sentMsg{{"B", &ReplyMsg{SenderTS: 0, SenderPID: "A"}}}
	if !reflect.DeepEqual(site.sender.msgs, expected) {
		t.Errorf("site sent %v, expected %v", site.sender.msgs, expected)
	}

	if site.Clock().ObservedTS != 9 {
		t.Errorf("observed timestamp is %d, expected 9",
			site.Clock().ObservedTS)
	}

	if err := site.BeginSimulation(1); err != nil {
		t.Fatal(err)
	}

	site.sender.reset()
	site.OnMessage("B", &RequestMsg{SenderTS: 10, SenderPID: "B"})

	if site.sender.count(MsgTypeReply) != 1 {
		t.Errorf("site sent %v", site.sender.msgs)
	}

	site.fire(t, TimerGap)

	if site.Clock().TS != 11 {
		t.Errorf("request timestamp is %d, expected 11", site.Clock().TS)
	}
}

func TestSiteUnexpectedReply(t *testing.T) {
	site := newTestSite(t, "A", "B")

	if err := site.BeginSimulation(1); err != nil {
		t.Fatal(err)
	}

	site.OnMessage("B", &ReplyMsg{SenderTS: 3, SenderPID: "B"})
	site.assertState(t, SiteStateGap)

	if n := site.trace.Count(EventKindAnomaly); n != 1 {
		t.Errorf("%d anomalies recorded, expected 1", n)
	}

	if site.Clock().ObservedTS != 3 {
		t.Errorf("observed timestamp is %d, expected 3",
			site.Clock().ObservedTS)
	}

	// The pending reply count is reset when entering the request phase
	site.fire(t, TimerGap)
	site.assertState(t, SiteStateRequest)

	site.OnMessage("B", &ReplyMsg{SenderTS: 4, SenderPID: "B"})
	site.assertState(t, SiteStateWork)
}

func TestSiteDuplicateRequest(t *testing.T) {
	site := newTestSite(t, "A", "B")

	if err := site.BeginSimulation(1); err != nil {
		t.Fatal(err)
	}

	site.fire(t, TimerGap)
	site.sender.reset()

	site.OnMessage("B", &RequestMsg{SenderTS: 2, SenderPID: "B"})
	site.OnMessage("B", &RequestMsg{SenderTS: 2, SenderPID: "B"})

	if site.deferred.Len() != 1 {
		t.Errorf("%d deferred peers, expected 1", site.deferred.Len())
	}

	if n := site.trace.Count(EventKindAnomaly); n != 1 {
		t.Errorf("%d anomalies recorded, expected 1", n)
	}

	site.OnMessage("B", &ReplyMsg{SenderTS: 2, SenderPID: "B"})
	site.fire(t, TimerWork)

	if site.sender.count(MsgTypeReply) != 1 {
		t.Errorf("site sent %v", site.sender.msgs)
	}
}

func TestSiteUnexpectedTimer(t *testing.T) {
	site := newTestSite(t, "A", "B")

	assertPanics(t, func() { site.OnTimer(TimerGap) })
	assertPanics(t, func() { site.OnTimer(TimerWork) })
	assertPanics(t, func() { site.OnTimer(TimerCleanup) })
}

func TestSiteBeginSimulation(t *testing.T) {
	site := newTestSite(t, "A", "B")

	if err := site.BeginSimulation(0); err == nil {
		t.Errorf("simulation started with 0 cycles")
	}

	if err := site.BeginSimulation(1); err != nil {
		t.Fatal(err)
	}

	if err := site.BeginSimulation(1); err == nil {
		t.Errorf("simulation started twice")
	}

	timer := site.scheduler.next(t)
	if timer.Kind != TimerGap {
		t.Fatalf("unexpected timer %v", timer)
	}

	if timer.Delay < site.Cfg.MinGapDelay || timer.Delay > site.Cfg.MaxGapDelay {
		t.Errorf("gap delay %v out of bounds", timer.Delay)
	}
}

func TestSiteZeroDurations(t *testing.T) {
	scheduler := &manualScheduler{}

	cfg := SiteCfg{
		Membership: NewMembership("A", nil),

		Sender:    &recordingSender{},
		Scheduler: scheduler,

		Logger: nullLogger{},

		Rand: rand.New(rand.NewSource(1)),

		MinGapDelay: 0,
		MaxGapDelay: 50 * time.Millisecond,
	}

	site, err := NewSite(cfg)
	if err != nil {
		t.Fatalf("cannot create site: %v", err)
	}

	if site.Cfg.MinWorkDuration != 0 || site.Cfg.MaxWorkDuration != 0 ||
		site.Cfg.CleanupGracePeriod != 0 {
		t.Fatalf("durations changed to %#v", site.Cfg)
	}

	if err := site.BeginSimulation(1); err != nil {
		t.Fatal(err)
	}

	timer := scheduler.next(t)
	if timer.Kind != TimerGap || timer.Delay > 50*time.Millisecond {
		t.Fatalf("unexpected timer %v", timer)
	}

	site.OnTimer(TimerGap)

	for _, kind := range []TimerKind{TimerWork, TimerCleanup} {
		timer := scheduler.next(t)
		if timer.Kind != kind || timer.Delay != 0 {
			t.Fatalf("unexpected timer %v, expected %v with no delay",
				timer, kind)
		}

		site.OnTimer(timer.Kind)
	}

	if !site.Finished() {
		t.Errorf("site did not finish")
	}

	cfg.CleanupGracePeriod = -time.Millisecond
	if _, err := NewSite(cfg); err == nil {
		t.Errorf("site created with a negative grace period")
	}
}
