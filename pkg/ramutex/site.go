package ramutex

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

type Sender interface {
	Send(PeerID, Msg)
}

type SiteCfg struct {
	Membership *Membership

	Sender    Sender
	Scheduler Scheduler
	Events    EventSink
	Monitor   *SafetyMonitor

	Logger Logger

	// Optional; a generator seeded with the current time is used by
	// default.
	Rand *rand.Rand

	// Delays and durations are used as they are; zero is a valid value.
	MinGapDelay        time.Duration
	MaxGapDelay        time.Duration
	MinWorkDuration    time.Duration
	MaxWorkDuration    time.Duration
	CleanupGracePeriod time.Duration

	// Called once the cleanup grace period is over.
	OnFinish func()
}

// Site is the state machine of a single participant of the Ricart-Agrawala
// algorithm. A site is not safe for concurrent use: timer expirations and
// incoming messages must be handled one at a time.
type Site struct {
	Cfg SiteCfg
	Log Logger

	Id    PeerID
	RunId string

	state SiteState
	clock Clock

	deferred       DeferredQueue
	pendingReplies int

	remainingCycles int
	finished        bool

	membership *Membership
	monitor    *SafetyMonitor
	events     EventSink

	randGenerator *rand.Rand
}

func NewSite(cfg SiteCfg) (*Site, error) {
	if cfg.Membership == nil {
		return nil, fmt.Errorf("missing membership")
	}

	if cfg.Sender == nil {
		return nil, fmt.Errorf("missing sender")
	}

	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("missing scheduler")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.MinGapDelay < 0 || cfg.MinWorkDuration < 0 ||
		cfg.CleanupGracePeriod < 0 {
		return nil, fmt.Errorf("negative delay or duration")
	}

	if cfg.MaxGapDelay < cfg.MinGapDelay {
		return nil, fmt.Errorf("maximum gap delay is lower than minimum " +
			"gap delay")
	}

	if cfg.MaxWorkDuration < cfg.MinWorkDuration {
		return nil, fmt.Errorf("maximum work duration is lower than " +
			"minimum work duration")
	}

	randGenerator := cfg.Rand
	if randGenerator == nil {
		randSource := rand.NewSource(time.Now().UnixNano())
		randGenerator = rand.New(randSource)
	}

	monitor := cfg.Monitor
	if monitor == nil {
		monitor = NewSafetyMonitor("")
	}

	events := cfg.Events
	if events == nil {
		events = EventSinks(nil)
	}

	s := &Site{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:    cfg.Membership.Self(),
		RunId: uuid.NewString(),

		state: SiteStateInit,

		membership: cfg.Membership,
		monitor:    monitor,
		events:     events,

		randGenerator: randGenerator,
	}

	return s, nil
}

func (s *Site) State() SiteState {
	return s.state
}

func (s *Site) Clock() Clock {
	return s.clock
}

func (s *Site) Finished() bool {
	return s.finished
}

func (s *Site) Status() SiteStatus {
	return SiteStatus{
		Id:              s.Id,
		RunId:           s.RunId,
		State:           s.state,
		TS:              s.clock.TS,
		ObservedTS:      s.clock.ObservedTS,
		PendingReplies:  s.pendingReplies,
		Deferred:        s.deferred.Peers(),
		RemainingCycles: s.remainingCycles,
		Peers:           s.membership.Peers(),
		Finished:        s.finished,
	}
}

// BeginSimulation starts the first of a series of request cycles.
func (s *Site) BeginSimulation(nbCycles int) error {
	if s.state != SiteStateInit {
		return fmt.Errorf("cannot begin simulation in state %v", s.state)
	}

	if nbCycles < 1 {
		return fmt.Errorf("invalid number of cycles %d", nbCycles)
	}

	s.remainingCycles = nbCycles

	s.record(EventKindStart, "", "%d cycles, %d sites", nbCycles,
		s.membership.Len())

	s.enterGap()

	return nil
}

func (s *Site) OnTimer(kind TimerKind) {
	switch kind {
	case TimerGap:
		if s.state != SiteStateGap {
			Panicf("unexpected gap timer activation in state %v", s.state)
		}

		s.enterRequest()

	case TimerWork:
		if s.state != SiteStateWork {
			Panicf("unexpected work timer activation in state %v", s.state)
		}

		s.leave()

	case TimerCleanup:
		if s.state != SiteStateCleanup {
			Panicf("unexpected cleanup timer activation in state %v", s.state)
		}

		s.finish()

	default:
		Panicf("unknown timer %q", kind)
	}
}

func (s *Site) OnMessage(sourceId PeerID, msg Msg) {
	s.Log.Debug(2, "received %v from %s", msg, sourceId)

	switch msgv := msg.(type) {
	case *RequestMsg:
		s.onRequest(msgv)
	case *ReplyMsg:
		s.onReply(msgv)
	default:
		s.record(EventKindAnomaly, sourceId, "unexpected message %v", msg)
	}
}

// HasPriority indicates whether the request of the local site must be
// served before a request stamped with senderTS by senderPID. Requests are
// totally ordered by (timestamp, site id); the lower pair wins.
func (s *Site) HasPriority(senderTS Timestamp, senderPID PeerID) bool {
	if s.state != SiteStateRequest && s.state != SiteStateWork {
		return false
	}

	if senderTS != s.clock.TS {
		return senderTS > s.clock.TS
	}

	return senderPID > s.Id
}

func (s *Site) onRequest(req *RequestMsg) {
	s.clock.Observe(req.SenderTS)

	s.record(EventKindRecvRequest, req.SenderPID, "senderTS %d",
		req.SenderTS)

	if !s.HasPriority(req.SenderTS, req.SenderPID) {
		s.sendReply(req.SenderPID)
		return
	}

	if !s.deferred.Push(req.SenderPID) {
		s.record(EventKindAnomaly, req.SenderPID,
			"duplicate request (senderTS %d) already deferred", req.SenderTS)
		return
	}

	s.record(EventKindDefer, req.SenderPID, "%d deferred replies",
		s.deferred.Len())
}

func (s *Site) onReply(res *ReplyMsg) {
	s.clock.Observe(res.SenderTS)

	s.pendingReplies--

	s.record(EventKindRecvReply, res.SenderPID, "senderTS %d, %d pending",
		res.SenderTS, s.pendingReplies)

	if s.state != SiteStateRequest {
		s.record(EventKindAnomaly, res.SenderPID,
			"unexpected reply (senderTS %d) in state %v", res.SenderTS,
			s.state)
		return
	}

	if s.pendingReplies <= 0 {
		s.enterWork()
	}
}

func (s *Site) enterGap() {
	s.state = SiteStateGap

	delay := RandomDuration(s.randGenerator,
		s.Cfg.MinGapDelay, s.Cfg.MaxGapDelay)

	s.record(EventKindGap, "", "requesting in %v", delay)

	s.Cfg.Scheduler.After(delay, TimerGap)
}

func (s *Site) enterRequest() {
	s.state = SiteStateRequest

	s.deferred.Clear()
	ts := s.clock.BeginRequest()

	s.pendingReplies = s.membership.Len() - 1

	s.record(EventKindRequest, "", "requesting with ts %d, %d replies "+
		"expected", ts, s.pendingReplies)

	if s.pendingReplies <= 0 {
		s.enterWork()
		return
	}

	s.broadcast(&RequestMsg{
		SenderTS:  ts,
		SenderPID: s.Id,
	})
}

func (s *Site) enterWork() {
	s.state = SiteStateWork

	s.monitor.Acquire(s.Id)

	duration := RandomDuration(s.randGenerator,
		s.Cfg.MinWorkDuration, s.Cfg.MaxWorkDuration)

	s.record(EventKindWorkEnter, "", "working for %v", duration)

	s.Cfg.Scheduler.After(duration, TimerWork)
}

func (s *Site) leave() {
	s.state = SiteStateLeave

	s.record(EventKindWorkExit, "", "%d deferred replies", s.deferred.Len())

	s.monitor.Release(s.Id)

	s.deferred.Drain(s.sendReply)

	s.remainingCycles--

	if s.remainingCycles > 0 {
		s.enterGap()
	} else {
		s.enterCleanup()
	}
}

func (s *Site) enterCleanup() {
	s.state = SiteStateCleanup

	s.record(EventKindCleanup, "", "all cycles done, stopping in %v",
		s.Cfg.CleanupGracePeriod)

	s.Cfg.Scheduler.After(s.Cfg.CleanupGracePeriod, TimerCleanup)
}

func (s *Site) finish() {
	if s.finished {
		return
	}

	s.finished = true

	s.record(EventKindFinish, "", "")

	if s.Cfg.OnFinish != nil {
		s.Cfg.OnFinish()
	}
}

func (s *Site) sendReply(id PeerID) {
	s.record(EventKindSendReply, id, "")

	s.Cfg.Sender.Send(id, &ReplyMsg{
		SenderTS:  s.clock.TS,
		SenderPID: s.Id,
	})
}

func (s *Site) broadcast(msg Msg) {
	for _, id := range s.membership.Others() {
		s.record(EventKindSendRequest, id, "%v", msg)
		s.Cfg.Sender.Send(id, msg)
	}
}

func (s *Site) record(kind EventKind, peer PeerID, format string, args ...interface{}) {
	s.events.Record(Event{
		Time:    time.Now(),
		RunId:   s.RunId,
		Site:    s.Id,
		State:   s.state,
		TS:      s.clock.TS,
		Kind:    kind,
		Peer:    peer,
		Message: fmt.Sprintf(format, args...),
	})
}
