package ramutex

import (
	"fmt"
	"sync"
	"time"
)

type RunnerCfg struct {
	Site SiteCfg

	Transport Transport

	NbCycles int
}

// Runner runs a site in its own goroutine. Timer expirations, incoming
// messages and status queries are all processed by this goroutine, one at a
// time, in the order they arrive.
type Runner struct {
	Cfg RunnerCfg
	Log Logger

	Id PeerID

	site      *Site
	transport Transport

	// A site never has two timers of the same kind armed at the same time.
	timers   map[TimerKind]*time.Timer
	timersMu sync.Mutex

	timerChan  chan TimerKind
	msgChan    chan IncomingMsg
	statusChan chan chan SiteStatus

	doneChan  chan struct{}
	errorChan chan<- error
	stopChan  chan struct{}
	quitChan  chan struct{}
	wg        sync.WaitGroup
}

type runnerScheduler struct {
	runner *Runner
}

func (s runnerScheduler) After(delay time.Duration, kind TimerKind) {
	s.runner.armTimer(delay, kind)
}

func NewRunner(cfg RunnerCfg) (*Runner, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	if cfg.NbCycles < 1 {
		return nil, fmt.Errorf("invalid number of cycles %d", cfg.NbCycles)
	}

	r := &Runner{
		Cfg: cfg,
		Log: cfg.Site.Logger,

		transport: cfg.Transport,

		timers: make(map[TimerKind]*time.Timer),

		timerChan:  make(chan TimerKind),
		msgChan:    make(chan IncomingMsg),
		statusChan: make(chan chan SiteStatus),

		doneChan: make(chan struct{}),
		stopChan: make(chan struct{}),
		quitChan: make(chan struct{}),
	}

	siteCfg := cfg.Site
	siteCfg.Sender = cfg.Transport
	siteCfg.Scheduler = runnerScheduler{runner: r}
	siteCfg.OnFinish = func() { close(r.doneChan) }

	site, err := NewSite(siteCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create site: %w", err)
	}

	r.site = site
	r.Id = site.Id

	return r, nil
}

func (r *Runner) Start(errorChan chan<- error) error {
	r.Log.Debug(1, "starting")

	r.errorChan = errorChan

	if err := r.transport.Start(r.deliver); err != nil {
		return fmt.Errorf("cannot start transport: %w", err)
	}

	r.wg.Add(1)
	go r.main()

	r.Log.Debug(1, "started")

	return nil
}

func (r *Runner) Stop() {
	r.Log.Debug(1, "stopping")

	close(r.stopChan)
	r.wg.Wait()

	r.Log.Debug(1, "stopped")
}

// Done returns a channel which is closed once the site has run all its
// cycles and the cleanup grace period is over.
func (r *Runner) Done() <-chan struct{} {
	return r.doneChan
}

func (r *Runner) Status() (SiteStatus, bool) {
	resChan := make(chan SiteStatus, 1)

	select {
	case r.statusChan <- resChan:
	case <-r.quitChan:
		return SiteStatus{}, false
	}

	select {
	case status := <-resChan:
		return status, true
	case <-r.quitChan:
		return SiteStatus{}, false
	}
}

func (r *Runner) main() {
	defer r.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			r.Log.Error("panic: %s\n%s", msg, trace)

			r.reportError(fmt.Errorf("panic: %s", msg))
			r.shutdown()
		}
	}()

	if err := r.site.BeginSimulation(r.Cfg.NbCycles); err != nil {
		r.reportError(fmt.Errorf("cannot begin simulation: %w", err))
		r.shutdown()
		return
	}

	for {
		select {
		case <-r.stopChan:
			r.shutdown()
			return

		case kind := <-r.timerChan:
			r.site.OnTimer(kind)

		case incomingMsg := <-r.msgChan:
			r.site.OnMessage(incomingMsg.SourceId, incomingMsg.Msg)

		case resChan := <-r.statusChan:
			resChan <- r.site.Status()
		}
	}
}

func (r *Runner) shutdown() {
	r.Log.Debug(1, "shutting down")

	close(r.quitChan)

	r.timersMu.Lock()
	for kind, timer := range r.timers {
		timer.Stop()
		delete(r.timers, kind)
	}
	r.timersMu.Unlock()

	r.transport.Stop()

	// Do not leave the critical section marked as held if we are stopped
	// while working.
	if holder, held := r.site.monitor.Holder(); held && holder == r.Id {
		r.site.monitor.Release(r.Id)
	}
}

func (r *Runner) reportError(err error) {
	if r.errorChan == nil {
		return
	}

	select {
	case r.errorChan <- err:
	case <-r.stopChan:
	}
}

func (r *Runner) deliver(msg IncomingMsg) {
	select {
	case r.msgChan <- msg:
	case <-r.quitChan:
	}
}

func (r *Runner) armTimer(delay time.Duration, kind TimerKind) {
	r.Log.Debug(2, "%s timer will expire in %v", kind, delay)

	r.timersMu.Lock()
	defer r.timersMu.Unlock()

	if previous, found := r.timers[kind]; found {
		previous.Stop()
	}

	var timer *time.Timer

	timer = time.AfterFunc(delay, func() {
		r.timersMu.Lock()
		if r.timers[kind] == timer {
			delete(r.timers, kind)
		}
		r.timersMu.Unlock()

		select {
		case r.timerChan <- kind:
		case <-r.quitChan:
		}
	})

	r.timers[kind] = timer
}
