package ramutex

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

type SimulationCfg struct {
	Logger Logger

	// Optional; returns the logger used by a site. Logger is used for all
	// sites by default.
	SiteLogger func(PeerID) Logger

	NbSites  int
	NbCycles int

	MinGapDelay        time.Duration
	MaxGapDelay        time.Duration
	MinWorkDuration    time.Duration
	MaxWorkDuration    time.Duration
	CleanupGracePeriod time.Duration

	MinNetworkDelay time.Duration
	MaxNetworkDelay time.Duration

	// Optional; the marker file used by the safety monitor shared by all
	// sites.
	MarkerPath string

	// Optional; receives all events in addition to the trace of the
	// simulation.
	Events EventSink

	Seed int64
}

type SimulationReport struct {
	Sites []PeerID

	Statuses      []SiteStatus
	WorkIntervals []WorkInterval
	Events        []Event

	NbRequests  int
	NbReplies   int
	NbAnomalies int

	Duration time.Duration
}

// Simulation runs several sites in the same process, connected by a
// MemNetwork and sharing a single safety monitor, so that any overlap of two
// critical sections is detected.
type Simulation struct {
	Cfg SimulationCfg
	Log Logger

	network  *MemNetwork
	monitor  *SafetyMonitor
	recorder *TraceRecorder
	runners  []*Runner
}

func SimulationSiteId(i int) PeerID {
	return PeerID(fmt.Sprintf("site-%02d", i+1))
}

func NewSimulation(cfg SimulationCfg) (*Simulation, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.NbSites < 1 {
		return nil, fmt.Errorf("invalid number of sites %d", cfg.NbSites)
	}

	if cfg.NbCycles < 1 {
		return nil, fmt.Errorf("invalid number of cycles %d", cfg.NbCycles)
	}

	if cfg.SiteLogger == nil {
		cfg.SiteLogger = func(PeerID) Logger { return cfg.Logger }
	}

	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	s := &Simulation{
		Cfg: cfg,
		Log: cfg.Logger,

		monitor:  NewSafetyMonitor(cfg.MarkerPath),
		recorder: NewTraceRecorder(),
	}

	s.network = NewMemNetwork(MemNetworkCfg{
		Logger:   cfg.Logger,
		MinDelay: cfg.MinNetworkDelay,
		MaxDelay: cfg.MaxNetworkDelay,
		Rand:     rand.New(rand.NewSource(cfg.Seed)),
	})

	ids := make([]PeerID, cfg.NbSites)
	for i := range ids {
		ids[i] = SimulationSiteId(i)
	}

	var events EventSink = s.recorder
	if cfg.Events != nil {
		events = EventSinks{s.recorder, cfg.Events}
	}

	for i, id := range ids {
		runnerCfg := RunnerCfg{
			Site: SiteCfg{
				Membership: NewMembership(id, ids),

				Events:  events,
				Monitor: s.monitor,

				Logger: cfg.SiteLogger(id),

				Rand: rand.New(rand.NewSource(cfg.Seed + int64(i) + 1)),

				MinGapDelay:        cfg.MinGapDelay,
				MaxGapDelay:        cfg.MaxGapDelay,
				MinWorkDuration:    cfg.MinWorkDuration,
				MaxWorkDuration:    cfg.MaxWorkDuration,
				CleanupGracePeriod: cfg.CleanupGracePeriod,
			},

			Transport: s.network.Transport(id),

			NbCycles: cfg.NbCycles,
		}

		runner, err := NewRunner(runnerCfg)
		if err != nil {
			return nil, fmt.Errorf("cannot create runner for %s: %w", id, err)
		}

		s.runners = append(s.runners, runner)
	}

	return s, nil
}

// Run starts all sites and waits for all of them to finish, for a site to
// fail or for the context to be canceled.
func (s *Simulation) Run(ctx context.Context) (*SimulationReport, error) {
	start := time.Now()

	s.Log.Info("running %d cycles on %d sites (seed %d)",
		s.Cfg.NbCycles, s.Cfg.NbSites, s.Cfg.Seed)

	errorChan := make(chan error, len(s.runners))

	var started []*Runner
	stopRunners := func() {
		for _, runner := range started {
			runner.Stop()
		}

		s.network.Wait()
	}

	for _, runner := range s.runners {
		if err := runner.Start(errorChan); err != nil {
			stopRunners()
			return nil, fmt.Errorf("cannot start runner for %s: %w",
				runner.Id, err)
		}

		started = append(started, runner)
	}

	report := SimulationReport{}

	for _, runner := range s.runners {
		select {
		case <-runner.Done():
		case err := <-errorChan:
			stopRunners()
			return nil, err
		case <-ctx.Done():
			stopRunners()
			return nil, ctx.Err()
		}
	}

	for _, runner := range s.runners {
		report.Sites = append(report.Sites, runner.Id)

		if status, ok := runner.Status(); ok {
			report.Statuses = append(report.Statuses, status)
		}
	}

	stopRunners()

	report.WorkIntervals = s.recorder.WorkIntervals()
	report.Events = s.recorder.Events()

	report.NbRequests = s.network.Count(MsgTypeRequest)
	report.NbReplies = s.network.Count(MsgTypeReply)
	report.NbAnomalies = s.recorder.Count(EventKindAnomaly)

	report.Duration = time.Since(start)

	if err := s.recorder.CheckWorkIntervals(); err != nil {
		return &report, err
	}

	s.Log.Info("simulation done in %v: %d requests, %d replies, "+
		"%d anomalies", report.Duration, report.NbRequests, report.NbReplies,
		report.NbAnomalies)

	return &report, nil
}
