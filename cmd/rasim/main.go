package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-ramutex/pkg/ramutex"
)

func main() {
	p := program.NewProgram("rasim",
		"run Ricart-Agrawala sites in a simulated network")

	p.AddOption("n", "sites", "count", "3", "the number of sites")
	p.AddOption("c", "cycles", "count", "3",
		"the number of critical section entries per site")

	p.AddOption("", "min-gap", "ms", "100",
		"the minimum delay before requesting the critical section")
	p.AddOption("", "max-gap", "ms", "2000",
		"the maximum delay before requesting the critical section")
	p.AddOption("", "min-work", "ms", "1000",
		"the minimum time spent in the critical section")
	p.AddOption("", "max-work", "ms", "5000",
		"the maximum time spent in the critical section")
	p.AddOption("", "cleanup", "ms", "2000",
		"the grace period before a site stops")

	p.AddOption("", "min-network-delay", "ms", "0",
		"the minimum delivery delay of a message")
	p.AddOption("", "max-network-delay", "ms", "50",
		"the maximum delivery delay of a message")

	p.AddOption("", "seed", "value", "0",
		"the seed of random generators (0 for a random seed)")
	p.AddOption("", "marker", "path", "",
		"a file materializing the critical section")
	p.AddOption("", "event-log", "path", "",
		"a file to append events to")

	p.SetMain(cmdMain)

	p.ParseCommandLine()
	p.Run()
}

func cmdMain(p *program.Program) {
	logger := log.DefaultLogger("rasim")

	cfg := ramutex.SimulationCfg{
		Logger: logger,
		SiteLogger: func(id ramutex.PeerID) ramutex.Logger {
			return logger.Child("site", log.Data{"site": string(id)})
		},

		NbSites:  intOption(p, "sites"),
		NbCycles: intOption(p, "cycles"),

		MinGapDelay:        msOption(p, "min-gap"),
		MaxGapDelay:        msOption(p, "max-gap"),
		MinWorkDuration:    msOption(p, "min-work"),
		MaxWorkDuration:    msOption(p, "max-work"),
		CleanupGracePeriod: msOption(p, "cleanup"),

		MinNetworkDelay: msOption(p, "min-network-delay"),
		MaxNetworkDelay: msOption(p, "max-network-delay"),

		MarkerPath: p.OptionValue("marker"),

		Seed: int64(intOption(p, "seed")),
	}

	if filePath := p.OptionValue("event-log"); filePath != "" {
		sink := ramutex.NewFileEventSink(filePath, logger)
		if err := sink.Open(); err != nil {
			p.Fatal("cannot open event log: %v", err)
		}
		defer sink.Close()

		cfg.Events = sink
	}

	sim, err := ramutex.NewSimulation(cfg)
	if err != nil {
		p.Fatal("cannot create simulation: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := sim.Run(ctx)
	if err != nil {
		p.Fatal("simulation failed: %v", err)
	}

	for _, interval := range report.WorkIntervals {
		logger.Info("%s worked from %s to %s (%v)", interval.Site,
			interval.Start.Format(time.StampMilli),
			interval.End.Format(time.StampMilli),
			interval.End.Sub(interval.Start))
	}

	logger.Info("%d sites, %d critical section entries, %d requests, "+
		"%d replies, %d anomalies", len(report.Sites),
		len(report.WorkIntervals), report.NbRequests, report.NbReplies,
		report.NbAnomalies)
}

func intOption(p *program.Program, name string) int {
	value := p.OptionValue(name)

	i, err := strconv.Atoi(value)
	if err != nil {
		p.Fatal("invalid value %q for option %q: %v", value, name, err)
	}

	return i
}

func msOption(p *program.Program, name string) time.Duration {
	return time.Duration(intOption(p, name)) * time.Millisecond
}
