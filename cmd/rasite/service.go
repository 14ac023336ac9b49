package main

import (
	"fmt"
	"net"
	"sync"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-ramutex/pkg/discovery"
	"github.com/galdor/go-ramutex/pkg/ramutex"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Site    SiteCfg            `json:"site"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	id ramutex.PeerID

	eventSink      *ramutex.FileEventSink
	events         ramutex.EventSinks
	monitor        *ramutex.SafetyMonitor
	transport      ramutex.Transport
	discovery      discovery.Discovery
	membershipLock *ramutex.MembershipLock
	apiServer      *APIServer

	runner   *ramutex.Runner
	runnerMu sync.Mutex

	stopChan     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("site", &cfg.Site)
}

func NewService() *Service {
	return &Service{
		Cfg: ServiceCfg{
			Site: DefaultSiteCfg(),
		},

		stopChan: make(chan struct{}),
	}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("address", "the host:port address identifying the site")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	return jsonvalidator.Validate(&s.Cfg)
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	if s.Cfg.Site.APIAddress != "" {
		if cfg.HTTPServers == nil {
			cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
		}

		cfg.HTTPServers["api"] = &shttp.ServerCfg{
			Address:               s.Cfg.Site.APIAddress,
			LogSuccessfulRequests: true,
			ErrorHandler:          shttp.JSONErrorHandler,
		}
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	// The address may already be set when the service is not started from
	// the command line.
	if s.id == "" {
		s.id = ramutex.PeerID(s.Service.Program.ArgumentValue("address"))
	}

	if _, err := ramutex.ParsePeerID(s.id); err != nil {
		return fmt.Errorf("invalid site address %q: %w", s.id, err)
	}

	if err := s.initEvents(); err != nil {
		return err
	}

	s.monitor = ramutex.NewSafetyMonitor(s.Cfg.Site.MarkerPath)

	if err := s.initTransport(); err != nil {
		return err
	}

	if err := s.initDiscovery(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) siteLogger(domain string) *log.Logger {
	return s.Log.Child(domain, log.Data{
		"site": string(s.id),
	})
}

func (s *Service) initEvents() error {
	s.events = ramutex.EventSinks{
		ramutex.NewLoggerEventSink(s.siteLogger("events")),
	}

	if filePath := s.Cfg.Site.EventLogPath; filePath != "" {
		sink := ramutex.NewFileEventSink(filePath, s.siteLogger("events"))

		if err := sink.Open(); err != nil {
			return fmt.Errorf("cannot open event log: %w", err)
		}

		s.eventSink = sink
		s.events = append(s.events, sink)
	}

	return nil
}

func (s *Service) initTransport() error {
	logger := s.siteLogger("transport")

	switch s.Cfg.Site.Transport {
	case TransportHTTP:
		transport, err := ramutex.NewHTTPTransport(ramutex.HTTPTransportCfg{
			Id:           s.id,
			LocalAddress: s.Cfg.Site.LocalAddress,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("cannot create http transport: %w", err)
		}

		s.transport = transport

	case TransportGRPC:
		transport, err := ramutex.NewGRPCTransport(ramutex.GRPCTransportCfg{
			Id:           s.id,
			LocalAddress: s.Cfg.Site.LocalAddress,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("cannot create grpc transport: %w", err)
		}

		s.transport = transport

	default:
		return fmt.Errorf("unknown transport %q", s.Cfg.Site.Transport)
	}

	return nil
}

func (s *Service) initDiscovery() error {
	cfg := s.Cfg.Site.Discovery
	logger := s.siteLogger("discovery")

	s.membershipLock = ramutex.NewMembershipLock(s.id, logger)

	switch cfg.Mode {
	case DiscoveryStatic:
		ids := make([]ramutex.PeerID, 0, len(cfg.Peers)+1)
		ids = append(ids, s.id)
		for _, peer := range cfg.Peers {
			ids = append(ids, ramutex.PeerID(peer))
		}

		d, err := discovery.NewStaticFromIds(ids)
		if err != nil {
			return fmt.Errorf("invalid peer list: %w", err)
		}

		s.discovery = d

	case DiscoveryUDP:
		self, err := ramutex.ParsePeerID(s.id)
		if err != nil {
			return fmt.Errorf("invalid site address: %w", err)
		}

		d, err := discovery.NewUDP(discovery.UDPCfg{
			Self:                  self,
			Address:               cfg.Address,
			AdvertisementInterval: Milliseconds(cfg.AdvertisementInterval),
			Logger:                logger,
		})
		if err != nil {
			return fmt.Errorf("cannot create udp discovery: %w", err)
		}

		s.discovery = d

	default:
		return fmt.Errorf("unknown discovery mode %q", cfg.Mode)
	}

	return nil
}

func (s *Service) initAPIServer() error {
	if s.Cfg.Site.APIAddress == "" {
		return nil
	}

	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	// Listen as soon as possible so that requests sent by sites which
	// locked their membership before us are queued instead of rejected.
	if l, ok := s.transport.(interface{ Listen() (net.Addr, error) }); ok {
		if _, err := l.Listen(); err != nil {
			return fmt.Errorf("cannot listen: %w", err)
		}
	}

	if err := s.discovery.Start(s.membershipLock.OnChange); err != nil {
		return fmt.Errorf("cannot start discovery: %w", err)
	}

	if s.apiServer != nil {
		if err := s.apiServer.Init(); err != nil {
			return fmt.Errorf("cannot initialize api server: %w", err)
		}
	}

	s.wg.Add(1)
	go s.run(ss.ErrorChan())

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	close(s.stopChan)
	s.wg.Wait()

	s.shutdown()
}

func (s *Service) Terminate(ss *service.Service) {
	if s.eventSink != nil {
		s.eventSink.Close()
	}
}

func (s *Service) shutdown() {
	s.shutdownOnce.Do(s.doShutdown)
}

func (s *Service) doShutdown() {
	s.discovery.Stop()

	s.runnerMu.Lock()
	runner := s.runner
	s.runnerMu.Unlock()

	if runner != nil {
		runner.Stop()
	}

	if err := s.monitor.Close(); err != nil {
		s.Log.Error("cannot close safety monitor: %v", err)
	}
}

func (s *Service) run(errorChan chan<- error) {
	defer s.wg.Done()

	settlingDelay := Milliseconds(s.Cfg.Site.Discovery.SettlingDelay)
	s.Log.Info("discovering sites for %v", settlingDelay)

	select {
	case <-s.stopChan:
		return
	case <-time.After(settlingDelay):
	}

	membership := s.membershipLock.Lock()

	s.Log.Info("discovery complete and locked, %d sites", membership.Len())
	for i, id := range membership.Peers() {
		s.Log.Info("  [%d] %s", i, id)
	}

	if err := s.startRunner(membership, errorChan); err != nil {
		errorChan <- err
		return
	}

	select {
	case <-s.stopChan:
		return

	case <-s.runner.Done():
		s.Log.Info("testing complete")

		// Stop blocks until the service has terminated, which includes
		// waiting for this goroutine.
		go s.Service.Stop()
	}
}

func (s *Service) startRunner(membership *ramutex.Membership, errorChan chan<- error) error {
	cfg := s.Cfg.Site

	runnerCfg := ramutex.RunnerCfg{
		Site: ramutex.SiteCfg{
			Membership: membership,

			Events:  s.events,
			Monitor: s.monitor,

			Logger: s.siteLogger("site"),

			MinGapDelay:        Milliseconds(cfg.MinGapDelay),
			MaxGapDelay:        Milliseconds(cfg.MaxGapDelay),
			MinWorkDuration:    Milliseconds(cfg.MinWorkDuration),
			MaxWorkDuration:    Milliseconds(cfg.MaxWorkDuration),
			CleanupGracePeriod: Milliseconds(cfg.CleanupGracePeriod),
		},

		Transport: s.transport,

		NbCycles: cfg.NbCycles,
	}

	runner, err := ramutex.NewRunner(runnerCfg)
	if err != nil {
		return fmt.Errorf("cannot create runner: %w", err)
	}

	if err := runner.Start(errorChan); err != nil {
		return fmt.Errorf("cannot start runner: %w", err)
	}

	s.runnerMu.Lock()
	s.runner = runner
	s.runnerMu.Unlock()

	return nil
}

func (s *Service) Status() ramutex.SiteStatus {
	s.runnerMu.Lock()
	runner := s.runner
	s.runnerMu.Unlock()

	if runner != nil {
		if status, ok := runner.Status(); ok {
			return status
		}
	}

	status := ramutex.SiteStatus{
		Id:    s.id,
		State: ramutex.SiteStateInit,
	}

	if s.membershipLock.Locked() {
		status.Peers = s.membershipLock.Lock().Peers()
	}

	return status
}
