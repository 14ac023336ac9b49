package main

import (
	"slices"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
)

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

var Transports = []string{TransportHTTP, TransportGRPC}

const (
	DiscoveryStatic = "static"
	DiscoveryUDP    = "udp"
)

var DiscoveryModes = []string{DiscoveryStatic, DiscoveryUDP}

// All durations are expressed in milliseconds.
type SiteCfg struct {
	LocalAddress string `json:"localAddress,omitempty"`
	APIAddress   string `json:"apiAddress,omitempty"`

	Transport string       `json:"transport"`
	Discovery DiscoveryCfg `json:"discovery"`

	NbCycles int `json:"nbCycles"`

	MinGapDelay        int `json:"minGapDelay"`
	MaxGapDelay        int `json:"maxGapDelay"`
	MinWorkDuration    int `json:"minWorkDuration"`
	MaxWorkDuration    int `json:"maxWorkDuration"`
	CleanupGracePeriod int `json:"cleanupGracePeriod"`

	EventLogPath string `json:"eventLogPath,omitempty"`
	MarkerPath   string `json:"markerPath,omitempty"`
}

type DiscoveryCfg struct {
	Mode string `json:"mode"`

	// Static discovery
	Peers []string `json:"peers,omitempty"`

	// UDP discovery
	Address               string `json:"address,omitempty"`
	AdvertisementInterval int    `json:"advertisementInterval,omitempty"`

	SettlingDelay int `json:"settlingDelay"`
}

func DefaultSiteCfg() SiteCfg {
	return SiteCfg{
		Transport: TransportHTTP,

		Discovery: DiscoveryCfg{
			Mode:                  DiscoveryUDP,
			AdvertisementInterval: 1000,
			SettlingDelay:         10_000,
		},

		NbCycles: 3,

		MinGapDelay:        100,
		MaxGapDelay:        2000,
		MinWorkDuration:    1000,
		MaxWorkDuration:    5000,
		CleanupGracePeriod: 2000,

		EventLogPath: "log.txt",
	}
}

func (cfg *SiteCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.Check("transport", slices.Contains(Transports, cfg.Transport),
		"invalidValue", "value must be one of %v", Transports)

	v.CheckObject("discovery", &cfg.Discovery)

	v.CheckIntMin("nbCycles", cfg.NbCycles, 1)

	v.CheckIntMin("minGapDelay", cfg.MinGapDelay, 0)
	v.CheckIntMin("maxGapDelay", cfg.MaxGapDelay, cfg.MinGapDelay)
	v.CheckIntMin("minWorkDuration", cfg.MinWorkDuration, 0)
	v.CheckIntMin("maxWorkDuration", cfg.MaxWorkDuration, cfg.MinWorkDuration)
	v.CheckIntMin("cleanupGracePeriod", cfg.CleanupGracePeriod, 0)
}

func (cfg *DiscoveryCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.Check("mode", slices.Contains(DiscoveryModes, cfg.Mode),
		"invalidValue", "value must be one of %v", DiscoveryModes)

	if cfg.Mode == DiscoveryUDP {
		v.CheckIntMin("advertisementInterval", cfg.AdvertisementInterval, 1)
	}

	v.WithChild("peers", func() {
		for i, peer := range cfg.Peers {
			v.CheckStringNotEmpty(i, peer)
		}
	})

	v.CheckIntMin("settlingDelay", cfg.SettlingDelay, 0)
}

func Milliseconds(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
