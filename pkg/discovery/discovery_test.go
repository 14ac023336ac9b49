package discovery

import (
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/galdor/go-ramutex/pkg/ramutex"
)

type nullLogger struct{}

func (nullLogger) Debug(int, string, ...interface{}) {}
func (nullLogger) Info(string, ...interface{})       {}
func (nullLogger) Error(string, ...interface{})      {}

func TestStatic(t *testing.T) {
	d, err := NewStaticFromIds([]ramutex.PeerID{"localhost:9001",
		"localhost:9002"})
	if err != nil {
		t.Fatalf("cannot create discovery: %v", err)
	}

	var calls [][]ramutex.Node

	if err := d.Start(func(nodes []ramutex.Node) {
		calls = append(calls, nodes)
	}); err != nil {
		t.Fatalf("cannot start discovery: %v", err)
	}
	defer d.Stop()

	expected := [][]ramutex.Node{{
		{Host: "localhost", Port: 9001},
		{Host: "localhost", Port: 9002},
	}}

	if !reflect.DeepEqual(calls, expected) {
		t.Errorf("nodes are %v, expected %v", calls, expected)
	}

	if _, err := NewStaticFromIds([]ramutex.PeerID{"localhost"}); err == nil {
		t.Errorf("invalid peer id accepted")
	}
}

func TestUDPAdvertisements(t *testing.T) {
	self := ramutex.Node{Host: "10.0.0.1", Port: 8001}

	d, err := NewUDP(UDPCfg{
		Self:                  self,
		AdvertisementInterval: time.Second,
		Logger:                nullLogger{},
	})
	if err != nil {
		t.Fatalf("cannot create discovery: %v", err)
	}

	if d.Cfg.NodeTimeout != 5*time.Second {
		t.Errorf("node timeout is %v", d.Cfg.NodeTimeout)
	}

	now := time.Now()

	added, err := d.handleAdvertisement(
		[]byte(`{"host":"10.0.0.2","port":8002}`), now)
	if err != nil || !added {
		t.Fatalf("advertisement not handled (%v, %v)", added, err)
	}

	added, err = d.handleAdvertisement(
		[]byte(`{"host":"10.0.0.2","port":8002}`), now.Add(3*time.Second))
	if err != nil || added {
		t.Errorf("known node added again (%v, %v)", added, err)
	}

	added, err = d.handleAdvertisement(
		[]byte(`{"host":"10.0.0.1","port":8001}`), now)
	if err != nil || added {
		t.Errorf("local node added (%v, %v)", added, err)
	}

	invalid := []string{`{`, `{"host":"10.0.0.3"}`, `{"port":8003}`,
		`{"host":"10.0.0.3","port":70000}`}
	for _, data := range invalid {
		if _, err := d.handleAdvertisement([]byte(data), now); err == nil {
			t.Errorf("invalid advertisement %q accepted", data)
		}
	}

	expected := []ramutex.Node{self, {Host: "10.0.0.2", Port: 8002}}
	if nodes := d.Nodes(); !reflect.DeepEqual(nodes, expected) {
		t.Errorf("nodes are %v, expected %v", nodes, expected)
	}

	if d.expire(now.Add(6 * time.Second)) {
		t.Errorf("node expired too early")
	}

	if !d.expire(now.Add(9 * time.Second)) {
		t.Errorf("node did not expire")
	}

	if nodes := d.Nodes(); !reflect.DeepEqual(nodes, []ramutex.Node{self}) {
		t.Errorf("nodes are %v after expiration", nodes)
	}
}

func TestUDPInvalidCfg(t *testing.T) {
	if _, err := NewUDP(UDPCfg{Logger: nullLogger{}}); err == nil {
		t.Errorf("discovery created without local node")
	}

	_, err := NewUDP(UDPCfg{
		Self:    ramutex.Node{Host: "10.0.0.1", Port: 8001},
		Address: "not an address",
		Logger:  nullLogger{},
	})
	if err == nil {
		t.Errorf("discovery created with an invalid address")
	}
}

func TestUDPStopAfterFailedStart(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("cannot listen: %v", err)
	}
	defer conn.Close()

	d, err := NewUDP(UDPCfg{
		Self:    ramutex.Node{Host: "127.0.0.1", Port: 8001},
		Address: conn.LocalAddr().String(),
		Logger:  nullLogger{},
	})
	if err != nil {
		t.Fatalf("cannot create discovery: %v", err)
	}

	if err := d.Start(func([]ramutex.Node) {}); err == nil {
		t.Fatalf("discovery started on an address already in use")
	}

	d.Stop()

	d, err = NewUDP(UDPCfg{
		Self:   ramutex.Node{Host: "127.0.0.1", Port: 8001},
		Logger: nullLogger{},
	})
	if err != nil {
		t.Fatalf("cannot create discovery: %v", err)
	}

	d.Stop()
}
