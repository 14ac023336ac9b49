package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/galdor/go-ramutex/pkg/ramutex"
)

const DefaultUDPAddress = "239.255.42.99:12345"

type UDPCfg struct {
	Self ramutex.Node

	// Either a multicast group or a unicast address.
	Address string

	AdvertisementInterval time.Duration

	// Nodes which have not advertised themselves for this duration are
	// removed.
	NodeTimeout time.Duration

	Logger ramutex.Logger
}

type Advertisement struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// UDP discovers nodes by periodically sending an advertisement to a UDP
// address and listening for the advertisements of other nodes.
type UDP struct {
	Cfg UDPCfg
	Log ramutex.Logger

	addr *net.UDPAddr

	listenConn *net.UDPConn
	sendConn   net.PacketConn

	nodes    map[ramutex.PeerID]ramutex.Node
	lastSeen map[ramutex.PeerID]time.Time
	nodesMu  sync.Mutex

	changeFunc ChangeFunc

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewUDP(cfg UDPCfg) (*UDP, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Self.Host == "" || cfg.Self.Port == 0 {
		return nil, fmt.Errorf("missing or invalid local node")
	}

	if cfg.Address == "" {
		cfg.Address = DefaultUDPAddress
	}

	if cfg.AdvertisementInterval == 0 {
		cfg.AdvertisementInterval = time.Second
	}

	if cfg.NodeTimeout == 0 {
		cfg.NodeTimeout = 5 * cfg.AdvertisementInterval
	}

	addr, err := net.ResolveUDPAddr("udp4", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", cfg.Address, err)
	}

	d := &UDP{
		Cfg: cfg,
		Log: cfg.Logger,

		addr: addr,

		nodes:    make(map[ramutex.PeerID]ramutex.Node),
		lastSeen: make(map[ramutex.PeerID]time.Time),

		stopChan: make(chan struct{}),
	}

	return d, nil
}

func (d *UDP) Start(fn ChangeFunc) error {
	d.changeFunc = fn

	var listenConn *net.UDPConn
	var err error

	if d.addr.IP.IsMulticast() {
		listenConn, err = net.ListenMulticastUDP("udp4", nil, d.addr)
	} else {
		listenConn, err = net.ListenUDP("udp4", d.addr)
	}

	if err != nil {
		return fmt.Errorf("cannot listen on %v: %w", d.addr, err)
	}

	sendConn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		listenConn.Close()
		return fmt.Errorf("cannot create udp socket: %w", err)
	}

	d.listenConn = listenConn
	d.sendConn = sendConn

	d.Log.Info("advertising %s on %v", d.Cfg.Self.PeerID(), d.addr)

	d.emit()

	d.wg.Add(2)
	go d.receive()
	go d.advertise()

	return nil
}

func (d *UDP) Stop() {
	close(d.stopChan)

	if d.listenConn == nil {
		// Never started, or failed to start
		return
	}

	d.listenConn.Close()
	d.sendConn.Close()

	d.wg.Wait()
}

// Nodes returns the list of known nodes, the local one included.
func (d *UDP) Nodes() []ramutex.Node {
	d.nodesMu.Lock()
	defer d.nodesMu.Unlock()

	nodes := []ramutex.Node{d.Cfg.Self}
	for _, node := range d.nodes {
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].PeerID() < nodes[j].PeerID()
	})

	return nodes
}

func (d *UDP) advertise() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.Cfg.AdvertisementInterval)
	defer ticker.Stop()

	d.sendAdvertisement()

	for {
		select {
		case <-d.stopChan:
			return

		case now := <-ticker.C:
			d.sendAdvertisement()

			if d.expire(now) {
				d.emit()
			}
		}
	}
}

func (d *UDP) sendAdvertisement() {
	data, err := json.Marshal(Advertisement{
		Host: d.Cfg.Self.Host,
		Port: d.Cfg.Self.Port,
	})
	if err != nil {
		d.Log.Error("cannot encode advertisement: %v", err)
		return
	}

	if _, err := d.sendConn.WriteTo(data, d.addr); err != nil {
		d.Log.Error("cannot send advertisement to %v: %v", d.addr, err)
	}
}

func (d *UDP) receive() {
	defer d.wg.Done()

	buf := make([]byte, 65536)

	for {
		n, from, err := d.listenConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			d.Log.Error("cannot read advertisement: %v", err)
			continue
		}

		added, err := d.handleAdvertisement(buf[:n], time.Now())
		if err != nil {
			d.Log.Error("invalid advertisement from %v: %v", from, err)
			continue
		}

		if added {
			d.emit()
		}
	}
}

func (d *UDP) handleAdvertisement(data []byte, now time.Time) (bool, error) {
	var ad Advertisement
	if err := json.Unmarshal(data, &ad); err != nil {
		return false, err
	}

	if ad.Host == "" || ad.Port <= 0 || ad.Port > 65535 {
		return false, fmt.Errorf("invalid node address")
	}

	node := ramutex.Node{Host: ad.Host, Port: ad.Port}
	id := node.PeerID()

	if id == d.Cfg.Self.PeerID() {
		return false, nil
	}

	d.nodesMu.Lock()
	defer d.nodesMu.Unlock()

	_, known := d.nodes[id]

	d.nodes[id] = node
	d.lastSeen[id] = now

	if !known {
		d.Log.Info("node %s added", id)
	}

	return !known, nil
}

func (d *UDP) expire(now time.Time) bool {
	d.nodesMu.Lock()
	defer d.nodesMu.Unlock()

	removed := false

	for id, lastSeen := range d.lastSeen {
		if now.Sub(lastSeen) > d.Cfg.NodeTimeout {
			d.Log.Info("node %s removed", id)

			delete(d.nodes, id)
			delete(d.lastSeen, id)

			removed = true
		}
	}

	return removed
}

func (d *UDP) emit() {
	if d.changeFunc != nil {
		d.changeFunc(d.Nodes())
	}
}
