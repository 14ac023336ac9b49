package ramutex

import (
	"sort"
	"sync"
)

// Membership is the frozen list of sites taking part in the algorithm. It
// always contains the local site and is never modified once created.
type Membership struct {
	self  PeerID
	peers []PeerID
}

// Freeze builds a membership snapshot from a list of discovered nodes. Nodes
// are ordered by port then by host; duplicates are dropped. The result only
// depends on the set of nodes, not on the order of the list.
func Freeze(self PeerID, nodes []Node) *Membership {
	sorted := make([]Node, 0, len(nodes)+1)
	seen := make(map[PeerID]struct{})

	for _, node := range nodes {
		id := node.PeerID()
		if _, found := seen[id]; found {
			continue
		}

		seen[id] = struct{}{}
		sorted = append(sorted, node)
	}

	_, selfFound := seen[self]
	if !selfFound {
		if node, err := ParsePeerID(self); err == nil && node.PeerID() == self {
			sorted = append(sorted, node)
			selfFound = true
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Port != sorted[j].Port {
			return sorted[i].Port < sorted[j].Port
		}

		return sorted[i].Host < sorted[j].Host
	})

	peers := make([]PeerID, 0, len(sorted)+1)
	for _, node := range sorted {
		peers = append(peers, node.PeerID())
	}

	if !selfFound {
		// Not a host:port address, the local site is added as it is
		peers = append(peers, self)
	}

	return &Membership{
		self:  self,
		peers: peers,
	}
}

// NewMembership creates a membership from a list of site identifiers,
// sorting them lexically.
func NewMembership(self PeerID, ids []PeerID) *Membership {
	set := make(map[PeerID]struct{}, len(ids)+1)
	set[self] = struct{}{}

	for _, id := range ids {
		set[id] = struct{}{}
	}

	peers := make([]PeerID, 0, len(set))
	for id := range set {
		peers = append(peers, id)
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i] < peers[j]
	})

	return &Membership{
		self:  self,
		peers: peers,
	}
}

func (m *Membership) Self() PeerID {
	return m.self
}

func (m *Membership) Len() int {
	return len(m.peers)
}

func (m *Membership) Peers() []PeerID {
	peers := make([]PeerID, len(m.peers))
	copy(peers, m.peers)
	return peers
}

// Others returns all sites except the local one.
func (m *Membership) Others() []PeerID {
	others := make([]PeerID, 0, len(m.peers))

	for _, id := range m.peers {
		if id != m.self {
			others = append(others, id)
		}
	}

	return others
}

func (m *Membership) Contains(id PeerID) bool {
	for _, peer := range m.peers {
		if peer == id {
			return true
		}
	}

	return false
}

// MembershipLock collects node lists emitted by a discovery mechanism until
// it is locked. Once locked, the membership is frozen and any further change
// is ignored.
type MembershipLock struct {
	Log Logger

	self       PeerID
	nodes      []Node
	membership *Membership

	mu sync.Mutex
}

func NewMembershipLock(self PeerID, logger Logger) *MembershipLock {
	return &MembershipLock{
		Log:  logger,
		self: self,
	}
}

func (l *MembershipLock) OnChange(nodes []Node) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.membership != nil {
		l.Log.Info("ignoring membership change (%d nodes): membership is "+
			"locked", len(nodes))
		return
	}

	l.nodes = append(l.nodes[:0], nodes...)

	l.Log.Debug(1, "membership changed: %d nodes", len(nodes))
}

func (l *MembershipLock) Lock() *Membership {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.membership == nil {
		l.membership = Freeze(l.self, l.nodes)
	}

	return l.membership
}

func (l *MembershipLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.membership != nil
}
