package ramutex

import (
	"net"
	"strconv"
)

// PeerID identifies a site. It is the "host:port" address the site listens
// on and is also used to break ties between requests carrying the same
// timestamp.
type PeerID string

type Node struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n Node) PeerID() PeerID {
	return PeerID(net.JoinHostPort(n.Host, strconv.Itoa(n.Port)))
}

func ParsePeerID(id PeerID) (Node, error) {
	host, portString, err := net.SplitHostPort(string(id))
	if err != nil {
		return Node{}, err
	}

	port, err := strconv.Atoi(portString)
	if err != nil {
		return Node{}, err
	}

	return Node{Host: host, Port: port}, nil
}

type SiteState string

const (
	SiteStateInit    SiteState = "init"
	SiteStateGap     SiteState = "gap"
	SiteStateRequest SiteState = "request"
	SiteStateWork    SiteState = "work"
	SiteStateLeave   SiteState = "leave"
	SiteStateCleanup SiteState = "cleanup"
)

type TimerKind string

const (
	TimerGap     TimerKind = "gap"
	TimerWork    TimerKind = "work"
	TimerCleanup TimerKind = "cleanup"
)

type SiteStatus struct {
	Id              PeerID    `json:"id"`
	RunId           string    `json:"runId"`
	State           SiteState `json:"state"`
	TS              Timestamp `json:"ts"`
	ObservedTS      Timestamp `json:"observedTS"`
	PendingReplies  int       `json:"pendingReplies"`
	Deferred        []PeerID  `json:"deferred"`
	RemainingCycles int       `json:"remainingCycles"`
	Peers           []PeerID  `json:"peers"`
	Finished        bool      `json:"finished"`
}
