package ramutex

// DeferredQueue contains the sites whose request was received while the
// local site had priority. They are sent a reply, in arrival order, when the
// local site leaves the critical section.
type DeferredQueue struct {
	peers []PeerID
}

func (q *DeferredQueue) Push(id PeerID) bool {
	if q.Contains(id) {
		return false
	}

	q.peers = append(q.peers, id)
	return true
}

func (q *DeferredQueue) Contains(id PeerID) bool {
	for _, peer := range q.peers {
		if peer == id {
			return true
		}
	}

	return false
}

func (q *DeferredQueue) Len() int {
	return len(q.peers)
}

func (q *DeferredQueue) Peers() []PeerID {
	peers := make([]PeerID, len(q.peers))
	copy(peers, q.peers)
	return peers
}

func (q *DeferredQueue) Drain(fn func(PeerID)) {
	peers := q.peers
	q.peers = nil

	for _, peer := range peers {
		fn(peer)
	}
}

func (q *DeferredQueue) Clear() {
	q.peers = nil
}
