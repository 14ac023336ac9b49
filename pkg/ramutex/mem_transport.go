package ramutex

import (
	"math/rand"
	"sync"
	"time"
)

type MemNetworkCfg struct {
	Logger Logger

	// Messages are delivered after a random delay in [MinDelay, MaxDelay].
	// Since each message is delivered by its own goroutine, messages sent
	// to the same site can be reordered.
	MinDelay time.Duration
	MaxDelay time.Duration

	Rand *rand.Rand
}

// MemNetwork connects sites running in the same process. Messages sent to a
// site which has not started yet are kept until it starts; messages sent to
// a site which has stopped are dropped.
type MemNetwork struct {
	Cfg MemNetworkCfg
	Log Logger

	endpoints map[PeerID]DeliverFunc
	pending   map[PeerID][]IncomingMsg
	stopped   map[PeerID]bool
	counts    map[MsgType]int

	randGenerator *rand.Rand

	mu sync.Mutex
	wg sync.WaitGroup
}

func NewMemNetwork(cfg MemNetworkCfg) *MemNetwork {
	randGenerator := cfg.Rand
	if randGenerator == nil {
		randSource := rand.NewSource(time.Now().UnixNano())
		randGenerator = rand.New(randSource)
	}

	return &MemNetwork{
		Cfg: cfg,
		Log: cfg.Logger,

		endpoints: make(map[PeerID]DeliverFunc),
		pending:   make(map[PeerID][]IncomingMsg),
		stopped:   make(map[PeerID]bool),
		counts:    make(map[MsgType]int),

		randGenerator: randGenerator,
	}
}

func (n *MemNetwork) Transport(id PeerID) *MemTransport {
	return &MemTransport{
		network: n,
		id:      id,
	}
}

// Count returns the number of messages of a given type sent on the network,
// delivered or not.
func (n *MemNetwork) Count(msgType MsgType) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.counts[msgType]
}

// Wait blocks until all messages in flight have been delivered or dropped.
func (n *MemNetwork) Wait() {
	n.wg.Wait()
}

func (n *MemNetwork) send(sourceId, recipientId PeerID, msg Msg) {
	n.mu.Lock()
	n.counts[msg.GetType()]++
	delay := RandomDuration(n.randGenerator, n.Cfg.MinDelay, n.Cfg.MaxDelay)
	n.mu.Unlock()

	n.Log.Debug(2, "sending %v from %s to %s", msg, sourceId, recipientId)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		if delay > 0 {
			time.Sleep(delay)
		}

		incomingMsg := IncomingMsg{SourceId: sourceId, Msg: msg}

		n.mu.Lock()
		deliver, found := n.endpoints[recipientId]
		if !found && !n.stopped[recipientId] {
			n.pending[recipientId] = append(n.pending[recipientId],
				incomingMsg)
		}
		stopped := n.stopped[recipientId]
		n.mu.Unlock()

		if stopped {
			n.Log.Error("cannot send %v to %s: site stopped", msg, recipientId)
			return
		}

		if found {
			deliver(incomingMsg)
		}
	}()
}

func (n *MemNetwork) register(id PeerID, deliver DeliverFunc) {
	n.mu.Lock()
	n.endpoints[id] = deliver
	delete(n.stopped, id)
	msgs := n.pending[id]
	delete(n.pending, id)
	n.mu.Unlock()

	if len(msgs) == 0 {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		for _, msg := range msgs {
			deliver(msg)
		}
	}()
}

func (n *MemNetwork) unregister(id PeerID) {
	n.mu.Lock()
	delete(n.endpoints, id)
	delete(n.pending, id)
	n.stopped[id] = true
	n.mu.Unlock()
}

type MemTransport struct {
	network *MemNetwork
	id      PeerID
}

func (t *MemTransport) Start(deliver DeliverFunc) error {
	t.network.register(t.id, deliver)
	return nil
}

func (t *MemTransport) Stop() {
	t.network.unregister(t.id)
}

func (t *MemTransport) Send(recipientId PeerID, msg Msg) {
	t.network.send(t.id, recipientId, msg)
}
