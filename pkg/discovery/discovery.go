package discovery

import "github.com/galdor/go-ramutex/pkg/ramutex"

// ChangeFunc is called with the complete list of known nodes, the local one
// included, every time the list changes.
type ChangeFunc func([]ramutex.Node)

type Discovery interface {
	Start(ChangeFunc) error
	Stop()
}

// Static is a discovery mechanism for a fixed list of nodes, usually read
// from the configuration.
type Static struct {
	Nodes []ramutex.Node
}

func NewStatic(nodes []ramutex.Node) *Static {
	return &Static{Nodes: nodes}
}

func NewStaticFromIds(ids []ramutex.PeerID) (*Static, error) {
	nodes := make([]ramutex.Node, len(ids))

	for i, id := range ids {
		node, err := ramutex.ParsePeerID(id)
		if err != nil {
			return nil, err
		}

		nodes[i] = node
	}

	return NewStatic(nodes), nil
}

func (d *Static) Start(fn ChangeFunc) error {
	nodes := make([]ramutex.Node, len(d.Nodes))
	copy(nodes, d.Nodes)

	fn(nodes)

	return nil
}

func (d *Static) Stop() {
}
