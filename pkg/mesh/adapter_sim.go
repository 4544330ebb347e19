package mesh

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrAdapterStopped = errors.New("adapter stopped")
	ErrNoSuchLink     = errors.New("no such link")
)

// SimNetwork is an in-process radio environment for tests and the demo
// daemon. Nodes connected through it behave like BLE neighbors: frames
// are delivered in order per link, with a configurable RSSI reading, and
// only between explicitly connected nodes, so multi-hop topologies are
// just chains of Connect calls.
type SimNetwork struct {
	mu    sync.Mutex
	nodes map[string]*SimAdapter
}

// NewSimNetwork creates an empty simulated radio environment
func NewSimNetwork() *SimNetwork {
	return &SimNetwork{nodes: make(map[string]*SimAdapter)}
}

// Node creates (or returns) the adapter for a named node
func (n *SimNetwork) Node(name string) *SimAdapter {
	n.mu.Lock()
	defer n.mu.Unlock()

	if a, ok := n.nodes[name]; ok {
		return a
	}
	a := &SimAdapter{
		name:  name,
		net:   n,
		peers: make(map[LinkID]*SimAdapter),
		rssi:  make(map[LinkID]int),
	}
	n.nodes[name] = a
	return a
}

// Connect wires two nodes as radio neighbors with the given RSSI as seen
// from each side. Both adapters observe a link-established event.
func (n *SimNetwork) Connect(a, b string, rssi int) error {
	n.mu.Lock()
	nodeA, okA := n.nodes[a]
	nodeB, okB := n.nodes[b]
	n.mu.Unlock()

	if !okA || !okB {
		return fmt.Errorf("unknown node in connect %s<->%s", a, b)
	}

	nodeA.addLink(LinkID(b), nodeB, rssi)
	nodeB.addLink(LinkID(a), nodeA, rssi)
	return nil
}

// Disconnect severs the link between two nodes
func (n *SimNetwork) Disconnect(a, b string) {
	n.mu.Lock()
	nodeA, okA := n.nodes[a]
	nodeB, okB := n.nodes[b]
	n.mu.Unlock()

	if okA {
		nodeA.dropLink(LinkID(b))
	}
	if okB {
		nodeB.dropLink(LinkID(a))
	}
}

// SimAdapter implements Adapter over a SimNetwork
type SimAdapter struct {
	name string
	net  *SimNetwork

	mu      sync.Mutex
	handler AdapterHandler
	peers   map[LinkID]*SimAdapter
	rssi    map[LinkID]int
	started bool
}

var _ Adapter = (*SimAdapter)(nil)

// SetHandler registers the event sink
func (a *SimAdapter) SetHandler(h AdapterHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Start marks the radio live
func (a *SimAdapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

// Stop silences the radio; links persist but deliver nothing
func (a *SimAdapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
}

// Send delivers one frame to a neighbor. Delivery is synchronous and in
// order, mirroring the per-link FIFO a GATT write queue provides.
func (a *SimAdapter) Send(link LinkID, data []byte) error {
	a.mu.Lock()
	peer, ok := a.peers[link]
	started := a.started
	a.mu.Unlock()

	if !started {
		return ErrAdapterStopped
	}
	if !ok {
		return ErrNoSuchLink
	}

	peer.deliver(LinkID(a.name), data)
	return nil
}

// Broadcast delivers a frame to every neighbor
func (a *SimAdapter) Broadcast(data []byte) error {
	a.mu.Lock()
	started := a.started
	peers := make(map[LinkID]*SimAdapter, len(a.peers))
	for id, p := range a.peers {
		peers[id] = p
	}
	a.mu.Unlock()

	if !started {
		return ErrAdapterStopped
	}
	for _, peer := range peers {
		peer.deliver(LinkID(a.name), data)
	}
	return nil
}

// addLink registers a neighbor and fires the link-established event
func (a *SimAdapter) addLink(link LinkID, peer *SimAdapter, rssi int) {
	a.mu.Lock()
	a.peers[link] = peer
	a.rssi[link] = rssi
	h := a.handler
	a.mu.Unlock()

	if h != nil {
		h.OnLinkEstablished(link, rssi)
	}
}

// dropLink removes a neighbor and fires the link-lost event
func (a *SimAdapter) dropLink(link LinkID) {
	a.mu.Lock()
	_, ok := a.peers[link]
	delete(a.peers, link)
	delete(a.rssi, link)
	h := a.handler
	a.mu.Unlock()

	if ok && h != nil {
		h.OnLinkLost(link)
	}
}

// deliver hands received bytes to the handler with the link's RSSI
func (a *SimAdapter) deliver(from LinkID, data []byte) {
	a.mu.Lock()
	h := a.handler
	rssi := a.rssi[from]
	started := a.started
	a.mu.Unlock()

	if !started || h == nil {
		return
	}
	// Radio frames are immutable once in the air
	frame := make([]byte, len(data))
	copy(frame, data)
	h.OnBytesReceived(from, frame, rssi)
}
