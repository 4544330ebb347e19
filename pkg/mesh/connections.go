package mesh

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

// ConnectionRecord tracks one live BLE link
type ConnectionRecord struct {
	Link             LinkID
	Peer             protocol.PeerID // zero until the peer announces
	RSSI             int
	LastSeen         time.Time
	NoiseEstablished bool
}

// ConnectionManager owns the link table. It tracks live radio links
// (not application peers), enforces the connection budget handed down by
// the power manager, and prunes links that go quiet. Peers recently seen
// only through relays are tracked separately from direct links.
type ConnectionManager struct {
	mu sync.RWMutex

	links     map[LinkID]*ConnectionRecord
	byPeer    map[protocol.PeerID]LinkID
	reachable map[protocol.PeerID]time.Time // seen via relay, no direct link

	maxConnections    int
	inactivityTimeout time.Duration
	clk               clock.Clock
}

// NewConnectionManager creates a connection manager
func NewConnectionManager(maxConnections int, inactivityTimeout time.Duration, clk clock.Clock) *ConnectionManager {
	return &ConnectionManager{
		links:             make(map[LinkID]*ConnectionRecord),
		byPeer:            make(map[protocol.PeerID]LinkID),
		reachable:         make(map[protocol.PeerID]time.Time),
		maxConnections:    maxConnections,
		inactivityTimeout: inactivityTimeout,
		clk:               clk,
	}
}

// SetMaxConnections updates the budget (driven by the power manager).
// Existing links above the new budget are left to age out naturally.
func (cm *ConnectionManager) SetMaxConnections(n int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.maxConnections = n
}

// CanAcceptNewConnection reports whether the budget allows another link
func (cm *ConnectionManager) CanAcceptNewConnection() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.links) < cm.maxConnections
}

// LinkEstablished registers a new live link. Returns false when the
// connection budget rejects it.
func (cm *ConnectionManager) LinkEstablished(link LinkID, rssi int) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.links[link]; exists {
		return true
	}
	if len(cm.links) >= cm.maxConnections {
		return false
	}

	cm.links[link] = &ConnectionRecord{
		Link:     link,
		RSSI:     rssi,
		LastSeen: cm.clk.Now(),
	}
	return true
}

// LinkLost removes a link and returns the peer that was bound to it
func (cm *ConnectionManager) LinkLost(link LinkID) (protocol.PeerID, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	rec, ok := cm.links[link]
	if !ok {
		return protocol.PeerID{}, false
	}
	delete(cm.links, link)

	if !rec.Peer.IsZero() {
		delete(cm.byPeer, rec.Peer)
		return rec.Peer, true
	}
	return protocol.PeerID{}, false
}

// BindPeer associates an announced peer ID with its link
func (cm *ConnectionManager) BindPeer(link LinkID, peer protocol.PeerID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	rec, ok := cm.links[link]
	if !ok {
		return
	}

	// The peer may have reconnected on a new link
	if old, ok := cm.byPeer[peer]; ok && old != link {
		if oldRec, ok := cm.links[old]; ok {
			oldRec.Peer = protocol.PeerID{}
		}
	}

	rec.Peer = peer
	cm.byPeer[peer] = link
	delete(cm.reachable, peer)
}

// Touch records traffic on a link and refreshes its RSSI reading
func (cm *ConnectionManager) Touch(link LinkID, rssi int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if rec, ok := cm.links[link]; ok {
		rec.LastSeen = cm.clk.Now()
		if rssi != 0 {
			rec.RSSI = rssi
		}
	}
}

// MarkNoiseEstablished flags the peer's link as having a secure channel
func (cm *ConnectionManager) MarkNoiseEstablished(peer protocol.PeerID, established bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if link, ok := cm.byPeer[peer]; ok {
		if rec, ok := cm.links[link]; ok {
			rec.NoiseEstablished = established
		}
	}
}

// MarkReachable records a peer heard through a relay path
func (cm *ConnectionManager) MarkReachable(peer protocol.PeerID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, direct := cm.byPeer[peer]; direct {
		return
	}
	cm.reachable[peer] = cm.clk.Now()
}

// DirectLink returns the link a peer is directly connected on
func (cm *ConnectionManager) DirectLink(peer protocol.PeerID) (LinkID, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	link, ok := cm.byPeer[peer]
	return link, ok
}

// PeerForLink returns the peer bound to a link
func (cm *ConnectionManager) PeerForLink(link LinkID) (protocol.PeerID, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	rec, ok := cm.links[link]
	if !ok || rec.Peer.IsZero() {
		return protocol.PeerID{}, false
	}
	return rec.Peer, true
}

// ActiveConnections returns a snapshot of the link table
func (cm *ConnectionManager) ActiveConnections() []ConnectionRecord {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]ConnectionRecord, 0, len(cm.links))
	for _, rec := range cm.links {
		out = append(out, *rec)
	}
	return out
}

// NeighborCount returns the number of live links, the density input to
// the relay probability curve
func (cm *ConnectionManager) NeighborCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.links)
}

// ReachablePeers lists peers currently known only via relay
func (cm *ConnectionManager) ReachablePeers() []protocol.PeerID {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]protocol.PeerID, 0, len(cm.reachable))
	for peer := range cm.reachable {
		out = append(out, peer)
	}
	return out
}

// PruneInactive drops links and relay-reachable peers with no traffic
// inside the inactivity window, returning the pruned links
func (cm *ConnectionManager) PruneInactive() []LinkID {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cutoff := cm.clk.Now().Add(-cm.inactivityTimeout)
	var pruned []LinkID

	for link, rec := range cm.links {
		if rec.LastSeen.Before(cutoff) {
			delete(cm.links, link)
			if !rec.Peer.IsZero() {
				delete(cm.byPeer, rec.Peer)
			}
			pruned = append(pruned, link)
		}
	}

	for peer, seen := range cm.reachable {
		if seen.Before(cutoff) {
			delete(cm.reachable, peer)
		}
	}

	if len(pruned) > 0 {
		log.Printf("🧹 Pruned %d inactive links", len(pruned))
	}
	return pruned
}

// Clear drops all connection state
func (cm *ConnectionManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.links = make(map[LinkID]*ConnectionRecord)
	cm.byPeer = make(map[protocol.PeerID]LinkID)
	cm.reachable = make(map[protocol.PeerID]time.Time)
}
