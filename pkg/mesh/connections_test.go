package mesh

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

func TestConnectionBudget(t *testing.T) {
	cm := NewConnectionManager(2, time.Minute, clock.NewMock())

	if !cm.LinkEstablished("a", -50) || !cm.LinkEstablished("b", -50) {
		t.Fatal("links within budget rejected")
	}
	if cm.LinkEstablished("c", -50) {
		t.Fatal("link over budget accepted")
	}
	if cm.NeighborCount() != 2 {
		t.Fatalf("neighbor count %d, want 2", cm.NeighborCount())
	}

	// Re-registering a live link is not a new connection
	if !cm.LinkEstablished("a", -50) {
		t.Fatal("existing link rejected")
	}

	cm.LinkLost("a")
	if !cm.LinkEstablished("c", -50) {
		t.Fatal("budget not released on link loss")
	}
}

func TestBindPeerAndRebind(t *testing.T) {
	cm := NewConnectionManager(8, time.Minute, clock.NewMock())
	peer := protocol.GeneratePeerID()

	cm.LinkEstablished("a", -50)
	cm.LinkEstablished("b", -50)

	cm.BindPeer("a", peer)
	if link, ok := cm.DirectLink(peer); !ok || link != "a" {
		t.Fatalf("DirectLink = %q %v, want a", link, ok)
	}

	// The peer reconnected on a different link
	cm.BindPeer("b", peer)
	if link, _ := cm.DirectLink(peer); link != "b" {
		t.Fatalf("rebind: DirectLink = %q, want b", link)
	}
	if got, ok := cm.PeerForLink("a"); ok {
		t.Fatalf("old link still bound to %s", got)
	}
}

func TestLinkLostReturnsBoundPeer(t *testing.T) {
	cm := NewConnectionManager(8, time.Minute, clock.NewMock())
	peer := protocol.GeneratePeerID()

	cm.LinkEstablished("a", -50)
	cm.BindPeer("a", peer)

	got, ok := cm.LinkLost("a")
	if !ok || got != peer {
		t.Fatalf("LinkLost = %s %v, want %s true", got, ok, peer)
	}
	if _, ok := cm.DirectLink(peer); ok {
		t.Fatal("peer still has a direct link after loss")
	}
}

func TestReachableSeparateFromDirect(t *testing.T) {
	cm := NewConnectionManager(8, time.Minute, clock.NewMock())
	direct := protocol.GeneratePeerID()
	remote := protocol.GeneratePeerID()

	cm.LinkEstablished("a", -50)
	cm.BindPeer("a", direct)
	cm.MarkReachable(remote)

	// A direct peer never appears in the reachable set
	cm.MarkReachable(direct)
	peers := cm.ReachablePeers()
	if len(peers) != 1 || peers[0] != remote {
		t.Fatalf("reachable = %v, want only %s", peers, remote)
	}

	// An announce on a link promotes the peer out of the reachable set
	cm.LinkEstablished("b", -50)
	cm.BindPeer("b", remote)
	if len(cm.ReachablePeers()) != 0 {
		t.Fatal("promoted peer still in reachable set")
	}
}

func TestPruneInactiveLinks(t *testing.T) {
	mock := clock.NewMock()
	cm := NewConnectionManager(8, time.Minute, mock)
	peer := protocol.GeneratePeerID()

	cm.LinkEstablished("stale", -50)
	cm.BindPeer("stale", peer)
	cm.LinkEstablished("fresh", -50)

	mock.Add(45 * time.Second)
	cm.Touch("fresh", -55)
	mock.Add(30 * time.Second)

	pruned := cm.PruneInactive()
	if len(pruned) != 1 || pruned[0] != "stale" {
		t.Fatalf("pruned %v, want [stale]", pruned)
	}
	if _, ok := cm.DirectLink(peer); ok {
		t.Fatal("pruned link still resolves its peer")
	}
	if cm.NeighborCount() != 1 {
		t.Fatalf("neighbor count %d, want 1", cm.NeighborCount())
	}
}
