package mesh

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitmesh/bitmesh-node/pkg/protocol"
	"github.com/bitmesh/bitmesh-node/pkg/store"
)

// frameRecorder is a bare adapter handler capturing everything a sim
// node receives
type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) OnLinkEstablished(LinkID, int) {}
func (r *frameRecorder) OnLinkLost(LinkID)             {}

func (r *frameRecorder) OnBytesReceived(_ LinkID, data []byte, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, data)
}

// packetsOfType decodes captured frames and filters by message type
func (r *frameRecorder) packetsOfType(t *testing.T, msgType uint8) []*protocol.Packet {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*protocol.Packet
	for _, frame := range r.frames {
		pkt, err := protocol.Decode(frame)
		require.NoError(t, err)
		if pkt.Type == msgType {
			out = append(out, pkt)
		}
	}
	return out
}

func waitEvent(t *testing.T, svc *Service, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-svc.Events():
			require.True(t, ok, "event channel closed while waiting for %v", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %v", want)
		}
	}
}

// waitForDirectPeer blocks until svc reports peer as a direct neighbor
func waitForDirectPeer(t *testing.T, svc *Service, peer protocol.PeerID, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, p := range svc.Peers() {
			if p.ID == peer && p.IsDirect {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("peer %s never became direct", peer)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func startService(t *testing.T, net *SimNetwork, name string, st *store.Store) *Service {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Nickname = name
	svc, err := NewService(cfg, net.Node(name), st)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)
	return svc
}

func TestAnnounceBindsDirectPeers(t *testing.T) {
	net := NewSimNetwork()
	alice := startService(t, net, "alice", nil)
	bob := startService(t, net, "bob", nil)

	require.NoError(t, net.Connect("alice", "bob", -60))

	waitForDirectPeer(t, alice, bob.LocalPeerID(), 2*time.Second)
	waitForDirectPeer(t, bob, alice.LocalPeerID(), 2*time.Second)

	var bobInfo PeerInfo
	for _, p := range alice.Peers() {
		if p.ID == bob.LocalPeerID() {
			bobInfo = p
		}
	}
	require.Equal(t, "bob", bobInfo.Nickname)
	require.NotEmpty(t, bobInfo.Fingerprint)
	require.Equal(t, bob.Fingerprint(), bobInfo.Fingerprint)
}

func TestBroadcastMessageDelivered(t *testing.T) {
	net := NewSimNetwork()
	alice := startService(t, net, "alice", nil)
	bob := startService(t, net, "bob", nil)

	require.NoError(t, net.Connect("alice", "bob", -60))
	waitForDirectPeer(t, alice, bob.LocalPeerID(), 2*time.Second)

	msgID, err := alice.SendApplicationMessage(0x01, []byte("hello mesh"), nil)
	require.NoError(t, err)

	ev := waitEvent(t, bob, EventMessageReceived, 2*time.Second)
	require.Equal(t, alice.LocalPeerID(), ev.Peer)
	require.Equal(t, uint8(0x01), ev.MsgType)
	require.Equal(t, msgID, ev.MessageID)
	require.Equal(t, []byte("hello mesh"), ev.Payload)
}

func TestRelayForwardsWithDecrementedTTL(t *testing.T) {
	net := NewSimNetwork()

	// Raw endpoints around a real node in the middle
	left := net.Node("left")
	right := net.Node("right")
	rec := &frameRecorder{}
	right.SetHandler(rec)
	left.SetHandler(&frameRecorder{})
	require.NoError(t, left.Start())
	require.NoError(t, right.Start())

	startService(t, net, "mid", nil)

	require.NoError(t, net.Connect("left", "mid", -60))
	require.NoError(t, net.Connect("mid", "right", -60))

	sender := protocol.GeneratePeerID()
	env := &protocol.MessageEnvelope{AppType: 1, MessageID: [16]byte{1}, Payload: []byte("one hop left")}
	pkt := protocol.NewPacket(protocol.MsgTypeMessage, sender, env.Encode())
	pkt.TTL = 1
	frame, err := pkt.Encode(true)
	require.NoError(t, err)

	require.NoError(t, left.Send("mid", frame))

	require.Eventually(t, func() bool {
		return len(rec.packetsOfType(t, protocol.MsgTypeMessage)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fwd := rec.packetsOfType(t, protocol.MsgTypeMessage)[0]
	require.Equal(t, uint8(0), fwd.TTL, "relay must decrement TTL")
	require.Equal(t, sender, fwd.SenderID)

	// A second copy of the same message must be suppressed
	require.NoError(t, left.Send("mid", frame))
	time.Sleep(100 * time.Millisecond)
	require.Len(t, rec.packetsOfType(t, protocol.MsgTypeMessage), 1)
}

func TestExpiredTTLIsNotRelayed(t *testing.T) {
	net := NewSimNetwork()

	left := net.Node("left")
	right := net.Node("right")
	rec := &frameRecorder{}
	right.SetHandler(rec)
	left.SetHandler(&frameRecorder{})
	require.NoError(t, left.Start())
	require.NoError(t, right.Start())

	mid := startService(t, net, "mid", nil)

	require.NoError(t, net.Connect("left", "mid", -60))
	require.NoError(t, net.Connect("mid", "right", -60))

	env := &protocol.MessageEnvelope{AppType: 1, MessageID: [16]byte{2}, Payload: []byte("dead on arrival")}
	pkt := protocol.NewPacket(protocol.MsgTypeMessage, protocol.GeneratePeerID(), env.Encode())
	pkt.TTL = 0
	frame, err := pkt.Encode(true)
	require.NoError(t, err)

	require.NoError(t, left.Send("mid", frame))

	// The middle node still consumes the broadcast locally
	ev := waitEvent(t, mid, EventMessageReceived, 2*time.Second)
	require.Equal(t, []byte("dead on arrival"), ev.Payload)

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, rec.packetsOfType(t, protocol.MsgTypeMessage))
}

func TestDuplicateDeliveredExactlyOnce(t *testing.T) {
	net := NewSimNetwork()

	left := net.Node("left")
	left.SetHandler(&frameRecorder{})
	require.NoError(t, left.Start())

	mid := startService(t, net, "mid", nil)
	require.NoError(t, net.Connect("left", "mid", -60))

	env := &protocol.MessageEnvelope{AppType: 1, MessageID: [16]byte{3}, Payload: []byte("once")}
	pkt := protocol.NewPacket(protocol.MsgTypeMessage, protocol.GeneratePeerID(), env.Encode())
	frame, err := pkt.Encode(true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, left.Send("mid", frame))
	}

	waitEvent(t, mid, EventMessageReceived, 2*time.Second)

	// No further message events may surface
	select {
	case ev := <-mid.Events():
		require.NotEqual(t, EventMessageReceived, ev.Type, "duplicate delivered twice")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMultiHopDelivery(t *testing.T) {
	net := NewSimNetwork()
	alice := startService(t, net, "alice", nil)
	relay := startService(t, net, "relay", nil)
	carol := startService(t, net, "carol", nil)

	require.NoError(t, net.Connect("alice", "relay", -60))
	require.NoError(t, net.Connect("relay", "carol", -60))

	waitForDirectPeer(t, relay, alice.LocalPeerID(), 2*time.Second)
	waitForDirectPeer(t, relay, carol.LocalPeerID(), 2*time.Second)

	_, err := alice.SendApplicationMessage(0x01, []byte("across the gap"), nil)
	require.NoError(t, err)

	ev := waitEvent(t, carol, EventMessageReceived, 2*time.Second)
	require.Equal(t, alice.LocalPeerID(), ev.Peer)
	require.Equal(t, []byte("across the gap"), ev.Payload)
}

func TestFragmentedBroadcastReassembled(t *testing.T) {
	net := NewSimNetwork()
	alice := startService(t, net, "alice", nil)
	bob := startService(t, net, "bob", nil)

	require.NoError(t, net.Connect("alice", "bob", -60))
	waitForDirectPeer(t, alice, bob.LocalPeerID(), 2*time.Second)

	big := make([]byte, 2000)
	for i := range big {
		big[i] = byte(i * 31)
	}

	msgID, err := alice.SendApplicationMessage(0x02, big, nil)
	require.NoError(t, err)

	ev := waitEvent(t, bob, EventMessageReceived, 2*time.Second)
	require.Equal(t, msgID, ev.MessageID)
	require.True(t, bytes.Equal(big, ev.Payload), "reassembled payload differs")
}

func TestDirectedMessageOverNoise(t *testing.T) {
	net := NewSimNetwork()

	stAlice, err := store.Open(filepath.Join(t.TempDir(), "alice.db"))
	require.NoError(t, err)
	defer stAlice.Close()
	stBob, err := store.Open(filepath.Join(t.TempDir(), "bob.db"))
	require.NoError(t, err)
	defer stBob.Close()

	alice := startService(t, net, "alice", stAlice)
	bob := startService(t, net, "bob", stBob)

	require.NoError(t, net.Connect("alice", "bob", -60))
	waitForDirectPeer(t, alice, bob.LocalPeerID(), 2*time.Second)
	waitForDirectPeer(t, bob, alice.LocalPeerID(), 2*time.Second)

	bobID := bob.LocalPeerID()
	msgID, err := alice.SendApplicationMessage(0x07, []byte("over noise"), &bobID)
	require.NoError(t, err)

	// The message spools, the handshake runs, the spool flushes
	ev := waitEvent(t, bob, EventMessageReceived, 3*time.Second)
	require.Equal(t, alice.LocalPeerID(), ev.Peer)
	require.Equal(t, uint8(0x07), ev.MsgType)
	require.Equal(t, msgID, ev.MessageID)
	require.Equal(t, []byte("over noise"), ev.Payload)

	ack := waitEvent(t, alice, EventDeliveryAck, 3*time.Second)
	require.Equal(t, bobID, ack.Peer)
	require.Equal(t, msgID, ack.MessageID)

	// Read receipt rides the established channel back
	require.NoError(t, bob.SendReadReceipt(alice.LocalPeerID(), msgID))
	receipt := waitEvent(t, alice, EventReadReceipt, 3*time.Second)
	require.Equal(t, msgID, receipt.MessageID)
}

func TestDirectedMessageNotDeliveredToBystander(t *testing.T) {
	net := NewSimNetwork()

	stAlice, err := store.Open(filepath.Join(t.TempDir(), "alice.db"))
	require.NoError(t, err)
	defer stAlice.Close()

	alice := startService(t, net, "alice", stAlice)
	bob := startService(t, net, "bob", nil)
	eve := startService(t, net, "eve", nil)

	require.NoError(t, net.Connect("alice", "bob", -60))
	require.NoError(t, net.Connect("alice", "eve", -60))
	waitForDirectPeer(t, alice, bob.LocalPeerID(), 2*time.Second)
	waitForDirectPeer(t, alice, eve.LocalPeerID(), 2*time.Second)

	bobID := bob.LocalPeerID()
	_, err = alice.SendApplicationMessage(0x01, []byte("for bob only"), &bobID)
	require.NoError(t, err)

	waitEvent(t, bob, EventMessageReceived, 3*time.Second)

	// Eve must see no message event
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case ev := <-eve.Events():
			require.NotEqual(t, EventMessageReceived, ev.Type, "bystander received a directed message")
		case <-deadline:
			return
		}
	}
}

func TestLeaveRemovesPeer(t *testing.T) {
	net := NewSimNetwork()
	alice := startService(t, net, "alice", nil)
	bob := startService(t, net, "bob", nil)

	require.NoError(t, net.Connect("alice", "bob", -60))
	waitForDirectPeer(t, alice, bob.LocalPeerID(), 2*time.Second)

	bob.Leave()

	require.Eventually(t, func() bool {
		for _, p := range alice.Peers() {
			if p.ID == bob.LocalPeerID() {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotCounters(t *testing.T) {
	net := NewSimNetwork()
	alice := startService(t, net, "alice", nil)
	bob := startService(t, net, "bob", nil)

	require.NoError(t, net.Connect("alice", "bob", -60))
	waitForDirectPeer(t, alice, bob.LocalPeerID(), 2*time.Second)

	snap := alice.Snapshot()
	require.Equal(t, alice.LocalPeerID().String(), snap.LocalPeer)
	require.Equal(t, "alice", snap.Nickname)
	require.Equal(t, 1, snap.Connections)
	require.Equal(t, 1, snap.Peers)
	require.Equal(t, "normal", snap.PowerMode)
}
