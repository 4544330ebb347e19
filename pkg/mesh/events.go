package mesh

import (
	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

// EventType tags events delivered to the application layer
type EventType int

const (
	// EventMessageReceived carries a decrypted application payload
	EventMessageReceived EventType = iota

	// EventPeerListChanged fires when peers appear, rename, or leave
	EventPeerListChanged

	// EventDeliveryAck confirms a directly addressed message arrived
	EventDeliveryAck

	// EventReadReceipt reports a message was displayed remotely
	EventReadReceipt

	// EventSessionEstablished fires when a Noise channel comes up
	EventSessionEstablished

	// EventSyncRequest surfaces a peer's sync request to the application
	EventSyncRequest
)

// String returns the event type name
func (t EventType) String() string {
	switch t {
	case EventMessageReceived:
		return "message_received"
	case EventPeerListChanged:
		return "peer_list_changed"
	case EventDeliveryAck:
		return "delivery_ack"
	case EventReadReceipt:
		return "read_receipt"
	case EventSessionEstablished:
		return "session_established"
	case EventSyncRequest:
		return "sync_request"
	}
	return "unknown"
}

// Event is one notification to the application layer, delivered in order
// over a bounded channel. When the application falls behind, the oldest
// unread events are dropped rather than blocking the dispatch goroutine.
type Event struct {
	Type      EventType
	Peer      protocol.PeerID
	MsgType   uint8
	MessageID [16]byte
	Payload   []byte
	Peers     []PeerInfo // populated for EventPeerListChanged
}

// PeerInfo is the application-visible view of a known peer
type PeerInfo struct {
	ID               protocol.PeerID
	Nickname         string
	Fingerprint      string
	IsDirect         bool
	NoiseEstablished bool
	LastSeen         int64 // Unix ms
}
