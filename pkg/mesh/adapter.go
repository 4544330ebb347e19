package mesh

import (
	"github.com/google/uuid"
)

// BLE service and characteristic UUIDs. These are a cross-implementation
// compatibility contract: every port on the mesh advertises and writes
// the same UUIDs or devices never find each other.
var (
	ServiceUUID        = uuid.MustParse("F47B5E2D-4A9E-4C5A-9B3F-8E1D2C3A4B5C")
	CharacteristicUUID = uuid.MustParse("A1B2C3D4-E5F6-4A5B-8C9D-0E1F2A3B4C5D")
)

// LinkID identifies one live BLE link (a GATT connection), not a peer.
// The platform adapter assigns these; the core never interprets them.
type LinkID string

// Adapter is the radio boundary. Platform code (CoreBluetooth, Android
// BLE, or the in-process simulator) implements it; the mesh core is the
// only caller. Send is best-effort: the adapter may drop frames when a
// link's write queue is full.
type Adapter interface {
	// Send writes a frame to one link
	Send(link LinkID, data []byte) error

	// Broadcast writes a frame to every live link
	Broadcast(data []byte) error

	// SetHandler registers the event sink. Must be called before Start.
	SetHandler(h AdapterHandler)

	// Start begins scanning/advertising
	Start() error

	// Stop tears the radio down
	Stop()
}

// AdapterHandler receives radio events. Implementations must not block:
// the mesh service enqueues onto its dispatch queue and returns.
type AdapterHandler interface {
	OnLinkEstablished(link LinkID, rssi int)
	OnLinkLost(link LinkID)
	OnBytesReceived(link LinkID, data []byte, rssi int)
}
