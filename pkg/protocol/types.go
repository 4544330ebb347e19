package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"
)

// Protocol constants
const (
	// Protocol version
	ProtocolVersion uint8 = 0x01

	// Fixed header: version(1) + type(1) + ttl(1) + timestamp(8) + flags(1) + length(2)
	HeaderSize = 14

	// PeerID length in bytes
	PeerIDSize = 8

	// Ed25519 signature length
	SignatureSize = 64

	// Maximum payload carried by a single packet (2-byte length field)
	MaxPayloadSize = 65535
)

// Message types
const (
	// Presence (0x0x)
	MsgTypeAnnounce uint8 = 0x01
	MsgTypeLeave    uint8 = 0x03

	// Application traffic (0x0x)
	MsgTypeMessage  uint8 = 0x04
	MsgTypeFragment uint8 = 0x05

	// Delivery confirmation (0x0x)
	MsgTypeDeliveryAck uint8 = 0x0A
	MsgTypeReadReceipt uint8 = 0x0B

	// Noise channel (0x1x)
	MsgTypeNoiseHandshake uint8 = 0x10
	MsgTypeNoiseEncrypted uint8 = 0x11

	// Sync (0x2x)
	MsgTypeSyncRequest uint8 = 0x21

	// Relay control (0x3x)
	MsgTypeRelayControl uint8 = 0x30
)

// Header flags
const (
	FlagHasRecipient uint8 = 0x01 // Packet carries an 8-byte recipient ID
	FlagHasSignature uint8 = 0x02 // Packet carries a 64-byte signature
	FlagIsCompressed uint8 = 0x04 // Payload is compressed (2-byte original size prefix)
)

// Default TTL for new packets
const DefaultTTL uint8 = 7

var (
	ErrInvalidPeerID = errors.New("invalid peer ID")
)

// PeerID is a short-lived 8-byte device identifier, displayed as 16 hex
// characters. It is regenerated per app session and is distinct from the
// long-term static key identity.
type PeerID [PeerIDSize]byte

// BroadcastID is the all-ones recipient meaning "every reachable peer".
var BroadcastID = PeerID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// GeneratePeerID generates a random peer ID for this session
func GeneratePeerID() PeerID {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		// Fallback: derive from the clock, never return all zeros
		binary.BigEndian.PutUint64(id[:], uint64(time.Now().UnixNano()))
	}
	return id
}

// PeerIDFromString parses a 16-hex-character peer ID
func PeerIDFromString(s string) (PeerID, error) {
	var id PeerID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != PeerIDSize {
		return id, ErrInvalidPeerID
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the 16-hex-character form
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// IsBroadcast checks whether the ID is the broadcast address
func (id PeerID) IsBroadcast() bool {
	return id == BroadcastID
}

// IsZero checks whether the ID is unset
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() uint64 {
	return uint64(time.Now().UnixMilli())
}
