package protocol

import (
	"encoding/binary"
	"fmt"
)

// ===== IDENTITY ANNOUNCEMENT =====

// AnnouncePayload is broadcast when a peer joins or renames. It binds the
// session PeerID to the long-lived key material: the Curve25519 static
// key used for Noise handshakes and the Ed25519 key that signs packets.
type AnnouncePayload struct {
	NoisePublicKey   [32]byte // Curve25519 static public key
	SigningPublicKey [32]byte // Ed25519 public key
	Nickname         string
}

// Encode encodes the announce payload to bytes
func (a *AnnouncePayload) Encode() []byte {
	nick := []byte(a.Nickname)
	buf := make([]byte, 32+32+2+len(nick))
	offset := 0

	copy(buf[offset:], a.NoisePublicKey[:])
	offset += 32

	copy(buf[offset:], a.SigningPublicKey[:])
	offset += 32

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(nick)))
	offset += 2

	copy(buf[offset:], nick)

	return buf
}

// DecodeAnnouncePayload decodes an announce payload from bytes
func DecodeAnnouncePayload(buf []byte) (*AnnouncePayload, error) {
	if len(buf) < 66 {
		return nil, fmt.Errorf("buffer too short for announce payload")
	}

	a := &AnnouncePayload{}
	offset := 0

	copy(a.NoisePublicKey[:], buf[offset:offset+32])
	offset += 32

	copy(a.SigningPublicKey[:], buf[offset:offset+32])
	offset += 32

	nickLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2

	if len(buf) < offset+nickLen {
		return nil, fmt.Errorf("buffer too short for nickname")
	}
	a.Nickname = string(buf[offset : offset+nickLen])

	return a, nil
}

// ===== DELIVERY ACK =====

// DeliveryAckPayload confirms that a directly addressed message reached
// its recipient
type DeliveryAckPayload struct {
	MessageID [16]byte // Message being acknowledged
	Timestamp uint64   // When it was received (Unix ms)
}

// Encode encodes the delivery ack to bytes
func (a *DeliveryAckPayload) Encode() []byte {
	buf := make([]byte, 24)
	copy(buf[0:16], a.MessageID[:])
	binary.BigEndian.PutUint64(buf[16:24], a.Timestamp)
	return buf
}

// DecodeDeliveryAckPayload decodes a delivery ack from bytes
func DecodeDeliveryAckPayload(buf []byte) (*DeliveryAckPayload, error) {
	if len(buf) < 24 {
		return nil, fmt.Errorf("buffer too short for delivery ack")
	}

	a := &DeliveryAckPayload{}
	copy(a.MessageID[:], buf[0:16])
	a.Timestamp = binary.BigEndian.Uint64(buf[16:24])
	return a, nil
}

// ===== READ RECEIPT =====

// Read status values
const (
	ReadStatusDelivered uint8 = 0
	ReadStatusRead      uint8 = 1
)

// ReadReceiptPayload reports that a message was displayed to the user
type ReadReceiptPayload struct {
	MessageID [16]byte
	Timestamp uint64
	Status    uint8
}

// Encode encodes the read receipt to bytes
func (r *ReadReceiptPayload) Encode() []byte {
	buf := make([]byte, 25)
	copy(buf[0:16], r.MessageID[:])
	binary.BigEndian.PutUint64(buf[16:24], r.Timestamp)
	buf[24] = r.Status
	return buf
}

// DecodeReadReceiptPayload decodes a read receipt from bytes
func DecodeReadReceiptPayload(buf []byte) (*ReadReceiptPayload, error) {
	if len(buf) < 25 {
		return nil, fmt.Errorf("buffer too short for read receipt")
	}

	r := &ReadReceiptPayload{}
	copy(r.MessageID[:], buf[0:16])
	r.Timestamp = binary.BigEndian.Uint64(buf[16:24])
	r.Status = buf[24]
	return r, nil
}
