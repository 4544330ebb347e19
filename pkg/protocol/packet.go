package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	ErrInvalidVersion  = errors.New("unsupported protocol version")
	ErrTruncatedPacket = errors.New("truncated packet")
	ErrLengthMismatch  = errors.New("payload length mismatch")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Packet is the unit framed onto the BLE wire. Field order and widths are
// a cross-implementation compatibility contract; every port on the mesh
// must produce byte-identical encodings.
type Packet struct {
	Version     uint8
	Type        uint8
	TTL         uint8
	Timestamp   uint64 // Unix milliseconds
	SenderID    PeerID
	RecipientID *PeerID // nil for sender-only addressing
	Payload     []byte
	Signature   []byte // 64 bytes when present, nil otherwise
}

// NewPacket creates a broadcast packet with the default TTL
func NewPacket(msgType uint8, sender PeerID, payload []byte) *Packet {
	return &Packet{
		Version:     ProtocolVersion,
		Type:        msgType,
		TTL:         DefaultTTL,
		Timestamp:   NowUnixMilli(),
		SenderID:    sender,
		RecipientID: &BroadcastID,
		Payload:     payload,
	}
}

// NewDirectPacket creates a packet addressed to a single recipient
func NewDirectPacket(msgType uint8, sender, recipient PeerID, payload []byte) *Packet {
	p := NewPacket(msgType, sender, payload)
	r := recipient
	p.RecipientID = &r
	return p
}

// flags derives the header flags from the optional fields
func (p *Packet) flags(compressed bool) uint8 {
	var f uint8
	if p.RecipientID != nil {
		f |= FlagHasRecipient
	}
	if p.Signature != nil {
		f |= FlagHasSignature
	}
	if compressed {
		f |= FlagIsCompressed
	}
	return f
}

// Encode encodes the packet to wire bytes. Compression is attempted when
// the payload looks compressible and kept only when it actually shrinks.
// When pad is true the result is padded up to a standard block size to
// resist traffic-size analysis.
func (p *Packet) Encode(pad bool) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := p.Payload
	compressed := false
	if c, ok := compressPayload(p.Payload); ok {
		// 2-byte original size prefix travels with the compressed bytes
		prefixed := make([]byte, 2+len(c))
		binary.BigEndian.PutUint16(prefixed[0:2], uint16(len(p.Payload)))
		copy(prefixed[2:], c)
		payload = prefixed
		compressed = true
	}

	size := HeaderSize + PeerIDSize + len(payload)
	if p.RecipientID != nil {
		size += PeerIDSize
	}
	if p.Signature != nil {
		size += SignatureSize
	}

	buf := make([]byte, size)
	buf[0] = p.Version
	buf[1] = p.Type
	buf[2] = p.TTL
	binary.BigEndian.PutUint64(buf[3:11], p.Timestamp)
	buf[11] = p.flags(compressed)
	binary.BigEndian.PutUint16(buf[HeaderSize-2:HeaderSize], uint16(len(payload)))

	offset := HeaderSize
	copy(buf[offset:], p.SenderID[:])
	offset += PeerIDSize

	if p.RecipientID != nil {
		copy(buf[offset:], p.RecipientID[:])
		offset += PeerIDSize
	}

	copy(buf[offset:], payload)
	offset += len(payload)

	if p.Signature != nil {
		copy(buf[offset:], p.Signature)
	}

	if pad {
		return Pad(buf), nil
	}
	return buf, nil
}

// Decode decodes a packet from wire bytes. The buffer is first parsed
// as-is; if that fails, padding is stripped and the parse retried. The
// error is informational only: callers at the radio boundary drop bad
// buffers silently.
func Decode(data []byte) (*Packet, error) {
	p, err := decodeExact(data)
	if err == nil {
		return p, nil
	}
	if unpadded := Unpad(data); len(unpadded) != len(data) {
		return decodeExact(unpadded)
	}
	return nil, err
}

// decodeExact parses a packet whose buffer contains no trailing bytes
func decodeExact(data []byte) (*Packet, error) {
	if len(data) < HeaderSize+PeerIDSize {
		return nil, ErrTruncatedPacket
	}

	if data[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	p := &Packet{
		Version:   data[0],
		Type:      data[1],
		TTL:       data[2],
		Timestamp: binary.BigEndian.Uint64(data[3:11]),
	}
	flags := data[11]
	payloadLen := int(binary.BigEndian.Uint16(data[HeaderSize-2 : HeaderSize]))

	expected := HeaderSize + PeerIDSize + payloadLen
	if flags&FlagHasRecipient != 0 {
		expected += PeerIDSize
	}
	if flags&FlagHasSignature != 0 {
		expected += SignatureSize
	}
	if len(data) != expected {
		return nil, ErrLengthMismatch
	}

	offset := HeaderSize
	copy(p.SenderID[:], data[offset:offset+PeerIDSize])
	offset += PeerIDSize

	if flags&FlagHasRecipient != 0 {
		var recipient PeerID
		copy(recipient[:], data[offset:offset+PeerIDSize])
		p.RecipientID = &recipient
		offset += PeerIDSize
	}

	payload := data[offset : offset+payloadLen]
	offset += payloadLen

	if flags&FlagIsCompressed != 0 {
		decompressed, err := decompressPayload(payload)
		if err != nil {
			return nil, err
		}
		p.Payload = decompressed
	} else {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, payload)
	}

	if flags&FlagHasSignature != 0 {
		p.Signature = make([]byte, SignatureSize)
		copy(p.Signature, data[offset:offset+SignatureSize])
	}

	return p, nil
}

// SigningBytes returns the encoding used as input for the packet
// signature: the full wire encoding without signature, compression or
// padding, so both sides sign identical bytes.
func (p *Packet) SigningBytes() []byte {
	size := HeaderSize + PeerIDSize + len(p.Payload)
	if p.RecipientID != nil {
		size += PeerIDSize
	}

	buf := make([]byte, size)
	buf[0] = p.Version
	buf[1] = p.Type
	buf[2] = 0 // TTL is mutated by relays, excluded from the signature
	binary.BigEndian.PutUint64(buf[3:11], p.Timestamp)
	if p.RecipientID != nil {
		buf[11] = FlagHasRecipient
	}
	binary.BigEndian.PutUint16(buf[HeaderSize-2:HeaderSize], uint16(len(p.Payload)))

	offset := HeaderSize
	copy(buf[offset:], p.SenderID[:])
	offset += PeerIDSize
	if p.RecipientID != nil {
		copy(buf[offset:], p.RecipientID[:])
		offset += PeerIDSize
	}
	copy(buf[offset:], p.Payload)

	return buf
}
