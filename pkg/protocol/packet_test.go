package protocol

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomPeerID(t *testing.T) PeerID {
	t.Helper()
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return id
}

func TestPacketEncodeDecode(t *testing.T) {
	sender := randomPeerID(t)
	recipient := randomPeerID(t)
	signature := make([]byte, SignatureSize)
	rand.Read(signature)

	tests := []struct {
		name   string
		packet *Packet
		pad    bool
	}{
		{
			name:   "broadcast announce",
			packet: NewPacket(MsgTypeAnnounce, sender, []byte("nickname")),
		},
		{
			name:   "direct message",
			packet: NewDirectPacket(MsgTypeMessage, sender, recipient, []byte("hello mesh")),
		},
		{
			name:   "direct message padded",
			packet: NewDirectPacket(MsgTypeMessage, sender, recipient, []byte("hello mesh")),
			pad:    true,
		},
		{
			name: "signed announce",
			packet: &Packet{
				Version:   ProtocolVersion,
				Type:      MsgTypeAnnounce,
				TTL:       DefaultTTL,
				Timestamp: NowUnixMilli(),
				SenderID:  sender,
				Payload:   []byte("signed"),
				Signature: signature,
			},
		},
		{
			name: "empty payload",
			packet: &Packet{
				Version:   ProtocolVersion,
				Type:      MsgTypeLeave,
				TTL:       1,
				Timestamp: NowUnixMilli(),
				SenderID:  sender,
			},
			pad: true,
		},
		{
			name:   "compressible payload",
			packet: NewPacket(MsgTypeMessage, sender, bytes.Repeat([]byte("mesh "), 200)),
		},
		{
			name:   "compressible payload padded",
			packet: NewPacket(MsgTypeMessage, sender, bytes.Repeat([]byte("mesh "), 200)),
			pad:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.packet.Encode(tt.pad)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if decoded.Version != tt.packet.Version {
				t.Errorf("Version = %d, want %d", decoded.Version, tt.packet.Version)
			}
			if decoded.Type != tt.packet.Type {
				t.Errorf("Type = %d, want %d", decoded.Type, tt.packet.Type)
			}
			if decoded.TTL != tt.packet.TTL {
				t.Errorf("TTL = %d, want %d", decoded.TTL, tt.packet.TTL)
			}
			if decoded.Timestamp != tt.packet.Timestamp {
				t.Errorf("Timestamp = %d, want %d", decoded.Timestamp, tt.packet.Timestamp)
			}
			if decoded.SenderID != tt.packet.SenderID {
				t.Errorf("SenderID = %s, want %s", decoded.SenderID, tt.packet.SenderID)
			}
			switch {
			case tt.packet.RecipientID == nil && decoded.RecipientID != nil:
				t.Errorf("RecipientID = %s, want none", decoded.RecipientID)
			case tt.packet.RecipientID != nil && decoded.RecipientID == nil:
				t.Errorf("RecipientID missing, want %s", tt.packet.RecipientID)
			case tt.packet.RecipientID != nil && *decoded.RecipientID != *tt.packet.RecipientID:
				t.Errorf("RecipientID = %s, want %s", decoded.RecipientID, tt.packet.RecipientID)
			}
			if !bytes.Equal(decoded.Payload, tt.packet.Payload) {
				t.Errorf("Payload = %x, want %x", decoded.Payload, tt.packet.Payload)
			}
			if !bytes.Equal(decoded.Signature, tt.packet.Signature) {
				t.Errorf("Signature mismatch")
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	sender := randomPeerID(t)
	valid, err := NewPacket(MsgTypeMessage, sender, []byte("payload")).Encode(false)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty buffer", data: nil},
		{name: "header only", data: valid[:HeaderSize]},
		{name: "truncated sender", data: valid[:HeaderSize+4]},
		{name: "truncated payload", data: valid[:len(valid)-3]},
		{name: "wrong version", data: append([]byte{0x7F}, valid[1:]...)},
		{
			name: "declared length exceeds buffer",
			data: func() []byte {
				lying := make([]byte, len(valid))
				copy(lying, valid)
				lying[HeaderSize-2] = 0xFF
				lying[HeaderSize-1] = 0xFF
				return lying
			}(),
		},
		{
			name: "trailing garbage",
			data: append(append([]byte{}, valid...), 0xAA, 0xBB, 0xCC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if p, err := Decode(tt.data); err == nil {
				t.Errorf("Decode() = %+v, want error", p)
			}
		})
	}
}

func TestDecodeRejectsCorruptCompression(t *testing.T) {
	sender := randomPeerID(t)
	encoded, err := NewPacket(MsgTypeMessage, sender, bytes.Repeat([]byte("abc"), 300)).Encode(false)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if encoded[11]&FlagIsCompressed == 0 {
		t.Fatal("expected compressed encoding")
	}

	// Corrupt the declared original size
	corrupt := make([]byte, len(encoded))
	copy(corrupt, encoded)
	corrupt[HeaderSize+PeerIDSize+PeerIDSize] ^= 0xFF

	if p, err := Decode(corrupt); err == nil {
		t.Errorf("Decode() = %+v, want error", p)
	}
}

func TestSigningBytesIgnoreTTL(t *testing.T) {
	sender := randomPeerID(t)
	p := NewPacket(MsgTypeAnnounce, sender, []byte("identity"))

	before := p.SigningBytes()
	p.TTL--
	after := p.SigningBytes()

	if !bytes.Equal(before, after) {
		t.Error("SigningBytes changed after TTL decrement")
	}
}

func TestPeerIDString(t *testing.T) {
	id := PeerID{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF}
	if got := id.String(); got != "0123456789abcdef" {
		t.Errorf("String() = %q", got)
	}

	parsed, err := PeerIDFromString("0123456789abcdef")
	if err != nil {
		t.Fatalf("PeerIDFromString() error = %v", err)
	}
	if parsed != id {
		t.Errorf("PeerIDFromString() = %v, want %v", parsed, id)
	}

	if _, err := PeerIDFromString("xyz"); err == nil {
		t.Error("PeerIDFromString(short) expected error")
	}
}
