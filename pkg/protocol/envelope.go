package protocol

import (
	"fmt"
)

// MessageEnvelope wraps an application payload with its application type
// and tracking ID. The envelope travels as the payload of MsgTypeMessage
// packets, or inside the Noise ciphertext for directed messages. The
// mesh core never interprets AppType or the payload bytes; they belong
// to the application layer (ecash transfers, receipts, presence).
type MessageEnvelope struct {
	AppType   uint8
	MessageID [16]byte
	Payload   []byte
}

// Encode encodes the envelope to bytes
func (e *MessageEnvelope) Encode() []byte {
	buf := make([]byte, 17+len(e.Payload))
	buf[0] = e.AppType
	copy(buf[1:17], e.MessageID[:])
	copy(buf[17:], e.Payload)
	return buf
}

// DecodeMessageEnvelope decodes an envelope from bytes
func DecodeMessageEnvelope(buf []byte) (*MessageEnvelope, error) {
	if len(buf) < 17 {
		return nil, fmt.Errorf("buffer too short for message envelope")
	}

	e := &MessageEnvelope{AppType: buf[0]}
	copy(e.MessageID[:], buf[1:17])
	e.Payload = make([]byte, len(buf)-17)
	copy(e.Payload, buf[17:])
	return e, nil
}
