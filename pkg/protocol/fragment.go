package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
)

var (
	ErrInvalidFragment = errors.New("invalid fragment payload")
)

// FragmentHeaderSize is groupID(8) + index(2) + total(2) + origType(1)
const FragmentHeaderSize = 13

// FragmentID identifies one fragmented message across all its pieces
type FragmentID [8]byte

// GenerateFragmentID generates a random fragment group ID
func GenerateFragmentID() FragmentID {
	var id FragmentID
	rand.Read(id[:])
	return id
}

// FragmentPayload is the payload of a MsgTypeFragment packet: one slice
// of an oversized message plus enough bookkeeping to reassemble it.
type FragmentPayload struct {
	GroupID  FragmentID
	Index    uint16
	Total    uint16
	OrigType uint8 // Message type of the reassembled packet
	Data     []byte
}

// Encode encodes the fragment payload to bytes
func (f *FragmentPayload) Encode() []byte {
	buf := make([]byte, FragmentHeaderSize+len(f.Data))
	offset := 0

	copy(buf[offset:], f.GroupID[:])
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:], f.Index)
	offset += 2

	binary.BigEndian.PutUint16(buf[offset:], f.Total)
	offset += 2

	buf[offset] = f.OrigType
	offset++

	copy(buf[offset:], f.Data)

	return buf
}

// DecodeFragmentPayload decodes a fragment payload from bytes
func DecodeFragmentPayload(buf []byte) (*FragmentPayload, error) {
	if len(buf) < FragmentHeaderSize {
		return nil, ErrInvalidFragment
	}

	f := &FragmentPayload{}
	offset := 0

	copy(f.GroupID[:], buf[offset:offset+8])
	offset += 8

	f.Index = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	f.Total = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	f.OrigType = buf[offset]
	offset++

	if f.Total == 0 || f.Index >= f.Total {
		return nil, ErrInvalidFragment
	}

	f.Data = make([]byte, len(buf)-offset)
	copy(f.Data, buf[offset:])

	return f, nil
}
