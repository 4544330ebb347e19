package mesh

import (
	"errors"
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

var (
	ErrFragmentTooLarge = errors.New("fragmented message exceeds assembly cap")
)

// assemblyKey scopes fragment groups to their sender so two peers using
// the same group ID never cross-contaminate
type assemblyKey struct {
	sender protocol.PeerID
	group  protocol.FragmentID
}

// assembly buffers the fragments of one in-flight message
type assembly struct {
	slots    [][]byte
	received int
	total    int
	origType uint8
	size     int
}

// FragmentManager splits oversized payloads into MTU-sized fragments and
// reassembles inbound groups. Assemblies live in an expirable LRU: the
// concurrent-assembly cap evicts the least recently touched group and
// stalled groups age out after the assembly timeout.
type FragmentManager struct {
	fragmentSize int
	maxBytes     int
	assemblies   *expirable.LRU[assemblyKey, *assembly]
}

// NewFragmentManager creates a fragment manager with the given bounds
func NewFragmentManager(fragmentSize, maxAssemblies, maxBytes int, timeout time.Duration) *FragmentManager {
	return &FragmentManager{
		fragmentSize: fragmentSize,
		maxBytes:     maxBytes,
		assemblies:   expirable.NewLRU[assemblyKey, *assembly](maxAssemblies, nil, timeout),
	}
}

// FragmentSize returns the negotiated per-fragment payload size
func (fm *FragmentManager) FragmentSize() int {
	return fm.fragmentSize
}

// NeedsFragmentation reports whether a payload must be split
func (fm *FragmentManager) NeedsFragmentation(payload []byte) bool {
	return len(payload) > fm.fragmentSize
}

// Split cuts a payload into ordered fragments sharing a fresh group ID.
// origType is the message type the reassembled payload will dispatch as.
func (fm *FragmentManager) Split(origType uint8, payload []byte) []*protocol.FragmentPayload {
	groupID := protocol.GenerateFragmentID()
	chunk := fm.fragmentSize - protocol.FragmentHeaderSize
	total := (len(payload) + chunk - 1) / chunk

	fragments := make([]*protocol.FragmentPayload, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(payload) {
			end = len(payload)
		}
		fragments = append(fragments, &protocol.FragmentPayload{
			GroupID:  groupID,
			Index:    uint16(i),
			Total:    uint16(total),
			OrigType: origType,
			Data:     payload[start:end],
		})
	}
	return fragments
}

// Add buffers one inbound fragment. When the group completes, the
// concatenated payload and its original message type are returned and
// the assembly is discarded. Duplicate indices replace the earlier copy.
func (fm *FragmentManager) Add(sender protocol.PeerID, frag *protocol.FragmentPayload) (payload []byte, origType uint8, complete bool, err error) {
	key := assemblyKey{sender: sender, group: frag.GroupID}

	a, ok := fm.assemblies.Get(key)
	if !ok {
		a = &assembly{
			slots:    make([][]byte, frag.Total),
			total:    int(frag.Total),
			origType: frag.OrigType,
		}
	}

	// A peer changing the group's shape mid-flight is either buggy or
	// hostile; start over with the new claim
	if int(frag.Total) != a.total || frag.OrigType != a.origType {
		a = &assembly{
			slots:    make([][]byte, frag.Total),
			total:    int(frag.Total),
			origType: frag.OrigType,
		}
	}

	if existing := a.slots[frag.Index]; existing != nil {
		a.size -= len(existing)
		a.received--
	}
	a.slots[frag.Index] = frag.Data
	a.size += len(frag.Data)
	a.received++

	if a.size > fm.maxBytes {
		fm.assemblies.Remove(key)
		log.Printf("⚠️  Dropped oversized fragment assembly from %s (%d bytes)", sender, a.size)
		return nil, 0, false, ErrFragmentTooLarge
	}

	if a.received < a.total {
		// Touch the LRU so active assemblies outlive idle ones
		fm.assemblies.Add(key, a)
		return nil, 0, false, nil
	}

	fm.assemblies.Remove(key)

	out := make([]byte, 0, a.size)
	for _, slot := range a.slots {
		out = append(out, slot...)
	}
	return out, a.origType, true, nil
}

// ActiveAssemblies returns the number of in-flight groups
func (fm *FragmentManager) ActiveAssemblies() int {
	return fm.assemblies.Len()
}

// Clear drops every in-flight assembly
func (fm *FragmentManager) Clear() {
	fm.assemblies.Purge()
}
