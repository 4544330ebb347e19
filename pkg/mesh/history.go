package mesh

import (
	"encoding/binary"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"

	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

// dedupKey identifies a message independently of the path it arrived by:
// a BLAKE2b digest over sender, timestamp, type, and payload. TTL is
// excluded on purpose, otherwise each hop count would look like a new
// message.
type dedupKey [16]byte

// makeDedupKey computes the dedup key for a packet
func makeDedupKey(p *protocol.Packet) dedupKey {
	h, _ := blake2b.New256(nil)
	h.Write(p.SenderID[:])

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.Timestamp)
	h.Write(ts[:])
	h.Write([]byte{p.Type})
	h.Write(p.Payload)

	var key dedupKey
	copy(key[:], h.Sum(nil))
	return key
}

// RelayHistory is the bounded set of recently seen messages, serving
// both duplicate suppression and relay loop prevention. Entries expire
// after the dedup window; the capacity bound evicts oldest first.
type RelayHistory struct {
	seen *expirable.LRU[dedupKey, struct{}]
}

// NewRelayHistory creates a relay history with the given bounds
func NewRelayHistory(capacity int, window time.Duration) *RelayHistory {
	return &RelayHistory{
		seen: expirable.NewLRU[dedupKey, struct{}](capacity, nil, window),
	}
}

// Witness records a packet and reports whether it was already seen
// inside the window. The first call for a message returns false; every
// later call returns true until the entry expires.
func (h *RelayHistory) Witness(p *protocol.Packet) bool {
	key := makeDedupKey(p)
	if _, ok := h.seen.Get(key); ok {
		return true
	}
	h.seen.Add(key, struct{}{})
	return false
}

// Len returns the number of live entries
func (h *RelayHistory) Len() int {
	return h.seen.Len()
}

// Clear drops all entries
func (h *RelayHistory) Clear() {
	h.seen.Purge()
}
