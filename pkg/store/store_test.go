package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityPersistence(t *testing.T) {
	s := openTestStore(t)

	first, err := s.LoadOrCreateIdentity()
	require.NoError(t, err)

	second, err := s.LoadOrCreateIdentity()
	require.NoError(t, err)

	require.Equal(t, first.NoisePublic(), second.NoisePublic())
	require.Equal(t, first.SigningPublic(), second.SigningPublic())
	require.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestSpoolEnqueueDequeue(t *testing.T) {
	s := openTestStore(t)
	recipient := protocol.PeerID{1, 2, 3, 4, 5, 6, 7, 8}

	var msgID [16]byte
	msgID[0] = 0x42

	require.NoError(t, s.EnqueueSpool(recipient, msgID, protocol.MsgTypeMessage, []byte("first")))
	msgID[0] = 0x43
	require.NoError(t, s.EnqueueSpool(recipient, msgID, protocol.MsgTypeMessage, []byte("second")))

	depth, err := s.SpoolDepth(recipient)
	require.NoError(t, err)
	require.Equal(t, 2, depth)

	messages, err := s.DequeueSpool(recipient)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, []byte("first"), messages[0].Payload)
	require.Equal(t, []byte("second"), messages[1].Payload)
	require.Equal(t, byte(0x42), messages[0].MessageID[0])

	// Dequeue drains
	depth, err = s.SpoolDepth(recipient)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestSpoolPerRecipientIsolation(t *testing.T) {
	s := openTestStore(t)
	a := protocol.PeerID{0xAA}
	b := protocol.PeerID{0xBB}

	var msgID [16]byte
	require.NoError(t, s.EnqueueSpool(a, msgID, protocol.MsgTypeMessage, []byte("for a")))
	require.NoError(t, s.EnqueueSpool(b, msgID, protocol.MsgTypeMessage, []byte("for b")))

	messages, err := s.DequeueSpool(a)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, []byte("for a"), messages[0].Payload)

	depth, err := s.SpoolDepth(b)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestSpoolCapEvictsOldest(t *testing.T) {
	s := openTestStore(t)
	recipient := protocol.PeerID{9}

	var msgID [16]byte
	for i := 0; i < maxSpoolPerPeer+10; i++ {
		msgID[0] = byte(i)
		require.NoError(t, s.EnqueueSpool(recipient, msgID, protocol.MsgTypeMessage, []byte{byte(i)}))
	}

	depth, err := s.SpoolDepth(recipient)
	require.NoError(t, err)
	require.Equal(t, maxSpoolPerPeer, depth)

	messages, err := s.DequeueSpool(recipient)
	require.NoError(t, err)
	// The ten oldest were evicted
	require.Equal(t, []byte{10}, messages[0].Payload)
}

func TestSpoolExpiry(t *testing.T) {
	s := openTestStore(t)
	s.SetSpoolTTL(-1 * time.Second) // everything is born expired
	recipient := protocol.PeerID{7}

	var msgID [16]byte
	require.NoError(t, s.EnqueueSpool(recipient, msgID, protocol.MsgTypeMessage, []byte("stale")))

	messages, err := s.DequeueSpool(recipient)
	require.NoError(t, err)
	require.Empty(t, messages)

	require.NoError(t, s.EnqueueSpool(recipient, msgID, protocol.MsgTypeMessage, []byte("stale")))
	n, err := s.CleanupExpired()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
