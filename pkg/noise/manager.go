package noise

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/flynn/noise"

	"github.com/bitmesh/bitmesh-node/pkg/identity"
	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

const (
	// DefaultIdleTimeout evicts sessions with no traffic
	DefaultIdleTimeout = 5 * time.Minute

	// Handshake retry backoff bounds
	initialHandshakeBackoff = 1 * time.Second
	maxHandshakeBackoff     = 30 * time.Second
)

// Manager owns the session table. It is the only component allowed to
// create, mutate, or remove sessions.
type Manager struct {
	mu sync.RWMutex

	localPeer protocol.PeerID
	static    noise.DHKey
	staticKey *secretBuffer

	sessions map[protocol.PeerID]*Session

	// Per-peer handshake failure backoff
	backoff map[protocol.PeerID]*backoffState

	idleTimeout time.Duration
	clk         clock.Clock
}

type backoffState struct {
	failures int
	retryAt  time.Time
}

// NewManager creates a session manager bound to this installation's
// static identity
func NewManager(local protocol.PeerID, id *identity.Identity, clk clock.Clock) *Manager {
	secret := newSecretBuffer(id.NoisePrivate())
	pub := id.NoisePublic()

	return &Manager{
		localPeer: local,
		static: noise.DHKey{
			Private: secret.Bytes(),
			Public:  pub[:],
		},
		staticKey:   secret,
		sessions:    make(map[protocol.PeerID]*Session),
		backoff:     make(map[protocol.PeerID]*backoffState),
		idleTimeout: DefaultIdleTimeout,
		clk:         clk,
	}
}

// SetIdleTimeout overrides the idle eviction window
func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimeout = d
}

// InitiateHandshake starts a fresh XX exchange with a peer and returns
// handshake message 1. An existing non-established session is replaced;
// an established one is left alone.
func (m *Manager) InitiateHandshake(remote protocol.PeerID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[remote]; ok {
		if existing.State() == StateEstablished || existing.State() == StateHandshaking {
			return nil, ErrInvalidState
		}
		existing.destroy()
		delete(m.sessions, remote)
	}

	if b, ok := m.backoff[remote]; ok && m.clk.Now().Before(b.retryAt) {
		return nil, ErrHandshakeSuppressed
	}

	session, err := newSession(remote, m.static, true, m.clk)
	if err != nil {
		return nil, err
	}

	msg, err := session.startHandshake()
	if err != nil {
		m.recordFailure(remote)
		return nil, err
	}

	m.sessions[remote] = session
	return msg, nil
}

// InitiateRekey tears down an established session and starts a fresh
// handshake. This is the only path from established back to handshaking.
func (m *Manager) InitiateRekey(remote protocol.PeerID) ([]byte, error) {
	m.mu.Lock()
	if s, ok := m.sessions[remote]; ok {
		s.destroy()
		delete(m.sessions, remote)
	}
	m.mu.Unlock()

	log.Printf("🔑 Rekeying noise session with %s", remote)
	return m.InitiateHandshake(remote)
}

// HandleHandshakeMessage consumes an inbound handshake message and
// returns the reply to send (nil when the exchange needs no reply) and
// whether the session is now established.
//
// Simultaneous initiation is resolved by peer ID: when both sides sent
// message 1, the lexicographically smaller peer ID stays initiator and
// the other side's attempt is abandoned.
func (m *Manager) HandleHandshakeMessage(remote protocol.PeerID, msg []byte) (reply []byte, established bool, err error) {
	m.mu.Lock()
	session, exists := m.sessions[remote]

	if exists && session.initiator && session.State() == StateHandshaking && len(msg) == HandshakeMsg1Size {
		// Both sides initiated. Tie-break: smaller peer ID wins the
		// initiator role.
		if m.localPeer.String() < remote.String() {
			m.mu.Unlock()
			return nil, false, ErrHandshakeSuppressed
		}
		session.destroy()
		delete(m.sessions, remote)
		exists = false
	}

	if !exists || session.State() == StateFailed || session.State() == StateEstablished {
		// Fresh inbound handshake; become responder
		if exists {
			session.destroy()
		}
		session, err = newSession(remote, m.static, false, m.clk)
		if err != nil {
			m.mu.Unlock()
			return nil, false, err
		}
		m.sessions[remote] = session
	}
	m.mu.Unlock()

	reply, err = session.processHandshakeMessage(msg)
	if err != nil {
		m.mu.Lock()
		m.recordFailure(remote)
		session.destroy()
		delete(m.sessions, remote)
		m.mu.Unlock()
		return nil, false, err
	}

	if session.State() == StateEstablished {
		m.mu.Lock()
		delete(m.backoff, remote)
		m.mu.Unlock()
		log.Printf("🔒 Noise session established with %s", remote)
		return reply, true, nil
	}
	return reply, false, nil
}

// Encrypt encrypts a transport payload for a peer
func (m *Manager) Encrypt(remote protocol.PeerID, plaintext []byte) ([]byte, error) {
	session, ok := m.session(remote)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Encrypt(plaintext)
}

// Decrypt decrypts a transport payload from a peer. On failure the
// session is removed; the caller may start a fresh handshake.
func (m *Manager) Decrypt(remote protocol.PeerID, ciphertext []byte) ([]byte, error) {
	session, ok := m.session(remote)
	if !ok {
		return nil, ErrSessionNotFound
	}

	plaintext, err := session.Decrypt(ciphertext)
	if err != nil {
		log.Printf("⚠️  Noise decrypt failed for %s, tearing session down", remote)
		m.RemoveSession(remote)
		return nil, err
	}
	return plaintext, nil
}

// IsEstablished reports whether a transport channel exists with the peer
func (m *Manager) IsEstablished(remote protocol.PeerID) bool {
	session, ok := m.session(remote)
	return ok && session.State() == StateEstablished
}

// SessionState returns the lifecycle state for a peer
func (m *Manager) SessionState(remote protocol.PeerID) State {
	session, ok := m.session(remote)
	if !ok {
		return StateUninitialized
	}
	return session.State()
}

// NeedsRekey reports whether the peer's session crossed the rekey
// threshold
func (m *Manager) NeedsRekey(remote protocol.PeerID) bool {
	session, ok := m.session(remote)
	return ok && session.NeedsRekey()
}

// RemoteStaticKey returns the peer's authenticated Curve25519 static key
func (m *Manager) RemoteStaticKey(remote protocol.PeerID) []byte {
	session, ok := m.session(remote)
	if !ok {
		return nil
	}
	return session.RemoteStaticKey()
}

// EstablishedPeers lists peers with a live transport channel
func (m *Manager) EstablishedPeers() []protocol.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]protocol.PeerID, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.State() == StateEstablished {
			peers = append(peers, id)
		}
	}
	return peers
}

// RemoveSession destroys a peer's session, zeroing its secrets
func (m *Manager) RemoveSession(remote protocol.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[remote]; ok {
		session.destroy()
		delete(m.sessions, remote)
	}
}

// PruneIdle removes sessions with no activity inside the idle window and
// returns the affected peers
func (m *Manager) PruneIdle() []protocol.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clk.Now().Add(-m.idleTimeout)
	var pruned []protocol.PeerID
	for id, session := range m.sessions {
		if session.idleSince().Before(cutoff) {
			session.destroy()
			delete(m.sessions, id)
			pruned = append(pruned, id)
		}
	}

	if len(pruned) > 0 {
		log.Printf("🧹 Pruned %d idle noise sessions", len(pruned))
	}
	return pruned
}

// Shutdown destroys every session and wipes the static key copy
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		session.destroy()
		delete(m.sessions, id)
	}
	m.staticKey.Zero()
}

// recordFailure bumps the handshake backoff for a peer. Caller holds the
// lock.
func (m *Manager) recordFailure(remote protocol.PeerID) {
	b, ok := m.backoff[remote]
	if !ok {
		b = &backoffState{}
		m.backoff[remote] = b
	}

	b.failures++
	delay := maxHandshakeBackoff
	if b.failures <= 5 {
		delay = initialHandshakeBackoff << (b.failures - 1)
	}
	b.retryAt = m.clk.Now().Add(delay)
}

// session fetches a session under the read lock
func (m *Manager) session(remote protocol.PeerID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[remote]
	return s, ok
}
