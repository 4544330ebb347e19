package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/flynn/noise"

	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

// ProtocolName is the Noise protocol identifier. It is part of the
// cross-implementation compatibility contract: every port must use this
// exact string or handshakes fail AEAD verification.
const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

// RekeyThreshold is the default per-direction message count after which
// a session asks for a fresh handshake
const RekeyThreshold uint64 = 1000

// Handshake message sizes for XX with empty payloads:
// msg1 = e (32), msg2 = e + enc(s) + tag (96), msg3 = enc(s) + tag (64)
const (
	HandshakeMsg1Size = 32
	HandshakeMsg2Size = 96
	HandshakeMsg3Size = 64
)

var (
	ErrInvalidState       = errors.New("invalid session state")
	ErrHandshakeFailed    = errors.New("handshake failed")
	ErrDecryptFailed      = errors.New("decryption failed")
	ErrSessionNotFound    = errors.New("no session for peer")
	ErrNotEstablished     = errors.New("session not established")
	ErrHandshakeSuppressed = errors.New("handshake suppressed by tie-break")
)

// State is the session lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Session is the Noise channel with a single remote peer. It is owned
// exclusively by the Manager; all methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	remotePeer protocol.PeerID
	initiator  bool
	state      State

	hs           *noise.HandshakeState
	handshakeStep int

	sendCS *noise.CipherState
	recvCS *noise.CipherState

	remoteStatic []byte // Curve25519 static key learned during handshake

	sendCount uint64
	recvCount uint64

	rekeyThreshold uint64

	clk          clock.Clock
	lastActivity time.Time
}

// newSession creates a session in the uninitialized state
func newSession(remote protocol.PeerID, static noise.DHKey, initiator bool, clk clock.Clock) (*Session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	return &Session{
		remotePeer:     remote,
		initiator:      initiator,
		state:          StateUninitialized,
		hs:             hs,
		rekeyThreshold: RekeyThreshold,
		clk:            clk,
		lastActivity:   clk.Now(),
	}, nil
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemotePeer returns the peer this session belongs to
func (s *Session) RemotePeer() protocol.PeerID {
	return s.remotePeer
}

// RemoteStaticKey returns the peer's Curve25519 static key, nil until
// the handshake has progressed far enough to learn it
func (s *Session) RemoteStaticKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteStatic == nil {
		return nil
	}
	out := make([]byte, len(s.remoteStatic))
	copy(out, s.remoteStatic)
	return out
}

// startHandshake produces handshake message 1. Initiator only.
func (s *Session) startHandshake() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initiator || s.state != StateUninitialized {
		return nil, ErrInvalidState
	}

	msg, _, _, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("%w: write message 1: %v", ErrHandshakeFailed, err)
	}

	s.state = StateHandshaking
	s.handshakeStep = 1
	s.touch()
	return msg, nil
}

// processHandshakeMessage consumes one inbound handshake message and
// returns the reply to send, if any. The session transitions to
// established when the exchange completes, or failed on any error.
func (s *Session) processHandshakeMessage(msg []byte) (reply []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.initiator && s.state == StateUninitialized:
		// <- e, then reply with e, ee, s, es
		if _, _, _, err := s.hs.ReadMessage(nil, msg); err != nil {
			s.fail()
			return nil, fmt.Errorf("%w: read message 1: %v", ErrHandshakeFailed, err)
		}
		out, _, _, err := s.hs.WriteMessage(nil, nil)
		if err != nil {
			s.fail()
			return nil, fmt.Errorf("%w: write message 2: %v", ErrHandshakeFailed, err)
		}
		s.state = StateHandshaking
		s.handshakeStep = 2
		s.touch()
		return out, nil

	case s.initiator && s.state == StateHandshaking && s.handshakeStep == 1:
		// <- e, ee, s, es, then finish with s, se
		if _, _, _, err := s.hs.ReadMessage(nil, msg); err != nil {
			s.fail()
			return nil, fmt.Errorf("%w: read message 2: %v", ErrHandshakeFailed, err)
		}
		out, cs1, cs2, err := s.hs.WriteMessage(nil, nil)
		if err != nil {
			s.fail()
			return nil, fmt.Errorf("%w: write message 3: %v", ErrHandshakeFailed, err)
		}
		// Initiator sends with the first state, receives with the second
		s.establish(cs1, cs2)
		return out, nil

	case !s.initiator && s.state == StateHandshaking && s.handshakeStep == 2:
		// <- s, se
		_, cs1, cs2, err := s.hs.ReadMessage(nil, msg)
		if err != nil {
			s.fail()
			return nil, fmt.Errorf("%w: read message 3: %v", ErrHandshakeFailed, err)
		}
		// Responder direction assignment is mirrored
		s.establish(cs2, cs1)
		return nil, nil

	default:
		return nil, ErrInvalidState
	}
}

// establish moves to the established state. Caller holds the lock.
func (s *Session) establish(send, recv *noise.CipherState) {
	s.sendCS = send
	s.recvCS = recv
	s.remoteStatic = s.hs.PeerStatic()
	s.hs = nil
	s.state = StateEstablished
	s.sendCount = 0
	s.recvCount = 0
	s.touch()
}

// fail marks the session failed and drops key material. Caller holds the
// lock.
func (s *Session) fail() {
	s.state = StateFailed
	s.hs = nil
	s.sendCS = nil
	s.recvCS = nil
}

// Encrypt encrypts a transport payload for the peer
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}

	ciphertext, err := s.sendCS.Encrypt(nil, nil, plaintext)
	if err != nil {
		// Nonce exhaustion is the only failure mode here; the session is
		// done either way
		s.fail()
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	s.sendCount++
	s.touch()
	return ciphertext, nil
}

// Decrypt decrypts a transport payload from the peer. Any AEAD failure
// signals tampering or nonce desync and permanently fails the session.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}

	plaintext, err := s.recvCS.Decrypt(nil, nil, ciphertext)
	if err != nil {
		s.fail()
		return nil, ErrDecryptFailed
	}

	s.recvCount++
	s.touch()
	return plaintext, nil
}

// NeedsRekey reports whether either direction has crossed the message
// count threshold
func (s *Session) NeedsRekey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEstablished &&
		(s.sendCount >= s.rekeyThreshold || s.recvCount >= s.rekeyThreshold)
}

// MessageCounts returns the per-direction transport message counts
func (s *Session) MessageCounts() (sent, received uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCount, s.recvCount
}

// idleSince reports the last send, receive, or handshake activity
func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// touch updates the activity timestamp. Caller holds the lock.
func (s *Session) touch() {
	s.lastActivity = s.clk.Now()
}

// destroy clears all session state and key references
func (s *Session) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteStatic != nil {
		for i := range s.remoteStatic {
			s.remoteStatic[i] = 0
		}
		s.remoteStatic = nil
	}
	s.fail()
}
