// Package identity holds the long-lived key material of an installation.
//
// A device's PeerID churns every session; the identity below is the
// durable anchor. It carries two keypairs: a Curve25519 keypair used as
// the Noise static key, and an Ed25519 keypair that signs announce
// packets so peers can pin a stable identity across PeerID changes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKeyMaterial = errors.New("invalid key material")
)

// Identity is the long-lived cryptographic identity of this installation
type Identity struct {
	noisePrivate [32]byte // Curve25519 scalar
	noisePublic  [32]byte
	signingKey   ed25519.PrivateKey
}

// Generate creates a fresh identity
func Generate() (*Identity, error) {
	id := &Identity{}

	if _, err := rand.Read(id.noisePrivate[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(id.noisePrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(id.noisePublic[:], pub)

	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	id.signingKey = signingKey

	return id, nil
}

// FromBytes restores an identity from stored private key material
func FromBytes(noisePrivate, signingSeed []byte) (*Identity, error) {
	if len(noisePrivate) != 32 || len(signingSeed) != ed25519.SeedSize {
		return nil, ErrInvalidKeyMaterial
	}

	id := &Identity{}
	copy(id.noisePrivate[:], noisePrivate)

	pub, err := curve25519.X25519(id.noisePrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(id.noisePublic[:], pub)

	id.signingKey = ed25519.NewKeyFromSeed(signingSeed)
	return id, nil
}

// NoisePrivate returns the Curve25519 static private key
func (id *Identity) NoisePrivate() []byte {
	out := make([]byte, 32)
	copy(out, id.noisePrivate[:])
	return out
}

// NoisePublic returns the Curve25519 static public key
func (id *Identity) NoisePublic() [32]byte {
	return id.noisePublic
}

// SigningSeed returns the Ed25519 seed for persistence
func (id *Identity) SigningSeed() []byte {
	return id.signingKey.Seed()
}

// SigningPublic returns the Ed25519 public key
func (id *Identity) SigningPublic() [32]byte {
	var pub [32]byte
	copy(pub[:], id.signingKey.Public().(ed25519.PublicKey))
	return pub
}

// Sign signs data with the identity's Ed25519 key
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.signingKey, data)
}

// Verify verifies a signature against an announced signing key
func Verify(signingPublic [32]byte, data, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signingPublic[:]), data, signature)
}

// Fingerprint is the hex BLAKE2b-256 digest of the Noise static public
// key, the value users compare to verify a peer out of band.
func (id *Identity) Fingerprint() string {
	sum := blake2b.Sum256(id.noisePublic[:])
	return hex.EncodeToString(sum[:])
}

// FingerprintOf computes the fingerprint of a remote static key
func FingerprintOf(noisePublic []byte) string {
	sum := blake2b.Sum256(noisePublic)
	return hex.EncodeToString(sum[:])
}

// Zero wipes the private key material. The identity is unusable after.
func (id *Identity) Zero() {
	for i := range id.noisePrivate {
		id.noisePrivate[i] = 0
	}
	for i := range id.signingKey {
		id.signingKey[i] = 0
	}
}
