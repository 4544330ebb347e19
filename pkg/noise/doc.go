// Package noise implements the per-peer encrypted channel.
//
// Peers authenticate and key their link with the Noise XX pattern
// (Noise_XX_25519_ChaChaPoly_SHA256):
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// Three messages, mutual static-key authentication, forward secrecy via
// the ephemeral-ephemeral exchange. After message 3 both sides split the
// handshake state into two independent ChaCha20-Poly1305 cipher states,
// one per direction, each with its own monotonically increasing 64-bit
// nonce. Ciphertexts must be decrypted in send order; an AEAD failure
// means tampering or desync and tears the session down rather than
// attempting recovery.
//
// Sessions rekey with a fresh handshake after a configurable message
// count to bound key exposure, and are discarded after an idle timeout.
// All session secrets owned by this package are zeroed on teardown.
package noise
