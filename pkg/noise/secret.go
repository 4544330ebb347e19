package noise

// secretBuffer owns a copy of sensitive key bytes with an explicit wipe.
// Every private key this package holds lives in one of these so teardown
// can guarantee the material is gone.
type secretBuffer struct {
	b []byte
}

// newSecretBuffer copies data into an owned buffer
func newSecretBuffer(data []byte) *secretBuffer {
	b := make([]byte, len(data))
	copy(b, data)
	return &secretBuffer{b: b}
}

// Bytes exposes the underlying buffer. Callers must not retain it past
// the buffer's lifetime.
func (s *secretBuffer) Bytes() []byte {
	return s.b
}

// Zero overwrites the buffer. The secret is unusable afterwards.
func (s *secretBuffer) Zero() {
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = s.b[:0]
}
