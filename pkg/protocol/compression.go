package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/klauspost/compress/zstd"
)

var (
	ErrBadCompressedPayload = errors.New("bad compressed payload")
)

const (
	// Payloads below this size never win from compression
	compressionThreshold = 64

	// Upper bound on the declared original size. The 2-byte size field
	// already caps this at 65535; the check guards against a future
	// widening of the field.
	maxDecompressedSize = 1 << 20
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxDecompressedSize))
)

// compressPayload compresses data when it is worth it. Returns the
// compressed bytes and true only when the result is strictly smaller
// than the input.
func compressPayload(data []byte) ([]byte, bool) {
	if !shouldCompress(data) {
		return nil, false
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	// The 2-byte original-size prefix must be paid for too
	if len(compressed)+2 >= len(data) {
		return nil, false
	}
	return compressed, true
}

// decompressPayload reverses compressPayload. Input is the 2-byte
// original size followed by the compressed bytes.
func decompressPayload(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, ErrBadCompressedPayload
	}

	originalSize := int(binary.BigEndian.Uint16(data[0:2]))
	if originalSize > maxDecompressedSize {
		return nil, ErrBadCompressedPayload
	}

	decompressed, err := zstdDecoder.DecodeAll(data[2:], nil)
	if err != nil {
		return nil, ErrBadCompressedPayload
	}
	if len(decompressed) != originalSize {
		return nil, ErrBadCompressedPayload
	}
	return decompressed, nil
}

// shouldCompress is a cheap entropy proxy: count distinct byte values.
// Encrypted or already-compressed data uses most of the byte space and
// is skipped without running the compressor.
func shouldCompress(data []byte) bool {
	if len(data) < compressionThreshold {
		return false
	}

	var seen [256]bool
	distinct := 0
	for _, b := range data {
		if !seen[b] {
			seen[b] = true
			distinct++
		}
	}

	if len(data) < 256 {
		return distinct < len(data)*3/4
	}
	return distinct < 224
}
