package protocol

import (
	"crypto/rand"
)

// Standard block sizes for padded frames. Padding an encoded packet up
// to one of these buckets hides the true payload length from a passive
// observer timing BLE writes.
var paddingBlockSizes = []int{256, 512, 1024, 2048}

// maxPadLength is bounded by the single-byte pad-count trailer
const maxPadLength = 255

// Pad pads an encoded frame up to the next standard block size. The pad
// bytes are random except the last, which holds the pad length. Frames
// already at a block boundary, larger than the largest block, or needing
// more than 255 pad bytes are returned unchanged.
func Pad(data []byte) []byte {
	target := optimalBlockSize(len(data))
	if target <= len(data) {
		return data
	}

	padLen := target - len(data)
	if padLen > maxPadLength {
		return data
	}

	padded := make([]byte, target)
	copy(padded, data)
	if _, err := rand.Read(padded[len(data) : target-1]); err != nil {
		return data
	}
	padded[target-1] = byte(padLen)

	return padded
}

// Unpad strips block padding. On input that was never padded (or whose
// trailer byte cannot be a valid pad length) the buffer is returned
// unchanged, so calling it twice is harmless.
func Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return data
	}
	return data[:len(data)-padLen]
}

// optimalBlockSize returns the smallest block that fits the frame plus
// at least one pad byte
func optimalBlockSize(size int) int {
	for _, block := range paddingBlockSizes {
		if size < block {
			return block
		}
	}
	// Oversized frames go out unpadded; fragmentation keeps these rare
	return size
}
