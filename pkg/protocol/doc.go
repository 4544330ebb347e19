// Package protocol implements the mesh wire codec.
//
// Every frame exchanged over the BLE characteristic is one Packet. The
// byte layout is a compatibility contract shared by all ports on the
// mesh; any divergence makes packets decode as garbage on other devices.
//
// # Frame layout
//
// Fixed header (13 bytes):
//   - Version (1 byte): protocol version, currently 0x01
//   - Type (1 byte): message type
//   - TTL (1 byte): remaining hop budget, decremented per relay
//   - Timestamp (8 bytes): Unix milliseconds, big-endian
//   - Flags (1 byte): hasRecipient, hasSignature, isCompressed
//   - Length (2 bytes): payload length after compression, big-endian
//
// Followed by:
//   - SenderID (8 bytes)
//   - RecipientID (8 bytes, only when hasRecipient)
//   - Payload (Length bytes; 2-byte original size prefix when compressed)
//   - Signature (64 bytes, only when hasSignature)
//
// Encoding optionally pads the frame up to standard block sizes
// (256/512/1024/2048) to resist traffic-size analysis. Decoding first
// tries the buffer as-is and then retries after stripping padding, so
// both padded and unpadded senders interoperate.
//
// Payloads that look compressible are zstd-compressed when that actually
// shrinks the frame. Decoders reject declared original sizes beyond a
// sane bound instead of allocating.
package protocol
