// Package fixnum implements the tagged integer encoding used by the Mezzano
// kernel ABI. A signed integer v is represented as v<<1; the low bit being
// clear marks the word as an immediate integer to the kernel's runtime.
package fixnum

// Encode converts v to its fixnum representation.
func Encode(v int64) uint64 {
	return uint64(v) << 1
}

// Decode converts a fixnum back to the integer it represents. The shift is
// arithmetic so negative values survive the round trip.
func Decode(f uint64) int64 {
	return int64(f) >> 1
}
