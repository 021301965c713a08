// Package sdnv implements the Self-Delimiting Numeric Value encoding
// (RFC 5050 §4.1.1) shared by BPv6 primary/canonical blocks and every
// LTP header field (RFC 5326 §3). Each byte contributes 7 bits of
// value, high bit set on every byte but the last.
package sdnv

import "fmt"

// MaxLen bounds a single SDNV encoding of a uint64: ceil(64/7) = 10 bytes.
const MaxLen = 10

// Encode appends the SDNV encoding of v to dst and returns the result.
func Encode(dst []byte, v uint64) []byte {
	var tmp [MaxLen]byte
	i := MaxLen
	i--
	tmp[i] = byte(v & 0x7f)
	v >>= 7
	for v > 0 {
		i--
		tmp[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	return append(dst, tmp[i:]...)
}

// Decode reads one SDNV value from the front of buf, returning the
// value and the number of bytes consumed. It fails if buf ends before a
// terminating byte (high bit clear) is found, or if the value would
// overflow 64 bits.
func Decode(buf []byte) (uint64, int, error) {
	var v uint64
	for i, b := range buf {
		if i == MaxLen {
			return 0, 0, fmt.Errorf("sdnv: value exceeds %d bytes", MaxLen)
		}
		if v>>57 != 0 {
			return 0, 0, fmt.Errorf("sdnv: value overflows 64 bits")
		}
		v = (v << 7) | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("sdnv: truncated value")
}

// Len returns the number of bytes Encode would produce for v.
func Len(v uint64) int {
	n := 1
	for v >>= 7; v > 0; v >>= 7 {
		n++
	}
	return n
}
