package zipcd

import "encoding/binary"

// ScanBackward searches buf from its end toward its start for the
// little-endian byte pattern of sig and returns the offset of the rightmost
// match, or -1 if the pattern does not occur.
//
// The end-of-central-directory record is followed by a variable-length
// comment, so it cannot be located at a fixed distance from the end of the
// archive; the rightmost signature match is the record closest to the tail.
func ScanBackward(buf []byte, sig uint32) int {
	if len(buf) < 4 {
		return -1
	}
	var pattern [4]byte
	binary.LittleEndian.PutUint32(pattern[:], sig)

	for i := len(buf) - 4; i >= 0; i-- {
		if buf[i] == pattern[0] &&
			buf[i+1] == pattern[1] &&
			buf[i+2] == pattern[2] &&
			buf[i+3] == pattern[3] {
			return i
		}
	}
	return -1
}
