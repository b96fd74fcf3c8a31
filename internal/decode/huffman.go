package decode

// Canonical Huffman decoding per RFC 1951. Tables are rebuilt from code
// lengths, which keeps checkpoints small: only the lengths are serialized.

const maxCodeLen = 15

type huffman struct {
	// counts[l] is the number of codes of bit length l.
	counts [maxCodeLen + 1]uint16
	// symbols holds symbol values sorted by code length, then symbol order.
	symbols []uint16
}

// buildHuffman constructs a decoding table from per-symbol code lengths.
// Over-subscribed length sets are rejected; incomplete sets are allowed
// (single-code distance trees occur in valid streams).
func buildHuffman(lengths []uint8) (*huffman, error) {
	h := &huffman{}
	for _, l := range lengths {
		if l > maxCodeLen {
			return nil, ErrCorrupt
		}
		h.counts[l]++
	}
	if int(h.counts[0]) == len(lengths) {
		return nil, ErrCorrupt
	}

	left := 1
	for l := 1; l <= maxCodeLen; l++ {
		left <<= 1
		left -= int(h.counts[l])
		if left < 0 {
			return nil, ErrCorrupt
		}
	}

	var offsets [maxCodeLen + 2]uint16
	for l := 1; l <= maxCodeLen; l++ {
		offsets[l+1] = offsets[l] + h.counts[l]
	}

	h.symbols = make([]uint16, len(lengths))
	var next [maxCodeLen + 2]uint16
	copy(next[:], offsets[:])
	for sym, l := range lengths {
		if l != 0 {
			h.symbols[next[l]] = uint16(sym)
			next[l]++
		}
	}
	h.symbols = h.symbols[:offsets[maxCodeLen+1]]
	return h, nil
}

// Fixed tables for block type 1.
var (
	fixedLitLengths  = buildFixedLitLengths()
	fixedDistLengths = buildFixedDistLengths()
)

func buildFixedLitLengths() []uint8 {
	lengths := make([]uint8, 288)
	for i := range lengths {
		switch {
		case i < 144:
			lengths[i] = 8
		case i < 256:
			lengths[i] = 9
		case i < 280:
			lengths[i] = 7
		default:
			lengths[i] = 8
		}
	}
	return lengths
}

func buildFixedDistLengths() []uint8 {
	lengths := make([]uint8, 32)
	for i := range lengths {
		lengths[i] = 5
	}
	return lengths
}

// Length and distance symbol expansion tables (RFC 1951 §3.2.5).
var (
	lenBase = [29]uint16{
		3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31,
		35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258,
	}
	lenExtra = [29]uint8{
		0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2,
		3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
	}
	distBase = [30]uint16{
		1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193,
		257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145,
		8193, 12289, 16385, 24577,
	}
	distExtra = [30]uint8{
		0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6,
		7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
	}

	// codeLenOrder is the permuted order of code-length code lengths in a
	// dynamic block header.
	codeLenOrder = [19]uint8{
		16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15,
	}
)
