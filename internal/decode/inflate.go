package decode

import (
	"fmt"
	"io"
)

// DEFLATE has no synchronization points: resumption is only possible by
// restoring the exact bit position, sliding window and active code tables.
// Inflate keeps all of that as explicit serializable state. Read returns
// only at symbol boundaries, so state between Read calls is always
// checkpointable; block and tree headers decode atomically within one call
// and never appear in a checkpoint.

const (
	windowSize = 32 << 10
	windowMask = windowSize - 1

	inputChunk = 32 << 10

	endOfBlockSym = 256
)

type phase uint8

const (
	phaseBlockStart phase = iota
	phaseStored
	phaseHuffman
	phaseDone
)

// Inflate is a resumable DEFLATE decoder.
type Inflate struct {
	r io.Reader

	// Buffered input. Bytes are counted as consumed when moved into the bit
	// buffer, not when read from r, so unconsumed buffered bytes are simply
	// refetched after a resume.
	in    []byte
	inPos int

	inputConsumed uint64
	outputWritten uint64

	bitBuf uint64
	bitCnt uint

	phase phase
	final bool

	storedRemaining uint32

	// Active Huffman block. For dynamic blocks the code lengths are
	// retained verbatim; tables are rebuilt from them on restore.
	fixed       bool
	litLengths  []uint8
	distLengths []uint8
	litTable    *huffman
	distTable   *huffman

	// A match interrupted by a full output buffer.
	pendingLen  uint16
	pendingDist uint16

	window [windowSize]byte
	wpos   int

	err error
}

// NewInflate creates an Inflate reading a raw DEFLATE stream from r.
func NewInflate(r io.Reader) *Inflate {
	return &Inflate{r: r}
}

// ResumeInflate restores an Inflate from checkpoint state. The supplied
// reader must be positioned at the checkpointed consumed-input offset
// within the compressed stream.
func ResumeInflate(r io.Reader, state []byte) (*Inflate, error) {
	d := &Inflate{r: r}
	if err := d.restore(state); err != nil {
		return nil, err
	}
	return d, nil
}

// InputConsumed returns compressed bytes consumed so far.
func (d *Inflate) InputConsumed() uint64 { return d.inputConsumed }

// OutputWritten returns uncompressed bytes produced so far.
func (d *Inflate) OutputWritten() uint64 { return d.outputWritten }

// Read decodes up to len(p) bytes. On any error other than io.EOF the
// decoder is poisoned: the bytes written to p must be discarded and the
// stream resumed from the last checkpoint.
func (d *Inflate) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := 0
	for n < len(p) {
		var err error
		switch d.phase {
		case phaseDone:
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		case phaseBlockStart:
			err = d.beginBlock()
		case phaseStored:
			err = d.copyStored(p, &n)
		case phaseHuffman:
			err = d.decodeHuffman(p, &n)
		}
		if err != nil {
			d.err = fmt.Errorf("%w: %v", ErrPoisoned, err)
			return 0, err
		}
	}
	return n, nil
}

// beginBlock reads a block header and prepares the block's decoding state.
func (d *Inflate) beginBlock() error {
	finalBit, err := d.readBits(1)
	if err != nil {
		return err
	}
	d.final = finalBit == 1

	blockType, err := d.readBits(2)
	if err != nil {
		return err
	}
	switch blockType {
	case 0:
		return d.beginStored()
	case 1:
		d.fixed = true
		d.litLengths, d.distLengths = nil, nil
		if d.litTable, err = buildHuffman(fixedLitLengths); err != nil {
			return err
		}
		if d.distTable, err = buildHuffman(fixedDistLengths); err != nil {
			return err
		}
		d.phase = phaseHuffman
		return nil
	case 2:
		d.fixed = false
		if err := d.readDynamicHeader(); err != nil {
			return err
		}
		d.phase = phaseHuffman
		return nil
	default:
		return fmt.Errorf("%w: reserved block type", ErrCorrupt)
	}
}

// beginStored aligns to a byte boundary and reads the LEN/NLEN pair.
func (d *Inflate) beginStored() error {
	d.bitBuf >>= d.bitCnt % 8
	d.bitCnt -= d.bitCnt % 8

	length, err := d.readBits(16)
	if err != nil {
		return err
	}
	inverse, err := d.readBits(16)
	if err != nil {
		return err
	}
	if length != ^inverse&0xFFFF {
		return fmt.Errorf("%w: stored block length check failed", ErrCorrupt)
	}
	d.storedRemaining = uint32(length)
	if d.storedRemaining == 0 {
		d.endBlock()
		return nil
	}
	d.phase = phaseStored
	return nil
}

// copyStored moves stored-block bytes to the output.
func (d *Inflate) copyStored(p []byte, n *int) error {
	for d.storedRemaining > 0 && *n < len(p) {
		b, err := d.readBits(8)
		if err != nil {
			return err
		}
		d.emit(p, n, byte(b))
		d.storedRemaining--
	}
	if d.storedRemaining == 0 {
		d.endBlock()
	}
	return nil
}

// decodeHuffman emits symbols until the output buffer fills or the block
// ends. A match that overflows the buffer is carried in pendingLen/Dist and
// continued on the next call.
func (d *Inflate) decodeHuffman(p []byte, n *int) error {
	for *n < len(p) {
		if d.pendingLen > 0 {
			d.copyMatch(p, n)
			continue
		}

		sym, err := d.readSym(d.litTable)
		if err != nil {
			return err
		}
		switch {
		case sym < endOfBlockSym:
			d.emit(p, n, byte(sym))
		case sym == endOfBlockSym:
			d.endBlock()
			return nil
		case sym < endOfBlockSym+1+len(lenBase):
			if err := d.readMatch(sym - endOfBlockSym - 1); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: invalid literal/length symbol %d", ErrCorrupt, sym)
		}
	}
	return nil
}

// readMatch decodes the length extra bits, distance symbol and distance
// extra bits for a back-reference and stages it as the pending match.
func (d *Inflate) readMatch(lenSym int) error {
	extra, err := d.readBits(uint(lenExtra[lenSym]))
	if err != nil {
		return err
	}
	matchLen := int(lenBase[lenSym]) + extra

	distSym, err := d.readSym(d.distTable)
	if err != nil {
		return err
	}
	if distSym >= len(distBase) {
		return fmt.Errorf("%w: invalid distance symbol %d", ErrCorrupt, distSym)
	}
	extra, err = d.readBits(uint(distExtra[distSym]))
	if err != nil {
		return err
	}
	dist := int(distBase[distSym]) + extra

	if uint64(dist) > d.outputWritten {
		return fmt.Errorf("%w: distance %d beyond output", ErrCorrupt, dist)
	}
	d.pendingLen = uint16(matchLen)
	d.pendingDist = uint16(dist)
	return nil
}

// copyMatch copies pending match bytes out of the window. The distance stays
// fixed relative to the write position, which handles overlapping copies.
func (d *Inflate) copyMatch(p []byte, n *int) {
	dist := int(d.pendingDist)
	for d.pendingLen > 0 && *n < len(p) {
		b := d.window[(d.wpos-dist)&windowMask]
		d.emit(p, n, b)
		d.pendingLen--
	}
}

func (d *Inflate) emit(p []byte, n *int, b byte) {
	p[*n] = b
	*n++
	d.window[d.wpos] = b
	d.wpos = (d.wpos + 1) & windowMask
	d.outputWritten++
}

func (d *Inflate) endBlock() {
	if d.final {
		d.phase = phaseDone
	} else {
		d.phase = phaseBlockStart
	}
}

// readDynamicHeader decodes the code-length code and the literal/length and
// distance code lengths of a dynamic block (block type 2).
func (d *Inflate) readDynamicHeader() error {
	hlit, err := d.readBits(5)
	if err != nil {
		return err
	}
	hdist, err := d.readBits(5)
	if err != nil {
		return err
	}
	hclen, err := d.readBits(4)
	if err != nil {
		return err
	}
	numLit := hlit + 257
	numDist := hdist + 1
	numCodeLen := hclen + 4
	if numLit > 286 || numDist > 30 {
		return fmt.Errorf("%w: too many codes in dynamic header", ErrCorrupt)
	}

	var clLengths [19]uint8
	for i := 0; i < numCodeLen; i++ {
		v, err := d.readBits(3)
		if err != nil {
			return err
		}
		clLengths[codeLenOrder[i]] = uint8(v)
	}
	clTable, err := buildHuffman(clLengths[:])
	if err != nil {
		return err
	}

	lengths := make([]uint8, numLit+numDist)
	for i := 0; i < len(lengths); {
		sym, err := d.readSym(clTable)
		if err != nil {
			return err
		}
		switch {
		case sym < 16:
			lengths[i] = uint8(sym)
			i++
		case sym == 16:
			if i == 0 {
				return fmt.Errorf("%w: repeat with no previous length", ErrCorrupt)
			}
			rep, err := d.readBits(2)
			if err != nil {
				return err
			}
			prev := lengths[i-1]
			for j := 0; j < rep+3; j++ {
				if i >= len(lengths) {
					return fmt.Errorf("%w: repeat overruns lengths", ErrCorrupt)
				}
				lengths[i] = prev
				i++
			}
		case sym == 17:
			rep, err := d.readBits(3)
			if err != nil {
				return err
			}
			i += rep + 3
		case sym == 18:
			rep, err := d.readBits(7)
			if err != nil {
				return err
			}
			i += rep + 11
		default:
			return fmt.Errorf("%w: invalid code-length symbol %d", ErrCorrupt, sym)
		}
		if i > len(lengths) {
			return fmt.Errorf("%w: repeat overruns lengths", ErrCorrupt)
		}
	}
	if lengths[endOfBlockSym] == 0 {
		return fmt.Errorf("%w: missing end-of-block code", ErrCorrupt)
	}

	d.litLengths = lengths[:numLit]
	d.distLengths = lengths[numLit:]
	if d.litTable, err = buildHuffman(d.litLengths); err != nil {
		return err
	}
	if d.distTable, err = buildHuffman(d.distLengths); err != nil {
		return err
	}
	return nil
}

// readSym decodes one canonical Huffman symbol bit by bit.
func (d *Inflate) readSym(h *huffman) (int, error) {
	code, first, index := 0, 0, 0
	for l := 1; l <= maxCodeLen; l++ {
		if d.bitCnt == 0 {
			if err := d.moreBits(); err != nil {
				return 0, err
			}
		}
		code |= int(d.bitBuf & 1)
		d.bitBuf >>= 1
		d.bitCnt--

		count := int(h.counts[l])
		if code-first < count {
			return int(h.symbols[index+code-first]), nil
		}
		index += count
		first = (first + count) << 1
		code <<= 1
	}
	return 0, fmt.Errorf("%w: code longer than %d bits", ErrCorrupt, maxCodeLen)
}

// readBits returns n bits from the stream, LSB first.
func (d *Inflate) readBits(n uint) (int, error) {
	for d.bitCnt < n {
		if err := d.moreBits(); err != nil {
			return 0, err
		}
	}
	v := int(d.bitBuf & ((1 << n) - 1))
	d.bitBuf >>= n
	d.bitCnt -= n
	return v, nil
}

// moreBits pulls one buffered input byte into the bit buffer.
func (d *Inflate) moreBits() error {
	if d.inPos >= len(d.in) {
		if err := d.fill(); err != nil {
			return err
		}
	}
	d.bitBuf |= uint64(d.in[d.inPos]) << d.bitCnt
	d.bitCnt += 8
	d.inPos++
	d.inputConsumed++
	return nil
}

func (d *Inflate) fill() error {
	if cap(d.in) == 0 {
		d.in = make([]byte, 0, inputChunk)
	}
	buf := d.in[:cap(d.in)]
	for {
		n, err := d.r.Read(buf)
		if n > 0 {
			d.in = buf[:n]
			d.inPos = 0
			return nil
		}
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		if err != nil {
			return err
		}
	}
}
