package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Checkpoint wire format, version 1. Little-endian throughout:
//
//	magic "dpck" | version u8 | kind u8 | payload | crc32(all prior) u32
//
// The passthrough payload is a single u64 offset. The inflate payload is the
// full resumable state: counters, bit buffer, phase, block flags, retained
// code lengths, pending match and the sliding window in stream order. Code
// tables are rebuilt from lengths on restore, never serialized.
const (
	checkpointVersion = 1

	kindPassthrough = 1
	kindInflate     = 2
)

var checkpointMagic = [4]byte{'d', 'p', 'c', 'k'}

func marshalPassthrough(offset uint64) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, kindPassthrough)
	binary.Write(&buf, binary.LittleEndian, offset) //nolint:errcheck // buffer writes never fail
	return seal(&buf)
}

func unmarshalPassthrough(state []byte) (uint64, error) {
	payload, err := open(state, kindPassthrough)
	if err != nil {
		return 0, err
	}
	if len(payload) != 8 {
		return 0, fmt.Errorf("%w: passthrough payload size %d", ErrBadCheckpoint, len(payload))
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// Checkpoint serializes the decoder's resumable state. It fails after a
// Read error, since mid-symbol state cannot be restored.
func (d *Inflate) Checkpoint() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}

	var buf bytes.Buffer
	writeHeader(&buf, kindInflate)
	le := binary.LittleEndian

	var scratch [8]byte
	le.PutUint64(scratch[:], d.inputConsumed)
	buf.Write(scratch[:])
	le.PutUint64(scratch[:], d.outputWritten)
	buf.Write(scratch[:])
	le.PutUint64(scratch[:], d.bitBuf)
	buf.Write(scratch[:])
	buf.WriteByte(byte(d.bitCnt))
	buf.WriteByte(byte(d.phase))
	buf.WriteByte(boolByte(d.final))
	le.PutUint32(scratch[:4], d.storedRemaining)
	buf.Write(scratch[:4])
	buf.WriteByte(boolByte(d.fixed))

	le.PutUint16(scratch[:2], uint16(len(d.litLengths)))
	buf.Write(scratch[:2])
	buf.Write(d.litLengths)
	le.PutUint16(scratch[:2], uint16(len(d.distLengths)))
	buf.Write(scratch[:2])
	buf.Write(d.distLengths)

	le.PutUint16(scratch[:2], d.pendingLen)
	buf.Write(scratch[:2])
	le.PutUint16(scratch[:2], d.pendingDist)
	buf.Write(scratch[:2])

	window := d.windowSnapshot()
	le.PutUint32(scratch[:4], uint32(len(window)))
	buf.Write(scratch[:4])
	buf.Write(window)

	return seal(&buf), nil
}

// windowSnapshot returns the populated window contents in stream order,
// oldest byte first.
func (d *Inflate) windowSnapshot() []byte {
	if d.outputWritten >= windowSize {
		out := make([]byte, windowSize)
		n := copy(out, d.window[d.wpos:])
		copy(out[n:], d.window[:d.wpos])
		return out
	}
	return d.window[:d.wpos]
}

func (d *Inflate) restore(state []byte) error {
	payload, err := open(state, kindInflate)
	if err != nil {
		return err
	}
	b := newReader(payload)

	d.inputConsumed = b.uint64()
	d.outputWritten = b.uint64()
	d.bitBuf = b.uint64()
	d.bitCnt = uint(b.byte())
	d.phase = phase(b.byte())
	d.final = b.byte() != 0
	d.storedRemaining = b.uint32()
	d.fixed = b.byte() != 0

	if n := int(b.uint16()); n > 0 {
		d.litLengths = b.bytes(n)
	}
	if n := int(b.uint16()); n > 0 {
		d.distLengths = b.bytes(n)
	}

	d.pendingLen = b.uint16()
	d.pendingDist = b.uint16()

	windowLen := int(b.uint32())
	if windowLen > windowSize {
		return fmt.Errorf("%w: window length %d", ErrBadCheckpoint, windowLen)
	}
	window := b.bytes(windowLen)
	if b.failed() || b.remaining() != 0 {
		return fmt.Errorf("%w: truncated inflate payload", ErrBadCheckpoint)
	}

	if d.bitCnt > 63 || d.phase > phaseDone {
		return fmt.Errorf("%w: out-of-range fields", ErrBadCheckpoint)
	}
	copy(d.window[:], window)
	d.wpos = windowLen & windowMask

	if d.phase == phaseHuffman {
		lit, dist := d.litLengths, d.distLengths
		if d.fixed {
			lit, dist = fixedLitLengths, fixedDistLengths
		}
		if len(lit) == 0 || len(dist) == 0 {
			return fmt.Errorf("%w: missing code lengths", ErrBadCheckpoint)
		}
		if d.litTable, err = buildHuffman(lit); err != nil {
			return fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
		}
		if d.distTable, err = buildHuffman(dist); err != nil {
			return fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
		}
	}
	return nil
}

func writeHeader(buf *bytes.Buffer, kind byte) {
	buf.Write(checkpointMagic[:])
	buf.WriteByte(checkpointVersion)
	buf.WriteByte(kind)
}

// seal appends the integrity checksum. Checkpoint files are rewritten
// constantly; a torn write must read back as invalid, not as stale state.
func seal(buf *bytes.Buffer) []byte {
	sum := crc32.ChecksumIEEE(buf.Bytes())
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], sum)
	buf.Write(scratch[:])
	return buf.Bytes()
}

func open(state []byte, wantKind byte) ([]byte, error) {
	if len(state) < 10 {
		return nil, fmt.Errorf("%w: too short", ErrBadCheckpoint)
	}
	body, tail := state[:len(state)-4], state[len(state)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(tail) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadCheckpoint)
	}
	if !bytes.Equal(body[:4], checkpointMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrBadCheckpoint)
	}
	if body[4] != checkpointVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadCheckpoint, body[4])
	}
	if body[5] != wantKind {
		return nil, fmt.Errorf("%w: decoder kind %d, want %d", ErrBadCheckpoint, body[5], wantKind)
	}
	return body[6:], nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// payloadReader consumes little-endian fields, latching failure instead of
// panicking on truncated input.
type payloadReader struct {
	buf []byte
	bad bool
}

func newReader(buf []byte) *payloadReader {
	return &payloadReader{buf: buf}
}

func (r *payloadReader) take(n int) []byte {
	if r.bad || len(r.buf) < n {
		r.bad = true
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *payloadReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *payloadReader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *payloadReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *payloadReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *payloadReader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *payloadReader) failed() bool   { return r.bad }
func (r *payloadReader) remaining() int { return len(r.buf) }
