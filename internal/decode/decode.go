// Package decode provides the streaming decoders used to turn an archive
// entry's compressed payload into output bytes, with explicit checkpoint
// state so a half-decoded entry can resume after a crash.
//
// A decoder's checkpoint is only valid between Read calls. After any Read
// error the decoder is poisoned and must be rebuilt from the last durable
// checkpoint; the consumed-input counter of that checkpoint is the resume
// offset within the compressed stream.
package decode

import (
	"errors"
	"fmt"
	"io"
)

// Sentinel errors for decoder state handling.
var (
	// ErrCorrupt is returned when the compressed stream is structurally
	// invalid.
	ErrCorrupt = errors.New("decode: corrupt deflate stream")

	// ErrBadCheckpoint is returned when checkpoint bytes fail validation.
	ErrBadCheckpoint = errors.New("decode: invalid checkpoint")

	// ErrPoisoned is returned when a decoder is used after a failed Read.
	ErrPoisoned = errors.New("decode: decoder unusable after error")
)

// Decoder is a streaming decompressor whose progress can be serialized.
//
// InputConsumed is expressed in compressed-stream bytes and is the only
// valid resume offset; output size is uncompressed bytes and is not a proxy
// for the compressed position.
type Decoder interface {
	io.Reader

	// InputConsumed returns the number of compressed bytes consumed so far.
	InputConsumed() uint64

	// OutputWritten returns the number of uncompressed bytes produced so far.
	OutputWritten() uint64

	// Checkpoint serializes the decoder's resumable state. It fails after a
	// Read error, since mid-symbol state cannot be restored.
	Checkpoint() ([]byte, error)
}

// Passthrough is the decoder for entries stored without compression.
// Input and output positions are identical, so its checkpoint is a single
// byte offset.
type Passthrough struct {
	r      io.Reader
	offset uint64
	err    error
}

// NewPassthrough creates a Passthrough reading from r.
func NewPassthrough(r io.Reader) *Passthrough {
	return &Passthrough{r: r}
}

// ResumePassthrough restores a Passthrough from checkpoint state. The
// supplied reader must be positioned at the checkpointed offset within the
// stored payload.
func ResumePassthrough(r io.Reader, state []byte) (*Passthrough, error) {
	offset, err := unmarshalPassthrough(state)
	if err != nil {
		return nil, err
	}
	return &Passthrough{r: r, offset: offset}, nil
}

func (p *Passthrough) Read(buf []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	n, err := p.r.Read(buf)
	p.offset += uint64(n)
	if err != nil && err != io.EOF {
		p.err = fmt.Errorf("%w: %v", ErrPoisoned, err)
		return 0, err
	}
	return n, err
}

// InputConsumed returns the byte offset within the stored payload.
func (p *Passthrough) InputConsumed() uint64 { return p.offset }

// OutputWritten equals InputConsumed for stored entries.
func (p *Passthrough) OutputWritten() uint64 { return p.offset }

// Checkpoint serializes the current offset.
func (p *Passthrough) Checkpoint() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return marshalPassthrough(p.offset), nil
}
