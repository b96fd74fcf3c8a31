package decode

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/flate"
)

// deflateBytes compresses data as a raw DEFLATE stream at the given level.
func deflateBytes(t *testing.T, data []byte, level int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("flate write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("flate close: %v", err)
	}
	return buf.Bytes()
}

// compressible returns n bytes of text-like data that deflate can shrink.
func compressible(n int) []byte {
	const phrase = "resumable downloads pick up where the last checkpoint left off. "
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, phrase...)
	}
	return out[:n]
}

// random returns n bytes from a fixed seed, which deflate stores verbatim.
func random(n int) []byte {
	out := make([]byte, n)
	rand.New(rand.NewSource(7)).Read(out)
	return out
}

func readAll(t *testing.T, d Decoder, chunk int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, chunk)
	for {
		n, err := d.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestPassthrough(t *testing.T) {
	t.Parallel()

	data := random(4 << 10)
	p := NewPassthrough(bytes.NewReader(data))
	got := readAll(t, p, 123)
	if !bytes.Equal(got, data) {
		t.Fatal("output differs from input")
	}
	if p.InputConsumed() != uint64(len(data)) || p.OutputWritten() != uint64(len(data)) {
		t.Fatalf("counters = %d/%d, want %d", p.InputConsumed(), p.OutputWritten(), len(data))
	}
}

func TestPassthroughResume(t *testing.T) {
	t.Parallel()

	data := random(2 << 10)
	p := NewPassthrough(bytes.NewReader(data))
	buf := make([]byte, 700)
	if _, err := io.ReadFull(p, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	state, err := p.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	resumed, err := ResumePassthrough(bytes.NewReader(data[p.InputConsumed():]), state)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.InputConsumed() != 700 {
		t.Fatalf("resumed offset = %d, want 700", resumed.InputConsumed())
	}

	rest := readAll(t, resumed, 256)
	if !bytes.Equal(append(buf, rest...), data) {
		t.Fatal("resumed output differs from input")
	}
}

func TestInflate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		data  []byte
		level int
	}{
		{"dynamic huffman", compressible(64 << 10), flate.DefaultCompression},
		{"stored blocks", random(48 << 10), flate.NoCompression},
		{"fixed huffman", compressible(512), flate.HuffmanOnly},
		{"incompressible", random(20 << 10), flate.BestCompression},
		{"tiny", []byte("x"), flate.DefaultCompression},
		{"empty", nil, flate.DefaultCompression},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			comp := deflateBytes(t, tt.data, tt.level)
			d := NewInflate(bytes.NewReader(comp))
			got := readAll(t, d, 4<<10)
			if !bytes.Equal(got, tt.data) {
				t.Fatalf("decoded %d bytes differ from original %d bytes", len(got), len(tt.data))
			}
			if d.OutputWritten() != uint64(len(tt.data)) {
				t.Fatalf("OutputWritten = %d, want %d", d.OutputWritten(), len(tt.data))
			}
			if d.InputConsumed() > uint64(len(comp)) {
				t.Fatalf("InputConsumed = %d beyond stream size %d", d.InputConsumed(), len(comp))
			}
		})
	}
}

// TestInflateResume interrupts decoding at several points, rebuilds the
// decoder from the last checkpoint with a reader positioned at the consumed
// input offset, and verifies the combined output is byte-identical.
func TestInflateResume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		data  []byte
		level int
	}{
		{"dynamic huffman", compressible(200 << 10), flate.DefaultCompression},
		{"stored blocks", random(100 << 10), flate.NoCompression},
		{"deep window", append(compressible(40<<10), compressible(40<<10)...), flate.BestCompression},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			comp := deflateBytes(t, tt.data, tt.level)
			for _, cut := range []int{1, 100, len(tt.data) / 3, len(tt.data) / 2, len(tt.data) - 1} {
				d := NewInflate(bytes.NewReader(comp))
				prefix := make([]byte, cut)
				if _, err := io.ReadFull(d, prefix); err != nil {
					t.Fatalf("cut %d: read prefix: %v", cut, err)
				}

				state, err := d.Checkpoint()
				if err != nil {
					t.Fatalf("cut %d: checkpoint: %v", cut, err)
				}
				resumed, err := ResumeInflate(bytes.NewReader(comp[d.InputConsumed():]), state)
				if err != nil {
					t.Fatalf("cut %d: resume: %v", cut, err)
				}
				if resumed.OutputWritten() != uint64(cut) {
					t.Fatalf("cut %d: resumed OutputWritten = %d", cut, resumed.OutputWritten())
				}

				rest := readAll(t, resumed, 3000)
				if !bytes.Equal(append(prefix, rest...), tt.data) {
					t.Fatalf("cut %d: resumed output differs from original", cut)
				}
			}
		})
	}
}

// TestInflateCheckpointEveryRead checkpoints between every pair of Read
// calls and resumes from each, ensuring no reachable decoder state is
// unserializable.
func TestInflateCheckpointEveryRead(t *testing.T) {
	t.Parallel()

	data := compressible(8 << 10)
	comp := deflateBytes(t, data, flate.DefaultCompression)

	d := NewInflate(bytes.NewReader(comp))
	buf := make([]byte, 97)
	var out []byte
	for {
		n, err := d.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}

		state, err := d.Checkpoint()
		if err != nil {
			t.Fatalf("checkpoint at %d: %v", len(out), err)
		}
		resumed, err := ResumeInflate(bytes.NewReader(comp[d.InputConsumed():]), state)
		if err != nil {
			t.Fatalf("resume at %d: %v", len(out), err)
		}
		rest := readAll(t, resumed, 97)
		if !bytes.Equal(append(append([]byte(nil), out...), rest...), data) {
			t.Fatalf("resume at %d: output differs", len(out))
		}
	}
	if !bytes.Equal(out, data) {
		t.Fatal("primary output differs from original")
	}
}

func TestInflateTruncatedStream(t *testing.T) {
	t.Parallel()

	comp := deflateBytes(t, compressible(16<<10), flate.DefaultCompression)
	d := NewInflate(bytes.NewReader(comp[:len(comp)/2]))
	_, err := io.ReadAll(d)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestInflateCorruptStream(t *testing.T) {
	t.Parallel()

	// A reserved block type (11) in the first header bits.
	d := NewInflate(bytes.NewReader([]byte{0x07, 0x00, 0x00}))
	_, err := io.ReadAll(d)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

// TestInflatePoisoned verifies that a decoder is unusable after a Read
// error but the last checkpoint taken before the error still resumes.
func TestInflatePoisoned(t *testing.T) {
	t.Parallel()

	data := compressible(32 << 10)
	comp := deflateBytes(t, data, flate.DefaultCompression)

	failAt := len(comp) / 2
	d := NewInflate(io.MultiReader(
		bytes.NewReader(comp[:failAt]),
		&errReader{err: errors.New("connection reset")},
	))

	buf := make([]byte, 1<<10)
	var out []byte
	var state []byte
	for {
		n, err := d.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
		if state, err = d.Checkpoint(); err != nil {
			t.Fatalf("checkpoint: %v", err)
		}
	}

	if _, err := d.Read(buf); !errors.Is(err, ErrPoisoned) {
		t.Fatalf("Read after error = %v, want ErrPoisoned", err)
	}
	if _, err := d.Checkpoint(); !errors.Is(err, ErrPoisoned) {
		t.Fatalf("Checkpoint after error = %v, want ErrPoisoned", err)
	}

	resumed, err := ResumeInflate(bytes.NewReader(comp[consumedIn(t, state):]), state)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	done := resumed.OutputWritten()
	rest := readAll(t, resumed, 1<<10)
	if !bytes.Equal(append(data[:done:done], rest...), data) {
		t.Fatal("resumed output differs from original")
	}
}

// consumedIn extracts the consumed-input counter from an inflate checkpoint.
func consumedIn(t *testing.T, state []byte) uint64 {
	t.Helper()
	resumed, err := ResumeInflate(bytes.NewReader(nil), state)
	if err != nil {
		t.Fatalf("resume for inspection: %v", err)
	}
	return resumed.InputConsumed()
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

func TestBadCheckpoint(t *testing.T) {
	t.Parallel()

	d := NewInflate(bytes.NewReader(deflateBytes(t, compressible(4<<10), flate.DefaultCompression)))
	if _, err := d.Read(make([]byte, 512)); err != nil {
		t.Fatalf("read: %v", err)
	}
	good, err := d.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	flipped := append([]byte(nil), good...)
	flipped[len(flipped)/2] ^= 0x40

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 'x'

	tests := []struct {
		name  string
		state []byte
	}{
		{"empty", nil},
		{"too short", good[:6]},
		{"truncated", good[:len(good)-9]},
		{"flipped byte", flipped},
		{"bad magic", badMagic},
		{"wrong kind", mustMarshal(t, NewPassthrough(bytes.NewReader(nil)))},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ResumeInflate(bytes.NewReader(nil), tt.state); !errors.Is(err, ErrBadCheckpoint) {
				t.Fatalf("ResumeInflate = %v, want ErrBadCheckpoint", err)
			}
		})
	}

	t.Run("passthrough rejects inflate state", func(t *testing.T) {
		t.Parallel()
		if _, err := ResumePassthrough(bytes.NewReader(nil), good); !errors.Is(err, ErrBadCheckpoint) {
			t.Fatalf("ResumePassthrough = %v, want ErrBadCheckpoint", err)
		}
	})
}

func mustMarshal(t *testing.T, d Decoder) []byte {
	t.Helper()
	state, err := d.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	return state
}

func TestBuildHuffmanRejectsOversubscribed(t *testing.T) {
	t.Parallel()

	if _, err := buildHuffman([]uint8{1, 1, 1}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("oversubscribed lengths: err = %v, want ErrCorrupt", err)
	}
	if _, err := buildHuffman([]uint8{0, 0}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("all-zero lengths: err = %v, want ErrCorrupt", err)
	}
}
