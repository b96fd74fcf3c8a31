// Package zipcd reads ZIP and ZIP64 central directories from the tail of a
// remote archive without downloading the archive body.
//
// The reader keeps a growing in-memory window over the end of the file,
// extending it backward with ranged reads until the end-of-central-directory
// record and the full central directory are covered, then parses entry
// metadata in file order.
package zipcd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Signatures and fixed record sizes from the ZIP application note.
const (
	eocdSignature      = 0x06054b50
	eocd64Signature    = 0x06064b50
	locator64Signature = 0x07064b50
	centralSignature   = 0x02014b50

	eocdLen      = 22
	eocd64Len    = 56
	locator64Len = 20
	centralLen   = 46

	zip64ExtraID = 0x0001

	sentinel32 = 0xFFFFFFFF
	sentinel16 = 0xFFFF
)

// Window sizing for the backward scan.
const (
	initialTailBytes = 8 << 10
	widenStepBytes   = 1 << 10
	maxTailBytes     = 6 << 20
)

// Sentinel errors for central directory parsing. None of these are retried
// internally; retry policy belongs to the caller.
var (
	// ErrTooSmall is returned when the remote file is smaller than the
	// initial tail window and cannot be a distributable archive.
	ErrTooSmall = errors.New("zipcd: archive too small")

	// ErrNoEOCD is returned when no end-of-central-directory signature is
	// found within the bounded backward scan.
	ErrNoEOCD = errors.New("zipcd: end of central directory not found")

	// ErrFormat is returned when a record is structurally invalid.
	ErrFormat = errors.New("zipcd: malformed central directory")
)

// Compression identifies the compression method of an entry.
// Values match the ZIP method field.
type Compression uint16

const (
	CompressionStored  Compression = 0
	CompressionDeflate Compression = 8
)

func (c Compression) String() string {
	switch c {
	case CompressionStored:
		return "stored"
	case CompressionDeflate:
		return "deflate"
	default:
		return fmt.Sprintf("method(%d)", uint16(c))
	}
}

// Entry is the metadata of one archived file, parsed from its
// central-directory header. Entries are immutable once parsed.
type Entry struct {
	// Name is the forward-slash separated path. A trailing slash denotes
	// a directory marker.
	Name string

	// CRC32 is the IEEE checksum of the uncompressed content.
	CRC32 uint32

	// Compression is the ZIP method field.
	Compression Compression

	// CompressedSize and UncompressedSize are promoted to 64 bits from the
	// ZIP64 extra field when the legacy 32-bit field holds the sentinel.
	CompressedSize   uint64
	UncompressedSize uint64

	// DiskNumber is the disk the entry's data starts on.
	DiskNumber uint32

	// LocalHeaderOffset is the absolute offset of the entry's local header.
	LocalHeaderOffset uint64

	// DataOffset is the absolute offset of the compressed payload, derived
	// from the next entry's local header offset minus this entry's
	// compressed size. Valid only when DataOffsetValid is set; the
	// derivation requires adjacent entries stored contiguously on the same
	// disk.
	DataOffset      uint64
	DataOffsetValid bool
}

// IsDir reports whether the entry is a directory marker.
func (e *Entry) IsDir() bool {
	return strings.HasSuffix(e.Name, "/")
}

// Source provides ranged random access to the remote archive.
type Source interface {
	// Size returns the total archive size in bytes.
	Size() int64

	// ReadAt fills p with bytes starting at absolute offset off.
	// Reads observe ctx cancellation.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
}

// Reader parses the central directory of a remote archive.
type Reader struct {
	src     Source
	maxTail int64
	logger  *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithMaxTail overrides the backward-scan byte cap. Values <= 0 keep the
// default of 6 MiB.
func WithMaxTail(n int64) Option {
	return func(r *Reader) {
		if n > 0 {
			r.maxTail = n
		}
	}
}

// WithLogger sets the logger for parse diagnostics.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// NewReader creates a Reader over src.
func NewReader(src Source, opts ...Option) *Reader {
	r := &Reader{
		src:     src,
		maxTail: maxTailBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.logger
}

// Parse locates the end-of-central-directory record (plain or ZIP64),
// follows it to the central directory and returns all entries in file order
// with derived data offsets.
func (r *Reader) Parse(ctx context.Context) ([]Entry, error) {
	size := r.src.Size()
	if size < initialTailBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, size)
	}

	w := &tailWindow{src: r.src, size: size, start: size}
	if err := w.extendTo(ctx, size-initialTailBytes); err != nil {
		return nil, err
	}

	eocdPos, err := r.findEOCD(ctx, w)
	if err != nil {
		return nil, err
	}

	totalEntries, cdOffset, cdSize, eocdDisk, err := r.parseEOCD(ctx, w, eocdPos)
	if err != nil {
		return nil, err
	}
	r.log().Debug("end of central directory located",
		"entries", totalEntries, "cd_offset", cdOffset, "cd_size", cdSize, "disk", eocdDisk)

	if cdOffset >= uint64(size) {
		return nil, fmt.Errorf("%w: central directory offset %d beyond archive size %d", ErrFormat, cdOffset, size)
	}

	// Ensure the whole central directory is inside the window. This read is
	// sized exactly from the EOCD and is not subject to the scan cap.
	if int64(cdOffset) < w.start {
		if err := w.extendTo(ctx, int64(cdOffset)); err != nil {
			return nil, err
		}
	}

	entries, err := r.parseEntries(w, cdOffset, totalEntries)
	if err != nil {
		return nil, err
	}
	deriveDataOffsets(entries, cdOffset)
	return entries, nil
}

// findEOCD widens the tail window backward in bounded steps until the EOCD
// signature appears, or the scan cap is exhausted.
func (r *Reader) findEOCD(ctx context.Context, w *tailWindow) (int, error) {
	for {
		search := w.buf
		for {
			pos := ScanBackward(search, eocdSignature)
			if pos < 0 {
				break
			}
			if pos+eocdLen <= len(w.buf) {
				return pos, nil
			}
			// Signature too close to the end to hold a record; the match is
			// stray bytes. Keep looking further left.
			search = search[:pos+3]
		}
		if w.start == 0 || int64(len(w.buf)) >= r.maxTail {
			return 0, fmt.Errorf("%w: scanned %d bytes", ErrNoEOCD, len(w.buf))
		}
		step := int64(widenStepBytes)
		if remaining := r.maxTail - int64(len(w.buf)); remaining < step {
			step = remaining
		}
		if err := w.extendTo(ctx, w.start-step); err != nil {
			return 0, err
		}
	}
}

// parseEOCD decodes the fixed 22-byte record and, when the 32-bit fields
// carry ZIP64 sentinels, resolves the ZIP64 EOCD record instead.
func (r *Reader) parseEOCD(ctx context.Context, w *tailWindow, pos int) (total uint64, cdOffset uint64, cdSize uint64, disk uint32, err error) {
	b := readBuf(w.buf[pos : pos+eocdLen])
	_ = b.uint32() // signature
	diskNum := b.uint16()
	_ = b.uint16() // disk where central directory starts
	_ = b.uint16() // entries on this disk
	totalEntries := b.uint16()
	size32 := b.uint32()
	offset32 := b.uint32()
	commentLen := b.uint16()
	// The window always reaches the end of the file, so the comment must fit
	// in what is left of the buffer.
	if pos+eocdLen+int(commentLen) > len(w.buf) {
		return 0, 0, 0, 0, fmt.Errorf("%w: comment overruns archive", ErrFormat)
	}

	if offset32 != sentinel32 && totalEntries != sentinel16 && size32 != sentinel32 {
		return uint64(totalEntries), uint64(offset32), uint64(size32), uint32(diskNum), nil
	}
	return r.parseEOCD64(ctx, w, pos)
}

// parseEOCD64 locates the ZIP64 EOCD locator below the plain EOCD, follows
// its absolute offset to the ZIP64 EOCD record and returns its 64-bit values.
func (r *Reader) parseEOCD64(ctx context.Context, w *tailWindow, eocdPos int) (total uint64, cdOffset uint64, cdSize uint64, disk uint32, err error) {
	locPos := ScanBackward(w.buf[:eocdPos], locator64Signature)
	if locPos < 0 || locPos+locator64Len > len(w.buf) {
		return 0, 0, 0, 0, fmt.Errorf("%w: ZIP64 locator missing", ErrFormat)
	}
	lb := readBuf(w.buf[locPos : locPos+locator64Len])
	_ = lb.uint32() // signature
	_ = lb.uint32() // disk with ZIP64 EOCD
	recOffset := lb.uint64()
	_ = lb.uint32() // total disks

	if recOffset >= uint64(w.size) {
		return 0, 0, 0, 0, fmt.Errorf("%w: ZIP64 record offset %d beyond archive", ErrFormat, recOffset)
	}
	if int64(recOffset) < w.start {
		if err := w.extendTo(ctx, int64(recOffset)); err != nil {
			return 0, 0, 0, 0, err
		}
	}
	rel := int(int64(recOffset) - w.start)
	if rel+eocd64Len > len(w.buf) {
		return 0, 0, 0, 0, fmt.Errorf("%w: truncated ZIP64 record", ErrFormat)
	}
	rb := readBuf(w.buf[rel : rel+eocd64Len])
	if rb.uint32() != eocd64Signature {
		return 0, 0, 0, 0, fmt.Errorf("%w: bad ZIP64 record signature", ErrFormat)
	}
	_ = rb.uint64() // size of record
	_ = rb.uint16() // version made by
	_ = rb.uint16() // version needed
	diskNum := rb.uint32()
	_ = rb.uint32() // disk where central directory starts
	_ = rb.uint64() // entries on this disk
	totalEntries := rb.uint64()
	size64 := rb.uint64()
	offset64 := rb.uint64()

	if offset64 == sentinel32 || offset64 >= uint64(w.size) {
		return 0, 0, 0, 0, fmt.Errorf("%w: unresolved central directory offset", ErrFormat)
	}
	return totalEntries, offset64, size64, diskNum, nil
}

// parseEntries walks totalEntries central-directory headers sequentially
// starting at cdOffset. Headers must be visited in file order: data offset
// derivation depends on the following entry.
func (r *Reader) parseEntries(w *tailWindow, cdOffset, totalEntries uint64) ([]Entry, error) {
	buf := w.buf[int64(cdOffset)-w.start:]
	entries := make([]Entry, 0, totalEntries)

	for i := uint64(0); i < totalEntries; i++ {
		if len(buf) < centralLen {
			return nil, fmt.Errorf("%w: %d of %d entries parsed", ErrFormat, i, totalEntries)
		}
		b := readBuf(buf[:centralLen])
		if b.uint32() != centralSignature {
			return nil, fmt.Errorf("%w: bad header signature at entry %d", ErrFormat, i)
		}
		_ = b.uint16() // version made by
		_ = b.uint16() // version needed
		_ = b.uint16() // flags
		method := b.uint16()
		_ = b.uint16() // mod time
		_ = b.uint16() // mod date
		crc := b.uint32()
		compSize32 := b.uint32()
		uncompSize32 := b.uint32()
		nameLen := int(b.uint16())
		extraLen := int(b.uint16())
		commentLen := int(b.uint16())
		diskNum16 := b.uint16()
		_ = b.uint16() // internal attributes
		_ = b.uint32() // external attributes
		headerOffset32 := b.uint32()

		varLen := nameLen + extraLen + commentLen
		if len(buf) < centralLen+varLen {
			return nil, fmt.Errorf("%w: truncated entry %d", ErrFormat, i)
		}
		name := string(buf[centralLen : centralLen+nameLen])
		extra := buf[centralLen+nameLen : centralLen+nameLen+extraLen]

		entry := Entry{
			Name:              name,
			CRC32:             crc,
			Compression:       Compression(method),
			CompressedSize:    uint64(compSize32),
			UncompressedSize:  uint64(uncompSize32),
			DiskNumber:        uint32(diskNum16),
			LocalHeaderOffset: uint64(headerOffset32),
		}
		if err := applyZip64Extra(&entry, extra, uncompSize32, compSize32, headerOffset32, diskNum16); err != nil {
			return nil, fmt.Errorf("%w: entry %d (%s)", err, i, name)
		}

		entries = append(entries, entry)
		buf = buf[centralLen+varLen:]
	}

	// Only an end record may follow the last entry. Another central header
	// or garbage means the EOCD count disagreed with the directory itself.
	if len(buf) >= 4 {
		b := readBuf(buf[:4])
		if sig := b.uint32(); sig != eocdSignature && sig != eocd64Signature && sig != locator64Signature {
			return nil, fmt.Errorf("%w: entry count mismatch", ErrFormat)
		}
	}
	return entries, nil
}

// applyZip64Extra promotes 32-bit fields from the ZIP64 extension. The
// extension stores 64-bit values only for fields whose legacy counterpart is
// the sentinel, in fixed order: uncompressed size, compressed size, local
// header offset, disk number.
func applyZip64Extra(e *Entry, extra []byte, uncomp32, comp32, header32 uint32, disk16 uint16) error {
	b := readBuf(extra)
	for len(b) >= 4 {
		id := b.uint16()
		fieldLen := int(b.uint16())
		if len(b) < fieldLen {
			return fmt.Errorf("%w: truncated extra field", ErrFormat)
		}
		field := b.sub(fieldLen)
		if id != zip64ExtraID {
			continue
		}
		if uncomp32 == sentinel32 {
			if len(field) < 8 {
				return fmt.Errorf("%w: short ZIP64 extension", ErrFormat)
			}
			e.UncompressedSize = field.uint64()
		}
		if comp32 == sentinel32 {
			if len(field) < 8 {
				return fmt.Errorf("%w: short ZIP64 extension", ErrFormat)
			}
			e.CompressedSize = field.uint64()
		}
		if header32 == sentinel32 {
			if len(field) < 8 {
				return fmt.Errorf("%w: short ZIP64 extension", ErrFormat)
			}
			e.LocalHeaderOffset = field.uint64()
		}
		if disk16 == sentinel16 {
			if len(field) < 4 {
				return fmt.Errorf("%w: short ZIP64 extension", ErrFormat)
			}
			e.DiskNumber = field.uint32()
		}
	}
	return nil
}

// deriveDataOffsets computes each entry's payload offset from the following
// entry's local header. The last entry borrows the central directory offset
// as its upper bound. A disk-number change between adjacent entries, or an
// offset that would underflow, leaves the derivation flagged invalid rather
// than silently wrong.
func deriveDataOffsets(entries []Entry, cdOffset uint64) {
	for i := range entries {
		var next uint64
		switch {
		case i+1 < len(entries):
			if entries[i].DiskNumber != entries[i+1].DiskNumber {
				continue
			}
			next = entries[i+1].LocalHeaderOffset
		default:
			next = cdOffset
		}
		if next < entries[i].CompressedSize {
			continue
		}
		entries[i].DataOffset = next - entries[i].CompressedSize
		entries[i].DataOffsetValid = true
	}
}

// tailWindow is a contiguous in-memory view over the end of the archive.
// extendTo prepends ranged reads so buf always covers [start, end).
type tailWindow struct {
	src   Source
	size  int64
	start int64
	buf   []byte
}

func (w *tailWindow) end() int64 {
	return w.start + int64(len(w.buf))
}

func (w *tailWindow) extendTo(ctx context.Context, absOff int64) error {
	if absOff < 0 {
		absOff = 0
	}
	if absOff >= w.start {
		return nil
	}
	need := w.start - absOff
	grown := make([]byte, need+int64(len(w.buf)))
	if _, err := w.src.ReadAt(ctx, grown[:need], absOff); err != nil {
		return fmt.Errorf("zipcd: tail read at %d: %w", absOff, err)
	}
	copy(grown[need:], w.buf)
	w.buf = grown
	w.start = absOff
	return nil
}
