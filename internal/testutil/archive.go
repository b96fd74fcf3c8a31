package testutil

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/klauspost/compress/flate"
)

// FileSpec describes one archive entry to build. A Name ending in "/"
// with no data produces a directory entry.
type FileSpec struct {
	Name       string
	Data       []byte
	Deflate    bool
	ForceZip64 bool
	DiskNumber uint16
}

// PlacedEntry records where BuildArchive put an entry, so tests can
// assert parsed offsets against ground truth.
type PlacedEntry struct {
	Name              string
	CRC32             uint32
	CompressedSize    uint64
	UncompressedSize  uint64
	LocalHeaderOffset uint64
	DataOffset        uint64
	Deflate           bool
}

// Archive is a fully assembled ZIP image plus the placement of each entry.
type Archive struct {
	Bytes   []byte
	Entries []PlacedEntry
}

// ArchiveOption configures BuildArchive.
type ArchiveOption func(*archiveConfig)

type archiveConfig struct {
	comment string
	prefix  int
	minSize int
	zip64   bool
}

// WithComment appends an end-of-central-directory comment. A comment
// larger than the initial tail window forces the backward scan to widen.
func WithComment(comment string) ArchiveOption {
	return func(c *archiveConfig) { c.comment = comment }
}

// WithPrefix prepends n bytes of filler before the first local header,
// the way self-extracting stubs do.
func WithPrefix(n int) ArchiveOption {
	return func(c *archiveConfig) { c.prefix = n }
}

// WithMinSize pads the archive with leading filler until the total image
// is at least n bytes.
func WithMinSize(n int) ArchiveOption {
	return func(c *archiveConfig) { c.minSize = n }
}

// WithZip64EOCD forces the ZIP64 end-of-central-directory record and
// locator even when field values would fit the classic record.
func WithZip64EOCD() ArchiveOption {
	return func(c *archiveConfig) { c.zip64 = true }
}

// BuildArchive assembles a ZIP image byte by byte. Entries are laid out
// back to back with no data descriptors, so every data offset equals the
// next local header offset minus the compressed size.
func BuildArchive(tb testing.TB, files []FileSpec, opts ...ArchiveOption) Archive {
	tb.Helper()

	var cfg archiveConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	a := assemble(tb, files, cfg)
	if cfg.minSize > len(a.Bytes) {
		cfg.prefix += cfg.minSize - len(a.Bytes)
		a = assemble(tb, files, cfg)
	}
	return a
}

const (
	sigLocal     = 0x04034b50
	sigCentral   = 0x02014b50
	sigEOCD      = 0x06054b50
	sigEOCD64    = 0x06064b50
	sigLocator64 = 0x07064b50

	methodStored  = 0
	methodDeflate = 8

	sentinel32 = 0xFFFFFFFF
	sentinel16 = 0xFFFF
)

func assemble(tb testing.TB, files []FileSpec, cfg archiveConfig) Archive {
	tb.Helper()

	var img []byte
	img = append(img, bytes.Repeat([]byte{0xA5}, cfg.prefix)...)

	placed := make([]PlacedEntry, len(files))
	for i, f := range files {
		comp := f.Data
		method := uint16(methodStored)
		if f.Deflate {
			comp = deflateBytes(tb, f.Data)
			method = methodDeflate
		}

		localOff := uint64(len(img))
		img = binary.LittleEndian.AppendUint32(img, sigLocal)
		img = binary.LittleEndian.AppendUint16(img, 20) // version needed
		img = binary.LittleEndian.AppendUint16(img, 0)  // flags
		img = binary.LittleEndian.AppendUint16(img, method)
		img = binary.LittleEndian.AppendUint16(img, 0) // mod time
		img = binary.LittleEndian.AppendUint16(img, 0) // mod date
		img = binary.LittleEndian.AppendUint32(img, crc32.ChecksumIEEE(f.Data))
		img = binary.LittleEndian.AppendUint32(img, uint32(len(comp)))
		img = binary.LittleEndian.AppendUint32(img, uint32(len(f.Data)))
		img = binary.LittleEndian.AppendUint16(img, uint16(len(f.Name)))
		img = binary.LittleEndian.AppendUint16(img, 0) // extra len
		img = append(img, f.Name...)

		dataOff := uint64(len(img))
		img = append(img, comp...)

		placed[i] = PlacedEntry{
			Name:              f.Name,
			CRC32:             crc32.ChecksumIEEE(f.Data),
			CompressedSize:    uint64(len(comp)),
			UncompressedSize:  uint64(len(f.Data)),
			LocalHeaderOffset: localOff,
			DataOffset:        dataOff,
			Deflate:           f.Deflate,
		}
	}

	cdOffset := uint64(len(img))
	for i, f := range files {
		p := placed[i]
		method := uint16(methodStored)
		if f.Deflate {
			method = methodDeflate
		}

		var extra []byte
		uncomp32 := uint32(p.UncompressedSize)
		comp32 := uint32(p.CompressedSize)
		off32 := uint32(p.LocalHeaderOffset)
		if f.ForceZip64 {
			uncomp32, comp32, off32 = sentinel32, sentinel32, sentinel32
			extra = binary.LittleEndian.AppendUint16(extra, 0x0001)
			extra = binary.LittleEndian.AppendUint16(extra, 24)
			extra = binary.LittleEndian.AppendUint64(extra, p.UncompressedSize)
			extra = binary.LittleEndian.AppendUint64(extra, p.CompressedSize)
			extra = binary.LittleEndian.AppendUint64(extra, p.LocalHeaderOffset)
		}

		img = binary.LittleEndian.AppendUint32(img, sigCentral)
		img = binary.LittleEndian.AppendUint16(img, 45) // version made by
		img = binary.LittleEndian.AppendUint16(img, 20) // version needed
		img = binary.LittleEndian.AppendUint16(img, 0)  // flags
		img = binary.LittleEndian.AppendUint16(img, method)
		img = binary.LittleEndian.AppendUint16(img, 0) // mod time
		img = binary.LittleEndian.AppendUint16(img, 0) // mod date
		img = binary.LittleEndian.AppendUint32(img, p.CRC32)
		img = binary.LittleEndian.AppendUint32(img, comp32)
		img = binary.LittleEndian.AppendUint32(img, uncomp32)
		img = binary.LittleEndian.AppendUint16(img, uint16(len(f.Name)))
		img = binary.LittleEndian.AppendUint16(img, uint16(len(extra)))
		img = binary.LittleEndian.AppendUint16(img, 0) // comment len
		img = binary.LittleEndian.AppendUint16(img, f.DiskNumber)
		img = binary.LittleEndian.AppendUint16(img, 0) // internal attrs
		img = binary.LittleEndian.AppendUint32(img, 0) // external attrs
		img = binary.LittleEndian.AppendUint32(img, off32)
		img = append(img, f.Name...)
		img = append(img, extra...)
	}
	cdSize := uint64(len(img)) - cdOffset

	count16 := uint16(len(files))
	cdSize32 := uint32(cdSize)
	cdOffset32 := uint32(cdOffset)
	if cfg.zip64 {
		count16, cdSize32, cdOffset32 = sentinel16, sentinel32, sentinel32

		eocd64Off := uint64(len(img))
		img = binary.LittleEndian.AppendUint32(img, sigEOCD64)
		img = binary.LittleEndian.AppendUint64(img, 44) // record size
		img = binary.LittleEndian.AppendUint16(img, 45) // version made by
		img = binary.LittleEndian.AppendUint16(img, 45) // version needed
		img = binary.LittleEndian.AppendUint32(img, 0)  // this disk
		img = binary.LittleEndian.AppendUint32(img, 0)  // cd start disk
		img = binary.LittleEndian.AppendUint64(img, uint64(len(files)))
		img = binary.LittleEndian.AppendUint64(img, uint64(len(files)))
		img = binary.LittleEndian.AppendUint64(img, cdSize)
		img = binary.LittleEndian.AppendUint64(img, cdOffset)

		img = binary.LittleEndian.AppendUint32(img, sigLocator64)
		img = binary.LittleEndian.AppendUint32(img, 0) // disk with eocd64
		img = binary.LittleEndian.AppendUint64(img, eocd64Off)
		img = binary.LittleEndian.AppendUint32(img, 1) // total disks
	}

	img = binary.LittleEndian.AppendUint32(img, sigEOCD)
	img = binary.LittleEndian.AppendUint16(img, 0) // this disk
	img = binary.LittleEndian.AppendUint16(img, 0) // cd start disk
	img = binary.LittleEndian.AppendUint16(img, count16)
	img = binary.LittleEndian.AppendUint16(img, count16)
	img = binary.LittleEndian.AppendUint32(img, cdSize32)
	img = binary.LittleEndian.AppendUint32(img, cdOffset32)
	img = binary.LittleEndian.AppendUint16(img, uint16(len(cfg.comment)))
	img = append(img, cfg.comment...)

	return Archive{Bytes: img, Entries: placed}
}

func deflateBytes(tb testing.TB, data []byte) []byte {
	tb.Helper()

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		tb.Fatalf("flate.NewWriter() error = %v", err)
	}
	if _, err := w.Write(data); err != nil {
		tb.Fatalf("flate write error = %v", err)
	}
	if err := w.Close(); err != nil {
		tb.Fatalf("flate close error = %v", err)
	}
	return buf.Bytes()
}
