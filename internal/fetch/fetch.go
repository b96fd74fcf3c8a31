// Package fetch downloads single archive entries with resumable,
// checkpointed decompression. Every attempt re-derives its resume point
// from the decoder's consumed-input counter, so partial downloads survive
// crashes, cancellation, and network failures.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/depotkit/depot/internal/decode"
	"github.com/depotkit/depot/internal/zipcd"
)

const (
	defaultMaxAttempts = 5
	defaultBufferSize  = 64 << 10

	checkpointExt = ".dlstate"
)

var (
	// ErrChunkFailed is returned when all fetch attempts for one entry
	// were exhausted without reaching the end of its compressed range.
	ErrChunkFailed = errors.New("fetch: chunk failed")

	// ErrUnsafePath is returned when an entry name would escape the
	// destination directory.
	ErrUnsafePath = errors.New("fetch: entry path escapes destination")

	// ErrUnsupportedCompression is returned for compression methods the
	// downloader cannot decode.
	ErrUnsupportedCompression = errors.New("fetch: unsupported compression method")

	// ErrNoDataOffset is returned when an entry's payload location could
	// not be derived from the central directory.
	ErrNoDataOffset = errors.New("fetch: entry has no resolved data offset")
)

// DownloadFailedError reports a download that exhausted its retries,
// carrying how many uncompressed bytes made it to disk.
type DownloadFailedError struct {
	Entry string
	Bytes uint64
	Err   error
}

func (e *DownloadFailedError) Error() string {
	return fmt.Sprintf("fetch: download failed for %s after %d bytes: %v", e.Entry, e.Bytes, e.Err)
}

func (e *DownloadFailedError) Unwrap() error { return e.Err }

// Source provides streaming reads of byte ranges from the remote archive.
type Source interface {
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
}

// EntryDownloader fetches individual archive entries into a destination
// directory, persisting decoder checkpoints under a state directory so
// interrupted transfers resume mid-stream.
type EntryDownloader struct {
	src      Source
	destRoot string
	stateDir string
	logger   *slog.Logger
	attempts int
	bufSize  int
}

// Option configures an EntryDownloader.
type Option func(*EntryDownloader)

// WithLogger sets the logger for download diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *EntryDownloader) {
		d.logger = logger
	}
}

// WithMaxAttempts overrides the per-entry fetch attempt budget.
func WithMaxAttempts(n int) Option {
	return func(d *EntryDownloader) {
		if n > 0 {
			d.attempts = n
		}
	}
}

// WithBufferSize sets the decode buffer size.
func WithBufferSize(n int) Option {
	return func(d *EntryDownloader) {
		if n > 0 {
			d.bufSize = n
		}
	}
}

// NewEntryDownloader creates a downloader writing entry payloads under
// destRoot and decoder checkpoints under stateDir.
func NewEntryDownloader(src Source, destRoot, stateDir string, opts ...Option) *EntryDownloader {
	d := &EntryDownloader{
		src:      src,
		destRoot: destRoot,
		stateDir: stateDir,
		attempts: defaultMaxAttempts,
		bufSize:  defaultBufferSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	initMetrics()
	return d
}

func (d *EntryDownloader) log() *slog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Download fetches one entry to its destination path. Complete entries
// are a no-op; partial entries resume from the last durable checkpoint;
// oversized entries are truncated and restarted. Failures leave partial
// output and checkpoints in place for a later resume.
func (d *EntryDownloader) Download(ctx context.Context, entry zipcd.Entry) error {
	dest, err := d.entryPath(entry.Name)
	if err != nil {
		return err
	}

	if entry.IsDir() {
		return os.MkdirAll(dest, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("fetch: create parent for %s: %w", entry.Name, err)
	}

	cpPath := d.checkpointPath(entry.Name)

	// Zero-byte markers never touch the network.
	if entry.UncompressedSize == 0 {
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("fetch: create %s: %w", entry.Name, err)
		}
		_ = os.Remove(cpPath)
		return f.Close()
	}

	state, err := Classify(dest, entry.UncompressedSize, entry.CRC32)
	if err != nil {
		return err
	}
	if state == StateComplete {
		_ = os.Remove(cpPath)
		return nil
	}

	if !entry.DataOffsetValid {
		return fmt.Errorf("%w: %s", ErrNoDataOffset, entry.Name)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("fetch: open %s: %w", entry.Name, err)
	}
	defer f.Close()

	if state == StateBorked {
		d.log().Warn("local file larger than expected, restarting",
			"entry", entry.Name, "expected", entry.UncompressedSize)
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("fetch: truncate %s: %w", entry.Name, err)
		}
		_ = os.Remove(cpPath)
		state = StateFresh
	}

	sw := &swapReader{}
	dec, err := d.openDecoder(entry, sw, cpPath, f, state == StateResumable)
	if err != nil {
		return err
	}

	metInflight.Inc()
	defer metInflight.Dec()

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		err := d.stream(ctx, f, sw, dec, entry, cpPath)
		if err == nil {
			_ = os.Remove(cpPath)
			metDownloads.WithLabelValues("complete").Inc()
			return nil
		}
		if ctx.Err() != nil {
			// Cancellation is not a failure: partial output and
			// checkpoint stay on disk for the next attempt.
			return ctx.Err()
		}
		lastErr = err
		metRetries.Inc()
		d.log().Warn("entry fetch failed",
			"entry", entry.Name,
			"attempt", attempt,
			"consumed", dec.InputConsumed(),
			"error", err)

		// Rebuild the decoder from the freshest durable checkpoint; the
		// in-memory one may be poisoned mid-symbol.
		dec, err = d.openDecoder(entry, sw, cpPath, f, true)
		if err != nil {
			return err
		}
	}

	metDownloads.WithLabelValues("failed").Inc()
	return &DownloadFailedError{
		Entry: entry.Name,
		Bytes: dec.OutputWritten(),
		Err:   fmt.Errorf("%w: %v", ErrChunkFailed, lastErr),
	}
}

// openDecoder builds a decoder for the entry, resuming from the on-disk
// checkpoint when one is present and loadable, and positions the output
// file to match the decoder's written counter.
func (d *EntryDownloader) openDecoder(entry zipcd.Entry, sw *swapReader, cpPath string, f *os.File, resume bool) (decode.Decoder, error) {
	var state []byte
	if resume {
		if b, err := os.ReadFile(cpPath); err == nil {
			state = b
		}
	}

	dec, err := newDecoder(entry.Compression, sw, state)
	if err != nil {
		if errors.Is(err, ErrUnsupportedCompression) {
			return nil, err
		}
		d.log().Warn("discarding unusable checkpoint", "entry", entry.Name, "error", err)
		_ = os.Remove(cpPath)
		dec, err = newDecoder(entry.Compression, sw, nil)
		if err != nil {
			return nil, err
		}
	}

	// The checkpoint must describe bytes already on disk. If the file is
	// shorter than the checkpointed output, the checkpoint is stale.
	if info, serr := f.Stat(); serr == nil && uint64(info.Size()) < dec.OutputWritten() {
		d.log().Warn("checkpoint ahead of output, restarting", "entry", entry.Name)
		_ = os.Remove(cpPath)
		dec, err = newDecoder(entry.Compression, sw, nil)
		if err != nil {
			return nil, err
		}
	}

	written := int64(dec.OutputWritten())
	if err := f.Truncate(written); err != nil {
		return nil, fmt.Errorf("fetch: truncate %s: %w", entry.Name, err)
	}
	if _, err := f.Seek(written, io.SeekStart); err != nil {
		return nil, fmt.Errorf("fetch: seek %s: %w", entry.Name, err)
	}
	return dec, nil
}

// stream runs one fetch attempt: open the remaining compressed range,
// pump it through the decoder into the file, and persist a checkpoint
// after every write so the checkpoint never describes unwritten bytes.
func (d *EntryDownloader) stream(ctx context.Context, f *os.File, sw *swapReader, dec decode.Decoder, entry zipcd.Entry, cpPath string) error {
	start := dec.InputConsumed()
	if start > entry.CompressedSize {
		return fmt.Errorf("fetch: resume point %d beyond compressed size %d", start, entry.CompressedSize)
	}

	rc, err := d.src.ReadRange(ctx, int64(entry.DataOffset+start), int64(entry.CompressedSize-start))
	if err != nil {
		return err
	}
	defer rc.Close()
	sw.r = rc

	buf := make([]byte, d.bufSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := dec.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			metBytes.Add(float64(n))
			if rerr == nil || rerr == io.EOF {
				cp, cerr := dec.Checkpoint()
				if cerr != nil {
					return cerr
				}
				if werr := writeFileAtomic(cpPath, cp); werr != nil {
					return werr
				}
			}
		}
		if rerr == io.EOF {
			if dec.OutputWritten() != entry.UncompressedSize {
				return fmt.Errorf("fetch: decoded %d bytes, expected %d", dec.OutputWritten(), entry.UncompressedSize)
			}
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// Verify re-derives the on-disk state for an entry. Callers use it after
// Download to confirm the result is Complete.
func (d *EntryDownloader) Verify(entry zipcd.Entry) (State, error) {
	if entry.IsDir() || entry.UncompressedSize == 0 {
		return StateComplete, nil
	}
	dest, err := d.entryPath(entry.Name)
	if err != nil {
		return StateFresh, err
	}
	return Classify(dest, entry.UncompressedSize, entry.CRC32)
}

func (d *EntryDownloader) entryPath(name string) (string, error) {
	trimmed := strings.TrimSuffix(name, "/")
	if trimmed == "" || !fs.ValidPath(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(d.destRoot, filepath.FromSlash(trimmed)), nil
}

// checkpointPath maps an entry name to its decoder-state side file. The
// name is hashed so arbitrary archive paths become flat, safe filenames.
func (d *EntryDownloader) checkpointPath(name string) string {
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(d.stateDir, hex.EncodeToString(sum[:])+checkpointExt)
}

func newDecoder(method zipcd.Compression, r io.Reader, state []byte) (decode.Decoder, error) {
	switch method {
	case zipcd.CompressionStored:
		if state == nil {
			return decode.NewPassthrough(r), nil
		}
		return decode.ResumePassthrough(r, state)
	case zipcd.CompressionDeflate:
		if state == nil {
			return decode.NewInflate(r), nil
		}
		return decode.ResumeInflate(r, state)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, method)
	}
}

// swapReader lets the decoder outlive individual range responses: each
// attempt points it at a fresh body without rebuilding the decoder.
type swapReader struct {
	r io.Reader
}

func (s *swapReader) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, io.EOF
	}
	return s.r.Read(p)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "state-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
