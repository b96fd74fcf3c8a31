package depot

import (
	"context"
	"io"
)

// ArchiveSource provides random and streaming access to a remote archive.
// *http.Source implements it; tests substitute in-memory sources.
type ArchiveSource interface {
	// Size returns the total archive size in bytes.
	Size() int64

	// ReadAt reads len(p) bytes at absolute offset off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// ReadRange streams the byte range [off, off+length).
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
}
