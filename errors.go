package depot

import (
	"fmt"

	"github.com/depotkit/depot/internal/fetch"
	"github.com/depotkit/depot/internal/zipcd"
)

// Errors re-exported from the manifest parser.
var (
	// ErrTooSmall is returned when the remote archive is smaller than the
	// minimum tail window and cannot be a valid archive.
	ErrTooSmall = zipcd.ErrTooSmall

	// ErrNoEOCD is returned when no end-of-central-directory record is
	// found within the backward-scan cap.
	ErrNoEOCD = zipcd.ErrNoEOCD

	// ErrFormat is returned when a central-directory record is
	// structurally invalid.
	ErrFormat = zipcd.ErrFormat
)

// Errors re-exported from the entry downloader.
var (
	// ErrChunkFailed is returned when every fetch attempt for one entry
	// was exhausted.
	ErrChunkFailed = fetch.ErrChunkFailed

	// ErrUnsafePath is returned when an entry name would escape the
	// installation directory.
	ErrUnsafePath = fetch.ErrUnsafePath

	// ErrUnsupportedCompression is returned for compression methods the
	// downloader cannot decode.
	ErrUnsupportedCompression = fetch.ErrUnsupportedCompression

	// ErrNoDataOffset is returned when an entry's payload location could
	// not be derived from the central directory.
	ErrNoDataOffset = fetch.ErrNoDataOffset
)

// ManifestError reports a failure to fetch or parse a remote archive's
// central directory. Manifest failures abort the install attempt; retry
// policy belongs to the caller.
type ManifestError struct {
	OfferID string
	BuildID string
	Err     error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("depot: manifest for offer %s build %s: %v", e.OfferID, e.BuildID, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }
