package depot

import (
	"github.com/depotkit/depot/internal/fetch"
	"github.com/depotkit/depot/internal/zipcd"
)

// --- Re-exports from internal packages ---

// Entry describes one file within a remote archive.
type Entry = zipcd.Entry

// Compression identifies the compression method of an archive entry.
type Compression = zipcd.Compression

// DownloadState describes what already exists on disk for an entry.
type DownloadState = fetch.State

// DownloadFailedError reports an entry download that exhausted its
// retries, carrying the uncompressed bytes written so far.
type DownloadFailedError = fetch.DownloadFailedError

// Compression constants.
const (
	CompressionStored  = zipcd.CompressionStored
	CompressionDeflate = zipcd.CompressionDeflate
)

// DownloadState constants.
const (
	StateFresh     = fetch.StateFresh
	StateResumable = fetch.StateResumable
	StateComplete  = fetch.StateComplete
	StateBorked    = fetch.StateBorked
)
