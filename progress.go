package depot

// ProgressEvent represents a progress update during an install.
type ProgressEvent struct {
	// Stage identifies the current phase of the install.
	Stage ProgressStage

	// OfferID and BuildID identify the install the event belongs to.
	OfferID string
	BuildID string

	// Path is the archive entry currently being processed, if applicable.
	Path string

	// EntriesDone is the number of entries fully downloaded and verified.
	EntriesDone int

	// EntriesTotal is the total number of entries in the manifest.
	// Zero indicates the manifest has not been parsed yet.
	EntriesTotal int

	// BytesTotal is the total uncompressed size of the install.
	// Zero indicates the total is unknown.
	BytesTotal uint64
}

// ProgressStage identifies the current phase of an install.
type ProgressStage uint8

// Install stages, in the order an untroubled install passes through them.
const (
	// StageFetchingManifest indicates the archive tail is being fetched
	// and the central directory parsed.
	StageFetchingManifest ProgressStage = iota

	// StageDownloading indicates entries are being fetched and decoded.
	StageDownloading

	// StageVerifying indicates an entry is being checksummed after its
	// download finished.
	StageVerifying

	// StageCompleted indicates the install finished with every entry
	// verified.
	StageCompleted

	// StageFailed indicates the install attempt stopped with entries
	// still outstanding. Partial state remains on disk for a resume.
	StageFailed
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageFetchingManifest:
		return "fetching-manifest"
	case StageDownloading:
		return "downloading"
	case StageVerifying:
		return "verifying"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}
