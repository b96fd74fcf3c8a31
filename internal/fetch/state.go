package fetch

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
)

// State describes what is already on disk for an entry, derived fresh on
// every attempt from file size plus a checksum pass. It is never persisted.
type State int

const (
	// StateFresh means no local file exists or it is zero-length.
	StateFresh State = iota
	// StateResumable means a partial local file exists, or a full-size
	// file whose checksum does not match and may still be repairable.
	StateResumable
	// StateComplete means the local file matches the expected size and
	// CRC32 exactly.
	StateComplete
	// StateBorked means the local file is larger than the expected
	// uncompressed size and must be truncated before retrying.
	StateBorked
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateResumable:
		return "resumable"
	case StateComplete:
		return "complete"
	case StateBorked:
		return "borked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Classify derives the download state for the file at path against the
// expected uncompressed size and CRC32. The same function is used before
// a download to pick a resume strategy and after it to confirm success.
func Classify(path string, expectedSize uint64, expectedCRC uint32) (State, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return StateFresh, nil
	}
	if err != nil {
		return StateFresh, fmt.Errorf("classify %s: %w", path, err)
	}

	size := uint64(info.Size())
	switch {
	case size == 0:
		return StateFresh, nil
	case size > expectedSize:
		return StateBorked, nil
	case size < expectedSize:
		return StateResumable, nil
	}

	sum, err := checksumFile(path)
	if err != nil {
		return StateFresh, fmt.Errorf("classify %s: %w", path, err)
	}
	if sum == expectedCRC {
		return StateComplete, nil
	}
	return StateResumable, nil
}

func checksumFile(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
