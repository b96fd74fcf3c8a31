package depot

import (
	"context"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/depotkit/depot/internal/zipcd"
)

// Manifest is the ordered list of entries parsed from a remote archive's
// central directory. Immutable once created; safe to share across readers.
type Manifest struct {
	Entries []Entry
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	return len(m.Entries)
}

// TotalUncompressed returns the sum of uncompressed entry sizes.
func (m *Manifest) TotalUncompressed() uint64 {
	var total uint64
	for i := range m.Entries {
		total += m.Entries[i].UncompressedSize
	}
	return total
}

// ManifestReader fetches and parses remote archive manifests, caching
// results per offer+build with bounded capacity and TTL/TTI expiry.
//
// Concurrent fetches for the same offer+build are deduplicated with
// singleflight, so a cache-miss storm issues one tail fetch.
type ManifestReader struct {
	logger  *slog.Logger
	maxTail int64
	cache   *manifestCache
	group   singleflight.Group
}

// ManifestOption configures a ManifestReader.
type ManifestOption func(*ManifestReader)

// WithManifestLogger sets the logger for manifest fetch diagnostics.
func WithManifestLogger(logger *slog.Logger) ManifestOption {
	return func(r *ManifestReader) {
		r.logger = logger
	}
}

// WithManifestCacheCapacity bounds the number of cached manifests.
func WithManifestCacheCapacity(n int) ManifestOption {
	return func(r *ManifestReader) {
		if n > 0 {
			r.cache.capacity = n
		}
	}
}

// WithManifestCacheTTL sets the absolute and idle expiry for cached
// manifests. A cached manifest expires when either elapses.
func WithManifestCacheTTL(ttl, tti time.Duration) ManifestOption {
	return func(r *ManifestReader) {
		r.cache.ttl = ttl
		r.cache.tti = tti
	}
}

// WithManifestMaxTail overrides the backward-scan cap for hostile or
// malformed archives.
func WithManifestMaxTail(n int64) ManifestOption {
	return func(r *ManifestReader) {
		r.maxTail = n
	}
}

// withManifestClock injects a clock for cache expiry tests.
func withManifestClock(now func() time.Time) ManifestOption {
	return func(r *ManifestReader) {
		r.cache.now = now
	}
}

// NewManifestReader creates a ManifestReader with a bounded TTL+TTI cache.
func NewManifestReader(opts ...ManifestOption) *ManifestReader {
	r := &ManifestReader{
		cache: newManifestCache(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ManifestReader) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Fetch returns the manifest for the given offer and build, parsing the
// archive's central directory over ranged reads of src on a cache miss.
// Parse failures surface as *ManifestError and are not retried here.
func (r *ManifestReader) Fetch(ctx context.Context, offerID, buildID string, src ArchiveSource) (*Manifest, error) {
	key := offerID + "\x00" + buildID
	if m, ok := r.cache.get(key); ok {
		return m, nil
	}

	result, err, _ := r.group.Do(key, func() (any, error) {
		// Another caller may have populated the cache while this one
		// waited on the singleflight lock.
		if m, ok := r.cache.get(key); ok {
			return m, nil
		}

		var opts []zipcd.Option
		if r.logger != nil {
			opts = append(opts, zipcd.WithLogger(r.logger))
		}
		if r.maxTail > 0 {
			opts = append(opts, zipcd.WithMaxTail(r.maxTail))
		}

		entries, err := zipcd.NewReader(src, opts...).Parse(ctx)
		if err != nil {
			return nil, &ManifestError{OfferID: offerID, BuildID: buildID, Err: err}
		}

		m := &Manifest{Entries: entries}
		r.cache.put(key, m)
		r.log().Debug("manifest parsed",
			"offer", offerID,
			"build", buildID,
			"entries", len(entries),
			"uncompressed", m.TotalUncompressed())
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Manifest), nil
}

// Invalidate drops any cached manifest for the given offer and build.
func (r *ManifestReader) Invalidate(offerID, buildID string) {
	r.cache.remove(offerID + "\x00" + buildID)
}
