package depot

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotkit/depot/internal/fetch"
	"github.com/depotkit/depot/internal/testutil"
)

// installFixture is an assembled archive image plus its manifest and the
// payloads the install is expected to materialize.
type installFixture struct {
	img      []byte
	manifest *Manifest
	payloads map[string][]byte
}

// buildInstallFixture assembles the canonical three-entry install: a
// zero-byte marker, a small stored file, and a large deflated file.
func buildInstallFixture(tb testing.TB) installFixture {
	tb.Helper()

	payloads := map[string][]byte{
		"empty.bin":  nil,
		"config.dat": bytes.Repeat([]byte{0x42}, 1024),
		"assets.pak": bytes.Repeat([]byte("level geometry and texture atlas data. "), 25000),
	}
	a := testutil.BuildArchive(tb, []testutil.FileSpec{
		{Name: "empty.bin"},
		{Name: "config.dat", Data: payloads["config.dat"]},
		{Name: "assets.pak", Data: payloads["assets.pak"], Deflate: true},
	}, testutil.WithMinSize(8<<10))

	m := &Manifest{}
	for _, pe := range a.Entries {
		m.Entries = append(m.Entries, placedToEntry(pe))
	}
	return installFixture{img: a.Bytes, manifest: m, payloads: payloads}
}

func placedToEntry(pe testutil.PlacedEntry) Entry {
	e := Entry{
		Name:              pe.Name,
		CRC32:             pe.CRC32,
		Compression:       CompressionStored,
		CompressedSize:    pe.CompressedSize,
		UncompressedSize:  pe.UncompressedSize,
		LocalHeaderOffset: pe.LocalHeaderOffset,
		DataOffset:        pe.DataOffset,
		DataOffsetValid:   true,
	}
	if pe.Deflate {
		e.Compression = CompressionDeflate
	}
	return e
}

func assertInstalled(tb testing.TB, dest string, payloads map[string][]byte) {
	tb.Helper()
	for name, want := range payloads {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(tb, err, name)
		assert.True(tb, bytes.Equal(got, want), "%s: content differs", name)
	}
}

func TestGameDownloaderRun(t *testing.T) {
	t.Parallel()

	f := buildInstallFixture(t)
	dest := t.TempDir()
	fetcher := fetch.NewEntryDownloader(
		testutil.NewBytesSource(f.img), dest, filepath.Join(dest, ".state"))

	var mu sync.Mutex
	var stages []ProgressStage
	notify := func(ev ProgressEvent) {
		mu.Lock()
		stages = append(stages, ev.Stage)
		mu.Unlock()
	}

	game := QueuedGame{OfferID: "offer", BuildID: "build", Path: dest}
	dl := newGameDownloader(game, f.manifest, fetcher, 2, 1, nil, notify)

	require.NoError(t, dl.Run(context.Background()))
	assertInstalled(t, dest, f.payloads)
	assert.Equal(t, 100.0, dl.PercentageDone())

	select {
	case <-dl.Done():
	default:
		t.Fatal("Done channel not closed after full install")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, stages, StageDownloading)
	assert.Contains(t, stages, StageVerifying)
}

// gaugeSource tracks how many range streams are open at once.
type gaugeSource struct {
	*testutil.BytesSource

	mu   sync.Mutex
	open int
	peak int
}

func (s *gaugeSource) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	rc, err := s.BytesSource.ReadRange(ctx, off, length)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.open++
	if s.open > s.peak {
		s.peak = s.open
	}
	s.mu.Unlock()
	return &gaugeCloser{ReadCloser: rc, src: s}, nil
}

func (s *gaugeSource) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

type gaugeCloser struct {
	io.ReadCloser
	src  *gaugeSource
	once sync.Once
}

func (c *gaugeCloser) Close() error {
	c.once.Do(func() {
		c.src.mu.Lock()
		c.src.open--
		c.src.mu.Unlock()
	})
	return c.ReadCloser.Close()
}

func TestGameDownloaderConcurrencyBound(t *testing.T) {
	t.Parallel()

	var specs []testutil.FileSpec
	payloads := make(map[string][]byte)
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		data := bytes.Repeat([]byte(name), 4096)
		specs = append(specs, testutil.FileSpec{Name: name + ".dat", Data: data})
		payloads[name+".dat"] = data
	}
	a := testutil.BuildArchive(t, specs, testutil.WithMinSize(8<<10))

	m := &Manifest{}
	for _, pe := range a.Entries {
		m.Entries = append(m.Entries, placedToEntry(pe))
	}

	src := &gaugeSource{BytesSource: testutil.NewBytesSource(a.Bytes)}
	dest := t.TempDir()
	fetcher := fetch.NewEntryDownloader(src, dest, filepath.Join(dest, ".state"))

	dl := newGameDownloader(QueuedGame{OfferID: "o"}, m, fetcher, 3, 1, nil, nil)
	require.NoError(t, dl.Run(context.Background()))

	assertInstalled(t, dest, payloads)
	assert.LessOrEqual(t, src.Peak(), 3, "concurrency bound exceeded")
}

func TestGameDownloaderRetryPasses(t *testing.T) {
	t.Parallel()

	f := buildInstallFixture(t)
	var pak Entry
	for _, e := range f.manifest.Entries {
		if e.Name == "assets.pak" {
			pak = e
		}
	}
	m := &Manifest{Entries: []Entry{pak}}

	// Five truncated streams exhaust the first Download's attempt budget;
	// the second whole-queue pass finishes the entry.
	src := &testutil.TruncatingSource{
		BytesSource: testutil.NewBytesSource(f.img),
		Limit:       int64(pak.CompressedSize / 4),
		Failures:    5,
	}
	dest := t.TempDir()
	fetcher := fetch.NewEntryDownloader(src, dest, filepath.Join(dest, ".state"),
		fetch.WithBufferSize(4<<10))

	dl := newGameDownloader(QueuedGame{OfferID: "o"}, m, fetcher, 1, 2, nil, nil)
	require.NoError(t, dl.Run(context.Background()))
	assertInstalled(t, dest, map[string][]byte{"assets.pak": f.payloads["assets.pak"]})
}

func TestGameDownloaderExhaustedPasses(t *testing.T) {
	t.Parallel()

	f := buildInstallFixture(t)
	src := &testutil.FlakySource{
		BytesSource: testutil.NewBytesSource(f.img),
		Err:         io.ErrUnexpectedEOF,
		Failures:    1 << 30,
	}
	dest := t.TempDir()
	fetcher := fetch.NewEntryDownloader(src, dest, filepath.Join(dest, ".state"))

	dl := newGameDownloader(QueuedGame{OfferID: "o"}, f.manifest, fetcher, 2, 2, nil, nil)
	err := dl.Run(context.Background())
	assert.ErrorIs(t, err, ErrInstallIncomplete)

	// The zero-byte entry needs no network and still lands.
	assert.FileExists(t, filepath.Join(dest, "empty.bin"))
	assert.Less(t, dl.PercentageDone(), 100.0)
}

func TestGameDownloaderCancellation(t *testing.T) {
	t.Parallel()

	f := buildInstallFixture(t)
	dest := t.TempDir()
	fetcher := fetch.NewEntryDownloader(
		testutil.NewBytesSource(f.img), dest, filepath.Join(dest, ".state"))
	dl := newGameDownloader(QueuedGame{OfferID: "o"}, f.manifest, fetcher, 2, 3, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, dl.Run(ctx), context.Canceled)
}

func TestGameDownloaderEmptyManifest(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	fetcher := fetch.NewEntryDownloader(
		testutil.NewBytesSource(nil), dest, filepath.Join(dest, ".state"))
	dl := newGameDownloader(QueuedGame{OfferID: "o"}, &Manifest{}, fetcher, 2, 1, nil, nil)

	require.NoError(t, dl.Run(context.Background()))
	assert.Equal(t, 100.0, dl.PercentageDone())
}
