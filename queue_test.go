package depot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), queueFileName)
	cur := QueuedGame{OfferID: "offer-1", BuildID: "build-1", Path: "/games/one"}
	doc := queueDocument{
		Current: &cur,
		Paused:  true,
		Queued: []QueuedGame{
			{OfferID: "offer-2", BuildID: "build-2", Path: "/games/two"},
		},
		Completed: []QueuedGame{
			{OfferID: "offer-0", BuildID: "build-0", Path: "/games/zero"},
		},
	}
	require.NoError(t, doc.save(path))

	got := loadQueue(path)
	assert.Equal(t, doc, got)
}

func TestQueueMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	got := loadQueue(filepath.Join(t.TempDir(), "nonexistent.json"))
	assert.Equal(t, queueDocument{}, got)
}

func TestQueueCorruptFileIsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), queueFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	got := loadQueue(path)
	assert.Equal(t, queueDocument{}, got)
}

func TestQueueSaveCreatesParents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "deeper", queueFileName)
	doc := queueDocument{Queued: []QueuedGame{{OfferID: "o", BuildID: "b"}}}
	require.NoError(t, doc.save(path))
	assert.Equal(t, doc, loadQueue(path))
}

func TestQueuePopAndRequeue(t *testing.T) {
	t.Parallel()

	a := QueuedGame{OfferID: "a"}
	b := QueuedGame{OfferID: "b"}
	doc := queueDocument{Queued: []QueuedGame{a, b}}

	got, ok := doc.popQueued()
	require.True(t, ok)
	assert.Equal(t, a, got)
	assert.Equal(t, []QueuedGame{b}, doc.Queued)

	doc.requeueFront(a)
	assert.Equal(t, []QueuedGame{a, b}, doc.Queued)

	doc.Queued = nil
	_, ok = doc.popQueued()
	assert.False(t, ok)
}

func TestQueueContains(t *testing.T) {
	t.Parallel()

	a := QueuedGame{OfferID: "a", BuildID: "1"}
	doc := queueDocument{Completed: []QueuedGame{a}}

	assert.True(t, doc.contains(doc.Completed, a))
	assert.False(t, doc.contains(doc.Completed, QueuedGame{OfferID: "a", BuildID: "2"}))
	assert.False(t, doc.contains(doc.Queued, a))
}
