package depot

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// queueFileName is the queue document's fixed name under the content root.
const queueFileName = "download-queue.json"

// QueuedGame identifies one requested install. Value-comparable: equality
// detects whether a request matches the currently active download.
type QueuedGame struct {
	OfferID string `json:"offer_id"`
	BuildID string `json:"build_id"`
	Path    string `json:"path"`
}

// queueDocument is the persistent install queue, serialized as a single
// JSON document under the content root after every structural change.
type queueDocument struct {
	Current   *QueuedGame  `json:"current"`
	Paused    bool         `json:"paused"`
	Queued    []QueuedGame `json:"queued"`
	Completed []QueuedGame `json:"completed"`
}

// loadQueue reads the queue document at path. A missing or unparsable
// file is an empty queue, not an error.
func loadQueue(path string) queueDocument {
	var doc queueDocument
	data, err := os.ReadFile(path)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return queueDocument{}
	}
	return doc
}

// save writes the document atomically via a temp file and rename.
func (q *queueDocument) save(path string) error {
	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "queue-*")
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

// popQueued removes and returns the first queued game.
func (q *queueDocument) popQueued() (QueuedGame, bool) {
	if len(q.Queued) == 0 {
		return QueuedGame{}, false
	}
	game := q.Queued[0]
	q.Queued = append([]QueuedGame(nil), q.Queued[1:]...)
	return game, true
}

// requeueFront puts a demoted install at the head of the queue.
func (q *queueDocument) requeueFront(game QueuedGame) {
	q.Queued = append([]QueuedGame{game}, q.Queued...)
}

// contains reports whether game is already queued or completed.
func (q *queueDocument) contains(list []QueuedGame, game QueuedGame) bool {
	for _, g := range list {
		if g == game {
			return true
		}
	}
	return false
}
