package depot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	depothttp "github.com/depotkit/depot/http"
	"github.com/depotkit/depot/internal/fetch"
)

const (
	defaultDownloadConcurrency = 4
	defaultQueueRetryPasses    = 3

	stateDirName = "state"
)

// URLResolver maps a queued install to its resolved download URL. The
// platform's license exchange provides this; tests supply a fixture.
type URLResolver func(ctx context.Context, game QueuedGame) (string, error)

// SourceFactory opens a ranged source for a resolved URL. The default
// uses HTTP range requests via depot/http.
type SourceFactory func(ctx context.Context, url string) (ArchiveSource, error)

// Orchestrator owns the persistent install queue and drives one active
// install at a time. The queue document is single-writer: only the
// orchestrator mutates it, persisting after every structural change.
type Orchestrator struct {
	queuePath   string
	contentRoot string
	manifests   *ManifestReader
	resolve     URLResolver
	newSource   SourceFactory
	concurrency int
	passes      int
	logger      *slog.Logger
	events      chan ProgressEvent

	mu       sync.Mutex
	doc      queueDocument
	active   bool
	download *GameDownloader
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithDownloadConcurrency bounds how many entries download at once.
func WithDownloadConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithQueueRetryPasses sets how many whole-queue passes retry failed
// entries before an install surfaces as incomplete.
func WithQueueRetryPasses(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.passes = n
		}
	}
}

// WithOrchestratorLogger sets the logger for queue and install events.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithSourceFactory overrides how ranged sources are opened.
func WithSourceFactory(f SourceFactory) OrchestratorOption {
	return func(o *Orchestrator) {
		o.newSource = f
	}
}

// NewOrchestrator loads the queue document under contentRoot and returns
// an idle orchestrator. A previously current install stays recorded but
// is not started until AddInstall or Resume.
func NewOrchestrator(contentRoot string, manifests *ManifestReader, resolve URLResolver, opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		queuePath:   filepath.Join(contentRoot, queueFileName),
		contentRoot: contentRoot,
		manifests:   manifests,
		resolve:     resolve,
		concurrency: defaultDownloadConcurrency,
		passes:      defaultQueueRetryPasses,
		events:      make(chan ProgressEvent, 128),
	}
	o.newSource = func(ctx context.Context, url string) (ArchiveSource, error) {
		return depothttp.NewSource(ctx, url)
	}
	for _, opt := range opts {
		opt(o)
	}
	o.doc = loadQueue(o.queuePath)
	return o, nil
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// AddInstall makes game the current install and starts it unless the
// queue is paused. A different active install is cancelled cooperatively
// and demoted back into the queue unless it already completed.
func (o *Orchestrator) AddInstall(game QueuedGame) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.doc.Current != nil && *o.doc.Current == game {
		o.startLocked()
		return nil
	}

	if o.doc.Current != nil {
		prev := *o.doc.Current
		if o.cancel != nil {
			o.cancel()
		}
		if !o.doc.contains(o.doc.Completed, prev) {
			o.doc.requeueFront(prev)
			o.log().Info("install demoted to queue", "offer", prev.OfferID, "build", prev.BuildID)
		}
	}

	cur := game
	o.doc.Current = &cur
	if err := o.doc.save(o.queuePath); err != nil {
		return err
	}
	o.startLocked()
	return nil
}

// Pause stops starting new work and cancels the active install. Partial
// files and checkpoints stay on disk.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.doc.Paused = true
	if o.cancel != nil {
		o.cancel()
	}
	return o.doc.save(o.queuePath)
}

// Resume clears the paused flag and starts the current install, or pops
// the next queued one when nothing is current.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.doc.Paused = false
	if o.doc.Current == nil {
		if next, ok := o.doc.popQueued(); ok {
			o.doc.Current = &next
		}
	}
	if err := o.doc.save(o.queuePath); err != nil {
		return err
	}
	o.startLocked()
	return nil
}

// CancelCurrent cancels the active install and moves it back to the head
// of the queue. The queue stays idle until Resume or AddInstall.
func (o *Orchestrator) CancelCurrent() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.doc.Current == nil {
		return nil
	}
	game := *o.doc.Current
	if o.cancel != nil {
		o.cancel()
	}
	o.doc.Current = nil
	o.doc.requeueFront(game)
	return o.doc.save(o.queuePath)
}

// PercentageDone reports the active install's completed-entry percentage,
// or zero when no manifest has been parsed yet.
func (o *Orchestrator) PercentageDone() float64 {
	o.mu.Lock()
	dl := o.download
	o.mu.Unlock()
	if dl == nil {
		return 0
	}
	return dl.PercentageDone()
}

// Paused reports whether the queue is paused.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.doc.Paused
}

// Queue returns a snapshot of the persisted queue state.
func (o *Orchestrator) Queue() (current *QueuedGame, queued, completed []QueuedGame) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.doc.Current != nil {
		c := *o.doc.Current
		current = &c
	}
	queued = append([]QueuedGame(nil), o.doc.Queued...)
	completed = append([]QueuedGame(nil), o.doc.Completed...)
	return current, queued, completed
}

// Events returns the progress event channel. Events are dropped rather
// than blocking the downloader when the observer lags.
func (o *Orchestrator) Events() <-chan ProgressEvent {
	return o.events
}

// Wait blocks until no install is running or scheduled to run.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels any active install, waits for it to observe the
// cancellation, and closes the event channel.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
	close(o.events)
}

// startLocked launches the recorded current install. Caller holds mu.
func (o *Orchestrator) startLocked() {
	if o.active || o.doc.Paused || o.doc.Current == nil {
		return
	}
	game := *o.doc.Current
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.active = true
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx, game)
	}()
}

// run is one install attempt: resolve, parse manifest, download entries.
func (o *Orchestrator) run(ctx context.Context, game QueuedGame) {
	o.emit(ProgressEvent{Stage: StageFetchingManifest, OfferID: game.OfferID, BuildID: game.BuildID})

	dl, err := o.prepare(ctx, game)
	if err != nil {
		o.log().Error("install preparation failed",
			"offer", game.OfferID, "build", game.BuildID, "error", err)
		o.emit(ProgressEvent{Stage: StageFailed, OfferID: game.OfferID, BuildID: game.BuildID})
		o.finish(game, err)
		return
	}

	o.mu.Lock()
	o.download = dl
	o.mu.Unlock()

	err = dl.Run(ctx)
	switch {
	case err == nil:
		o.emit(ProgressEvent{
			Stage:        StageCompleted,
			OfferID:      game.OfferID,
			BuildID:      game.BuildID,
			EntriesDone:  dl.manifest.Len(),
			EntriesTotal: dl.manifest.Len(),
			BytesTotal:   dl.manifest.TotalUncompressed(),
		})
	case ctx.Err() != nil:
		o.log().Info("install cancelled", "offer", game.OfferID, "build", game.BuildID)
	default:
		o.log().Error("install failed", "offer", game.OfferID, "build", game.BuildID, "error", err)
		o.emit(ProgressEvent{Stage: StageFailed, OfferID: game.OfferID, BuildID: game.BuildID})
	}
	o.finish(game, err)
}

func (o *Orchestrator) prepare(ctx context.Context, game QueuedGame) (*GameDownloader, error) {
	url, err := o.resolve(ctx, game)
	if err != nil {
		return nil, err
	}
	src, err := o.newSource(ctx, url)
	if err != nil {
		return nil, err
	}
	manifest, err := o.manifests.Fetch(ctx, game.OfferID, game.BuildID, src)
	if err != nil {
		return nil, err
	}

	stateDir := filepath.Join(o.contentRoot, stateDirName, installID(game))
	fetcher := fetch.NewEntryDownloader(src, game.Path, stateDir, fetch.WithLogger(o.logger))
	return newGameDownloader(game, manifest, fetcher, o.concurrency, o.passes, o.logger, o.emit), nil
}

// finish records the outcome of one install attempt and chains the next
// queued install when the finished one completed.
func (o *Orchestrator) finish(game QueuedGame, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.active = false
	o.download = nil
	o.cancel = nil

	if o.doc.Current == nil || *o.doc.Current != game {
		// Superseded while running; a new current may be waiting.
		o.startLocked()
		return
	}

	if err != nil {
		// The install stays current and resumable. Nothing here deletes
		// partial downloads or checkpoints.
		if serr := o.doc.save(o.queuePath); serr != nil {
			o.log().Error("queue save failed", "error", serr)
		}
		return
	}

	if !o.doc.contains(o.doc.Completed, game) {
		o.doc.Completed = append(o.doc.Completed, game)
	}
	o.doc.Current = nil
	if next, ok := o.doc.popQueued(); ok {
		o.doc.Current = &next
	}
	if serr := o.doc.save(o.queuePath); serr != nil {
		o.log().Error("queue save failed", "error", serr)
	}
	o.startLocked()
}

func (o *Orchestrator) emit(ev ProgressEvent) {
	select {
	case o.events <- ev:
	default:
	}
}

// installID derives a filesystem-safe namespace for an install's
// checkpoint files from its offer and build identifiers.
func installID(game QueuedGame) string {
	sum := sha256.Sum256([]byte(game.OfferID + "\x00" + game.BuildID))
	return hex.EncodeToString(sum[:8])
}
