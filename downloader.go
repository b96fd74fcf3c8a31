package depot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/depotkit/depot/internal/fetch"
)

// ErrInstallIncomplete is returned when entries are still outstanding
// after every whole-queue retry pass. Partial downloads and checkpoints
// stay on disk, so a later attempt resumes instead of restarting.
var ErrInstallIncomplete = errors.New("depot: install incomplete after retry passes")

// GameDownloader drives the entry downloads for one active install. It is
// runtime-only state: created when an install becomes current, discarded
// when the install completes or is superseded.
type GameDownloader struct {
	game     QueuedGame
	manifest *Manifest
	fetcher  *fetch.EntryDownloader
	limit    int
	passes   int
	logger   *slog.Logger
	notify   func(ProgressEvent)

	completed atomic.Int64
	done      chan struct{}
}

func newGameDownloader(game QueuedGame, manifest *Manifest, fetcher *fetch.EntryDownloader, limit, passes int, logger *slog.Logger, notify func(ProgressEvent)) *GameDownloader {
	return &GameDownloader{
		game:     game,
		manifest: manifest,
		fetcher:  fetcher,
		limit:    limit,
		passes:   passes,
		logger:   logger,
		notify:   notify,
		done:     make(chan struct{}),
	}
}

func (d *GameDownloader) log() *slog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Run downloads every manifest entry, retrying failed entries in later
// whole-queue passes. It returns nil when all entries verified Complete,
// ctx.Err() on cancellation, and ErrInstallIncomplete when the retry
// passes were exhausted with entries still failing.
func (d *GameDownloader) Run(ctx context.Context) error {
	pending := d.manifest.Entries
	for pass := 1; pass <= d.passes && len(pending) > 0; pass++ {
		if pass > 1 {
			d.log().Info("retrying failed entries",
				"offer", d.game.OfferID, "pass", pass, "remaining", len(pending))
		}
		failed, err := d.startDownloads(ctx, pending)
		if err != nil {
			return err
		}
		pending = failed
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %d entries failed", ErrInstallIncomplete, len(pending))
	}
	return nil
}

// startDownloads runs one pass over the given entries with bounded
// concurrency. Per-entry failures are collected, not fatal: siblings keep
// going, and only cancellation stops the pass early.
func (d *GameDownloader) startDownloads(ctx context.Context, entries []Entry) ([]Entry, error) {
	total := len(d.manifest.Entries)

	var g errgroup.Group
	g.SetLimit(d.limit)

	var mu sync.Mutex
	var failed []Entry

	for i := range entries {
		entry := entries[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			d.event(StageDownloading, entry.Name, total)
			err := d.fetcher.Download(ctx, entry)
			if err == nil {
				d.event(StageVerifying, entry.Name, total)
				err = d.confirm(entry)
			}
			if err != nil {
				if ctx.Err() == nil {
					d.log().Warn("entry failed",
						"offer", d.game.OfferID, "entry", entry.Name, "error", err)
				}
				mu.Lock()
				failed = append(failed, entry)
				mu.Unlock()
				return nil
			}

			done := d.completed.Add(1)
			d.event(StageDownloading, entry.Name, total)
			if int(done) == total {
				close(d.done)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return failed, err
	}
	return failed, nil
}

// confirm re-derives the entry's on-disk state, which must now be Complete.
func (d *GameDownloader) confirm(entry Entry) error {
	state, err := d.fetcher.Verify(entry)
	if err != nil {
		return err
	}
	if state != fetch.StateComplete {
		return fmt.Errorf("depot: %s verified %s, want complete", entry.Name, state)
	}
	return nil
}

// PercentageDone returns completed entries as a percentage of the
// manifest total. Purely a derived read over the atomic counter.
func (d *GameDownloader) PercentageDone() float64 {
	total := len(d.manifest.Entries)
	if total == 0 {
		return 100.0
	}
	return float64(d.completed.Load()) / float64(total) * 100
}

// Done is closed once every entry has completed and verified.
func (d *GameDownloader) Done() <-chan struct{} {
	return d.done
}

func (d *GameDownloader) event(stage ProgressStage, path string, total int) {
	if d.notify == nil {
		return
	}
	d.notify(ProgressEvent{
		Stage:        stage,
		OfferID:      d.game.OfferID,
		BuildID:      d.game.BuildID,
		Path:         path,
		EntriesDone:  int(d.completed.Load()),
		EntriesTotal: total,
		BytesTotal:   d.manifest.TotalUncompressed(),
	})
}
