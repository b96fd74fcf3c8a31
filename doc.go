// Package depot acquires game content from remote ZIP archives without
// ever downloading an archive in full up front.
//
// The manifest of a multi-gigabyte build is discovered by fetching only
// the trailing bytes of the archive over HTTP range requests and parsing
// the central directory (plain or ZIP64) in place. Each entry is then
// downloaded independently with ranged fetches, streamed through a
// resumable decoder (stored or DEFLATE), and verified against its CRC32.
// Decoder state is checkpointed to disk after every write, so a crash,
// cancellation, or network failure mid-entry resumes at the exact bit
// position it left off.
//
// # Quick Start
//
// Parse a remote archive's manifest:
//
//	src, err := depothttp.NewSource(ctx, buildURL, depothttp.WithClient(authClient))
//	if err != nil {
//	    return err
//	}
//	manifests := depot.NewManifestReader()
//	manifest, err := manifests.Fetch(ctx, offerID, buildID, src)
//
// Drive installs through the orchestrator, which persists its queue under
// the content root and survives restarts:
//
//	orch, err := depot.NewOrchestrator(contentRoot, manifests, resolver)
//	if err != nil {
//	    return err
//	}
//	defer orch.Close()
//	err = orch.AddInstall(ctx, depot.QueuedGame{
//	    OfferID: offerID,
//	    BuildID: buildID,
//	    Path:    installDir,
//	})
//
// Progress events are delivered on a channel:
//
//	for ev := range orch.Events() {
//	    fmt.Printf("%s %s %d/%d\n", ev.Stage, ev.Path, ev.EntriesDone, ev.EntriesTotal)
//	}
package depot
