// Command depot-fetch downloads a game build from a remote archive URL,
// resuming any partial state left by earlier runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/depotkit/depot"
	depothttp "github.com/depotkit/depot/http"
)

func main() {
	var (
		url         = flag.String("url", "", "Resolved archive URL to download from")
		offerID     = flag.String("offer", "", "Offer identifier (cache/checkpoint namespace)")
		buildID     = flag.String("build", "", "Build identifier (cache/checkpoint namespace)")
		dest        = flag.String("dest", "", "Installation directory")
		contentRoot = flag.String("content-root", defaultContentRoot(), "Directory for the queue document and checkpoints")
		conc        = flag.Int("concurrency", 4, "Number of concurrent entry downloads")
		passes      = flag.Int("retry-passes", 3, "Whole-queue retry passes over failed entries")
		timeout     = flag.Duration("timeout", 0, "Per-request timeout (0 = none)")
		userAgent   = flag.String("user-agent", "depot-fetch/1.0", "User-Agent header for archive requests")
		logFormat   = flag.String("log-format", "text", "Logging format: text|json")
		logLevel    = flag.String("log-level", "info", "Logging level: debug|info|warn|error")
		listenAddr  = flag.String("listen", "", "Serve Prometheus metrics and pprof at this address (e.g., :9090)")
		maxConnsPH  = flag.Int("max-conns-per-host", 0, "Override http.Transport MaxConnsPerHost (0=auto)")
		idleTO      = flag.Duration("idle-timeout", 0, "Override http.Transport IdleConnTimeout (0=auto)")
	)
	flag.Parse()

	logger := newLogger(*logFormat, *logLevel)
	slog.SetDefault(logger)

	if *url == "" || *offerID == "" || *buildID == "" || *dest == "" {
		slog.Error("missing required flags: -url, -offer, -build, and -dest")
		flag.PrintDefaults()
		os.Exit(2)
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          *conc * 4,
		MaxIdleConnsPerHost:   *conc * 4,
		MaxConnsPerHost:       *conc * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if *maxConnsPH > 0 {
		tr.MaxConnsPerHost = *maxConnsPH
	}
	if *idleTO > 0 {
		tr.IdleConnTimeout = *idleTO
	}
	client := &http.Client{Transport: tr, Timeout: *timeout}

	if *listenAddr != "" {
		serveMetrics(*listenAddr)
	}

	manifests := depot.NewManifestReader(depot.WithManifestLogger(logger))
	resolver := func(context.Context, depot.QueuedGame) (string, error) {
		return *url, nil
	}
	sourceFactory := func(ctx context.Context, u string) (depot.ArchiveSource, error) {
		return depothttp.NewSource(ctx, u,
			depothttp.WithClient(client),
			depothttp.WithHeader("User-Agent", *userAgent),
		)
	}

	orch, err := depot.NewOrchestrator(*contentRoot, manifests, resolver,
		depot.WithDownloadConcurrency(*conc),
		depot.WithQueueRetryPasses(*passes),
		depot.WithOrchestratorLogger(logger),
		depot.WithSourceFactory(sourceFactory),
	)
	if err != nil {
		slog.Error("orchestrator init failed", "err", err)
		os.Exit(1)
	}

	game := depot.QueuedGame{OfferID: *offerID, BuildID: *buildID, Path: *dest}

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		for ev := range orch.Events() {
			switch ev.Stage {
			case depot.StageFetchingManifest:
				slog.Info("fetching manifest", "offer", ev.OfferID, "build", ev.BuildID)
			case depot.StageCompleted:
				slog.Info("install complete", "offer", ev.OfferID, "entries", ev.EntriesTotal)
			case depot.StageFailed:
				slog.Error("install failed", "offer", ev.OfferID, "build", ev.BuildID)
			default:
				slog.Debug("progress",
					"stage", ev.Stage.String(),
					"entry", ev.Path,
					"done", ev.EntriesDone,
					"total", ev.EntriesTotal)
			}
		}
	}()

	if err := orch.AddInstall(game); err != nil {
		slog.Error("add install failed", "err", err)
		os.Exit(1)
	}
	orch.Wait()

	current, _, completed := orch.Queue()
	orch.Close()
	<-progressDone

	for _, g := range completed {
		if g == game {
			fmt.Printf("installed %s build %s to %s\n", *offerID, *buildID, *dest)
			return
		}
	}
	if current != nil && *current == game {
		fmt.Fprintf(os.Stderr, "install incomplete; rerun to resume from checkpoints\n")
	}
	os.Exit(1)
}

func newLogger(format, level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error", "err":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(handler)
}

func defaultContentRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "depot"
	}
	return ".depot"
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	go func() {
		slog.Info("metrics/pprof listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", "err", err)
		}
	}()
}
