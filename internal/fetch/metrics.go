package fetch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metOnce      sync.Once
	metDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "depot_entry_downloads_total", Help: "Entry downloads by result"},
		[]string{"result"},
	)
	metBytes    = prometheus.NewCounter(prometheus.CounterOpts{Name: "depot_download_bytes_total", Help: "Total uncompressed bytes written to disk"})
	metRetries  = prometheus.NewCounter(prometheus.CounterOpts{Name: "depot_download_retries_total", Help: "Total per-entry fetch retries"})
	metInflight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "depot_downloads_inflight", Help: "Entries currently downloading"})
)

func initMetrics() {
	metOnce.Do(func() {
		prometheus.MustRegister(metDownloads, metBytes, metRetries, metInflight)
	})
}
