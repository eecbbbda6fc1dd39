// Package metrics exposes StrataFS operation, cache, and sync counters
// through Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the exposition endpoint.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Collector registers and updates all StrataFS metrics. A nil
// *Collector is valid and records nothing, so components can take one
// unconditionally.
type Collector struct {
	registry *prometheus.Registry

	opCounter  *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	cacheHits  prometheus.Counter
	cacheMiss  prometheus.Counter
	cacheEvict prometheus.Counter
	cacheSize  prometheus.Gauge
	syncFiles  *prometheus.CounterVec
	syncBytes  prometheus.Counter

	server *http.Server
}

// NewCollector builds a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		opCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratafs",
			Name:      "operations_total",
			Help:      "File operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stratafs",
			Name:      "operation_duration_seconds",
			Help:      "File operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"op"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratafs",
			Name:      "cache_hits_total",
			Help:      "Cache read hits.",
		}),
		cacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratafs",
			Name:      "cache_misses_total",
			Help:      "Cache read misses.",
		}),
		cacheEvict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratafs",
			Name:      "cache_evictions_total",
			Help:      "Entries evicted from the cache.",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratafs",
			Name:      "cache_size_bytes",
			Help:      "Current total size of cached data.",
		}),
		syncFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratafs",
			Name:      "sync_files_total",
			Help:      "Files handled by sync operations by result.",
		}, []string{"result"}),
		syncBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratafs",
			Name:      "sync_bytes_total",
			Help:      "Bytes moved by sync operations.",
		}),
	}
	registry.MustRegister(c.opCounter, c.opDuration, c.cacheHits, c.cacheMiss,
		c.cacheEvict, c.cacheSize, c.syncFiles, c.syncBytes)
	return c
}

// ObserveOp records one file operation.
func (c *Collector) ObserveOp(op string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.opCounter.WithLabelValues(op, outcome).Inc()
	c.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) CacheHit() {
	if c != nil {
		c.cacheHits.Inc()
	}
}

func (c *Collector) CacheMiss() {
	if c != nil {
		c.cacheMiss.Inc()
	}
}

func (c *Collector) CacheEvictions(n int) {
	if c != nil {
		c.cacheEvict.Add(float64(n))
	}
}

func (c *Collector) SetCacheSize(bytes int64) {
	if c != nil {
		c.cacheSize.Set(float64(bytes))
	}
}

func (c *Collector) SyncFile(result string) {
	if c != nil {
		c.syncFiles.WithLabelValues(result).Inc()
	}
}

func (c *Collector) SyncBytes(n int64) {
	if c != nil {
		c.syncBytes.Add(float64(n))
	}
}

// Serve starts the exposition endpoint. It returns once the listener
// is running; Shutdown stops it.
func (c *Collector) Serve(cfg Config) error {
	if c == nil || !cfg.Enabled {
		return nil
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { _ = c.server.ListenAndServe() }()
	return nil
}

// Shutdown stops the exposition endpoint if one is running.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
