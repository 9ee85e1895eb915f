package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/iquestfs/pkg/errors"
)

// Collector exports pool, cache and filesystem operation metrics to Prometheus.
// It satisfies pool.Recorder, cache.Recorder and filesystem.Recorder.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	poolConnections   prometheus.Gauge
	poolWaiters       prometheus.Gauge
	reconnects        prometheus.Counter

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig returns a disabled configuration with the standard endpoint.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "iquestfs",
	}
}

// OperationMetrics tracks metrics for one filesystem operation
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector. A nil config yields an enabled
// collector with default names.
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
		config.Enabled = true
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		config:     config,
		logger:     logger,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Registry returns the Prometheus registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", "error", err)
		}
	}()
	c.logger.Info("Metrics endpoint started", "port", c.config.Port, "path", c.config.Path)
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records a filesystem operation outcome.
func (c *Collector) RecordOperation(op string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[op]
	if !ok {
		m = &OperationMetrics{}
		c.operations[op] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastOperation = time.Now()
	if err != nil {
		m.Errors++
	}
	c.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		c.errorCounter.With(prometheus.Labels{
			"op":   op,
			"kind": errors.KindOf(err).String(),
		}).Inc()
	}
	c.operationCounter.With(prometheus.Labels{"op": op, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"op": op}).Observe(duration.Seconds())
}

// RecordCacheHit records a path cache hit in the named table.
func (c *Collector) RecordCacheHit(table string) {
	if !c.config.Enabled {
		return
	}
	c.cacheHits.With(prometheus.Labels{"table": table}).Inc()
}

// RecordCacheMiss records a path cache miss in the named table.
func (c *Collector) RecordCacheMiss(table string) {
	if !c.config.Enabled {
		return
	}
	c.cacheMisses.With(prometheus.Labels{"table": table}).Inc()
}

// UpdateActiveConnections sets the number of live pool connections.
func (c *Collector) UpdateActiveConnections(count int) {
	if !c.config.Enabled {
		return
	}
	c.poolConnections.Set(float64(count))
}

// UpdateWaiters sets the number of callers parked in Acquire.
func (c *Collector) UpdateWaiters(count int) {
	if !c.config.Enabled {
		return
	}
	c.poolWaiters.Set(float64(count))
}

// RecordReconnect counts a connection re-established after a transport failure.
func (c *Collector) RecordReconnect() {
	if !c.config.Enabled {
		return
	}
	c.reconnects.Inc()
}

// Operations returns a copy of the per-operation counters.
func (c *Collector) Operations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the per-operation counters. Prometheus series are kept.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "operations_total",
			Help:      "Total number of filesystem operations",
		},
		[]string{"op", "status"},
	)
	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "operation_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		},
		[]string{"op"},
	)
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "errors_total",
			Help:      "Failed filesystem operations by error kind",
		},
		[]string{"op", "kind"},
	)
	c.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cache_hits_total",
			Help:      "Path cache hits",
		},
		[]string{"table"},
	)
	c.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cache_misses_total",
			Help:      "Path cache misses",
		},
		[]string{"table"},
	)
	c.poolConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "pool_connections",
		Help:      "Live remote connections",
	})
	c.poolWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "pool_waiters",
		Help:      "Callers waiting for a connection",
	})
	c.reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "reconnects_total",
		Help:      "Connections re-established after a transport failure",
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.errorCounter,
		c.cacheHits,
		c.cacheMisses,
		c.poolConnections,
		c.poolWaiters,
		c.reconnects,
	}
	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"iquestfs-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	since := c.lastReset
	c.mu.RUnlock()
	ops := c.Operations()

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	type row struct {
		Op string `json:"op"`
		OperationMetrics
	}
	body := struct {
		Since      time.Time `json:"since"`
		Operations []row     `json:"operations"`
	}{Since: since, Operations: make([]row, 0, len(names))}
	for _, name := range names {
		body.Operations = append(body.Operations, row{Op: name, OperationMetrics: ops[name]})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.Debug("Failed to write debug response", "error", err)
	}
}
