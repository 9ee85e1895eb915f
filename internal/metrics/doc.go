/*
Package metrics exports iquestfs runtime metrics to Prometheus.

Collector implements the small recorder interfaces of the connection pool, the path
cache and the filesystem bridge, so those packages never import Prometheus:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "iquestfs",
	}, logger)
	if err != nil {
		return err
	}
	cfg.Pool.Recorder = collector
	cfg.Cache.Recorder = collector
	cfg.Recorder = collector

	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Series

	iquestfs_pool_connections                  gauge
	iquestfs_pool_waiters                      gauge
	iquestfs_reconnects_total                  counter
	iquestfs_cache_hits_total{table}           counter
	iquestfs_cache_misses_total{table}         counter
	iquestfs_operations_total{op,status}       counter
	iquestfs_operation_duration_seconds{op}    histogram
	iquestfs_errors_total{op,kind}             counter

# Endpoints

	/metrics            Prometheus exposition (OpenMetrics enabled)
	/health             liveness
	/debug/operations   per-operation counts and average latency as JSON
*/
package metrics
