// Package stats provides a unified interface for collecting metrics.
package stats

// Metric names used throughout shellcache.
const (
	// Worker metrics.
	MetricFetches            = "shellcache_fetches_total"
	MetricTileFetches        = "shellcache_tile_fetches_total"
	MetricGenericFetches     = "shellcache_generic_fetches_total"
	MetricStoreHits          = "shellcache_store_hits_total"
	MetricStoreMisses        = "shellcache_store_misses_total"
	MetricNetworkFailures    = "shellcache_network_failures_total"
	MetricFallbacks          = "shellcache_fallbacks_total"
	MetricOffline            = "shellcache_offline_responses_total"
	MetricStoreWriteFailures = "shellcache_store_write_failures_total"
	MetricStoreWrites        = "shellcache_store_writes_total"
	MetricFetchSeconds       = "shellcache_fetch_duration_seconds"
	MetricMessages           = "shellcache_messages_total"

	// Lifecycle metrics.
	MetricInstalls           = "shellcache_installs_total"
	MetricPopulationFailures = "shellcache_population_failures_total"
	MetricManifestSkipped    = "shellcache_manifest_entries_skipped_total"
	MetricGenerationsPurged  = "shellcache_generations_purged_total"
	MetricPurgeFailures      = "shellcache_purge_failures_total"

	// Read cache metrics.
	MetricCacheHits   = "shellcache_read_cache_hits_total"
	MetricCacheMisses = "shellcache_read_cache_misses_total"
	MetricCacheSize   = "shellcache_read_cache_size"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
