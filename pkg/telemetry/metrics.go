package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/compoundfs/compoundfs/commit"
	"github.com/compoundfs/compoundfs/pagecache"
)

// noctx is used for the metric recording calls below: none of this
// package's counters need per-call context propagation (no exemplar
// linking to a trace is configured), so a background context is enough.
var noctx = context.Background()

// CacheMetrics instruments the page cache: hits broken down by PageClass,
// misses as a single count, and evictions broken down by the class being
// evicted.
type CacheMetrics struct {
	hits    metric.Int64Counter
	misses  metric.Int64Counter
	evicts  metric.Int64Counter
}

// NewCacheMetrics registers the page cache's counters against meter.
func NewCacheMetrics(meter metric.Meter) (*CacheMetrics, error) {
	hits, err := meter.Int64Counter("compoundfs.cache.hits_total",
		metric.WithDescription("Page cache hits, by page class."))
	if err != nil {
		return nil, fmt.Errorf("register cache hits counter: %w", err)
	}
	misses, err := meter.Int64Counter("compoundfs.cache.misses_total",
		metric.WithDescription("Page cache misses."))
	if err != nil {
		return nil, fmt.Errorf("register cache misses counter: %w", err)
	}
	evicts, err := meter.Int64Counter("compoundfs.cache.evictions_total",
		metric.WithDescription("Page cache evictions, by page class."))
	if err != nil {
		return nil, fmt.Errorf("register cache evictions counter: %w", err)
	}
	return &CacheMetrics{hits: hits, misses: misses, evicts: evicts}, nil
}

var _ pagecache.Metrics = (*CacheMetrics)(nil)

func (m *CacheMetrics) RecordHit(class pagecache.Class) {
	m.hits.Add(noctx, 1, metric.WithAttributes(classAttr(class)))
}

func (m *CacheMetrics) RecordMiss() {
	m.misses.Add(noctx, 1)
}

func (m *CacheMetrics) RecordEvict(class pagecache.Class) {
	m.evicts.Add(noctx, 1, metric.WithAttributes(classAttr(class)))
}

// CommitMetrics instruments the commit handler: a histogram of dirty
// pages per commit and a counter of pages reclaimed by truncation.
type CommitMetrics struct {
	dirtyPages metric.Int64Histogram
	newPages   metric.Int64Histogram
	duration   metric.Float64Histogram
	commits    metric.Int64Counter
	truncated  metric.Int64Counter
}

// NewCommitMetrics registers the commit handler's instruments against
// meter.
func NewCommitMetrics(meter metric.Meter) (*CommitMetrics, error) {
	dirtyPages, err := meter.Int64Histogram("compoundfs.commit.dirty_pages",
		metric.WithDescription("Number of dirty pages shadow-copied per commit."))
	if err != nil {
		return nil, fmt.Errorf("register dirty pages histogram: %w", err)
	}
	newPages, err := meter.Int64Histogram("compoundfs.commit.new_pages",
		metric.WithDescription("Number of new pages written per commit."))
	if err != nil {
		return nil, fmt.Errorf("register new pages histogram: %w", err)
	}
	duration, err := meter.Float64Histogram("compoundfs.commit.duration_seconds",
		metric.WithDescription("Wall-clock time spent in Commit, end to end."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("register commit duration histogram: %w", err)
	}
	commits, err := meter.Int64Counter("compoundfs.commit.total",
		metric.WithDescription("Number of completed commits."))
	if err != nil {
		return nil, fmt.Errorf("register commits counter: %w", err)
	}
	truncated, err := meter.Int64Counter("compoundfs.commit.truncated_pages_total",
		metric.WithDescription("Number of pages reclaimed by post-commit truncation."))
	if err != nil {
		return nil, fmt.Errorf("register truncated pages counter: %w", err)
	}
	return &CommitMetrics{dirtyPages: dirtyPages, newPages: newPages, duration: duration, commits: commits, truncated: truncated}, nil
}

var _ commit.Metrics = (*CommitMetrics)(nil)

func (m *CommitMetrics) RecordCommit(dirtyPages, newPages int, durationSeconds float64) {
	m.dirtyPages.Record(noctx, int64(dirtyPages))
	m.newPages.Record(noctx, int64(newPages))
	m.duration.Record(noctx, durationSeconds)
	m.commits.Add(noctx, 1)
}

func (m *CommitMetrics) RecordTruncate(pages int) {
	m.truncated.Add(noctx, int64(pages))
}

func classAttr(class pagecache.Class) attribute.KeyValue {
	return attribute.String("class", class.String())
}
