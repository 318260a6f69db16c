package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// BufferPoolMetrics holds the metric instruments for the buffer pool manager.
type BufferPoolMetrics struct {
	HitsCounter       metric.Int64Counter
	MissesCounter     metric.Int64Counter
	EvictionsCounter  metric.Int64Counter
	WriteBacksCounter metric.Int64Counter
	FlushesCounter    metric.Int64Counter
	PinnedPagesGauge  metric.Int64UpDownCounter
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	hits, err := meter.Int64Counter(
		"pagedb.bufferpool.hits_total",
		metric.WithDescription("Page fetches served from a resident frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"pagedb.bufferpool.misses_total",
		metric.WithDescription("Page fetches that had to read from disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"pagedb.bufferpool.evictions_total",
		metric.WithDescription("Frames reclaimed from the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writeBacks, err := meter.Int64Counter(
		"pagedb.bufferpool.writebacks_total",
		metric.WithDescription("Dirty victims written back before reuse."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"pagedb.bufferpool.flushes_total",
		metric.WithDescription("Explicit or background page flushes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinned, err := meter.Int64UpDownCounter(
		"pagedb.bufferpool.pinned_pages",
		metric.WithDescription("Frames whose pin count is above zero."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		HitsCounter:       hits,
		MissesCounter:     misses,
		EvictionsCounter:  evictions,
		WriteBacksCounter: writeBacks,
		FlushesCounter:    flushes,
		PinnedPagesGauge:  pinned,
	}, nil
}

// BTreeMetrics holds the metric instruments for B+Tree structural changes.
type BTreeMetrics struct {
	SplitsCounter          metric.Int64Counter
	MergesCounter          metric.Int64Counter
	RedistributionsCounter metric.Int64Counter
	RootChangesCounter     metric.Int64Counter
}

// NewBTreeMetrics creates and registers all the metrics for the B+Tree.
func NewBTreeMetrics(meter metric.Meter) (*BTreeMetrics, error) {
	splits, err := meter.Int64Counter(
		"pagedb.btree.splits_total",
		metric.WithDescription("Node splits, by node kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	merges, err := meter.Int64Counter(
		"pagedb.btree.merges_total",
		metric.WithDescription("Sibling coalesces, by node kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	redistributions, err := meter.Int64Counter(
		"pagedb.btree.redistributions_total",
		metric.WithDescription("Entries borrowed from a sibling, by node kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rootChanges, err := meter.Int64Counter(
		"pagedb.btree.root_changes_total",
		metric.WithDescription("Times the root page id changed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &BTreeMetrics{
		SplitsCounter:          splits,
		MergesCounter:          merges,
		RedistributionsCounter: redistributions,
		RootChangesCounter:     rootChanges,
	}, nil
}

var noopMeter = noop.NewMeterProvider().Meter("")

// NoopBufferPoolMetrics returns instruments that record nothing.
func NoopBufferPoolMetrics() *BufferPoolMetrics {
	m, _ := NewBufferPoolMetrics(noopMeter)
	return m
}

// NoopBTreeMetrics returns instruments that record nothing.
func NoopBTreeMetrics() *BTreeMetrics {
	m, _ := NewBTreeMetrics(noopMeter)
	return m
}

// Add is a shorthand for counters incremented outside any request context.
func Add(c metric.Int64Counter, n int64, opts ...metric.AddOption) {
	c.Add(context.Background(), n, opts...)
}
