package buffer

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics 缓冲池对外暴露的 instrument，未配置 Meter 时挂在 noop provider 上
type Metrics struct {
	HitsCounter             metric.Int64Counter
	MissesCounter           metric.Int64Counter
	EvictionsCounter        metric.Int64Counter
	FlushesCounter          metric.Int64Counter
	NewPagesCounter         metric.Int64Counter
	PinnedFramesUpDownCount metric.Int64UpDownCounter
}

// NewMetrics creates and registers all the buffer pool instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	hits, err := meter.Int64Counter(
		"minidb.buffer.hits",
		metric.WithDescription("Page fetches served from a resident frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"minidb.buffer.misses",
		metric.WithDescription("Page fetches that had to read from disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"minidb.buffer.evictions",
		metric.WithDescription("Frames reclaimed from the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"minidb.buffer.flushes",
		metric.WithDescription("Pages written back to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	newPages, err := meter.Int64Counter(
		"minidb.buffer.new_pages",
		metric.WithDescription("Pages allocated through the buffer pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinned, err := meter.Int64UpDownCounter(
		"minidb.buffer.pinned_frames",
		metric.WithDescription("Frames currently holding a pinned page."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		HitsCounter:             hits,
		MissesCounter:           misses,
		EvictionsCounter:        evictions,
		FlushesCounter:          flushes,
		NewPagesCounter:         newPages,
		PinnedFramesUpDownCount: pinned,
	}, nil
}
