package vecseg

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecseg/internal/optimizer"
)

// MetricsObserver receives events from the background optimizer.
// Implement this interface to integrate with monitoring systems like
// Prometheus. Methods are called from background goroutines.
type MetricsObserver = optimizer.MetricsObserver

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver = optimizer.NoopMetricsObserver

// BasicMetricsObserver counts optimizer events in memory.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsObserver struct {
	Flushes         atomic.Int64
	FlushErrors     atomic.Int64
	FlushedPoints   atomic.Int64
	IndexBuilds     atomic.Int64
	IndexErrors     atomic.Int64
	IndexTotalNanos atomic.Int64
	Merges          atomic.Int64
	MergeErrors     atomic.Int64
	MergedSegments  atomic.Int64
	IndexQueueDepth atomic.Int64
	BytesWritten    atomic.Int64
}

var _ MetricsObserver = (*BasicMetricsObserver)(nil)

// OnFlush implements MetricsObserver.
func (b *BasicMetricsObserver) OnFlush(_ time.Duration, points int, err error) {
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.Flushes.Add(1)
	b.FlushedPoints.Add(int64(points))
}

// OnIndexBuild implements MetricsObserver.
func (b *BasicMetricsObserver) OnIndexBuild(duration time.Duration, _ int, err error) {
	if err != nil {
		b.IndexErrors.Add(1)
		return
	}
	b.IndexBuilds.Add(1)
	b.IndexTotalNanos.Add(duration.Nanoseconds())
}

// OnMerge implements MetricsObserver.
func (b *BasicMetricsObserver) OnMerge(_ time.Duration, inputSegments, _ int, err error) {
	if err != nil {
		b.MergeErrors.Add(1)
		return
	}
	b.Merges.Add(1)
	b.MergedSegments.Add(int64(inputSegments))
}

// OnQueueDepth implements MetricsObserver.
func (b *BasicMetricsObserver) OnQueueDepth(name string, depth int) {
	if name == "index" {
		b.IndexQueueDepth.Store(int64(depth))
	}
}

// OnThroughput implements MetricsObserver.
func (b *BasicMetricsObserver) OnThroughput(_ string, bytes int64) {
	b.BytesWritten.Add(bytes)
}

// loggingObserver forwards optimizer events to the collection logger and
// then to the user's observer.
type loggingObserver struct {
	log  *Logger
	next MetricsObserver
}

func (o loggingObserver) OnFlush(d time.Duration, points int, err error) {
	o.next.OnFlush(d, points, err)
}

func (o loggingObserver) OnIndexBuild(d time.Duration, points int, err error) {
	o.log.LogIndexBuild(context.Background(), points, d, err)
	o.next.OnIndexBuild(d, points, err)
}

func (o loggingObserver) OnMerge(d time.Duration, inputs, points int, err error) {
	o.log.LogMerge(context.Background(), inputs, points, d, err)
	o.next.OnMerge(d, inputs, points, err)
}

func (o loggingObserver) OnQueueDepth(name string, depth int) { o.next.OnQueueDepth(name, depth) }
func (o loggingObserver) OnThroughput(name string, n int64)   { o.next.OnThroughput(name, n) }
