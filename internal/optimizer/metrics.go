package optimizer

import "time"

// MetricsObserver receives background operation events.
type MetricsObserver interface {
	// OnFlush is called when a sealed memtable flush completes.
	OnFlush(duration time.Duration, points int, err error)
	// OnIndexBuild is called when an HNSW build for a segment completes.
	OnIndexBuild(duration time.Duration, points int, err error)
	// OnMerge is called when a merge completes.
	OnMerge(duration time.Duration, inputSegments int, outputPoints int, err error)
	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)
	// OnThroughput reports bytes written by a background operation.
	OnThroughput(name string, bytes int64)
}

// NoopMetricsObserver discards all events.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnFlush(time.Duration, int, error)      {}
func (NoopMetricsObserver) OnIndexBuild(time.Duration, int, error) {}
func (NoopMetricsObserver) OnMerge(time.Duration, int, int, error) {}
func (NoopMetricsObserver) OnQueueDepth(string, int)               {}
func (NoopMetricsObserver) OnThroughput(string, int64)             {}
