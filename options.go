package vecseg

import (
	"time"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/hupe1980/vecseg/internal/hnsw"
	"github.com/hupe1980/vecseg/internal/optimizer"
	"github.com/hupe1980/vecseg/internal/store"
	"github.com/hupe1980/vecseg/internal/wal"
	"github.com/hupe1980/vecseg/quantization"
	"github.com/hupe1980/vecseg/resource"
)

// Durability controls when a write is acknowledged.
type Durability = wal.Durability

const (
	// DurabilitySync acknowledges a write once its WAL record is fsynced.
	DurabilitySync = wal.DurabilitySync
	// DurabilityAsync acknowledges a write once its WAL record is buffered.
	// A background fsync runs every few milliseconds, so a crash may lose
	// the most recent writes.
	DurabilityAsync = wal.DurabilityAsync
)

// MergePolicy picks the indexed segments to merge next.
type MergePolicy = optimizer.MergePolicy

// TieredMergePolicy merges runs of small indexed segments.
type TieredMergePolicy = optimizer.TieredMergePolicy

// SegmentStats describes a segment to a MergePolicy.
type SegmentStats = optimizer.SegmentStats

// FileSystem is the file system a collection stores its files on.
type FileSystem = fs.FileSystem

// File is an open file of a FileSystem.
type File = fs.File

const (
	// DefaultEFSearch is the default HNSW beam width of a search.
	DefaultEFSearch = 64
	// DefaultMergeThreshold is the default number of small indexed segments
	// that triggers a merge.
	DefaultMergeThreshold = 4
	// DefaultMaxSegmentPoints bounds the size of merged segments.
	DefaultMaxSegmentPoints = 1_000_000
)

type options struct {
	metric    distance.Metric
	metricSet bool
	codec     quantization.Config
	codecSet  bool

	m              int
	efConstruction int
	efSearch       int
	seed           int64

	flushPoints int
	flushBytes  int64
	flushAge    time.Duration

	walRotateBytes int64
	durability     Durability
	walCompression bool

	mergeThreshold int
	mergePolicy    MergePolicy

	controller  *resource.Controller
	logger      *Logger
	metrics     MetricsObserver
	parallelism int
	fs          fs.FileSystem
}

// Option configures Open.
type Option func(*options)

// WithMetric sets the distance metric of a new collection. An existing
// collection keeps the metric it was created with; a different explicit
// metric makes Open fail.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
		o.metricSet = true
	}
}

// WithCodec sets the storage codec of a new collection's immutable
// segments. Memtables always hold full-precision vectors.
//
// Example:
//
//	col, _ := vecseg.Open(dir, 768, vecseg.WithCodec(quantization.Config{
//	    Kind:       quantization.KindProduct,
//	    Subvectors: 96,
//	}))
func WithCodec(cfg quantization.Config) Option {
	return func(o *options) {
		o.codec = cfg
		o.codecSet = true
	}
}

// WithM sets the number of HNSW links per node.
func WithM(m int) Option {
	return func(o *options) {
		o.m = m
	}
}

// WithEFConstruction sets the HNSW beam width used while building graphs.
func WithEFConstruction(ef int) Option {
	return func(o *options) {
		o.efConstruction = ef
	}
}

// WithEFSearch sets the default HNSW beam width of searches. WithEF
// overrides it per search.
func WithEFSearch(ef int) Option {
	return func(o *options) {
		o.efSearch = ef
	}
}

// WithSeed seeds HNSW level assignment and codec training, which makes
// builds reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithFlushPoints seals the memtable once it holds n points. 0 disables
// the trigger.
func WithFlushPoints(n int) Option {
	return func(o *options) {
		o.flushPoints = n
	}
}

// WithFlushBytes seals the memtable once its vectors use n bytes. 0
// disables the trigger.
func WithFlushBytes(n int64) Option {
	return func(o *options) {
		o.flushBytes = n
	}
}

// WithFlushAge seals a non-empty memtable once it is d old. 0 disables the
// trigger.
func WithFlushAge(d time.Duration) Option {
	return func(o *options) {
		o.flushAge = d
	}
}

// WithWALRotateBytes starts a new WAL file once the current one reaches n
// bytes.
func WithWALRotateBytes(n int64) Option {
	return func(o *options) {
		o.walRotateBytes = n
	}
}

// WithDurability sets when writes are acknowledged.
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithWALCompression zstd-compresses large WAL record bodies.
func WithWALCompression(enabled bool) Option {
	return func(o *options) {
		o.walCompression = enabled
	}
}

// WithMergeThreshold merges small indexed segments once n of them exist.
func WithMergeThreshold(n int) Option {
	return func(o *options) {
		o.mergeThreshold = n
	}
}

// WithMergePolicy replaces the tiered merge policy.
func WithMergePolicy(p MergePolicy) Option {
	return func(o *options) {
		o.mergePolicy = p
	}
}

// WithResourceController bounds background builds, their memory and their
// IO. A controller may be shared by several collections.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.controller = rc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vecseg.NewJSONLogger(slog.LevelInfo)
//	col, _ := vecseg.Open(dir, 128, vecseg.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetricsObserver receives background optimizer events.
// Pass nil to disable metrics collection.
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSearchParallelism bounds the segments searched concurrently by one
// query. 0 uses GOMAXPROCS.
func WithSearchParallelism(n int) Option {
	return func(o *options) {
		o.parallelism = n
	}
}

// WithFileSystem stores the collection on fsys instead of the local disk.
func WithFileSystem(fsys FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

func applyOptions(optFns []Option) options {
	st := store.DefaultOptions()
	o := options{
		metric:         distance.MetricL2,
		codec:          quantization.Config{Kind: quantization.KindRaw},
		m:              hnsw.DefaultM,
		efConstruction: hnsw.DefaultEFConstruction,
		efSearch:       DefaultEFSearch,
		flushPoints:    st.FlushPoints,
		flushBytes:     st.FlushBytes,
		flushAge:       st.FlushAge,
		walRotateBytes: wal.DefaultRotateBytes,
		durability:     DurabilitySync,
		mergeThreshold: DefaultMergeThreshold,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsObserver{}
	}
	if o.fs == nil {
		o.fs = fs.Default
	}
	if o.mergePolicy == nil {
		o.mergePolicy = TieredMergePolicy{Threshold: o.mergeThreshold, MaxSegmentPoints: DefaultMaxSegmentPoints}
	}
	return o
}

// SearchOption configures one search.
type SearchOption func(*searchOptions)

type searchOptions struct {
	ef          int
	filter      Filter
	withVectors bool
}

// WithEF sets the HNSW beam width of this search. Values below topK are
// raised to topK.
func WithEF(ef int) SearchOption {
	return func(o *searchOptions) {
		o.ef = ef
	}
}

// WithFilter restricts results to points admitted by f.
func WithFilter(f Filter) SearchOption {
	return func(o *searchOptions) {
		o.filter = f
	}
}

// WithVectors includes a copy of each result's stored vector.
func WithVectors() SearchOption {
	return func(o *searchOptions) {
		o.withVectors = true
	}
}
