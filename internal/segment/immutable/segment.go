package immutable

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/bitset"
	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/hupe1980/vecseg/internal/hnsw"
	"github.com/hupe1980/vecseg/internal/mmap"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/quantization"
	"github.com/hupe1980/vecseg/resource"
)

// Options configures Open.
type Options struct {
	FS         fs.FileSystem
	Controller *resource.Controller
	// Distance is required.
	Distance distance.Func
	// Tombstones, when set, is shared with the caller and receives the
	// persisted tombstones. Otherwise the segment owns a fresh bitset.
	Tombstones *bitset.BitSet
}

// Segment is an immutable segment. Its methods are safe for concurrent use.
type Segment struct {
	id   uint64
	dir  string
	dim  int
	fsys fs.FileSystem
	rc   *resource.Controller
	dist distance.Func

	codec    quantization.Kind
	vectors  []float32
	ids      []uint64
	versions []uint64
	payloads []uint64
	lookup   map[uint64]uint32

	tomb      *bitset.BitSet
	persistMu sync.Mutex
	persisted atomic.Uint64

	graph   *hnsw.Graph
	mapping *mmap.Mapping

	closed atomic.Bool
}

var _ segment.Segment = (*Segment)(nil)

// Open loads the segment stored in dir. It is indexed when dir holds a
// graph file.
func Open(dir string, id uint64, optFns ...func(o *Options)) (*Segment, error) {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Distance == nil {
		return nil, errors.New("immutable: distance function is required")
	}
	ioErr := func(op string, err error) error {
		return &segment.IOError{SegmentID: id, Op: op, Err: err}
	}

	s := &Segment{id: id, dir: dir, fsys: opts.FS, rc: opts.Controller, dist: opts.Distance}
	if err := s.loadVectors(); err != nil {
		return nil, ioErr("load vectors", err)
	}
	if err := s.loadIDTracker(); err != nil {
		return nil, ioErr("load id tracker", err)
	}
	if err := s.loadTombstones(opts.Tombstones); err != nil {
		return nil, ioErr("load tombstones", err)
	}
	if err := s.loadGraph(); err != nil {
		return nil, ioErr("load graph", err)
	}
	return s, nil
}

func (s *Segment) loadVectors() error {
	data, err := fs.ReadFile(s.fsys, filepath.Join(s.dir, VectorsFile))
	if err != nil {
		return err
	}
	h, start, err := decodeVectorsHeader(data)
	if err != nil {
		return err
	}
	s.dim = int(h.Dim)
	codec, err := quantization.Restore(h.Codec, s.dim, h.State)
	if err != nil {
		return err
	}
	s.codec = h.Codec

	size := codec.EncodedSize()
	n := int(h.Count)
	if len(data)-start != n*size {
		return fmt.Errorf("%w: %s holds %d code bytes for %d vectors", ErrCorrupt, VectorsFile, len(data)-start, n)
	}
	s.vectors = make([]float32, n*s.dim)
	for i := range n {
		codec.Decode(s.vectors[i*s.dim:(i+1)*s.dim], data[start+i*size:start+(i+1)*size])
	}
	return nil
}

func (s *Segment) loadIDTracker() error {
	data, err := fs.ReadFile(s.fsys, filepath.Join(s.dir, IDTrackerFile))
	if err != nil {
		return err
	}
	count, err := decodeIDTrackerHeader(data)
	if err != nil {
		return err
	}
	if int(count) != len(s.vectors)/max(s.dim, 1) {
		return fmt.Errorf("%w: %d ids for %d vectors", ErrCorrupt, count, len(s.vectors)/s.dim)
	}
	s.ids = make([]uint64, count)
	s.versions = make([]uint64, count)
	s.payloads = make([]uint64, count)
	s.lookup = make(map[uint64]uint32, count)
	body := data[idTrackerHeader:]
	for i := range s.ids {
		e := body[i*idTrackerEntry:]
		s.ids[i] = binary.LittleEndian.Uint64(e[0:])
		s.versions[i] = binary.LittleEndian.Uint64(e[8:])
		s.payloads[i] = binary.LittleEndian.Uint64(e[16:])
		s.lookup[s.ids[i]] = uint32(i)
	}
	return nil
}

// loadTombstones merges deleted.bin into shared. The segment counts as
// persisted only when the bitset holds no bits beyond the file.
func (s *Segment) loadTombstones(shared *bitset.BitSet) error {
	data, err := fs.ReadFile(s.fsys, filepath.Join(s.dir, TombstonesFile))
	if err != nil {
		return err
	}
	onDisk := bitset.New(0)
	if _, err := onDisk.ReadFrom(bytes.NewReader(data)); err != nil {
		return err
	}
	if shared == nil {
		shared = onDisk
	} else {
		shared.Merge(onDisk.Bitmap())
	}
	s.tomb = shared
	if shared.Count() == onDisk.Count() {
		s.persisted.Store(shared.Generation())
	}
	return nil
}

func (s *Segment) loadGraph() error {
	path := filepath.Join(s.dir, GraphFile)
	if _, err := s.fsys.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	m, err := mmap.Open(path)
	if err != nil {
		return err
	}
	g, err := hnsw.Load(m.Bytes(), s.dim, s, s.dist, func(o *hnsw.Options) {
		o.Tombstones = s.tomb
	})
	if err != nil {
		_ = m.Close()
		return err
	}
	_ = m.Advise(mmap.AccessRandom)
	s.graph = g
	s.mapping = m
	return nil
}

func (s *Segment) ID() uint64     { return s.id }
func (s *Segment) Dir() string    { return s.dir }
func (s *Segment) Dimension() int { return s.dim }
func (s *Segment) Len() int       { return len(s.ids) }
func (s *Segment) Live() int      { return len(s.ids) - s.tomb.Count() }

// Codec returns the storage codec of vectors.bin.
func (s *Segment) Codec() quantization.Kind { return s.codec }

// Graph returns the HNSW graph of an indexed segment, or nil.
func (s *Segment) Graph() *hnsw.Graph { return s.graph }

func (s *Segment) Kind() segment.Kind {
	if s.graph != nil {
		return segment.IndexedImmutable
	}
	return segment.PlainImmutable
}

func (s *Segment) Tombstones() *bitset.BitSet { return s.tomb }

func (s *Segment) Vector(offset uint32) []float32 {
	if int(offset) >= len(s.ids) {
		return nil
	}
	start := int(offset) * s.dim
	return s.vectors[start : start+s.dim : start+s.dim]
}

func (s *Segment) PointID(offset uint32) (uint64, bool) {
	if int(offset) >= len(s.ids) {
		return 0, false
	}
	return s.ids[offset], true
}

func (s *Segment) Version(offset uint32) uint64 {
	if int(offset) >= len(s.versions) {
		return 0
	}
	return s.versions[offset]
}

func (s *Segment) Payload(offset uint32) uint64 {
	if int(offset) >= len(s.payloads) {
		return 0
	}
	return s.payloads[offset]
}

func (s *Segment) Lookup(id uint64) (uint32, bool) {
	off, ok := s.lookup[id]
	return off, ok
}

func (s *Segment) Delete(offset uint32) bool {
	if int(offset) >= len(s.ids) {
		return false
	}
	return s.tomb.Set(offset)
}

func (s *Segment) Iterate(fn func(segment.Row) bool) {
	for i := range s.ids {
		off := uint32(i)
		row := segment.Row{
			Offset:  off,
			PointID: s.ids[i],
			Version: s.versions[i],
			Payload: s.payloads[i],
			Vector:  s.Vector(off),
		}
		if !fn(row) {
			return
		}
	}
}

// Search walks the graph of an indexed segment and scans a plain one.
func (s *Segment) Search(ctx context.Context, query []float32, k, ef int, filter segment.Filter) ([]segment.Result, error) {
	if len(query) != s.dim {
		return nil, &segment.DimensionMismatchError{Expected: s.dim, Actual: len(query)}
	}
	if s.closed.Load() {
		return nil, segment.ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	if s.graph != nil {
		return s.graph.Search(ctx, query, k, ef, hnsw.Filter(filter))
	}
	return hnsw.BruteSearch(query, s, len(s.ids), k, s.dist, hnsw.Filter(segment.Accept(s.tomb, filter))), nil
}

// SizeBytes reports the decoded arena, the id tracker and the mapped graph.
func (s *Segment) SizeBytes() int64 {
	size := int64(len(s.vectors))*4 + int64(len(s.ids))*idTrackerEntry
	if s.mapping != nil {
		size += int64(s.mapping.Size())
	}
	return size
}

// Dirty reports whether tombstones were set since they were last persisted.
func (s *Segment) Dirty() bool {
	return s.tomb.Generation() != s.persisted.Load()
}

// PersistTombstones rewrites deleted.bin if tombstones changed since the
// last write. It reports whether a write happened.
func (s *Segment) PersistTombstones(ctx context.Context) (bool, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	gen := s.tomb.Generation()
	if gen == s.persisted.Load() {
		return false, nil
	}
	opts := WriteOptions{FS: s.fsys, Controller: s.rc, SegmentID: s.id}
	if err := writeTombstones(ctx, opts, s.dir, s.tomb); err != nil {
		return false, &segment.IOError{SegmentID: s.id, Op: "persist tombstones", Err: err}
	}
	s.persisted.Store(gen)
	return true, nil
}

// Close unmaps the graph file. Searches after Close fail with
// segment.ErrClosed.
func (s *Segment) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.mapping != nil {
		return s.mapping.Close()
	}
	return nil
}
