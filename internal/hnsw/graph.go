package hnsw

import (
	"errors"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/queue"
	"github.com/hupe1980/vecseg/internal/visited"
)

const (
	// DefaultM is the default number of bidirectional links per layer.
	DefaultM = 16

	// DefaultEFConstruction is the default beam width while inserting.
	DefaultEFConstruction = 200

	// mmax0Multiplier is the multiplier for the layer 0 connection cap.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// maxLevel bounds RandomLevel so a pathological draw cannot allocate
	// an unbounded number of layers.
	maxLevel = 31
)

// Options represents the options for configuring a graph.
type Options struct {
	M              int
	EFConstruction int
	Seed           int64

	// Tombstones excludes deleted offsets from search results.
	Tombstones Tombstones
}

// DefaultOptions contains the default options for a graph.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
}

type node struct {
	// links[layer] holds neighbor offsets. len(links)-1 is the node level.
	links [][]uint32
}

// Graph is an HNSW graph over segment offsets. A graph built with New
// accepts inserts from a single writer while searches proceed concurrently.
// A graph returned by Load is read-only.
type Graph struct {
	mu      sync.RWMutex
	dim     int
	dist    distance.Func
	vectors VectorSource
	opts    Options
	mL      float64
	rng     *rand.Rand

	nodes  []*node
	count  int
	entry  uint32
	height int

	file *fileGraph

	searchers sync.Pool
}

// New creates an empty graph. vectors must resolve every offset that is
// later inserted.
func New(dim int, distFunc distance.Func, vectors VectorSource, optFns ...func(o *Options)) (*Graph, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if dim <= 0 {
		return nil, errors.New("hnsw: dimension must be positive")
	}
	if opts.M < minimumM {
		return nil, errors.New("hnsw: M must be at least 2")
	}
	if opts.M*mmax0Multiplier > math.MaxUint16 {
		return nil, errors.New("hnsw: M too large")
	}
	if opts.EFConstruction <= 0 {
		return nil, errors.New("hnsw: EFConstruction must be positive")
	}
	if distFunc == nil || vectors == nil {
		return nil, errors.New("hnsw: distance function and vectors are required")
	}
	g := &Graph{
		dim:     dim,
		dist:    distFunc,
		vectors: vectors,
		opts:    opts,
		mL:      1 / math.Log(float64(opts.M)),
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
	g.initPool()
	return g, nil
}

func (g *Graph) initPool() {
	g.searchers.New = func() any {
		return &searcher{
			visited:    visited.New(1024),
			candidates: queue.NewMin(64),
			results:    queue.NewMax(64),
		}
	}
}

// Dimension returns the vector dimension.
func (g *Graph) Dimension() int { return g.dim }

// M returns the connection cap above layer 0.
func (g *Graph) M() int { return g.opts.M }

// Len returns the size of the offset space covered by layer 0.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.file != nil {
		return int(g.file.count)
	}
	return len(g.nodes)
}

// Height returns the number of layers. An empty graph has height 0.
func (g *Graph) Height() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.height
}

// EntryPoint returns the entry offset, or false for an empty graph.
func (g *Graph) EntryPoint() (uint32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entry, g.height > 0
}

// ReadOnly reports whether the graph was loaded from a file.
func (g *Graph) ReadOnly() bool { return g.file != nil }

// Neighbors returns a copy of the neighbor list of offset at layer.
func (g *Graph) Neighbors(layer int, offset uint32) []uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if layer < 0 || layer >= g.height {
		return nil
	}
	return g.neighbors(layer, offset, nil)
}

func (g *Graph) neighbors(layer int, offset uint32, buf []uint32) []uint32 {
	if g.file != nil {
		return g.file.neighbors(layer, offset, buf)
	}
	if int(offset) >= len(g.nodes) {
		return buf
	}
	n := g.nodes[offset]
	if n == nil || layer >= len(n.links) {
		return buf
	}
	return append(buf, n.links[layer]...)
}

func (g *Graph) layerCap(layer int) int {
	if layer == 0 {
		return g.opts.M * mmax0Multiplier
	}
	return g.opts.M
}

// RandomLevel draws floor(-ln(U) * mL) with U uniform in (0, 1].
func (g *Graph) RandomLevel() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.randomLevel()
}

func (g *Graph) randomLevel() int {
	u := 1 - g.rng.Float64()
	return min(int(math.Floor(-math.Log(u)*g.mL)), maxLevel)
}

// Insert links offset into the graph at a randomly drawn level.
func (g *Graph) Insert(offset uint32, vec []float32) error {
	if err := g.checkInsert(vec); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insert(offset, vec, g.randomLevel())
}

// InsertAtLevel links offset into the graph with the given top level.
func (g *Graph) InsertAtLevel(offset uint32, vec []float32, level int) error {
	if err := g.checkInsert(vec); err != nil {
		return err
	}
	if level < 0 {
		return errors.New("hnsw: level must not be negative")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insert(offset, vec, min(level, maxLevel))
}

func (g *Graph) checkInsert(vec []float32) error {
	if g.file != nil {
		return ErrReadOnly
	}
	if len(vec) != g.dim {
		return &DimensionMismatchError{Expected: g.dim, Actual: len(vec)}
	}
	return nil
}

func (g *Graph) insert(offset uint32, vec []float32, level int) error {
	if int(offset) < len(g.nodes) && g.nodes[offset] != nil {
		return ErrExists
	}
	if int(offset) >= len(g.nodes) {
		g.nodes = append(g.nodes, make([]*node, int(offset)+1-len(g.nodes))...)
	}
	n := &node{links: make([][]uint32, level+1)}
	g.nodes[offset] = n
	g.count++

	if g.height == 0 {
		g.entry = offset
		g.height = level + 1
		return nil
	}

	s := g.searchers.Get().(*searcher)
	defer g.searchers.Put(s)

	// 1. Greedy descent through the layers above the node level.
	curr := g.entry
	currDist := g.distTo(vec, curr)
	for layer := g.height - 1; layer > level; layer-- {
		curr, currDist = g.greedy(s, vec, curr, currDist, layer)
	}

	// 2. Beam search and link from min(level, top) down to 0.
	entries := []Candidate{{Offset: curr, Distance: currDist}}
	for layer := min(level, g.height-1); layer >= 0; layer-- {
		g.searchLayer(nil, s, vec, entries, g.opts.EFConstruction, layer, nil)
		entries = s.results.Drain()

		selected := g.selectNeighbors(entries, g.layerCap(layer))
		links := make([]uint32, len(selected), g.layerCap(layer)+1)
		for i, c := range selected {
			links[i] = c.Offset
		}
		n.links[layer] = links

		for _, c := range selected {
			g.link(c.Offset, offset, layer)
		}
	}

	if level >= g.height {
		g.entry = offset
		g.height = level + 1
	}
	return nil
}

// link adds the edge from -> to and re-prunes from when it exceeds its cap.
func (g *Graph) link(from, to uint32, layer int) {
	n := g.nodes[from]
	n.links[layer] = append(n.links[layer], to)
	limit := g.layerCap(layer)
	if len(n.links[layer]) <= limit {
		return
	}

	src := g.vectors.Vector(from)
	cands := make([]Candidate, 0, len(n.links[layer]))
	for _, off := range n.links[layer] {
		cands = append(cands, Candidate{Offset: off, Distance: g.distTo(src, off)})
	}
	slices.SortFunc(cands, compareCandidates)

	kept := g.selectNeighbors(cands, limit)
	links := n.links[layer][:0]
	for _, c := range kept {
		links = append(links, c.Offset)
	}
	n.links[layer] = links
}

// selectNeighbors applies the diversity heuristic to candidates sorted by
// (distance, offset). The closest candidate is always kept. Any other is kept
// only if it is strictly closer to the query than to every kept neighbor.
// Rejected candidates are not used to fill up the result.
func (g *Graph) selectNeighbors(cands []Candidate, m int) []Candidate {
	result := make([]Candidate, 0, min(m, len(cands)))
	resultVecs := make([][]float32, 0, cap(result))

	for _, c := range cands {
		if len(result) >= m {
			break
		}
		cv := g.vectors.Vector(c.Offset)
		if cv == nil {
			continue
		}
		good := true
		for _, rv := range resultVecs {
			if g.dist(cv, rv) <= c.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, c)
			resultVecs = append(resultVecs, cv)
		}
	}
	return result
}

func (g *Graph) distTo(query []float32, offset uint32) float32 {
	v := g.vectors.Vector(offset)
	if v == nil {
		return math.MaxFloat32
	}
	return g.dist(query, v)
}

func compareCandidates(a, b Candidate) int {
	switch {
	case queue.Less(a, b):
		return -1
	case queue.Less(b, a):
		return 1
	default:
		return 0
	}
}
