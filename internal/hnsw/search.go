package hnsw

import (
	"context"

	"github.com/hupe1980/vecseg/distance"
	"github.com/hupe1980/vecseg/internal/queue"
	"github.com/hupe1980/vecseg/internal/visited"
)

// ctxCheckInterval is the number of expansions between deadline checks.
const ctxCheckInterval = 64

// searcher is the per-traversal scratch space.
type searcher struct {
	visited    *visited.Set
	candidates *queue.PriorityQueue
	results    *queue.PriorityQueue
	buf        []uint32
}

func (s *searcher) reset() {
	s.visited.Reset()
	s.candidates.Reset()
	s.results.Reset()
}

// pushBounded keeps the ef nearest items in the result max-queue.
func (s *searcher) pushBounded(item Candidate, ef int) {
	if s.results.Len() < ef {
		s.results.Push(item)
		return
	}
	if worst, _ := s.results.Top(); queue.Less(item, worst) {
		s.results.Pop()
		s.results.Push(item)
	}
}

// Search returns up to topK offsets nearest to query ordered by
// (distance, offset). filter and the configured tombstones exclude offsets
// from the results but not from traversal. When ctx expires the traversal
// stops and the results found so far are returned without an error.
func (g *Graph) Search(ctx context.Context, query []float32, topK, ef int, filter Filter) ([]Candidate, error) {
	if len(query) != g.dim {
		return nil, &DimensionMismatchError{Expected: g.dim, Actual: len(query)}
	}
	if topK <= 0 {
		return nil, nil
	}
	ef = max(ef, topK)

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.height == 0 {
		return nil, nil
	}

	s := g.searchers.Get().(*searcher)
	defer g.searchers.Put(s)

	curr := g.entry
	currDist := g.distTo(query, curr)
	for layer := g.height - 1; layer > 0; layer-- {
		if ctx.Err() != nil {
			break
		}
		curr, currDist = g.greedy(s, query, curr, currDist, layer)
	}

	accept := g.acceptFunc(filter)
	g.searchLayer(ctx, s, query, []Candidate{{Offset: curr, Distance: currDist}}, ef, 0, accept)

	results := s.results.Drain()
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (g *Graph) acceptFunc(filter Filter) Filter {
	tomb := g.opts.Tombstones
	switch {
	case tomb == nil && filter == nil:
		return nil
	case tomb == nil:
		return filter
	case filter == nil:
		return func(off uint32) bool { return !tomb.Test(off) }
	default:
		return func(off uint32) bool { return !tomb.Test(off) && filter(off) }
	}
}

// greedy walks layer toward query with a beam of width one.
func (g *Graph) greedy(s *searcher, query []float32, curr uint32, currDist float32, layer int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		s.buf = g.neighbors(layer, curr, s.buf[:0])
		for _, next := range s.buf {
			if d := g.distTo(query, next); d < currDist {
				curr, currDist = next, d
				changed = true
			}
		}
	}
	return curr, currDist
}

// searchLayer runs a beam search of width ef on one layer, leaving the ef
// nearest accepted offsets in s.results. A nil ctx never expires.
func (g *Graph) searchLayer(ctx context.Context, s *searcher, query []float32, entries []Candidate, ef, layer int, accept Filter) {
	s.reset()
	for _, ep := range entries {
		if !s.visited.Visit(ep.Offset) {
			continue
		}
		// Entry points always seed navigation, even when filtered.
		s.candidates.Push(ep)
		if accept == nil || accept(ep.Offset) {
			s.pushBounded(ep, ef)
		}
	}

	for iter := 1; s.candidates.Len() > 0; iter++ {
		if ctx != nil && iter%ctxCheckInterval == 0 && ctx.Err() != nil {
			return
		}
		curr, _ := s.candidates.Pop()

		if worst, ok := s.results.Top(); ok && s.results.Len() >= ef && curr.Distance > worst.Distance {
			break
		}

		s.buf = g.neighbors(layer, curr.Offset, s.buf[:0])
		for _, next := range s.buf {
			if !s.visited.Visit(next) {
				continue
			}
			d := g.distTo(query, next)
			if s.results.Len() >= ef {
				if worst, _ := s.results.Top(); d > worst.Distance {
					continue
				}
			}
			item := Candidate{Offset: next, Distance: d}
			s.candidates.Push(item)
			if accept == nil || accept(next) {
				s.pushBounded(item, ef)
			}
		}
	}
}

// BruteSearch scans offsets [0, n) and returns the exact topK ordered by
// (distance, offset). It skips offsets that vectors cannot resolve.
func BruteSearch(query []float32, vectors VectorSource, n, topK int, dist distance.Func, filter Filter) []Candidate {
	if topK <= 0 {
		return nil
	}
	results := queue.NewMax(topK + 1)
	for off := range uint32(n) {
		if filter != nil && !filter(off) {
			continue
		}
		v := vectors.Vector(off)
		if v == nil {
			continue
		}
		item := Candidate{Offset: off, Distance: dist(query, v)}
		if results.Len() < topK {
			results.Push(item)
		} else if worst, _ := results.Top(); queue.Less(item, worst) {
			results.Pop()
			results.Push(item)
		}
	}
	return results.Drain()
}
