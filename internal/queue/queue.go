// Package queue provides value-based binary heaps of (offset, distance)
// pairs used by graph and scan search.
package queue

// Item is an offset with its distance to the query.
type Item struct {
	Offset   uint32
	Distance float32
}

// Less orders items by distance, then by offset. It is the canonical result
// order used across search paths.
func Less(a, b Item) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Offset < b.Offset
}

// PriorityQueue is a binary heap of Items. A min-queue pops the nearest item
// first, a max-queue pops the farthest first.
type PriorityQueue struct {
	max   bool
	items []Item
}

// NewMin creates a queue that pops the nearest item first.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{items: make([]Item, 0, capacity)}
}

// NewMax creates a queue that pops the farthest item first.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{max: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of queued items.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Reset clears the queue for reuse.
func (pq *PriorityQueue) Reset() { pq.items = pq.items[:0] }

// Top returns the top item without removing it.
func (pq *PriorityQueue) Top() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// Push inserts an item.
func (pq *PriorityQueue) Push(item Item) {
	pq.items = append(pq.items, item)
	pq.up(len(pq.items) - 1)
}

// Pop removes and returns the top item.
func (pq *PriorityQueue) Pop() (Item, bool) {
	n := len(pq.items)
	if n == 0 {
		return Item{}, false
	}
	top := pq.items[0]
	pq.items[0] = pq.items[n-1]
	pq.items = pq.items[:n-1]
	if n > 1 {
		pq.down(0)
	}
	return top, true
}

// Drain empties the queue and returns its items ordered nearest first.
func (pq *PriorityQueue) Drain() []Item {
	out := make([]Item, len(pq.items))
	if pq.max {
		for i := len(out) - 1; i >= 0; i-- {
			out[i], _ = pq.Pop()
		}
	} else {
		for i := range out {
			out[i], _ = pq.Pop()
		}
	}
	return out
}

func (pq *PriorityQueue) less(i, j int) bool {
	if pq.max {
		return Less(pq.items[j], pq.items[i])
	}
	return Less(pq.items[i], pq.items[j])
}

func (pq *PriorityQueue) up(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue) down(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
