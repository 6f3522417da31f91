package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/hupe1980/vecseg/distance"
)

const (
	fileMagic   = "HNSW"
	fileVersion = 1
	headerSize  = 32

	// noEntryPoint marks an empty graph in the file header.
	noEntryPoint = math.MaxUint64
)

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) write(p []byte) error {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return err
}

// WriteTo encodes the graph:
//
//	[magic "HNSW"][version u32][point_count u64][num_layers u32][M u32][entry_point u64]
//	per layer, per point 0..point_count-1: [neighbor_count u16][neighbor_offsets u32 x count]
//
// Points that are not on a layer are written with a zero count.
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.file != nil {
		n, err := w.Write(g.file.data)
		return int64(n), err
	}

	cw := &countingWriter{w: bufio.NewWriterSize(w, 64*1024)}

	header := make([]byte, headerSize)
	copy(header[0:4], fileMagic)
	binary.LittleEndian.PutUint32(header[4:8], fileVersion)
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(g.nodes)))
	binary.LittleEndian.PutUint32(header[16:20], uint32(g.height))
	binary.LittleEndian.PutUint32(header[20:24], uint32(g.opts.M))
	entry := uint64(noEntryPoint)
	if g.height > 0 {
		entry = uint64(g.entry)
	}
	binary.LittleEndian.PutUint64(header[24:32], entry)
	if err := cw.write(header); err != nil {
		return cw.n, err
	}

	var (
		links []uint32
		block = make([]byte, 0, 2+4*g.layerCap(0))
	)
	for layer := range g.height {
		for off := range uint32(len(g.nodes)) {
			links = g.neighbors(layer, off, links[:0])
			block = binary.LittleEndian.AppendUint16(block[:0], uint16(len(links)))
			for _, nb := range links {
				block = binary.LittleEndian.AppendUint32(block, nb)
			}
			if err := cw.write(block); err != nil {
				return cw.n, err
			}
		}
	}
	if err := cw.w.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// fileGraph reads adjacency straight from the encoded bytes. Only the
// position of each neighbor block is indexed at load time.
type fileGraph struct {
	data  []byte
	count uint64
	// base holds the layer 0 block position of every point.
	base []int
	// upper holds, per layer above 0, the block positions of points with
	// at least one neighbor.
	upper []map[uint32]int
}

func (f *fileGraph) neighbors(layer int, offset uint32, buf []uint32) []uint32 {
	var pos int
	if layer == 0 {
		if uint64(offset) >= f.count {
			return buf
		}
		pos = f.base[offset]
	} else {
		p, ok := f.upper[layer-1][offset]
		if !ok {
			return buf
		}
		pos = p
	}
	count := int(binary.LittleEndian.Uint16(f.data[pos:]))
	for i := range count {
		buf = append(buf, binary.LittleEndian.Uint32(f.data[pos+2+4*i:]))
	}
	return buf
}

// Load decodes a graph encoded by WriteTo without copying adjacency. data
// must stay valid, typically as a memory mapping, for the life of the graph.
// The returned graph is read-only.
func Load(data []byte, dim int, vectors VectorSource, distFunc distance.Func, optFns ...func(o *Options)) (*Graph, error) {
	if len(data) < headerSize || string(data[0:4]) != fileMagic {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidFormat)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, v)
	}
	count := binary.LittleEndian.Uint64(data[8:16])
	numLayers := int(binary.LittleEndian.Uint32(data[16:20]))
	m := int(binary.LittleEndian.Uint32(data[20:24]))
	entry := binary.LittleEndian.Uint64(data[24:32])

	if count > math.MaxUint32 || m < minimumM || m*mmax0Multiplier > math.MaxUint16 || numLayers > maxLevel+1 {
		return nil, fmt.Errorf("%w: bad header fields", ErrInvalidFormat)
	}
	// Every point needs at least a count per layer.
	if uint64(numLayers)*count > uint64(len(data)-headerSize)/2 {
		return nil, fmt.Errorf("%w: truncated adjacency", ErrInvalidFormat)
	}
	if numLayers == 0 {
		if entry != noEntryPoint {
			return nil, fmt.Errorf("%w: empty graph with entry point", ErrInvalidFormat)
		}
	} else if entry >= count {
		return nil, fmt.Errorf("%w: entry point %d out of range", ErrInvalidFormat, entry)
	}

	g, err := New(dim, distFunc, vectors, append(optFns, func(o *Options) { o.M = m })...)
	if err != nil {
		return nil, err
	}

	f := &fileGraph{data: data, count: count, base: make([]int, count)}
	if numLayers > 1 {
		f.upper = make([]map[uint32]int, numLayers-1)
	}
	pos := headerSize
	for layer := range numLayers {
		limit := g.layerCap(layer)
		if layer > 0 {
			f.upper[layer-1] = make(map[uint32]int)
		}
		for off := range uint32(count) {
			if pos+2 > len(data) {
				return nil, fmt.Errorf("%w: truncated layer %d", ErrInvalidFormat, layer)
			}
			n := int(binary.LittleEndian.Uint16(data[pos:]))
			if n > limit {
				return nil, fmt.Errorf("%w: offset %d has %d neighbors at layer %d, cap %d", ErrInvalidFormat, off, n, layer, limit)
			}
			if pos+2+4*n > len(data) {
				return nil, fmt.Errorf("%w: truncated layer %d", ErrInvalidFormat, layer)
			}
			for i := range n {
				if uint64(binary.LittleEndian.Uint32(data[pos+2+4*i:])) >= count {
					return nil, fmt.Errorf("%w: neighbor of offset %d out of range", ErrInvalidFormat, off)
				}
			}
			switch {
			case layer == 0:
				f.base[off] = pos
			case n > 0:
				f.upper[layer-1][off] = pos
			}
			pos += 2 + 4*n
		}
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidFormat, len(data)-pos)
	}

	g.file = f
	g.height = numLayers
	if numLayers > 0 {
		g.entry = uint32(entry)
	}
	return g, nil
}
