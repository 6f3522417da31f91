package quantization

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand"

	"github.com/hupe1980/vecseg/internal/kmeans"
)

const kmeansIterations = 20

// Product implements product quantization. A vector is split into M
// subvectors and each one is replaced by the index of its nearest centroid.
type Product struct {
	dim          int
	numSub       int
	numCentroids int
	subDim       int
	seed         int64
	// codebooks[m] holds numCentroids*subDim floats.
	codebooks [][]float32
	trained   bool
}

// NewProduct creates an untrained product quantizer.
func NewProduct(dim, numSubvectors, numCentroids int, seed int64) (*Product, error) {
	if numSubvectors <= 0 || dim%numSubvectors != 0 {
		return nil, errors.New("quantization: dimension must be divisible by the number of subvectors")
	}
	if numCentroids <= 0 || numCentroids > 256 {
		return nil, errors.New("quantization: centroids must be in [1, 256]")
	}
	return &Product{
		dim:          dim,
		numSub:       numSubvectors,
		numCentroids: numCentroids,
		subDim:       dim / numSubvectors,
		seed:         seed,
	}, nil
}

func (p *Product) Kind() Kind       { return KindProduct }
func (p *Product) Dimension() int   { return p.dim }
func (p *Product) EncodedSize() int { return p.numSub }

// Train runs k-means++ followed by Lloyd iterations per subspace.
func (p *Product) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return ErrNoTrainingData
	}
	for _, v := range vectors {
		if err := checkDim(p, v); err != nil {
			return err
		}
	}
	rng := rand.New(rand.NewSource(p.seed))
	p.codebooks = make([][]float32, p.numSub)
	sub := make([][]float32, len(vectors))
	for m := range p.numSub {
		start := m * p.subDim
		for i, v := range vectors {
			sub[i] = v[start : start+p.subDim]
		}
		p.codebooks[m] = kmeans.Train(rng, sub, p.numCentroids, p.subDim, kmeansIterations)
	}
	p.trained = true
	return nil
}

func (p *Product) Encode(dst []byte, v []float32) error {
	if !p.trained {
		return ErrNotTrained
	}
	if err := checkDim(p, v); err != nil {
		return err
	}
	for m := range p.numSub {
		start := m * p.subDim
		dst[m] = uint8(kmeans.Nearest(p.codebooks[m], v[start:start+p.subDim], p.subDim))
	}
	return nil
}

func (p *Product) Decode(dst []float32, code []byte) {
	for m := range p.numSub {
		c := int(code[m]) * p.subDim
		copy(dst[m*p.subDim:(m+1)*p.subDim], p.codebooks[m][c:c+p.subDim])
	}
}

// MarshalBinary encodes [M uint32][K uint32][codebooks float32...].
func (p *Product) MarshalBinary() ([]byte, error) {
	if !p.trained {
		return nil, ErrNotTrained
	}
	b := make([]byte, 8+4*p.numSub*p.numCentroids*p.subDim)
	binary.LittleEndian.PutUint32(b[0:], uint32(p.numSub))
	binary.LittleEndian.PutUint32(b[4:], uint32(p.numCentroids))
	off := 8
	for _, cb := range p.codebooks {
		for _, x := range cb {
			binary.LittleEndian.PutUint32(b[off:], math.Float32bits(x))
			off += 4
		}
	}
	return b, nil
}

func (p *Product) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return ErrInvalidState
	}
	numSub := int(binary.LittleEndian.Uint32(data[0:]))
	numCentroids := int(binary.LittleEndian.Uint32(data[4:]))
	if numSub <= 0 || p.dim%numSub != 0 || numCentroids <= 0 || numCentroids > 256 {
		return ErrInvalidState
	}
	subDim := p.dim / numSub
	if len(data) != 8+4*numSub*numCentroids*subDim {
		return ErrInvalidState
	}
	p.numSub, p.numCentroids, p.subDim = numSub, numCentroids, subDim
	p.codebooks = make([][]float32, numSub)
	off := 8
	for m := range p.codebooks {
		cb := make([]float32, numCentroids*subDim)
		for i := range cb {
			cb[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		p.codebooks[m] = cb
	}
	p.trained = true
	return nil
}
