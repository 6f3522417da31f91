package quantization

import (
	"encoding"
	"errors"
	"fmt"
)

var (
	// ErrNotTrained is returned when encoding with a codec that requires training.
	ErrNotTrained = errors.New("quantization: codec not trained")
	// ErrNoTrainingData is returned when Train is called without vectors.
	ErrNoTrainingData = errors.New("quantization: no vectors provided for training")
	// ErrInvalidState is returned when codec state cannot be decoded.
	ErrInvalidState = errors.New("quantization: invalid codec state")
)

// Kind identifies a codec variant. Its value is persisted in segment files.
type Kind uint8

const (
	KindRaw Kind = iota
	KindScalar
	KindProduct
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindScalar:
		return "scalar"
	case KindProduct:
		return "product"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// ParseKind parses the String form of a kind.
func ParseKind(s string) (Kind, error) {
	for k := KindRaw; k <= KindBinary; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("quantization: unknown codec %q", s)
}

// Codec encodes fixed-dimension vectors into fixed-size codes.
type Codec interface {
	Kind() Kind
	Dimension() int
	// Train calibrates the codec. Raw ignores it.
	Train(vectors [][]float32) error
	// EncodedSize returns the size of one code in bytes.
	EncodedSize() int
	// Encode writes the code for v into dst, which has EncodedSize bytes.
	Encode(dst []byte, v []float32) error
	// Decode reconstructs a vector from code into dst, which has Dimension elements.
	Decode(dst []float32, code []byte)

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Config selects a codec and its parameters.
type Config struct {
	Kind Kind
	// Subvectors is the number of PQ subspaces. Defaults to dim/8 (at least 1).
	Subvectors int
	// Centroids is the number of PQ centroids per subspace, at most 256.
	Centroids int
	// Seed seeds PQ k-means initialization.
	Seed int64
}

// New creates an untrained codec for vectors of dimension dim.
func New(cfg Config, dim int) (Codec, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("quantization: invalid dimension %d", dim)
	}
	switch cfg.Kind {
	case KindRaw:
		return NewRaw(dim), nil
	case KindScalar:
		return NewScalar(dim), nil
	case KindProduct:
		m := cfg.Subvectors
		if m <= 0 {
			m = max(dim/8, 1)
		}
		k := cfg.Centroids
		if k <= 0 {
			k = 256
		}
		return NewProduct(dim, m, k, cfg.Seed)
	case KindBinary:
		return NewBinary(dim), nil
	default:
		return nil, fmt.Errorf("quantization: unsupported kind %v", cfg.Kind)
	}
}

// Restore recreates a trained codec from its kind, dimension and marshaled state.
func Restore(kind Kind, dim int, state []byte) (Codec, error) {
	c, err := New(Config{Kind: kind}, dim)
	if err != nil {
		return nil, err
	}
	if err := c.UnmarshalBinary(state); err != nil {
		return nil, err
	}
	return c, nil
}

func checkDim(c Codec, v []float32) error {
	if len(v) != c.Dimension() {
		return fmt.Errorf("quantization: dimension mismatch: expected %d, got %d", c.Dimension(), len(v))
	}
	return nil
}
