package immutable

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"path/filepath"

	"github.com/hupe1980/vecseg/internal/bitset"
	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/hupe1980/vecseg/internal/hnsw"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/quantization"
	"github.com/hupe1980/vecseg/resource"
)

const writeBufferSize = 256 << 10

// WriteOptions configures Write and WriteGraph.
type WriteOptions struct {
	FS fs.FileSystem
	// Codec selects the storage codec. It is trained on the written vectors.
	Codec quantization.Config
	// Controller rate-limits the writes. Nil means unlimited.
	Controller *resource.Controller
	// SegmentID labels errors.
	SegmentID uint64
}

func writeOptions(optFns []func(o *WriteOptions)) WriteOptions {
	var opts WriteOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	return opts
}

// Write persists every offset of src into dir, including tombstoned ones,
// so offsets stay valid across the flush. Each file is written atomically.
func Write(ctx context.Context, dir string, src segment.Source, optFns ...func(o *WriteOptions)) error {
	opts := writeOptions(optFns)
	ioErr := func(op string, err error) error {
		return &segment.IOError{SegmentID: opts.SegmentID, Op: op, Err: err}
	}
	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return ioErr("mkdir", err)
	}

	codec, err := trainCodec(src, opts.Codec)
	if err != nil {
		return ioErr("train codec", err)
	}
	state, err := codec.MarshalBinary()
	if err != nil {
		return ioErr("marshal codec", err)
	}

	n := src.Len()
	err = writeFile(ctx, opts, filepath.Join(dir, VectorsFile), func(w io.Writer) error {
		h := vectorsHeader{Codec: codec.Kind(), Dim: uint32(src.Dimension()), Count: uint64(n), State: state}
		if _, err := w.Write(h.encode()); err != nil {
			return err
		}
		code := make([]byte, codec.EncodedSize())
		var werr error
		src.Iterate(func(r segment.Row) bool {
			if werr = codec.Encode(code, r.Vector); werr != nil {
				return false
			}
			_, werr = w.Write(code)
			return werr == nil
		})
		return werr
	})
	if err != nil {
		return ioErr("write vectors", err)
	}

	err = writeFile(ctx, opts, filepath.Join(dir, IDTrackerFile), func(w io.Writer) error {
		if _, err := w.Write(encodeIDTrackerHeader(uint64(n))); err != nil {
			return err
		}
		entry := make([]byte, idTrackerEntry)
		var werr error
		src.Iterate(func(r segment.Row) bool {
			binary.LittleEndian.PutUint64(entry[0:], r.PointID)
			binary.LittleEndian.PutUint64(entry[8:], r.Version)
			binary.LittleEndian.PutUint64(entry[16:], r.Payload)
			_, werr = w.Write(entry)
			return werr == nil
		})
		return werr
	})
	if err != nil {
		return ioErr("write id tracker", err)
	}

	if err := writeTombstones(ctx, opts, dir, src.Tombstones()); err != nil {
		return ioErr("write tombstones", err)
	}
	return nil
}

// WriteGraph persists g as the graph file of the segment in dir.
func WriteGraph(ctx context.Context, dir string, g *hnsw.Graph, optFns ...func(o *WriteOptions)) error {
	opts := writeOptions(optFns)
	err := writeFile(ctx, opts, filepath.Join(dir, GraphFile), func(w io.Writer) error {
		_, err := g.WriteTo(w)
		return err
	})
	if err != nil {
		return &segment.IOError{SegmentID: opts.SegmentID, Op: "write graph", Err: err}
	}
	return nil
}

func writeTombstones(ctx context.Context, opts WriteOptions, dir string, tomb *bitset.BitSet) error {
	return writeFile(ctx, opts, filepath.Join(dir, TombstonesFile), func(w io.Writer) error {
		_, err := tomb.WriteTo(w)
		return err
	})
}

func writeFile(ctx context.Context, opts WriteOptions, path string, fn func(w io.Writer) error) error {
	return fs.WriteFileAtomic(opts.FS, path, func(w io.Writer) error {
		bw := bufio.NewWriterSize(resource.NewRateLimitedWriter(ctx, w, opts.Controller), writeBufferSize)
		if err := fn(bw); err != nil {
			return err
		}
		return bw.Flush()
	})
}

// trainCodec trains the configured codec on every stored vector. A source
// without rows falls back to the raw codec, which needs no training.
func trainCodec(src segment.Source, cfg quantization.Config) (quantization.Codec, error) {
	if src.Len() == 0 {
		cfg = quantization.Config{Kind: quantization.KindRaw}
	}
	codec, err := quantization.New(cfg, src.Dimension())
	if err != nil {
		return nil, err
	}
	if cfg.Kind == quantization.KindRaw {
		return codec, nil
	}
	train := make([][]float32, 0, src.Len())
	src.Iterate(func(r segment.Row) bool {
		train = append(train, r.Vector)
		return true
	})
	if err := codec.Train(train); err != nil {
		return nil, err
	}
	return codec, nil
}
