package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/klauspost/compress/zstd"
)

// Op identifies the operation recorded in a WAL record.
type Op uint8

const (
	OpUpsert         Op = 1
	OpDelete         Op = 2
	OpDeleteByFilter Op = 3
	OpSetPayload     Op = 4
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	case OpDeleteByFilter:
		return "delete_by_filter"
	case OpSetPayload:
		return "set_payload"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

const (
	flagCompressed = 1 << 0

	payloadHeaderSize = 8 + 1 + 1
	frameOverhead     = 4 + 4

	// maxRecordSize bounds the length field so a corrupt length cannot
	// trigger a huge allocation.
	maxRecordSize = 256 << 20
)

var (
	ErrInvalidOp   = errors.New("wal: invalid record op")
	ErrShortRecord = errors.New("wal: short record body")
)

// Record is one logged mutation.
//
// Upsert uses PointID, Vector and Payload. Delete uses PointID.
// DeleteByFilter carries the PointIDs resolved when the filter was applied.
// SetPayload uses PointID and Payload.
type Record struct {
	Version  uint64
	Op       Op
	PointID  uint64
	Vector   []float32
	Payload  uint64
	PointIDs []uint64
}

func (r *Record) bodySize() int {
	switch r.Op {
	case OpUpsert:
		return 8 + 8 + 4 + 4*len(r.Vector)
	case OpDelete:
		return 8
	case OpDeleteByFilter:
		return 4 + 8*len(r.PointIDs)
	case OpSetPayload:
		return 8 + 8
	default:
		return 0
	}
}

func (r *Record) appendBody(dst []byte) ([]byte, error) {
	le := binary.LittleEndian
	switch r.Op {
	case OpUpsert:
		dst = le.AppendUint64(dst, r.PointID)
		dst = le.AppendUint64(dst, r.Payload)
		dst = le.AppendUint32(dst, uint32(len(r.Vector)))
		for _, v := range r.Vector {
			dst = le.AppendUint32(dst, math.Float32bits(v))
		}
	case OpDelete:
		dst = le.AppendUint64(dst, r.PointID)
	case OpDeleteByFilter:
		dst = le.AppendUint32(dst, uint32(len(r.PointIDs)))
		for _, id := range r.PointIDs {
			dst = le.AppendUint64(dst, id)
		}
	case OpSetPayload:
		dst = le.AppendUint64(dst, r.PointID)
		dst = le.AppendUint64(dst, r.Payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidOp, r.Op)
	}
	return dst, nil
}

// encodeFrame returns the framed record. Bodies of at least minCompress
// bytes are compressed when enc is not nil.
func encodeFrame(r *Record, enc *zstd.Encoder, minCompress int) ([]byte, error) {
	body, err := r.appendBody(make([]byte, 0, r.bodySize()))
	if err != nil {
		return nil, err
	}
	var flags byte
	if enc != nil && len(body) >= minCompress {
		if c := enc.EncodeAll(body, nil); len(c) < len(body) {
			body = c
			flags |= flagCompressed
		}
	}

	n := payloadHeaderSize + len(body)
	frame := make([]byte, 4, frameOverhead+n)
	binary.LittleEndian.PutUint32(frame, uint32(n))
	frame = binary.LittleEndian.AppendUint64(frame, r.Version)
	frame = append(frame, byte(r.Op), flags)
	frame = append(frame, body...)
	frame = binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame[4:]))
	return frame, nil
}

// decodePayload parses a CRC-validated payload.
func decodePayload(payload []byte, dec *zstd.Decoder) (*Record, error) {
	if len(payload) < payloadHeaderSize {
		return nil, ErrShortRecord
	}
	r := &Record{
		Version: binary.LittleEndian.Uint64(payload[0:8]),
		Op:      Op(payload[8]),
	}
	flags := payload[9]
	body := payload[payloadHeaderSize:]
	if flags&flagCompressed != 0 {
		var err error
		if body, err = dec.DecodeAll(body, nil); err != nil {
			return nil, fmt.Errorf("wal: decompress: %w", err)
		}
	}

	le := binary.LittleEndian
	switch r.Op {
	case OpUpsert:
		if len(body) < 20 {
			return nil, ErrShortRecord
		}
		r.PointID = le.Uint64(body[0:8])
		r.Payload = le.Uint64(body[8:16])
		dim := int(le.Uint32(body[16:20]))
		if len(body) != 20+4*dim {
			return nil, ErrShortRecord
		}
		r.Vector = make([]float32, dim)
		for i := range r.Vector {
			r.Vector[i] = math.Float32frombits(le.Uint32(body[20+4*i:]))
		}
	case OpDelete:
		if len(body) != 8 {
			return nil, ErrShortRecord
		}
		r.PointID = le.Uint64(body)
	case OpDeleteByFilter:
		if len(body) < 4 {
			return nil, ErrShortRecord
		}
		n := int(le.Uint32(body))
		if len(body) != 4+8*n {
			return nil, ErrShortRecord
		}
		r.PointIDs = make([]uint64, n)
		for i := range r.PointIDs {
			r.PointIDs[i] = le.Uint64(body[4+8*i:])
		}
	case OpSetPayload:
		if len(body) != 16 {
			return nil, ErrShortRecord
		}
		r.PointID = le.Uint64(body[0:8])
		r.Payload = le.Uint64(body[8:16])
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidOp, r.Op)
	}
	return r, nil
}
