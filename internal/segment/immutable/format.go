package immutable

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/vecseg/quantization"
)

const (
	VectorsFile    = "vectors.bin"
	IDTrackerFile  = "id_tracker.bin"
	TombstonesFile = "deleted.bin"
	GraphFile      = "graph.hnsw"

	vectorsMagic   = "VECS"
	idTrackerMagic = "IDTR"
	formatVersion  = 1

	// vectorsHeaderSize excludes the variable-length codec state.
	vectorsHeaderSize = 4 + 4 + 1 + 4 + 8 + 4
	idTrackerHeader   = 4 + 4 + 8
	idTrackerEntry    = 8 + 8 + 8
)

var (
	ErrInvalidMagic   = errors.New("immutable: invalid magic number")
	ErrInvalidVersion = errors.New("immutable: unsupported version")
	ErrCorrupt        = errors.New("immutable: corrupt segment file")
)

// vectorsHeader describes vectors.bin.
type vectorsHeader struct {
	Codec quantization.Kind
	Dim   uint32
	Count uint64
	State []byte
}

func (h *vectorsHeader) encode() []byte {
	buf := make([]byte, vectorsHeaderSize, vectorsHeaderSize+len(h.State))
	copy(buf[0:4], vectorsMagic)
	binary.LittleEndian.PutUint32(buf[4:], formatVersion)
	buf[8] = byte(h.Codec)
	binary.LittleEndian.PutUint32(buf[9:], h.Dim)
	binary.LittleEndian.PutUint64(buf[13:], h.Count)
	binary.LittleEndian.PutUint32(buf[21:], uint32(len(h.State)))
	return append(buf, h.State...)
}

// decodeVectorsHeader parses the header and returns the offset of the first
// code.
func decodeVectorsHeader(buf []byte) (*vectorsHeader, int, error) {
	if len(buf) < vectorsHeaderSize {
		return nil, 0, fmt.Errorf("%w: %s too small", ErrCorrupt, VectorsFile)
	}
	if string(buf[0:4]) != vectorsMagic {
		return nil, 0, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != formatVersion {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidVersion, v)
	}
	h := &vectorsHeader{
		Codec: quantization.Kind(buf[8]),
		Dim:   binary.LittleEndian.Uint32(buf[9:]),
		Count: binary.LittleEndian.Uint64(buf[13:]),
	}
	stateLen := int(binary.LittleEndian.Uint32(buf[21:]))
	end := vectorsHeaderSize + stateLen
	if end > len(buf) {
		return nil, 0, fmt.Errorf("%w: codec state overruns %s", ErrCorrupt, VectorsFile)
	}
	h.State = buf[vectorsHeaderSize:end]
	return h, end, nil
}

func encodeIDTrackerHeader(count uint64) []byte {
	buf := make([]byte, idTrackerHeader)
	copy(buf[0:4], idTrackerMagic)
	binary.LittleEndian.PutUint32(buf[4:], formatVersion)
	binary.LittleEndian.PutUint64(buf[8:], count)
	return buf
}

func decodeIDTrackerHeader(buf []byte) (uint64, error) {
	if len(buf) < idTrackerHeader {
		return 0, fmt.Errorf("%w: %s too small", ErrCorrupt, IDTrackerFile)
	}
	if string(buf[0:4]) != idTrackerMagic {
		return 0, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != formatVersion {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVersion, v)
	}
	count := binary.LittleEndian.Uint64(buf[8:])
	if uint64(len(buf)-idTrackerHeader) != count*idTrackerEntry {
		return 0, fmt.Errorf("%w: %s holds %d bytes for %d entries", ErrCorrupt, IDTrackerFile, len(buf)-idTrackerHeader, count)
	}
	return count, nil
}
