package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"

	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/klauspost/compress/zstd"
)

// ReplayResult summarizes a replay.
type ReplayResult struct {
	// Applied is the number of records passed to the callback.
	Applied int
	// LastVersion is the version of the last valid record read, including
	// skipped ones.
	LastVersion uint64
	// Truncated reports that replay stopped at a torn or mismatching tail.
	Truncated bool
	// File and ValidOffset locate the end of valid data when Truncated.
	File        string
	ValidOffset int64
}

type scanResult struct {
	validOffset int64
	truncated   bool
}

// scanFile reads every valid record of one file. In the newest file
// (isLast) a torn record or a mismatching final record ends the scan as a
// truncated tail. Every other failure is a *CorruptRecordError.
func scanFile(f io.ReaderAt, size int64, path string, isLast bool, dec *zstd.Decoder, fn func(*Record) error) (scanResult, error) {
	torn := func(offset int64, cause error) (scanResult, error) {
		if isLast {
			return scanResult{validOffset: offset, truncated: true}, nil
		}
		return scanResult{validOffset: offset}, &CorruptRecordError{File: path, Offset: offset, Err: cause}
	}

	if size < walHeaderSize {
		return torn(0, fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, size, walHeaderSize))
	}
	header := make([]byte, walHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return scanResult{}, err
	}
	if string(header[0:8]) != walMagic {
		return scanResult{}, fmt.Errorf("%w: %s: magic %q", ErrInvalidHeader, path, header[0:8])
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != walVersion {
		return scanResult{}, fmt.Errorf("%w: %s: version %d (expected %d)", ErrIncompatibleVersion, path, v, walVersion)
	}

	r := bufio.NewReaderSize(io.NewSectionReader(f, walHeaderSize, size-walHeaderSize), 64*1024)
	offset := int64(walHeaderSize)
	lenBuf := make([]byte, 4)
	for offset < size {
		if size-offset < 4 {
			return torn(offset, io.ErrUnexpectedEOF)
		}
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return scanResult{}, err
		}
		n := int64(binary.LittleEndian.Uint32(lenBuf))
		end := offset + frameOverhead + n
		if n > maxRecordSize || end > size {
			return torn(offset, fmt.Errorf("length %d overruns file", n))
		}

		buf := make([]byte, n+4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return scanResult{}, err
		}
		payload := buf[:n]
		if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(buf[n:]) {
			if isLast && end == size {
				return torn(offset, nil)
			}
			return scanResult{validOffset: offset}, &CorruptRecordError{File: path, Offset: offset, Err: errors.New("crc mismatch")}
		}
		rec, err := decodePayload(payload, dec)
		if err != nil {
			return scanResult{validOffset: offset}, &CorruptRecordError{File: path, Offset: offset, Err: err}
		}
		if err := fn(rec); err != nil {
			return scanResult{validOffset: offset}, err
		}
		offset = end
	}
	return scanResult{validOffset: offset}, nil
}

// Replay reads the WAL in dir and calls apply for every valid record with
// version >= from, in order. It starts at the newest file whose first
// version is <= from.
func Replay(fsys fs.FileSystem, dir string, from uint64, apply func(*Record) error, optFns ...func(o *Options)) (*ReplayResult, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	files, err := listFiles(fsys, dir)
	if err != nil {
		return nil, err
	}
	start := 0
	for i, f := range files {
		if f.first <= from {
			start = i
		}
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	res := &ReplayResult{}
	for i := start; i < len(files); i++ {
		path := files[i].path
		sr, err := replayFile(fsys, path, i == len(files)-1, dec, func(rec *Record) error {
			res.LastVersion = rec.Version
			if rec.Version < from {
				return nil
			}
			res.Applied++
			return apply(rec)
		})
		if err != nil {
			return res, err
		}
		if sr.truncated {
			res.Truncated = true
			res.File = path
			res.ValidOffset = sr.validOffset
			log.Warn("wal: replay stopped at torn tail", "file", path, "valid_offset", sr.validOffset, "version", res.LastVersion)
		}
	}
	return res, nil
}

func replayFile(fsys fs.FileSystem, path string, isLast bool, dec *zstd.Decoder, fn func(*Record) error) (scanResult, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return scanResult{}, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return scanResult{}, err
	}
	return scanFile(f, stat.Size(), path, isLast, dec, fn)
}
