package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/klauspost/compress/zstd"
)

// Durability controls when appended records reach stable storage.
type Durability int

const (
	// DurabilitySync makes callers wait for fsync through FlushToVersion.
	DurabilitySync Durability = iota
	// DurabilityAsync fsyncs in the background every SyncInterval.
	DurabilityAsync
)

func (d Durability) String() string {
	if d == DurabilityAsync {
		return "async"
	}
	return "sync"
}

const (
	walMagic      = "VSEGWAL\x00" // 8 bytes
	walVersion    = 1              // 4 bytes
	walHeaderSize = 12

	filePrefix = "wal-"
	fileSuffix = ".log"

	// DefaultRotateBytes is the size at which a new file is started.
	DefaultRotateBytes = 64 << 20
)

var (
	ErrClosed              = errors.New("wal: closed")
	ErrOutOfOrder          = errors.New("wal: version not strictly increasing")
	ErrCorruptRecord       = errors.New("wal: corrupt record")
	ErrInvalidHeader       = errors.New("wal: invalid file header")
	ErrIncompatibleVersion = errors.New("wal: incompatible file version")
)

// CorruptRecordError reports a record that failed validation before the
// tail of the newest file.
type CorruptRecordError struct {
	File   string
	Offset int64
	Err    error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("wal: corrupt record in %s at offset %d: %v", e.File, e.Offset, e.Err)
}

func (e *CorruptRecordError) Unwrap() []error { return []error{ErrCorruptRecord, e.Err} }

// Options configures a WAL.
type Options struct {
	Durability   Durability
	SyncInterval time.Duration
	RotateBytes  int64

	// Compression enables zstd for record bodies of at least
	// CompressionMinBytes.
	Compression         bool
	CompressionMinBytes int

	Logger *slog.Logger
}

// DefaultOptions returns the default WAL options.
func DefaultOptions() Options {
	return Options{
		Durability:          DurabilitySync,
		SyncInterval:        10 * time.Millisecond,
		RotateBytes:         DefaultRotateBytes,
		CompressionMinBytes: 512,
	}
}

type segmentFile struct {
	first uint64
	path  string
}

// WAL is a rotating write-ahead log. Append is safe for concurrent use but
// callers must supply strictly increasing versions.
type WAL struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	dir  string
	opts Options
	log  *slog.Logger
	enc  *zstd.Encoder

	files   []segmentFile
	file    fs.File
	cw      *countingWriter
	retired []fs.File

	lastVersion    uint64
	durableVersion uint64

	// Group commit state
	syncRequested bool
	syncing       bool
	syncCond      *sync.Cond // wakes the syncer
	doneCond      *sync.Cond // signals waiters that a sync completed
	closed        bool
	lastErr       error // terminal error from the syncer
	closeCh       chan struct{}
	wg            sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error {
	return cw.w.Flush()
}

func fileName(first uint64) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, first, fileSuffix)
}

func parseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	return v, err == nil
}

func listFiles(fsys fs.FileSystem, dir string) ([]segmentFile, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []segmentFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if first, ok := parseFileName(e.Name()); ok {
			files = append(files, segmentFile{first: first, path: filepath.Join(dir, e.Name())})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].first < files[j].first })
	return files, nil
}

// Open opens or creates the WAL in dir. The newest file is scanned to
// recover the last version and a torn tail is truncated so new appends
// extend valid data.
func Open(fsys fs.FileSystem, dir string, optFns ...func(o *Options)) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RotateBytes <= 0 {
		opts.RotateBytes = DefaultRotateBytes
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultOptions().SyncInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	files, err := listFiles(fsys, dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		fs:      fsys,
		dir:     dir,
		opts:    opts,
		log:     log,
		files:   files,
		closeCh: make(chan struct{}),
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Compression {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("wal: create compressor: %w", err)
		}
		w.enc = enc
	}

	if len(files) > 0 {
		if err := w.openTail(); err != nil {
			w.closeEncoder()
			return nil, err
		}
	}
	w.durableVersion = w.lastVersion

	w.wg.Add(1)
	go w.runSyncer()
	if opts.Durability == DurabilityAsync {
		w.wg.Add(1)
		go w.runTicker()
	}
	return w, nil
}

// openTail reopens the newest file for appending.
func (w *WAL) openTail() error {
	tail := w.files[len(w.files)-1]
	f, err := w.fs.OpenFile(tail.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return err
	}
	defer dec.Close()

	res, err := scanFile(f, stat.Size(), tail.path, true, dec, func(r *Record) error {
		w.lastVersion = r.Version
		return nil
	})
	if err != nil {
		f.Close()
		return err
	}
	if w.lastVersion == 0 && tail.first > 0 {
		w.lastVersion = tail.first - 1
	}

	if res.truncated {
		w.log.Warn("wal: truncating torn tail", "file", tail.path, "valid_offset", res.validOffset, "size", stat.Size())
		if err := f.Truncate(res.validOffset); err != nil {
			f.Close()
			return err
		}
	}
	offset := res.validOffset
	if offset < walHeaderSize {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(fileHeader()); err != nil {
			f.Close()
			return err
		}
		offset = walHeaderSize
	}
	if res.truncated || res.validOffset < walHeaderSize {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.cw = &countingWriter{w: bufio.NewWriterSize(f, 64*1024), n: offset}
	return nil
}

func fileHeader() []byte {
	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	return header
}

func (w *WAL) closeEncoder() {
	if w.enc != nil {
		_ = w.enc.Close()
	}
}

// rotate seals the current file and starts a new one whose first record
// has version first. Caller must hold w.mu.
func (w *WAL) rotate(first uint64) error {
	if w.file != nil {
		if err := w.cw.Flush(); err != nil {
			return err
		}
		if err := w.file.Sync(); err != nil {
			return err
		}
		w.durableVersion = w.lastVersion
		w.doneCond.Broadcast()
		if w.syncing {
			// The syncer still holds the handle; it closes it when done.
			w.retired = append(w.retired, w.file)
		} else if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}

	path := filepath.Join(w.dir, fileName(first))
	f, err := w.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(fileHeader()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := fs.SyncDir(w.fs, w.dir); err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.cw = &countingWriter{w: bufio.NewWriterSize(f, 64*1024), n: walHeaderSize}
	w.files = append(w.files, segmentFile{first: first, path: path})
	w.log.Debug("wal: rotated", "file", path)
	return nil
}

// Append buffers rec and returns its version. The record is durable once
// FlushToVersion(version) returns.
func (w *WAL) Append(rec *Record) (uint64, error) {
	frame, err := encodeFrame(rec, w.enc, w.opts.CompressionMinBytes)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if w.lastErr != nil {
		return 0, w.lastErr
	}
	if rec.Version <= w.lastVersion {
		return 0, fmt.Errorf("%w: %d after %d", ErrOutOfOrder, rec.Version, w.lastVersion)
	}

	if w.file == nil || w.cw.n >= w.opts.RotateBytes {
		if err := w.rotate(rec.Version); err != nil {
			w.lastErr = fmt.Errorf("wal: rotate: %w", err)
			return 0, w.lastErr
		}
	}

	if _, err := w.cw.Write(frame); err != nil {
		w.lastErr = fmt.Errorf("wal: write: %w", err)
		return 0, w.lastErr
	}
	w.lastVersion = rec.Version
	return rec.Version, nil
}

// FlushToVersion returns once every record up to and including v is on
// stable storage. Concurrent callers share a single fsync.
func (w *WAL) FlushToVersion(v uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	v = min(v, w.lastVersion)
	for w.durableVersion < v {
		if w.lastErr != nil {
			return w.lastErr
		}
		if w.closed {
			return ErrClosed
		}
		w.syncRequested = true
		w.syncCond.Signal()
		w.doneCond.Wait()
	}
	return nil
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for !w.syncRequested && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed {
			return
		}
		w.syncRequested = false
		if w.durableVersion >= w.lastVersion || w.file == nil {
			w.doneCond.Broadcast()
			continue
		}

		target := w.lastVersion
		if err := w.cw.Flush(); err != nil {
			w.fail(fmt.Errorf("wal: flush: %w", err))
			return
		}

		f := w.file
		w.syncing = true
		w.mu.Unlock()
		err := f.Sync()
		w.mu.Lock()
		w.syncing = false
		w.closeRetired()

		if err != nil {
			w.fail(fmt.Errorf("wal: sync: %w", err))
			return
		}
		if target > w.durableVersion {
			w.durableVersion = target
		}
		w.doneCond.Broadcast()
	}
}

func (w *WAL) closeRetired() {
	for _, f := range w.retired {
		_ = f.Close()
	}
	w.retired = nil
}

// fail records a terminal error and wakes every waiter. Caller holds w.mu.
func (w *WAL) fail(err error) {
	w.lastErr = err
	w.log.Error("wal: syncer failed", "error", err)
	w.doneCond.Broadcast()
}

func (w *WAL) runTicker() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.durableVersion < w.lastVersion {
				w.syncRequested = true
				w.syncCond.Signal()
			}
			w.mu.Unlock()
		}
	}
}

// Compact removes rotated files whose records are all at or below upTo.
// The current file is never removed.
func (w *WAL) Compact(upTo uint64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	// Versions are gapless, so a file ends right before the next one starts.
	for len(w.files) > 1 && w.files[1].first-1 <= upTo {
		if err := w.fs.Remove(w.files[0].path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		w.files = w.files[1:]
		removed++
	}
	if removed > 0 {
		if err := fs.SyncDir(w.fs, w.dir); err != nil {
			return removed, err
		}
		w.log.Debug("wal: compacted", "removed", removed, "up_to", upTo)
	}
	return removed, nil
}

// LastVersion returns the version of the last appended record.
func (w *WAL) LastVersion() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastVersion
}

// DurableVersion returns the highest version known to be fsynced.
func (w *WAL) DurableVersion() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durableVersion
}

// Dir returns the WAL directory.
func (w *WAL) Dir() string { return w.dir }

// Files returns the paths of all WAL files, oldest first.
func (w *WAL) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.files))
	for i, f := range w.files {
		out[i] = f.path
	}
	return out
}

// FilesAfter returns the files that may hold records above version,
// oldest first.
func (w *WAL) FilesAfter(version uint64) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for i, f := range w.files {
		if i+1 < len(w.files) && w.files[i+1].first-1 <= version {
			continue
		}
		out = append(out, f.path)
	}
	return out
}

// Close flushes and fsyncs buffered records and closes the current file.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	close(w.closeCh)
	w.syncCond.Broadcast()
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.closeEncoder()
	defer w.doneCond.Broadcast()
	w.closeRetired()

	if w.file == nil {
		return nil
	}
	var errs []error
	if w.lastErr == nil {
		if err := w.cw.Flush(); err != nil {
			errs = append(errs, err)
		} else if err := w.file.Sync(); err != nil {
			errs = append(errs, err)
		} else {
			w.durableVersion = w.lastVersion
		}
	}
	errs = append(errs, w.file.Close())
	w.file = nil
	return errors.Join(errs...)
}
