// Package archive reads and writes collection snapshots: an lz4-compressed
// tar stream holding a descriptor followed by collection files.
package archive

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/hupe1980/vecseg/resource"
	"github.com/pierrec/lz4/v4"
)

// DescriptorName is the first entry of every archive.
const DescriptorName = "SNAPSHOT.json"

var (
	// ErrInvalidArchive is returned for archives without a valid descriptor.
	ErrInvalidArchive = errors.New("archive: invalid archive")
	// ErrUnsafePath is returned for entries that would escape the target dir.
	ErrUnsafePath = errors.New("archive: unsafe entry path")
	// ErrNotEmpty is returned when extracting into a non-empty directory.
	ErrNotEmpty = errors.New("archive: target directory is not empty")
)

// Descriptor identifies a snapshot.
type Descriptor struct {
	ID             string    `json:"id"`
	CollectionID   string    `json:"collection_id"`
	CreatedAt      time.Time `json:"created_at"`
	FlushedVersion uint64    `json:"flushed_version"`
	Version        uint64    `json:"version"`
	Files          []string  `json:"files"`
}

// NewDescriptor returns a descriptor with a fresh snapshot ID.
func NewDescriptor(collectionID string, flushed, version uint64) *Descriptor {
	return &Descriptor{
		ID:             uuid.NewString(),
		CollectionID:   collectionID,
		CreatedAt:      time.Now().UTC(),
		FlushedVersion: flushed,
		Version:        version,
	}
}

// Entry is an archive member held in memory.
type Entry struct {
	Name string
	Data []byte
}

// Options configures Write and Extract.
type Options struct {
	FS         fs.FileSystem
	Controller *resource.Controller
	// Entries are written after the descriptor and before the files.
	Entries []Entry
}

func options(optFns []func(o *Options)) Options {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	return opts
}

// Write streams the files below root, given as slash-separated relative
// paths, into w. desc.Files is set to the names of all members.
func Write(ctx context.Context, w io.Writer, root string, desc *Descriptor, files []string, optFns ...func(o *Options)) error {
	opts := options(optFns)
	zw := lz4.NewWriter(resource.NewRateLimitedWriter(ctx, w, opts.Controller))
	tw := tar.NewWriter(zw)

	desc.Files = make([]string, 0, len(opts.Entries)+len(files))
	for _, e := range opts.Entries {
		desc.Files = append(desc.Files, e.Name)
	}
	desc.Files = append(desc.Files, files...)
	meta, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	if err := writeEntry(tw, Entry{Name: DescriptorName, Data: meta}, desc.CreatedAt); err != nil {
		return err
	}
	for _, e := range opts.Entries {
		if _, err := safeJoin(root, e.Name); err != nil {
			return err
		}
		if err := writeEntry(tw, e, desc.CreatedAt); err != nil {
			return fmt.Errorf("archive: add %s: %w", e.Name, err)
		}
	}

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, opts.FS, root, name); err != nil {
			return fmt.Errorf("archive: add %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

func writeEntry(tw *tar.Writer, e Entry, mod time.Time) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:    e.Name,
		Mode:    0o644,
		Size:    int64(len(e.Data)),
		ModTime: mod,
	}); err != nil {
		return err
	}
	_, err := tw.Write(e.Data)
	return err
}

func addFile(tw *tar.Writer, fsys fs.FileSystem, root, name string) error {
	f, err := fsys.OpenFile(filepath.Join(root, filepath.FromSlash(name)), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    st.Size(),
		ModTime: st.ModTime(),
	}); err != nil {
		return err
	}
	// Files may grow while archived; copy exactly the size in the header.
	_, err = io.CopyN(tw, f, st.Size())
	return err
}

// Extract unpacks an archive into dir, which must be empty or absent, and
// returns its descriptor.
func Extract(ctx context.Context, r io.Reader, dir string, optFns ...func(o *Options)) (*Descriptor, error) {
	opts := options(optFns)
	if entries, err := opts.FS.ReadDir(dir); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotEmpty, dir)
	}
	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tr := tar.NewReader(lz4.NewReader(resource.NewRateLimitedReader(ctx, r, opts.Controller)))
	hdr, err := tr.Next()
	if err != nil || hdr.Name != DescriptorName {
		return nil, fmt.Errorf("%w: missing descriptor", ErrInvalidArchive)
	}
	var desc Descriptor
	if err := json.NewDecoder(tr).Decode(&desc); err != nil {
		return nil, fmt.Errorf("%w: descriptor: %v", ErrInvalidArchive, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive: read: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return nil, err
		}
		if err := extractFile(opts.FS, target, tr, hdr.Size); err != nil {
			return nil, fmt.Errorf("archive: extract %s: %w", hdr.Name, err)
		}
	}
	return &desc, nil
}

func safeJoin(dir, name string) (string, error) {
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

func extractFile(fsys fs.FileSystem, target string, r io.Reader, size int64) error {
	if err := fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := fsys.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
