package vecseg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hupe1980/vecseg/blobstore"
	"github.com/hupe1980/vecseg/internal/archive"
	"github.com/hupe1980/vecseg/internal/fs"
	"github.com/hupe1980/vecseg/internal/manifest"
	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/hupe1980/vecseg/internal/segment/immutable"
)

// SnapshotInfo describes a written snapshot.
type SnapshotInfo struct {
	ID             string
	CollectionID   string
	CreatedAt      time.Time
	FlushedVersion uint64
	Version        uint64
	Files          []string
	// Catalog is set when the snapshot was published to a catalog.
	Catalog *blobstore.CatalogEntry
}

// SnapshotOption configures SnapshotTo.
type SnapshotOption func(*snapshotOptions)

type snapshotOptions struct {
	catalog blobstore.Catalog
	key     string
}

// WithCatalog publishes the snapshot as the latest one of key in c. An
// empty key uses the collection ID.
func WithCatalog(c blobstore.Catalog, key string) SnapshotOption {
	return func(o *snapshotOptions) {
		o.catalog = c
		o.key = key
	}
}

// Snapshot writes a consistent archive of the collection to path. Writers
// are blocked while the memtable is flushed and the archive is written;
// searches continue.
func (c *Collection) Snapshot(ctx context.Context, path string) (info SnapshotInfo, err error) {
	defer func() { c.log.LogSnapshot(ctx, path, info.Version, err) }()
	err = fs.WriteFileAtomic(c.fs, path, func(w io.Writer) error {
		desc, err := c.writeSnapshot(ctx, w)
		if err == nil {
			info = snapshotInfo(desc)
		}
		return err
	})
	return info, err
}

// SnapshotTo streams a snapshot archive into store under name.
func (c *Collection) SnapshotTo(ctx context.Context, store blobstore.Store, name string, optFns ...SnapshotOption) (info SnapshotInfo, err error) {
	defer func() { c.log.LogSnapshot(ctx, name, info.Version, err) }()
	var so snapshotOptions
	for _, fn := range optFns {
		fn(&so)
	}

	wb, err := store.Create(ctx, name)
	if err != nil {
		return SnapshotInfo{}, err
	}
	desc, err := c.writeSnapshot(ctx, wb)
	if err != nil {
		_ = wb.Abort()
		return SnapshotInfo{}, err
	}
	if err := wb.Close(); err != nil {
		return SnapshotInfo{}, err
	}
	info = snapshotInfo(desc)

	if so.catalog != nil {
		key := so.key
		if key == "" {
			key = desc.CollectionID
		}
		entry, err := blobstore.Publish(ctx, so.catalog, key, name, desc.ID)
		if err != nil {
			return info, fmt.Errorf("vecseg: publish snapshot: %w", err)
		}
		info.Catalog = &entry
	}
	return info, nil
}

func snapshotInfo(d *archive.Descriptor) SnapshotInfo {
	return SnapshotInfo{
		ID:             d.ID,
		CollectionID:   d.CollectionID,
		CreatedAt:      d.CreatedAt,
		FlushedVersion: d.FlushedVersion,
		Version:        d.Version,
		Files:          d.Files,
	}
}

func (c *Collection) writeSnapshot(ctx context.Context, w io.Writer) (*archive.Descriptor, error) {
	if err := c.lockWriter(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	c.store.Seal()
	if _, err := c.opt.Flush(ctx); err != nil {
		return nil, translateError(err)
	}
	m, view, err := c.opt.Checkpoint(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	defer view.DecRef()

	meta, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, h := range view.Segments {
		seg := h.Segment()
		dir := path.Join(manifest.SegmentsDir, strconv.FormatUint(seg.ID(), 10))
		files = append(files,
			path.Join(dir, immutable.VectorsFile),
			path.Join(dir, immutable.IDTrackerFile),
			path.Join(dir, immutable.TombstonesFile),
		)
		if seg.Kind() == segment.IndexedImmutable {
			files = append(files, path.Join(dir, immutable.GraphFile))
		}
	}
	for _, p := range c.wal.FilesAfter(m.FlushedVersion) {
		rel, err := filepath.Rel(c.dir, p)
		if err != nil {
			return nil, err
		}
		files = append(files, filepath.ToSlash(rel))
	}

	desc := archive.NewDescriptor(m.CollectionID, m.FlushedVersion, c.store.Version())
	err = archive.Write(ctx, w, c.dir, desc, files, func(o *archive.Options) {
		o.FS = c.fs
		o.Controller = c.opts.controller
		o.Entries = []archive.Entry{{Name: manifest.FileName, Data: meta}}
	})
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// RestoreOption configures Restore, RestoreFrom and RestoreLatest.
type RestoreOption func(*restoreOptions)

type restoreOptions struct {
	fs fs.FileSystem
}

// WithRestoreFileSystem reads and extracts the archive through fsys
// instead of the local disk.
func WithRestoreFileSystem(fsys FileSystem) RestoreOption {
	return func(o *restoreOptions) {
		o.fs = fsys
	}
}

func applyRestoreOptions(optFns []RestoreOption) restoreOptions {
	opts := restoreOptions{fs: fs.Default}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.fs == nil {
		opts.fs = fs.Default
	}
	return opts
}

func (o restoreOptions) extract(ctx context.Context, r io.Reader, dir string) error {
	_, err := archive.Extract(ctx, r, dir, func(ao *archive.Options) {
		ao.FS = o.fs
	})
	return err
}

// Restore extracts the snapshot archive at path into dir, which must be
// empty or absent. Open recovers the restored collection.
func Restore(path, dir string, optFns ...RestoreOption) error {
	opts := applyRestoreOptions(optFns)
	f, err := opts.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return opts.extract(context.Background(), f, dir)
}

// RestoreFrom extracts the snapshot archive stored under name into dir.
func RestoreFrom(ctx context.Context, store blobstore.Store, name, dir string, optFns ...RestoreOption) error {
	opts := applyRestoreOptions(optFns)
	blob, err := store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer blob.Close()
	r, err := blobstore.NewReader(ctx, blob)
	if err != nil {
		return err
	}
	defer r.Close()
	return opts.extract(ctx, r, dir)
}

// RestoreLatest extracts the newest snapshot of key recorded in catalog.
func RestoreLatest(ctx context.Context, store blobstore.Store, catalog blobstore.Catalog, key, dir string, optFns ...RestoreOption) (blobstore.CatalogEntry, error) {
	entry, err := catalog.Latest(ctx, key)
	if err != nil {
		return blobstore.CatalogEntry{}, err
	}
	return entry, RestoreFrom(ctx, store, entry.Name, dir, optFns...)
}
