package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/vecseg/internal/fs"
)

const (
	FileName = "MANIFEST"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
	// SegmentsDir holds one directory per segment, named by segment ID.
	SegmentsDir = "segments"
)

var (
	// ErrIncompatibleVersion is returned when the manifest version is not supported.
	ErrIncompatibleVersion = errors.New("manifest: incompatible version")
	// ErrNotFound is returned when the manifest file does not exist.
	ErrNotFound = errors.New("manifest: not found")
)

// Codec records the storage codec of the collection.
type Codec struct {
	Kind       string `json:"kind"`
	Subvectors int    `json:"subvectors,omitempty"`
	Centroids  int    `json:"centroids,omitempty"`
	Seed       int64  `json:"seed,omitempty"`
}

// SegmentInfo describes one immutable segment.
type SegmentInfo struct {
	ID      uint64 `json:"id"`
	Kind    string `json:"kind"`
	Points  int    `json:"points"`
	Deleted int    `json:"deleted"`
	// MaxVersion is the highest point version stored in the segment.
	MaxVersion uint64 `json:"max_version"`
}

// Manifest describes a collection at one point in time.
type Manifest struct {
	Version      int       `json:"version"`
	CollectionID string    `json:"collection_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	// Generation advances on every save.
	Generation uint64 `json:"generation"`

	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	Codec     Codec  `json:"codec"`

	NextSegmentID uint64 `json:"next_segment_id"`
	// FlushedVersion is the WAL version whose effects, and those of all
	// earlier versions, are contained in Segments.
	FlushedVersion uint64        `json:"flushed_version"`
	Segments       []SegmentInfo `json:"segments"`
}

// New creates the manifest of an empty collection.
func New(dim int, metric string, codec Codec) *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		Version:       CurrentVersion,
		CollectionID:  uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Dimension:     dim,
		Metric:        metric,
		Codec:         codec,
		NextSegmentID: 1,
	}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Segments = slices.Clone(m.Segments)
	return &c
}

// Segment returns the info of segment id.
func (m *Manifest) Segment(id uint64) (SegmentInfo, bool) {
	for _, s := range m.Segments {
		if s.ID == id {
			return s, true
		}
	}
	return SegmentInfo{}, false
}

// SegmentDir returns the directory of segment id below the collection root.
func SegmentDir(root string, id uint64) string {
	return filepath.Join(root, SegmentsDir, strconv.FormatUint(id, 10))
}

// ParseSegmentDir returns the segment ID encoded in a segment directory name.
func ParseSegmentDir(name string) (uint64, bool) {
	id, err := strconv.ParseUint(name, 10, 64)
	return id, err == nil
}

// Store reads and writes the manifest of one collection directory.
type Store struct {
	fsys fs.FileSystem
	dir  string
	mu   sync.Mutex
}

// NewStore creates a manifest store rooted at dir.
func NewStore(fsys fs.FileSystem, dir string) *Store {
	if fsys == nil {
		fsys = fs.Default
	}
	return &Store{fsys: fsys, dir: dir}
}

// Path returns the manifest file path.
func (s *Store) Path() string { return filepath.Join(s.dir, FileName) }

// Load reads the current manifest.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fsys.OpenFile(s.Path(), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a manifest and checks its format version.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d (expected %d)", ErrIncompatibleVersion, m.Version, CurrentVersion)
	}
	return &m, nil
}

// Save atomically replaces the manifest. It advances m.Generation and
// m.UpdatedAt.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	m.Generation++
	m.UpdatedAt = time.Now().UTC()
	slices.SortFunc(m.Segments, func(a, b SegmentInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return fs.WriteFileAtomic(s.fsys, s.Path(), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	})
}
