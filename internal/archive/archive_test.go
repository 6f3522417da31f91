package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWriteExtract(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "MANIFEST"), `{"version":1}`)
	writeFile(t, filepath.Join(src, "segments", "3", "vectors.bin"), "vectors")
	writeFile(t, filepath.Join(src, "wal", "wal-00000000000000000001.log"), "log")

	var buf bytes.Buffer
	desc := NewDescriptor("c1", 7, 9)
	files := []string{"MANIFEST", "segments/3/vectors.bin", "wal/wal-00000000000000000001.log"}
	require.NoError(t, Write(context.Background(), &buf, src, desc, files))

	dst := filepath.Join(t.TempDir(), "restored")
	got, err := Extract(context.Background(), &buf, dst)
	require.NoError(t, err)
	assert.Equal(t, desc.ID, got.ID)
	assert.Equal(t, "c1", got.CollectionID)
	assert.Equal(t, uint64(7), got.FlushedVersion)
	assert.Equal(t, uint64(9), got.Version)
	assert.Equal(t, files, got.Files)

	b, err := os.ReadFile(filepath.Join(dst, "segments", "3", "vectors.bin"))
	require.NoError(t, err)
	assert.Equal(t, "vectors", string(b))
	b, err = os.ReadFile(filepath.Join(dst, "wal", "wal-00000000000000000001.log"))
	require.NoError(t, err)
	assert.Equal(t, "log", string(b))
}

func TestExtractIntoNonEmptyDir(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "MANIFEST"), "m")
	var buf bytes.Buffer
	require.NoError(t, Write(context.Background(), &buf, src, NewDescriptor("c", 0, 0), []string{"MANIFEST"}))

	dst := t.TempDir()
	writeFile(t, filepath.Join(dst, "other"), "x")
	_, err := Extract(context.Background(), &buf, dst)
	assert.ErrorIs(t, err, ErrNotEmpty)
}

func TestExtractRejectsMissingDescriptor(t *testing.T) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "MANIFEST", Mode: 0o644, Size: 1}))
	_, err := tw.Write([]byte("m"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	_, err = Extract(context.Background(), &buf, t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidArchive)
}

func TestExtractRejectsUnsafePaths(t *testing.T) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	meta := []byte(`{"id":"x"}`)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: DescriptorName, Mode: 0o644, Size: int64(len(meta))}))
	_, err := tw.Write(meta)
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape", Mode: 0o644, Size: 1}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	_, err = Extract(context.Background(), &buf, t.TempDir())
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestWriteMissingFile(t *testing.T) {
	var buf bytes.Buffer
	err := Write(context.Background(), &buf, t.TempDir(), NewDescriptor("c", 0, 0), []string{"nope"})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteInlineEntries(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "segments", "1", "vectors.bin"), "v")

	var buf bytes.Buffer
	desc := NewDescriptor("c", 1, 1)
	require.NoError(t, Write(context.Background(), &buf, src, desc, []string{"segments/1/vectors.bin"}, func(o *Options) {
		o.Entries = []Entry{{Name: "MANIFEST", Data: []byte("inline")}}
	}))
	assert.Equal(t, []string{"MANIFEST", "segments/1/vectors.bin"}, desc.Files)

	dst := t.TempDir()
	got, err := Extract(context.Background(), &buf, dst)
	require.NoError(t, err)
	assert.Equal(t, desc.Files, got.Files)
	b, err := os.ReadFile(filepath.Join(dst, "MANIFEST"))
	require.NoError(t, err)
	assert.Equal(t, "inline", string(b))
}
