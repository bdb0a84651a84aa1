package archive

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSourceArchive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "b.c")
	hdr := filepath.Join(dir, "a.h")
	require.NoError(t, os.WriteFile(src, []byte("int main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(hdr, []byte("#pragma once\n"), 0o644))

	dst := filepath.Join(dir, "src.zip")
	require.NoError(t, CreateSourceArchive(dst, []string{src, hdr}))

	zr, err := zip.OpenReader(dst)
	require.NoError(t, err)
	defer zr.Close()

	// Entries are sorted by path and stored without the leading slash.
	require.Len(t, zr.File, 2)
	assert.Equal(t, strings.TrimPrefix(hdr, "/"), zr.File[0].Name)
	assert.Equal(t, strings.TrimPrefix(src, "/"), zr.File[1].Name)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	contents, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "int main() {}\n", string(contents))
}

func TestCreateSourceArchiveEmpty(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "src.zip")
	require.NoError(t, CreateSourceArchive(dst, nil))

	zr, err := zip.OpenReader(dst)
	require.NoError(t, err)
	defer zr.Close()
	assert.Empty(t, zr.File)
}

func TestCreateSourceArchiveMissingFile(t *testing.T) {
	dir := t.TempDir()
	err := CreateSourceArchive(filepath.Join(dir, "src.zip"), []string{filepath.Join(dir, "gone.c")})
	require.Error(t, err)
}
