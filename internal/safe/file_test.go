package safe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.lst")
	require.NoError(t, os.WriteFile(path, []byte("SYM malloc\n"), 0o644))

	data, err := ReadFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "SYM malloc\n", string(data))
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "absent.lst"), nil)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestReadFileRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.lst")
	require.NoError(t, os.WriteFile(target, []byte("EXEC /lib\n"), 0o644))
	link := filepath.Join(dir, "link.lst")
	require.NoError(t, os.Symlink(target, link))

	_, err := ReadFile(link, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")

	data, err := ReadFile(link, &ReadOptions{AllowSymlinks: true})
	require.NoError(t, err)
	assert.Equal(t, "EXEC /lib\n", string(data))
}

func TestReadFileRejectsDirectory(t *testing.T) {
	_, err := ReadFile(t.TempDir(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a regular file")
}

func TestReadFileSizeBound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.lst")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))

	_, err := ReadFile(path, &ReadOptions{MaxSize: 16})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum allowed size")

	data, err := ReadFile(path, &ReadOptions{MaxSize: 128})
	require.NoError(t, err)
	assert.Len(t, data, 64)
}
