// Package safe reads untrusted on-disk inputs with guardrails. Filter
// definitions and source-path lists come from user-supplied paths, so
// reads refuse symlinks, non-regular files, and oversized inputs instead
// of passing whatever the path resolves to straight to the parser.
package safe

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultMaxFileSize bounds a read when ReadOptions does not say
// otherwise (1 MiB). Filter files and path lists are line-oriented text;
// anything larger is a wrong path, not a bigger config.
const DefaultMaxFileSize = 1 << 20

// ReadOptions adjusts the validations ReadFile applies.
type ReadOptions struct {
	// MaxSize is the largest file accepted, in bytes. Zero means
	// DefaultMaxFileSize.
	MaxSize int64
	// AllowSymlinks permits a symlink path, following it to the target.
	AllowSymlinks bool
}

// ReadFile returns the contents of path after validating that it is a
// regular file within the size bound. Symlinks are rejected unless opts
// allows them.
func ReadFile(path string, opts *ReadOptions) ([]byte, error) {
	if opts == nil {
		opts = &ReadOptions{}
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	cleanPath := filepath.Clean(path)
	info, err := os.Lstat(cleanPath)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.AllowSymlinks {
			return nil, fmt.Errorf("file %q is a symlink, which is not allowed", path)
		}
		info, err = os.Stat(cleanPath)
		if err != nil {
			return nil, err
		}
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path %q is not a regular file", path)
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("file exceeds maximum allowed size of %d bytes", maxSize)
	}

	return os.ReadFile(cleanPath)
}
