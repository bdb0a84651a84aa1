// Package archive builds the source-code archive shipped alongside
// processed profiling results.
package archive

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// CreateSourceArchive writes a zip archive at dst containing the given
// files, stored under their absolute paths with the leading separator
// stripped. Paths are sorted so the archive layout is deterministic.
func CreateSourceArchive(dst string, paths []string) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(f)
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	for _, p := range sorted {
		if err := addFile(zw, p); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	return f.Close()
}

func addFile(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	defer func() { _ = src.Close() }()

	w, err := zw.Create(strings.TrimPrefix(path, string(os.PathSeparator)))
	if err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	return nil
}
