// Package archive packages a generated app as a zip file.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/harun/appgen/pkg/marker"
)

// ContentType of the produced archive
const ContentType = "application/zip"

// Write zips files into w in sorted path order. Marker literals left in a
// file are stripped before it is added. Paths that are not local are left
// out of the archive and returned as skipped.
func Write(w io.Writer, files map[string]string) (skipped []string, err error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		if !filepath.IsLocal(filepath.FromSlash(p)) {
			skipped = append(skipped, p)
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	sort.Strings(skipped)

	zw := zip.NewWriter(w)
	for _, p := range paths {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     filepath.ToSlash(p),
			Method:   zip.Deflate,
			Modified: time.Unix(0, 0).UTC(),
		})
		if err != nil {
			return skipped, fmt.Errorf("failed to add %s: %w", p, err)
		}
		if _, err := io.WriteString(fw, marker.StripLiterals(files[p])); err != nil {
			return skipped, fmt.Errorf("failed to write %s: %w", p, err)
		}
	}
	if err := zw.Close(); err != nil {
		return skipped, fmt.Errorf("failed to finish archive: %w", err)
	}
	return skipped, nil
}

// Filename returns the download name for an app archive
func Filename(slug string) string {
	if slug == "" {
		slug = "app"
	}
	return slug + ".zip"
}
