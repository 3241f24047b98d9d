package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSource reads artifacts from the local filesystem.
type FileSource struct {
	Dir string
}

// Rows opens ref, relative to Dir unless absolute.
func (s FileSource) Rows(ctx context.Context, ref string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := ref
	if !filepath.IsAbs(path) && s.Dir != "" {
		path = filepath.Join(s.Dir, ref)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	return ReadTable(f, formatOf(path))
}
