package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// PartExt is the extension of part files inside a backup directory.
const PartExt = ".jsonl"

// LocalSource reads a single part file, or every *.jsonl file of a directory.
type LocalSource struct {
	Path string
}

// Parts lists the part files, sorted by name.
func (s *LocalSource) Parts(ctx context.Context) ([]Part, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local backup at %s: %w", s.Path, err)
	}
	if !info.IsDir() {
		return []Part{s.part(s.Path)}, nil
	}

	matches, err := filepath.Glob(filepath.Join(s.Path, "*"+PartExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list local backup at %s: %w", s.Path, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no %s part files found in %s", PartExt, s.Path)
	}
	sort.Strings(matches)

	parts := make([]Part, 0, len(matches))
	for _, path := range matches {
		parts = append(parts, s.part(path))
	}
	return parts, nil
}

func (s *LocalSource) part(path string) Part {
	return Part{
		Name: filepath.Base(path),
		Open: func(context.Context) (io.ReadCloser, error) {
			file, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("failed to open local backup file at %s: %w", path, err)
			}
			return file, nil
		},
	}
}

// Identifier returns the local path for traceability.
func (s *LocalSource) Identifier() string {
	return fmt.Sprintf("local:%s", s.Path)
}
