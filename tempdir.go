package overlay

import (
	"fmt"
	"os"
	"path/filepath"
)

// Staging is a temporary directory inside an output directory. Files are
// written to the staging directory and only moved into the output directory
// by Commit, so a failed run leaves the output directory as it was.
type Staging struct {
	Dir    string // Temporary directory, removed by Close.
	outDir string
	files  []string
}

// NewStaging creates outDir if needed and a staging directory inside it.
// Staging lives next to the final files so Commit is a rename on the same
// filesystem.
func NewStaging(outDir string) (*Staging, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("making output dir: %v", err)
	}
	dir, err := os.MkdirTemp(outDir, ".overlay-staging-")
	if err != nil {
		return nil, fmt.Errorf("making staging dir: %v", err)
	}
	return &Staging{Dir: dir, outDir: outDir}, nil
}

// Path registers name as an output file and returns its staging path.
func (s *Staging) Path(name string) string {
	s.files = append(s.files, name)
	return filepath.Join(s.Dir, name)
}

// Final returns where name ends up after Commit.
func (s *Staging) Final(name string) string {
	return filepath.Join(s.outDir, name)
}

// Commit moves all registered files into the output directory, replacing
// files left by an earlier run. If a move fails, the files already moved go
// back to staging and the replaced ones are restored.
func (s *Staging) Commit() error {
	prev := filepath.Join(s.Dir, ".prev")
	if err := os.MkdirAll(prev, 0o755); err != nil {
		return fmt.Errorf("making backup dir: %v", err)
	}
	var moved, replaced []string
	rollback := func() {
		for i := len(moved) - 1; i >= 0; i-- {
			os.Rename(s.Final(moved[i]), filepath.Join(s.Dir, moved[i]))
		}
		for _, name := range replaced {
			os.Rename(filepath.Join(prev, name), s.Final(name))
		}
	}

	for _, name := range s.files {
		final := s.Final(name)
		if _, err := os.Lstat(final); err == nil {
			if err := os.Rename(final, filepath.Join(prev, name)); err != nil {
				rollback()
				return fmt.Errorf("moving old %s aside: %v", name, err)
			}
			replaced = append(replaced, name)
		}
		if err := os.Rename(filepath.Join(s.Dir, name), final); err != nil {
			rollback()
			return fmt.Errorf("moving %s into place: %v", name, err)
		}
		moved = append(moved, name)
	}
	s.files = nil
	return nil
}

// Close removes the staging directory and anything left in it.
func (s *Staging) Close() error {
	return os.RemoveAll(s.Dir)
}
