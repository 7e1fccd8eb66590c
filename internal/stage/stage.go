// Package stage places host-declared input files into a session's staging
// directory under their base names, hardlinking where the filesystem permits
// and copying otherwise.
package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Stager stages input files into a single directory. Staging the same base
// name twice replaces the earlier copy; staging distinct files is safe to
// run concurrently since each writes a distinct target path.
type Stager struct {
	dir    string
	logger *slog.Logger
}

// New returns a Stager writing into dir. The directory must already exist.
func New(dir string, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stager{dir: dir, logger: logger}
}

// Dir returns the staging directory path.
func (s *Stager) Dir() string { return s.dir }

// Stage places each input file into the staging directory. Paths that do not
// resolve to a regular file are skipped silently. Files stage concurrently;
// the first failure is returned after all workers finish.
func (s *Stager) Stage(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if err := s.stageOne(path); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(path)
	}
	wg.Wait()
	return firstErr
}

func (s *Stager) stageOne(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		s.logger.Debug("skipping non-regular input file", slog.String("path", path))
		return nil
	}

	target := filepath.Join(s.dir, filepath.Base(abs))
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replacing staged file %s: %w", target, err)
	}

	// Hard link first; cross-device and permission failures fall back to a
	// plain copy.
	if err := os.Link(abs, target); err == nil {
		s.logger.Debug("staged file", slog.String("path", abs), slog.String("mode", "link"))
		return nil
	}

	if err := copyFile(abs, target, info); err != nil {
		return fmt.Errorf("staging %s: %w", path, err)
	}
	s.logger.Debug("staged file", slog.String("path", abs), slog.String("mode", "copy"))
	return nil
}

// copyFile writes through a private temp file and renames it into place.
// Opening dst directly could truncate through a hardlink a concurrent
// staging of the same base name just created, mutating that host source.
func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chtimes(tmp.Name(), info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
