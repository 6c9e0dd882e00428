package syncer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"s3invsync/internal/keypath"
)

// sweep walks the output tree bottom-up after a clean pass, deleting every
// regular file the run did not observe (side-files excepted), pruning stale
// versions entries, and removing directories that end up empty.
func (s *Syncer) sweep(ctx context.Context) error {
	_, err := s.sweepDir(ctx, "")
	return err
}

// sweepDir reconciles one directory and returns whether it is empty
// afterwards.
func (s *Syncer) sweepDir(ctx context.Context, dirRel string) (empty bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dirAbs := filepath.Join(s.outdir, filepath.FromSlash(dirRel))
	dirents, err := os.ReadDir(dirAbs)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading directory %s: %w", dirAbs, err)
	}

	remaining := 0
	for _, de := range dirents {
		name := de.Name()
		p := filepath.Join(dirAbs, name)
		if de.IsDir() {
			subEmpty, err := s.sweepDir(ctx, path.Join(dirRel, name))
			if err != nil {
				return false, err
			}
			if subEmpty {
				s.logger.Debug("removing empty directory", "path", p)
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					return false, fmt.Errorf("removing directory %s: %w", p, err)
				}
			} else {
				remaining++
			}
			continue
		}
		if name == keypath.VersionsFilename {
			continue // handled below, after file deletions
		}
		if strings.HasPrefix(name, keypath.ReservedPrefix) {
			remaining++
			continue
		}
		if s.observed.contains(dirRel, name) {
			remaining++
			continue
		}
		s.logger.Info("file does not belong in backup; deleting", "path", p)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("removing %s: %w", p, err)
		}
	}

	kept, err := s.pruneVersions(ctx, dirAbs, dirRel)
	if err != nil {
		return false, err
	}
	if kept {
		remaining++
	}
	return remaining == 0 && dirRel != "", nil
}

// pruneVersions drops versions entries for files the run did not observe
// and reports whether the side-file still exists afterwards. Entries and
// tree stay in lockstep: every current-version file has exactly one entry.
func (s *Syncer) pruneVersions(ctx context.Context, dirAbs, dirRel string) (kept bool, err error) {
	err = s.updateVersions(ctx, dirAbs, dirRel, func(m map[string]VersionsEntry) bool {
		changed := false
		for name := range m {
			if !s.observed.contains(dirRel, name) {
				s.logger.Debug("pruning stale versions entry", "dir", dirAbs, "name", name)
				delete(m, name)
				changed = true
			}
		}
		kept = len(m) > 0
		return changed
	})
	return kept, err
}
