package syncer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"s3invsync/internal/inventory"
	"s3invsync/internal/keypath"
	"s3invsync/internal/s3"
)

// processEntry routes one inventory entry through path policy,
// classification, and placement.
func (s *Syncer) processEntry(ctx context.Context, e inventory.Entry) error {
	if s.pathFilter != nil && !s.pathFilter.MatchString(e.Key) {
		s.filterLog.skip(e.Key)
		return nil
	}
	s.entriesSeen.Add(1)

	rel, err := keypath.FromKey(e.Key)
	if err != nil {
		return s.invalidEntry(&inventory.EntryError{Key: e.Key, Reason: err.Error()})
	}
	dirRel, name := keypath.Split(rel)

	switch {
	case e.IsDeleteMarker && e.IsLatest:
		return s.applyDeleteMarker(ctx, dirRel, name)
	case e.IsDeleteMarker:
		// A non-latest tombstone has no bytes to back up.
		s.logger.Debug("ignoring non-latest delete marker", "url", e.Ref())
		return nil
	case e.IsLatest:
		return s.placeCurrent(ctx, dirRel, name, e)
	default:
		if e.VersionID == "" {
			// Without a version ID the entry cannot be told apart from the
			// latest version, nor fetched as anything else.
			return s.invalidEntry(&inventory.EntryError{Key: e.Key, Reason: "non-latest entry without a version ID"})
		}
		return s.placeOld(ctx, dirRel, name, e)
	}
}

// applyDeleteMarker removes the current-version file for a key whose head is
// a tombstone. Old-version files for the key are left alone; they are kept
// by their own entries.
func (s *Syncer) applyDeleteMarker(ctx context.Context, dirRel, name string) error {
	rel := path.Join(dirRel, name)
	target := filepath.Join(s.outdir, filepath.FromSlash(rel))

	unlock, err := s.locks.Lock(ctx, rel)
	if err != nil {
		return err
	}
	defer unlock()

	fi, err := os.Lstat(target)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return fmt.Errorf("inspecting %s: %w", target, err)
	case fi.IsDir():
		// The key appears deleted at head; a directory here is stray local
		// state the sweep will handle.
		return nil
	}

	s.logger.Info("key is deleted at head; removing current-version file", "path", target)
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("removing %s: %w", target, err)
	}
	dirAbs := filepath.Dir(target)
	return s.updateVersions(ctx, dirAbs, dirRel, func(m map[string]VersionsEntry) bool {
		if _, ok := m[name]; !ok {
			return false
		}
		delete(m, name)
		return true
	})
}

// placeCurrent backs up the latest version of a key to its plain path and
// records its identity in the directory's versions side-file.
func (s *Syncer) placeCurrent(ctx context.Context, dirRel, name string, e inventory.Entry) error {
	rel := path.Join(dirRel, name)
	target := filepath.Join(s.outdir, filepath.FromSlash(rel))
	dirAbs := filepath.Dir(target)
	md := versionsEntryFor(e.VersionID, e.ETag)

	unlock, err := s.locks.Lock(ctx, rel)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.prepareTarget(dirRel, target); err != nil {
		return err
	}

	current, ok, err := s.lookupVersions(ctx, dirAbs, dirRel, name)
	if err != nil {
		return fmt.Errorf("reading metadata for %s: %w", e.Ref(), err)
	}
	if ok && current.equal(md) && fileMatches(target, e) {
		s.logger.Debug("backup path up to date; skipping download", "path", target, "url", e.Ref())
		s.observed.observe(dirRel, name)
		return nil
	}

	handled, err := s.download(ctx, e, dirAbs, target, false)
	if err != nil {
		return err
	}
	if !handled {
		// Download downgraded to a warning. A copy from an earlier run, if
		// any, still belongs to the backup.
		if _, err := os.Lstat(target); err == nil {
			s.observed.observe(dirRel, name)
		}
		return nil
	}
	if err := s.updateVersions(ctx, dirAbs, dirRel, func(m map[string]VersionsEntry) bool {
		m[name] = md
		return true
	}); err != nil {
		return fmt.Errorf("updating metadata for %s: %w", e.Ref(), err)
	}
	s.observed.observe(dirRel, name)
	return nil
}

// placeOld backs up a non-latest version under its {base}.old.{v}.{etag}
// name. The versions side-file is not involved; the filename carries the
// identity.
func (s *Syncer) placeOld(ctx context.Context, dirRel, name string, e inventory.Entry) error {
	oldName := keypath.OldFilename(name, e.VersionID, e.ETag)
	rel := path.Join(dirRel, oldName)
	target := filepath.Join(s.outdir, filepath.FromSlash(rel))
	dirAbs := filepath.Dir(target)

	unlock, err := s.locks.Lock(ctx, rel)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.prepareTarget(dirRel, target); err != nil {
		return err
	}

	if fileMatches(target, e) {
		s.logger.Debug("old-version path up to date; skipping download", "path", target, "url", e.Ref())
		s.observed.observe(dirRel, oldName)
		return nil
	}

	handled, err := s.download(ctx, e, dirAbs, target, true)
	if err != nil {
		return err
	}
	if handled {
		s.observed.observe(dirRel, oldName)
	} else if _, err := os.Lstat(target); err == nil {
		s.observed.observe(dirRel, oldName)
	}
	return nil
}

// fileMatches reports whether a regular file exists at target with the
// entry's size. Entries without a listed size match on existence alone.
func fileMatches(target string, e inventory.Entry) bool {
	fi, err := os.Lstat(target)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return !e.HasSize() || fi.Size() == e.Size
}

// prepareTarget repairs the filesystem around a placement: any ancestor
// that exists as a regular file is deleted and recreated as a directory,
// and a directory sitting at the target path itself is removed.
func (s *Syncer) prepareTarget(dirRel, target string) error {
	cur := s.outdir
	if dirRel != "" {
		for _, comp := range strings.Split(dirRel, "/") {
			cur = filepath.Join(cur, comp)
			fi, err := os.Lstat(cur)
			switch {
			case os.IsNotExist(err):
				if err := os.Mkdir(cur, 0o755); err != nil && !os.IsExist(err) {
					return fmt.Errorf("creating directory %s: %w", cur, err)
				}
			case err != nil:
				return fmt.Errorf("inspecting %s: %w", cur, err)
			case !fi.IsDir():
				s.logger.Info("ancestor exists as a file; replacing with directory", "path", cur)
				if err := os.Remove(cur); err != nil {
					return fmt.Errorf("removing %s: %w", cur, err)
				}
				if err := os.Mkdir(cur, 0o755); err != nil && !os.IsExist(err) {
					return fmt.Errorf("creating directory %s: %w", cur, err)
				}
			}
		}
	}
	if fi, err := os.Lstat(target); err == nil && fi.IsDir() {
		s.logger.Info("target exists as a directory; removing", "path", target)
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("removing directory %s: %w", target, err)
		}
	}
	return nil
}

// download fetches the entry's bytes to a temp file next to target and
// atomically renames it into place. It returns handled=false when the
// failure was downgraded to a warning by the run's --ok-errors set. The
// temp file never survives an error or cancellation.
func (s *Syncer) download(ctx context.Context, e inventory.Entry, dirAbs, target string, isOld bool) (handled bool, err error) {
	base := filepath.Base(target)
	tmp, err := os.CreateTemp(dirAbs, base+keypath.ReservedPrefix+"tmp.*")
	if err != nil {
		return false, fmt.Errorf("creating temp file for %s: %w", e.Ref(), err)
	}
	success := false
	defer func() {
		tmp.Close()
		if !success {
			os.Remove(tmp.Name())
		}
	}()

	loc := s3.Location{Bucket: e.Bucket, Key: e.Key, VersionID: e.VersionID}
	expectedMD5 := ""
	if e.ETagIsMD5 {
		expectedMD5 = e.ETag
	}
	s.logger.Debug("downloading object", "url", e.Ref(), "path", target)
	info, err := s.store.DownloadObject(ctx, loc, expectedMD5, tmp)
	if err != nil {
		if warn := s.downloadWarning(err, isOld); warn != "" {
			s.warnings.Add(1)
			s.logger.Warn(warn, "url", e.Ref(), "error", err)
			return false, nil
		}
		return false, fmt.Errorf("downloading %s: %w", e.Ref(), err)
	}
	if !e.ETagIsMD5 && info.ETag != "" && info.ETag != e.ETag {
		return false, &s3.ChecksumMismatchError{Loc: loc, Expected: e.ETag, Actual: info.ETag}
	}

	if err := tmp.Sync(); err != nil {
		return false, fmt.Errorf("syncing temp file for %s: %w", e.Ref(), err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("closing temp file for %s: %w", e.Ref(), err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return false, fmt.Errorf("renaming %s into place: %w", tmp.Name(), err)
	}
	success = true

	if !e.LastModified.IsZero() {
		if err := os.Chtimes(target, e.LastModified, e.LastModified); err != nil {
			return false, fmt.Errorf("setting mtime on %s: %w", target, err)
		}
	}
	return true, nil
}

// downloadWarning returns a warning message when the failed download is of
// a kind the run opted to tolerate, or "" when the error is fatal. A 404 on
// a latest version always stays fatal: it means the inventory and the
// bucket disagree.
func (s *Syncer) downloadWarning(err error, isOld bool) string {
	switch {
	case s3.IsNotFound(err) && isOld && s.okErrors.MissingOldVersion:
		return "old version of object not found; skipping"
	case s3.IsAccessDenied(err) && s.okErrors.AccessDenied:
		return "access to object denied; skipping"
	default:
		return ""
	}
}
