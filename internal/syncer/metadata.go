package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"s3invsync/internal/keypath"
)

// VersionsEntry records the identity of the current version of one file, as
// stored in the directory's versions side-file. VersionID is null for
// objects created on an unversioned bucket.
type VersionsEntry struct {
	VersionID *string `json:"version_id"`
	ETag      string  `json:"etag"`
}

func versionsEntryFor(versionID, etag string) VersionsEntry {
	e := VersionsEntry{ETag: etag}
	if versionID != "" {
		e.VersionID = &versionID
	}
	return e
}

func (e VersionsEntry) equal(other VersionsEntry) bool {
	if e.ETag != other.ETag {
		return false
	}
	switch {
	case e.VersionID == nil && other.VersionID == nil:
		return true
	case e.VersionID == nil || other.VersionID == nil:
		return false
	default:
		return *e.VersionID == *other.VersionID
	}
}

// loadVersions reads the versions side-file of dir. A missing file is an
// empty map.
func loadVersions(dir string) (map[string]VersionsEntry, error) {
	p := filepath.Join(dir, keypath.VersionsFilename)
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return map[string]VersionsEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	m := map[string]VersionsEntry{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", p, err)
	}
	return m, nil
}

// storeVersions atomically rewrites the versions side-file of dir via a
// temp file and rename, fsyncing before the rename. An empty map removes
// the side-file instead.
func storeVersions(dir string, data map[string]VersionsEntry) error {
	p := filepath.Join(dir, keypath.VersionsFilename)
	if len(data) == 0 {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
		return nil
	}

	tmp, err := os.CreateTemp(dir, keypath.ReservedPrefix+"versions.*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", p, err)
	}
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encoding %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file for %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("renaming temp file over %s: %w", p, err)
	}
	success = true
	return nil
}

// versionsLockKey is the path-lock key guarding the versions side-file of
// the directory at relative path dirRel ("" for the output root).
func versionsLockKey(dirRel string) string {
	return path.Join(dirRel, keypath.VersionsFilename)
}

// lookupVersions fetches the versions entry for name in the directory at
// dirAbs, taking the directory lock for the read.
func (s *Syncer) lookupVersions(ctx context.Context, dirAbs, dirRel, name string) (VersionsEntry, bool, error) {
	unlock, err := s.locks.Lock(ctx, versionsLockKey(dirRel))
	if err != nil {
		return VersionsEntry{}, false, err
	}
	defer unlock()
	data, err := loadVersions(dirAbs)
	if err != nil {
		return VersionsEntry{}, false, err
	}
	e, ok := data[name]
	return e, ok, nil
}

// updateVersions applies fn to the directory's versions map under the
// directory lock and rewrites the side-file when fn reports a change. The
// map is never cached across calls; every update is load-modify-store.
func (s *Syncer) updateVersions(ctx context.Context, dirAbs, dirRel string, fn func(map[string]VersionsEntry) bool) error {
	unlock, err := s.locks.Lock(ctx, versionsLockKey(dirRel))
	if err != nil {
		return err
	}
	defer unlock()
	data, err := loadVersions(dirAbs)
	if err != nil {
		return err
	}
	if !fn(data) {
		return nil
	}
	return storeVersions(dirAbs, data)
}
