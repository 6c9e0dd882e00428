// Package keypath validates S3 object keys for use as local relative paths.
package keypath

import (
	"fmt"
	"strings"
)

// ReservedPrefix is the filename prefix reserved for the tool's own
// side-files. No backed-up object may have a path component starting with it.
const ReservedPrefix = ".s3invsync."

// VersionsFilename is the per-directory side-file recording the version ID
// and etag of each current-version file in that directory.
const VersionsFilename = ReservedPrefix + "versions.json"

// StateFilename is the side-file at the output root recording run timestamps.
const StateFilename = ReservedPrefix + "state.json"

// Error describes why a key cannot be used as a local path.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("key %q is not a valid filepath: %s", e.Key, e.Reason)
}

// FromKey validates key as a normalized, forward-slash-separated relative
// path and returns it unchanged. It rejects empty keys, leading or trailing
// slashes, empty, "." or ".." components, NUL bytes, and components with
// special meaning to the backup layout (see IsSpecialComponent).
func FromKey(key string) (string, error) {
	switch {
	case key == "":
		return "", &Error{Key: key, Reason: "empty"}
	case strings.HasPrefix(key, "/"):
		return "", &Error{Key: key, Reason: "starts with a forward slash"}
	case strings.HasSuffix(key, "/"):
		return "", &Error{Key: key, Reason: "ends with a forward slash"}
	case strings.ContainsRune(key, 0):
		return "", &Error{Key: key, Reason: "contains NUL"}
	}
	for _, c := range strings.Split(key, "/") {
		if c == "" || c == "." || c == ".." {
			return "", &Error{Key: key, Reason: "not normalized"}
		}
		if IsSpecialComponent(c) {
			return "", &Error{Key: key, Reason: fmt.Sprintf("component %q has special meaning", c)}
		}
	}
	return key, nil
}

// Split divides a validated path into its directory portion (empty if the
// path has a single component) and its filename.
func Split(path string) (dir, name string) {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

// OldFilename returns the filename under which a non-latest version of an
// object is backed up.
func OldFilename(basename, versionID, etag string) string {
	return fmt.Sprintf("%s.old.%s.%s", basename, versionID, etag)
}

// IsSpecialComponent reports whether a path component is reserved by the
// backup layout: anything starting with the reserved prefix, or anything
// shaped like an old-version filename, i.e. {nonempty}.old.{nonempty}.{nonempty}.
func IsSpecialComponent(component string) bool {
	if strings.HasPrefix(component, ReservedPrefix) {
		return true
	}
	i := strings.Index(component, ".old.")
	if i <= 0 {
		return false
	}
	rest := component[i+len(".old."):]
	j := strings.IndexByte(rest, '.')
	return j >= 1 && j < len(rest)-1
}
