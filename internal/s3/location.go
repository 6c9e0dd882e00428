// Package s3 wraps the AWS SDK with the small client surface the sync engine
// needs: manifest discovery, checksum-verified downloads, and retry.
package s3

import (
	"fmt"
	"strings"
)

// Location addresses an object or prefix as s3://bucket/key, optionally
// pinned to a version.
type Location struct {
	Bucket    string
	Key       string
	VersionID string
}

// ParseLocation parses an s3://bucket/key URL. The key may be empty or end
// in "/" (a prefix).
func ParseLocation(s string) (Location, error) {
	rest, ok := strings.CutPrefix(s, "s3://")
	if !ok {
		return Location{}, fmt.Errorf("%q does not start with s3://", s)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok {
		return Location{}, fmt.Errorf("%q does not contain an S3 object key", s)
	}
	if bucket == "" || !isBucketName(bucket) {
		return Location{}, fmt.Errorf("%q has an invalid S3 bucket name", s)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

func isBucketName(s string) bool {
	for _, c := range s {
		if !('a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '.' || c == '-') {
			return false
		}
	}
	return true
}

// Join appends suffix to the location's key, inserting "/" if needed and
// clearing any version pin.
func (l Location) Join(suffix string) Location {
	key := l.Key
	if key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return Location{Bucket: l.Bucket, Key: key + suffix}
}

// WithKey returns a location for a different key in the same bucket.
func (l Location) WithKey(key string) Location {
	return Location{Bucket: l.Bucket, Key: key}
}

// WithVersion returns the location pinned to a version ID. An empty id
// leaves the location unpinned.
func (l Location) WithVersion(id string) Location {
	return Location{Bucket: l.Bucket, Key: l.Key, VersionID: id}
}

func (l Location) String() string {
	if l.VersionID != "" {
		return fmt.Sprintf("s3://%s/%s?versionId=%s", l.Bucket, l.Key, l.VersionID)
	}
	return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
}
