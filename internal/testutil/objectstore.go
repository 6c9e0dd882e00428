// Package testutil provides in-memory fakes for the sync engine's
// collaborators.
package testutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"s3invsync/internal/inventory"
	"s3invsync/internal/s3"
)

// FakeObject is one stored version of one key in a FakeObjectStore.
type FakeObject struct {
	Body []byte

	// ETag reported on download; when empty, no etag is reported.
	ETag string

	// Err, when non-nil, fails every download of this object.
	Err error
}

// FakeObjectStore implements syncer.ObjectStore from in-memory data. List
// files are provided as pre-parsed entry slices keyed by manifest file key.
type FakeObjectStore struct {
	mu sync.Mutex

	// Lists maps a manifest file key to the entries its list file yields.
	Lists map[string][]inventory.Entry

	// ListErrs maps a manifest file key to an error returned by
	// OpenInventoryList, simulating e.g. a checksum mismatch.
	ListErrs map[string]error

	// Objects maps "bucket/key@versionID" (versionID may be empty) to
	// object content.
	Objects map[string]FakeObject

	downloads atomic.Int64
}

// NewFakeObjectStore returns an empty store.
func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{
		Lists:    make(map[string][]inventory.Entry),
		ListErrs: make(map[string]error),
		Objects:  make(map[string]FakeObject),
	}
}

// ObjectKey builds the Objects map key for a location.
func ObjectKey(bucket, key, versionID string) string {
	return fmt.Sprintf("%s/%s@%s", bucket, key, versionID)
}

// AddObject stores content for a bucket/key/version triple.
func (f *FakeObjectStore) AddObject(bucket, key, versionID string, body []byte, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Objects[ObjectKey(bucket, key, versionID)] = FakeObject{Body: body, ETag: etag}
}

// Downloads reports how many object downloads were served.
func (f *FakeObjectStore) Downloads() int64 { return f.downloads.Load() }

func (f *FakeObjectStore) OpenInventoryList(_ context.Context, spec inventory.ManifestFile, _ *inventory.Schema) (inventory.EntryReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.ListErrs[spec.Key]; ok {
		return nil, err
	}
	entries, ok := f.Lists[spec.Key]
	if !ok {
		return nil, &s3.RequestError{StatusCode: 404, Err: fmt.Errorf("no such list file %q", spec.Key)}
	}
	return &sliceReader{entries: entries}, nil
}

func (f *FakeObjectStore) DownloadObject(_ context.Context, loc s3.Location, expectedMD5 string, dst *os.File) (*s3.ObjectInfo, error) {
	f.mu.Lock()
	obj, ok := f.Objects[ObjectKey(loc.Bucket, loc.Key, loc.VersionID)]
	f.mu.Unlock()
	if !ok {
		return nil, &s3.RequestError{Loc: loc, StatusCode: 404, Err: fmt.Errorf("no such object")}
	}
	if obj.Err != nil {
		return nil, obj.Err
	}
	f.downloads.Add(1)
	if _, err := dst.Write(obj.Body); err != nil {
		return nil, err
	}
	_ = expectedMD5 // fake bodies are authoritative; digests are not rechecked
	return &s3.ObjectInfo{ETag: obj.ETag, Size: int64(len(obj.Body))}, nil
}

// sliceReader yields pre-built entries.
type sliceReader struct {
	entries []inventory.Entry
	pos     int
}

func (r *sliceReader) Next() (inventory.Entry, error) {
	if r.pos >= len(r.entries) {
		return inventory.Entry{}, io.EOF
	}
	e := r.entries[r.pos]
	r.pos++
	return e, nil
}

func (r *sliceReader) Close() error { return nil }
