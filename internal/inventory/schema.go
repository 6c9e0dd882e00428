package inventory

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Field names that may appear in an inventory file schema. See the S3
// storage-inventory documentation for the full list; fields this tool does
// not consume are carried through the schema but ignored per row.
const (
	fieldBucket         = "Bucket"
	fieldKey            = "Key"
	fieldVersionID      = "VersionId"
	fieldIsLatest       = "IsLatest"
	fieldIsDeleteMarker = "IsDeleteMarker"
	fieldSize           = "Size"
	fieldLastModified   = "LastModifiedDate"
	fieldETag           = "ETag"
	fieldIsMultipart    = "IsMultipartUploaded"
	fieldEncryption     = "EncryptionStatus"
)

// Schema is the ordered list of columns used by a snapshot's list files.
type Schema struct {
	fields   []string
	keyIndex int
}

// NewSchema validates the field list declared by a manifest. Bucket, Key,
// and ETag are required.
func NewSchema(fields []string) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("file schema is empty")
	}
	keyIndex := -1
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		if seen[f] {
			return nil, fmt.Errorf("file schema lists %s twice", f)
		}
		seen[f] = true
		if f == fieldKey {
			keyIndex = i
		}
	}
	for _, required := range []string{fieldBucket, fieldKey, fieldETag} {
		if !seen[required] {
			return nil, fmt.Errorf("file schema is missing required field %s", required)
		}
	}
	return &Schema{fields: fields, keyIndex: keyIndex}, nil
}

// Fields returns the column names in order.
func (s *Schema) Fields() []string { return s.fields }

// ParseRow interprets one CSV record according to the schema.
//
// A key ending in "/" with size 0 (or no listed size) is an S3 directory
// placeholder; ParseRow returns ok=false for those and they are skipped
// silently. Malformed rows return a *EntryError.
func (s *Schema) ParseRow(values []string) (entry Entry, ok bool, err error) {
	if s.keyIndex >= len(values) {
		return Entry{}, false, &EntryError{Reason: "row has no Key field"}
	}
	key, err := url.PathUnescape(values[s.keyIndex])
	if err != nil {
		return Entry{}, false, &EntryError{Key: values[s.keyIndex], Reason: "key is not valid percent-encoded UTF-8"}
	}
	if len(values) != len(s.fields) {
		return Entry{}, false, &EntryError{
			Key:    key,
			Reason: fmt.Sprintf("expected %d fields, got %d", len(s.fields), len(values)),
		}
	}

	entry = Entry{Key: key, IsLatest: true, Size: -1, ETagIsMD5: true}
	for i, field := range s.fields {
		value := values[i]
		switch field {
		case fieldBucket:
			if value == "" {
				return Entry{}, false, &EntryError{Key: key, Reason: "empty Bucket field"}
			}
			entry.Bucket = value
		case fieldKey:
			// already handled
		case fieldVersionID:
			// An empty value means the object was created while the bucket
			// was unversioned; its effective version ID is "null", which is
			// equivalent to requesting the object without a version.
			if value != "" && value != "null" {
				entry.VersionID = value
			}
		case fieldIsLatest:
			b, perr := strconv.ParseBool(value)
			if perr != nil {
				return Entry{}, false, &EntryError{Key: key, Reason: fmt.Sprintf("IsLatest value %q is not a boolean", value)}
			}
			entry.IsLatest = b
		case fieldIsDeleteMarker:
			b, perr := strconv.ParseBool(value)
			if perr != nil {
				return Entry{}, false, &EntryError{Key: key, Reason: fmt.Sprintf("IsDeleteMarker value %q is not a boolean", value)}
			}
			entry.IsDeleteMarker = b
		case fieldSize:
			if value != "" {
				n, perr := strconv.ParseInt(value, 10, 64)
				if perr != nil {
					return Entry{}, false, &EntryError{Key: key, Reason: fmt.Sprintf("Size value %q is not an integer", value)}
				}
				entry.Size = n
			}
		case fieldLastModified:
			if value != "" {
				t, perr := time.Parse(time.RFC3339, value)
				if perr != nil {
					return Entry{}, false, &EntryError{Key: key, Reason: fmt.Sprintf("LastModifiedDate value %q is not a timestamp", value)}
				}
				entry.LastModified = t
			}
		case fieldIsMultipart:
			if value != "" {
				b, perr := strconv.ParseBool(value)
				if perr != nil {
					return Entry{}, false, &EntryError{Key: key, Reason: fmt.Sprintf("IsMultipartUploaded value %q is not a boolean", value)}
				}
				if b {
					entry.ETagIsMD5 = false
				}
			}
		case fieldEncryption:
			if value != "" && value != "NOT-SSE" {
				entry.ETagIsMD5 = false
			}
		case fieldETag:
			entry.ETag = value
		}
	}

	if entry.IsDeleteMarker {
		entry.ETagIsMD5 = false
	} else if entry.ETag == "" {
		return Entry{}, false, &EntryError{Key: key, Reason: "empty ETag field"}
	}
	if strings.Contains(entry.ETag, "-") {
		// Multipart etags ("md5-N") are opaque, not content digests.
		entry.ETagIsMD5 = false
	}
	if isDirectoryPlaceholder(&entry) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// isDirectoryPlaceholder reports whether the entry is a zero-byte (or
// sizeless) object whose key ends in "/", the convention S3 consoles use for
// empty folders.
func isDirectoryPlaceholder(e *Entry) bool {
	if len(e.Key) == 0 || e.Key[len(e.Key)-1] != '/' {
		return false
	}
	return e.Size <= 0
}
