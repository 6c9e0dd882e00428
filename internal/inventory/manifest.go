package inventory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Manifest is a parsed and validated manifest.json for one snapshot.
type Manifest struct {
	SourceBucket      string
	DestinationBucket string
	Schema            *Schema
	Files             []ManifestFile
}

// ManifestFile points at one gzip-compressed CSV list file.
type ManifestFile struct {
	Key         string
	Size        int64
	MD5Checksum string
}

// rawManifest mirrors the JSON layout of manifest.json.
type rawManifest struct {
	SourceBucket      string    `json:"sourceBucket"`
	DestinationBucket string    `json:"destinationBucket"`
	FileFormat        string    `json:"fileFormat"`
	FileSchema        string    `json:"fileSchema"`
	Files             []rawFile `json:"files"`
}

type rawFile struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	MD5Checksum string `json:"MD5checksum"`
}

// ParseManifest decodes and validates manifest.json content. Only the CSV
// file format is supported; the schema must carry the required fields and
// the file list must be non-empty.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if raw.FileFormat != "CSV" {
		return nil, fmt.Errorf("inventory files are in %s format; only CSV is supported", raw.FileFormat)
	}
	fields := strings.Split(raw.FileSchema, ",")
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	schema, err := NewSchema(fields)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if len(raw.Files) == 0 {
		return nil, fmt.Errorf("invalid manifest: empty file list")
	}
	m := &Manifest{
		SourceBucket:      raw.SourceBucket,
		DestinationBucket: raw.DestinationBucket,
		Schema:            schema,
	}
	for _, f := range raw.Files {
		if f.Key == "" {
			return nil, fmt.Errorf("invalid manifest: file entry with empty key")
		}
		m.Files = append(m.Files, ManifestFile{Key: f.Key, Size: f.Size, MD5Checksum: f.MD5Checksum})
	}
	return m, nil
}
