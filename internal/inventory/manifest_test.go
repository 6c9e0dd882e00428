package inventory

import (
	"strings"
	"testing"
)

const sampleManifest = `{
  "sourceBucket": "dandiarchive",
  "destinationBucket": "arn:aws:s3:::dandiarchive-inventory",
  "version": "2016-11-30",
  "fileFormat": "CSV",
  "fileSchema": "Bucket, Key, VersionId, IsLatest, IsDeleteMarker, Size, LastModifiedDate, ETag, IsMultipartUploaded",
  "files": [
    {
      "key": "inventory/data/aaa.csv.gz",
      "size": 2147,
      "MD5checksum": "0123456789abcdef0123456789abcdef"
    },
    {
      "key": "inventory/data/bbb.csv.gz",
      "size": 9,
      "MD5checksum": "fedcba9876543210fedcba9876543210"
    }
  ]
}`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if m.SourceBucket != "dandiarchive" {
		t.Errorf("SourceBucket = %q, want %q", m.SourceBucket, "dandiarchive")
	}
	if len(m.Files) != 2 {
		t.Fatalf("len(Files) = %d, want 2", len(m.Files))
	}
	if m.Files[0].Key != "inventory/data/aaa.csv.gz" {
		t.Errorf("Files[0].Key = %q", m.Files[0].Key)
	}
	if m.Files[0].Size != 2147 {
		t.Errorf("Files[0].Size = %d, want 2147", m.Files[0].Size)
	}
	if m.Files[1].MD5Checksum != "fedcba9876543210fedcba9876543210" {
		t.Errorf("Files[1].MD5Checksum = %q", m.Files[1].MD5Checksum)
	}
	if got := len(m.Schema.Fields()); got != 9 {
		t.Errorf("len(Schema.Fields()) = %d, want 9", got)
	}
}

func TestParseManifest_Invalid(t *testing.T) {
	cases := map[string]string{
		"not JSON":        "{",
		"ORC format":      strings.Replace(sampleManifest, `"CSV"`, `"ORC"`, 1),
		"Parquet format":  strings.Replace(sampleManifest, `"CSV"`, `"Parquet"`, 1),
		"missing ETag":    strings.Replace(sampleManifest, ", ETag", "", 1),
		"empty file list": strings.Replace(sampleManifest, `"files": [`, `"files": [], "oldFiles": [`, 1),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(doc)); err == nil {
				t.Error("ParseManifest() succeeded, want error")
			}
		})
	}
}
