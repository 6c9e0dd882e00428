package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awss3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"s3invsync/internal/inventory"
)

func mustTimestamp(t *testing.T, s string) inventory.Timestamp {
	t.Helper()
	ts, err := inventory.ParseTimestamp(s)
	if err != nil {
		t.Fatalf("ParseTimestamp(%q) error = %v", s, err)
	}
	return ts
}

type stubAPI struct {
	getObject func(*awss3.GetObjectInput) (*awss3.GetObjectOutput, error)
	list      func(*awss3.ListObjectsV2Input) (*awss3.ListObjectsV2Output, error)
}

func (s *stubAPI) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	return s.getObject(in)
}

func (s *stubAPI) ListObjectsV2(_ context.Context, in *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	return s.list(in)
}

func testClient(t *testing.T, api *stubAPI) *Client {
	t.Helper()
	base := Location{Bucket: "inv-bucket", Key: "inventory/"}
	return newWithAPI(api, base, t.TempDir(), Options{})
}

func bodyOutput(content string) *awss3.GetObjectOutput {
	return &awss3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader([]byte(content))),
		ContentLength: aws.Int64(int64(len(content))),
		ETag:          aws.String(`"` + md5hex(content) + `"`),
	}
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func httpError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      fmt.Errorf("HTTP %d", status),
	}
}

func TestClient_ListManifestTimestamps(t *testing.T) {
	pages := []*awss3.ListObjectsV2Output{
		{
			CommonPrefixes: []awss3types.CommonPrefix{
				{Prefix: aws.String("inventory/2024-01-02T00-00Z/")},
				{Prefix: aws.String("inventory/hive/")},
			},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("tok"),
		},
		{
			CommonPrefixes: []awss3types.CommonPrefix{
				{Prefix: aws.String("inventory/2024-01-01T00-00Z/")},
			},
			IsTruncated: aws.Bool(false),
		},
	}
	call := 0
	api := &stubAPI{
		list: func(in *awss3.ListObjectsV2Input) (*awss3.ListObjectsV2Output, error) {
			if *in.Prefix != "inventory/" || *in.Delimiter != "/" {
				t.Errorf("list input = prefix %q delimiter %q", *in.Prefix, *in.Delimiter)
			}
			out := pages[call]
			call++
			return out, nil
		},
	}
	c := testClient(t, api)

	got, err := c.ListManifestTimestamps(context.Background())
	if err != nil {
		t.Fatalf("ListManifestTimestamps() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d timestamps, want 2", len(got))
	}
	// Ascending order, non-timestamp prefixes ignored.
	if got[0].String() != "2024-01-01T00-00Z" || got[1].String() != "2024-01-02T00-00Z" {
		t.Errorf("timestamps = [%s %s]", got[0], got[1])
	}
}

func TestClient_DownloadObject_VerifiesMD5(t *testing.T) {
	api := &stubAPI{
		getObject: func(in *awss3.GetObjectInput) (*awss3.GetObjectOutput, error) {
			if *in.Bucket != "src" || *in.Key != "a/b.txt" {
				t.Errorf("get input = %q %q", *in.Bucket, *in.Key)
			}
			if in.VersionId == nil || *in.VersionId != "v1" {
				t.Error("missing version id in request")
			}
			return bodyOutput("hello"), nil
		},
	}
	c := testClient(t, api)

	dst, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("creating dst: %v", err)
	}
	defer dst.Close()

	loc := Location{Bucket: "src", Key: "a/b.txt", VersionID: "v1"}
	info, err := c.DownloadObject(context.Background(), loc, md5hex("hello"), dst)
	if err != nil {
		t.Fatalf("DownloadObject() error = %v", err)
	}
	if info.Size != 5 {
		t.Errorf("Size = %d, want 5", info.Size)
	}
	if info.ETag != md5hex("hello") {
		t.Errorf("ETag = %q (quotes must be stripped)", info.ETag)
	}
	data, err := os.ReadFile(dst.Name())
	if err != nil {
		t.Fatalf("reading dst: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("dst content = %q, want hello", data)
	}
}

func TestClient_DownloadObject_ChecksumMismatchIsNotRetried(t *testing.T) {
	calls := 0
	api := &stubAPI{
		getObject: func(*awss3.GetObjectInput) (*awss3.GetObjectOutput, error) {
			calls++
			return bodyOutput("hello"), nil
		},
	}
	c := testClient(t, api)

	dst, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("creating dst: %v", err)
	}
	defer dst.Close()

	_, err = c.DownloadObject(context.Background(), Location{Bucket: "b", Key: "k"}, md5hex("other"), dst)
	var cm *ChecksumMismatchError
	if !errors.As(err, &cm) {
		t.Fatalf("DownloadObject() error = %v, want *ChecksumMismatchError", err)
	}
	if calls != 1 {
		t.Errorf("GetObject called %d times, want 1", calls)
	}
}

func TestClient_DownloadObject_RetriesTransientFailures(t *testing.T) {
	calls := 0
	api := &stubAPI{
		getObject: func(*awss3.GetObjectInput) (*awss3.GetObjectOutput, error) {
			calls++
			if calls < 3 {
				return nil, httpError(http.StatusInternalServerError)
			}
			return bodyOutput("ok"), nil
		},
	}
	c := testClient(t, api)

	dst, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("creating dst: %v", err)
	}
	defer dst.Close()

	if _, err := c.DownloadObject(context.Background(), Location{Bucket: "b", Key: "k"}, "", dst); err != nil {
		t.Fatalf("DownloadObject() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("GetObject called %d times, want 3", calls)
	}
	data, err := os.ReadFile(dst.Name())
	if err != nil {
		t.Fatalf("reading dst: %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("dst content = %q after retries, want ok", data)
	}
}

func TestClient_DownloadObject_ClientErrorsAreImmediate(t *testing.T) {
	calls := 0
	api := &stubAPI{
		getObject: func(*awss3.GetObjectInput) (*awss3.GetObjectOutput, error) {
			calls++
			return nil, httpError(http.StatusForbidden)
		},
	}
	c := testClient(t, api)

	dst, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("creating dst: %v", err)
	}
	defer dst.Close()

	_, err = c.DownloadObject(context.Background(), Location{Bucket: "b", Key: "k"}, "", dst)
	if err == nil {
		t.Fatal("DownloadObject() succeeded, want error")
	}
	if !IsAccessDenied(err) {
		t.Errorf("IsAccessDenied() = false for %v", err)
	}
	if calls != 1 {
		t.Errorf("GetObject called %d times, want 1", calls)
	}
}

func TestClient_GetManifest(t *testing.T) {
	manifest := `{
  "fileFormat": "CSV",
  "fileSchema": "Bucket, Key, ETag",
  "files": [{"key": "inventory/data/a.csv.gz", "size": 3, "MD5checksum": "abc"}]
}`
	api := &stubAPI{
		getObject: func(in *awss3.GetObjectInput) (*awss3.GetObjectOutput, error) {
			switch *in.Key {
			case "inventory/2024-01-01T00-00Z/manifest.checksum":
				return bodyOutput(md5hex(manifest) + "\n"), nil
			case "inventory/2024-01-01T00-00Z/manifest.json":
				return bodyOutput(manifest), nil
			default:
				return nil, httpError(http.StatusNotFound)
			}
		},
	}
	c := testClient(t, api)

	ts := mustTimestamp(t, "2024-01-01T00-00Z")
	m, err := c.GetManifest(context.Background(), ts)
	if err != nil {
		t.Fatalf("GetManifest() error = %v", err)
	}
	if len(m.Files) != 1 || m.Files[0].Key != "inventory/data/a.csv.gz" {
		t.Errorf("Files = %+v", m.Files)
	}
}

func TestClient_GetManifest_ChecksumMismatch(t *testing.T) {
	api := &stubAPI{
		getObject: func(in *awss3.GetObjectInput) (*awss3.GetObjectOutput, error) {
			switch {
			case filepath.Base(*in.Key) == "manifest.checksum":
				return bodyOutput("00000000000000000000000000000000"), nil
			default:
				return bodyOutput(`{"fileFormat":"CSV"}`), nil
			}
		},
	}
	c := testClient(t, api)

	_, err := c.GetManifest(context.Background(), mustTimestamp(t, "2024-01-01T00-00Z"))
	var cm *ChecksumMismatchError
	if !errors.As(err, &cm) {
		t.Fatalf("GetManifest() error = %v, want *ChecksumMismatchError", err)
	}
}
