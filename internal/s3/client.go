package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"s3invsync/internal/inventory"
	"s3invsync/internal/logging"
)

// maxAttempts bounds retries of a single request against transient failures.
const maxAttempts = 10

// api is the slice of the AWS SDK client the shim uses.
type api interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// ObjectInfo describes a completed download.
type ObjectInfo struct {
	ETag         string
	Size         int64
	LastModified time.Time
}

// Options configures a Client.
type Options struct {
	Logger        *slog.Logger
	TraceProgress bool
}

// Client talks to S3 on behalf of the sync engine. It discovers the bucket
// region, resolves credentials through the SDK's default chain (falling back
// to anonymous access for public buckets), verifies declared md5 digests on
// download, and retries transient failures.
type Client struct {
	api           api
	base          Location
	tmpdir        string
	logger        *slog.Logger
	traceProgress bool
}

// New builds a Client for the inventory rooted at base.
func New(ctx context.Context, base Location, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithAppID("s3invsync"))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		logger.Debug("no AWS credentials found; proceeding with anonymous access")
		cfg.Credentials = aws.AnonymousCredentials{}
	}

	region, err := manager.GetBucketRegion(ctx, awss3.NewFromConfig(cfg), base.Bucket)
	if err != nil {
		return nil, fmt.Errorf("discovering region of bucket %s: %w", base.Bucket, err)
	}
	cfg.Region = region
	logger.Debug("resolved bucket region", "bucket", base.Bucket, "region", region)

	tmpdir, err := os.MkdirTemp("", "s3invsync-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}

	return &Client{
		api:           awss3.NewFromConfig(cfg),
		base:          base,
		tmpdir:        tmpdir,
		logger:        logger,
		traceProgress: opts.TraceProgress,
	}, nil
}

// newWithAPI wires a Client over a caller-supplied API. Used by tests.
func newWithAPI(a api, base Location, tmpdir string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{api: a, base: base, tmpdir: tmpdir, logger: logger, traceProgress: opts.TraceProgress}
}

// Close removes the client's scratch directory.
func (c *Client) Close() error {
	return os.RemoveAll(c.tmpdir)
}

// ListManifestTimestamps lists the snapshot timestamps available under the
// inventory base, in ascending order. Prefix entries that do not parse as
// timestamps are ignored.
func (c *Client) ListManifestTimestamps(ctx context.Context) ([]inventory.Timestamp, error) {
	prefix := c.base.Key
	var out []inventory.Timestamp
	var token *string
	for {
		resp, err := c.api.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(c.base.Bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, &RequestError{Loc: c.base, Err: fmt.Errorf("listing manifests: %w", err)}
		}
		for _, cp := range resp.CommonPrefixes {
			if cp.Prefix == nil {
				continue
			}
			name := strings.TrimSuffix(strings.TrimPrefix(*cp.Prefix, prefix), "/")
			ts, err := inventory.ParseTimestamp(name)
			if err != nil {
				continue
			}
			out = append(out, ts)
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Before(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// GetManifest fetches and validates the manifest.json for the given
// snapshot. The sibling manifest.checksum object supplies the md5 the
// download is verified against.
func (c *Client) GetManifest(ctx context.Context, ts inventory.Timestamp) (*inventory.Manifest, error) {
	checksumLoc := c.base.Join(ts.String() + "/manifest.checksum")
	c.logger.Debug("fetching manifest checksum", "url", checksumLoc.String())
	var checksum bytes.Buffer
	if _, err := c.download(ctx, checksumLoc, "", &checksum, resetBuffer(&checksum)); err != nil {
		return nil, fmt.Errorf("fetching manifest checksum: %w", err)
	}

	manifestLoc := c.base.Join(ts.String() + "/manifest.json")
	c.logger.Debug("fetching manifest", "url", manifestLoc.String())
	var buf bytes.Buffer
	if _, err := c.download(ctx, manifestLoc, strings.TrimSpace(checksum.String()), &buf, resetBuffer(&buf)); err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}

	m, err := inventory.ParseManifest(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("manifest at %s: %w", manifestLoc, err)
	}
	return m, nil
}

// OpenInventoryList downloads the list file named by spec to a scratch file,
// verifies its md5 against the manifest's declaration, and returns a reader
// over its entries. The scratch file is deleted when the reader is closed.
func (c *Client) OpenInventoryList(ctx context.Context, spec inventory.ManifestFile, schema *inventory.Schema) (inventory.EntryReader, error) {
	loc := c.base.WithKey(spec.Key)
	path := filepath.Join(c.tmpdir, "list-"+uuid.NewString()+".csv.gz")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating scratch file for %s: %w", loc, err)
	}
	c.logger.Debug("downloading inventory list", "url", loc.String(), "path", path)
	if _, err := c.DownloadObject(ctx, loc, spec.MD5Checksum, f); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("closing scratch file for %s: %w", loc, err)
	}
	return inventory.OpenListFile(path, schema)
}

// DownloadObject streams the object at loc into dst, retrying transient
// failures. When expectedMD5 is non-empty the downloaded bytes must hash to
// it; dst is rewound and truncated before each attempt.
func (c *Client) DownloadObject(ctx context.Context, loc Location, expectedMD5 string, dst *os.File) (*ObjectInfo, error) {
	rewind := func() error {
		if _, err := dst.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return dst.Truncate(0)
	}
	return c.download(ctx, loc, expectedMD5, dst, rewind)
}

// resetBuffer adapts an in-memory buffer to the rewind hook download needs
// between attempts.
func resetBuffer(b *bytes.Buffer) func() error {
	return func() error {
		b.Reset()
		return nil
	}
}

// download is the single-object fetch loop shared by all downloads. rewind
// resets dst between attempts; a nil rewind makes any second attempt fail
// fast instead of appending to a partially-written destination.
func (c *Client) download(ctx context.Context, loc Location, expectedMD5 string, dst io.Writer, rewind func() error) (*ObjectInfo, error) {
	var info *ObjectInfo
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if rewind == nil {
				return backoff.Permanent(fmt.Errorf("cannot restart download of %s", loc))
			}
			if err := rewind(); err != nil {
				return backoff.Permanent(fmt.Errorf("rewinding output for %s: %w", loc, err))
			}
			c.logger.Debug("retrying download", "url", loc.String(), "attempt", attempt)
		}
		var err error
		info, err = c.fetchOnce(ctx, loc, expectedMD5, dst)
		if err != nil && !retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) fetchOnce(ctx context.Context, loc Location, expectedMD5 string, dst io.Writer) (*ObjectInfo, error) {
	in := &awss3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	}
	if loc.VersionID != "" {
		in.VersionId = aws.String(loc.VersionID)
	}
	resp, err := c.api.GetObject(ctx, in)
	if err != nil {
		return nil, &RequestError{Loc: loc, Err: err}
	}
	defer resp.Body.Close()

	hasher := md5.New()
	var total, objectSize int64
	if resp.ContentLength != nil {
		objectSize = *resp.ContentLength
	}
	buf := make([]byte, 128*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if c.traceProgress {
				c.logger.Log(ctx, logging.LevelTrace, "received chunk",
					"url", loc.String(), "chunk_size", n, "total_received", total, "object_size", objectSize)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return nil, fmt.Errorf("writing download of %s: %w", loc, werr)
			}
			hasher.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, &RequestError{Loc: loc, Err: fmt.Errorf("reading body: %w", rerr)}
		}
	}

	if expectedMD5 != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if actual != expectedMD5 {
			return nil, &ChecksumMismatchError{Loc: loc, Expected: expectedMD5, Actual: actual}
		}
	}

	info := &ObjectInfo{Size: total}
	if resp.ETag != nil {
		info.ETag = strings.Trim(*resp.ETag, `"`)
	}
	if resp.LastModified != nil {
		info.LastModified = *resp.LastModified
	}
	return info, nil
}
