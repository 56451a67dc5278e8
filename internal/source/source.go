// Package source gives read access to the blob buckets tables are loaded
// from. Buckets are addressed by gocloud URL (file:///..., s3://...,
// gs://..., azblob://...) and opened once per URL.
//
// Logging:
//   - Logger is dependency-injected via New
//   - Buckets owns its scoped logger (component="source")
//   - Only bucket opens and close failures are logged
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob" // Azure Blob Storage driver
	_ "gocloud.dev/blob/fileblob"  // local directory driver
	_ "gocloud.dev/blob/gcsblob"   // Google Cloud Storage driver
	_ "gocloud.dev/blob/s3blob"    // S3-compatible driver

	"nebula/internal/logging"
)

// ErrBadPattern is returned for glob patterns doublestar cannot parse.
var ErrBadPattern = errors.New("bad pattern")

// Object is one listed blob.
type Object struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Opener opens a bucket by URL.
type Opener func(ctx context.Context, url string) (*blob.Bucket, error)

// Buckets is a cache of open buckets. Safe for concurrent use.
type Buckets struct {
	open   Opener
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// New creates an empty bucket cache using blob.OpenBucket.
func New(logger *slog.Logger) *Buckets {
	return &Buckets{
		open:    blob.OpenBucket,
		logger:  logging.Default(logger).With("component", "source"),
		buckets: make(map[string]*blob.Bucket),
	}
}

func (b *Buckets) bucket(ctx context.Context, url string) (*blob.Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bk, ok := b.buckets[url]; ok {
		return bk, nil
	}
	bk, err := b.open(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	b.buckets[url] = bk
	b.logger.Debug("bucket opened", "url", url)
	return bk, nil
}

// List returns every object under prefix, sorted by key.
func (b *Buckets) List(ctx context.Context, url, prefix string) ([]Object, error) {
	bk, err := b.bucket(ctx, url)
	if err != nil {
		return nil, err
	}
	var out []Object
	it := bk.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", url, prefix, err)
		}
		if obj.IsDir {
			continue
		}
		out = append(out, Object{Key: obj.Key, Size: obj.Size, Modified: obj.ModTime})
	}
	slices.SortFunc(out, func(a, b Object) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

// Glob lists the objects whose key matches a doublestar pattern. Only the
// static prefix of the pattern is listed.
func (b *Buckets) Glob(ctx context.Context, url, pattern string) ([]Object, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}
	prefix, _ := doublestar.SplitPattern(pattern)
	if prefix == "." {
		prefix = ""
	} else {
		prefix += "/"
	}
	objs, err := b.List(ctx, url, prefix)
	if err != nil {
		return nil, err
	}
	out := objs[:0]
	for _, o := range objs {
		if ok, _ := doublestar.Match(pattern, o.Key); ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// Open reads length bytes of key starting at offset. A negative length reads
// to the end of the object.
func (b *Buckets) Open(ctx context.Context, url, key string, offset, length int64) (io.ReadCloser, error) {
	bk, err := b.bucket(ctx, url)
	if err != nil {
		return nil, err
	}
	r, err := bk.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", url, key, err)
	}
	return r, nil
}

// Close closes every cached bucket.
func (b *Buckets) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for url, bk := range b.buckets {
		if err := bk.Close(); err != nil {
			b.logger.Warn("bucket close failed", "url", url, "error", err)
			errs = append(errs, err)
		}
	}
	clear(b.buckets)
	return errors.Join(errs...)
}
