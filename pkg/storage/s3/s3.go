// Package s3 implements storage.Backend against an S3-compatible object
// store via minio-go. Compare-and-swap is a stat-then-put guarded by a
// per-key mutex, with the PUT itself conditional (If-Match on the stored
// ETag) so a write from another process in between is reported as a
// conflict. Creating an object (empty previous ETag) sends no precondition.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clxdb/clxdb/pkg/s3"
	"github.com/clxdb/clxdb/pkg/storage"
)

const otelPackageName = "github.com/clxdb/clxdb/pkg/storage/s3"

const s3NoSuchKey = "NoSuchKey"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Backend implements storage.Backend against a single S3-compatible bucket.
type Backend struct {
	client *minio.Client
	bucket string
	prefix string

	// keyMu serializes AtomicUpdate attempts per key from this process;
	// the conditional PUT header is the real cross-process CAS guard.
	mu    sync.Mutex
	keyMu map[string]*sync.Mutex
}

// New builds a Backend from cfg, verifying bucket access eagerly.
func New(ctx context.Context, cfg s3.Config) (*Backend, error) {
	if err := s3.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	useSSL := s3.IsHTTPS(cfg.Endpoint)
	endpoint := s3.GetEndpointWithoutScheme(cfg.Endpoint)

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       useSSL,
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: creating minio client: %w", err)
	}

	if ok, err := client.BucketExists(ctx, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("s3: checking bucket %q: %w", cfg.Bucket, err)
	} else if !ok {
		return nil, fmt.Errorf("s3: bucket %q does not exist", cfg.Bucket)
	}

	return &Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		keyMu:  make(map[string]*sync.Mutex),
	}, nil
}

var _ storage.Backend = (*Backend)(nil)

// Read implements storage.Backend.
func (b *Backend) Read(ctx context.Context, path string, rang *storage.Range) ([]byte, error) {
	key := b.key(path)

	_, span := tracer.Start(ctx, "s3.Read", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	opts := minio.GetObjectOptions{}

	if rang != nil {
		if rang.Length > 0 {
			if err := opts.SetRange(rang.Offset, rang.Offset+rang.Length-1); err != nil {
				return nil, fmt.Errorf("s3: setting range for %q: %w", path, err)
			}
		} else {
			if err := opts.SetRange(rang.Offset, 0); err != nil {
				return nil, fmt.Errorf("s3: setting range for %q: %w", path, err)
			}
		}
	}

	obj, err := b.client.GetObject(ctx, b.bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("s3: getting %q: %w", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("s3: reading %q: %w", path, err)
	}

	return data, nil
}

// Stat implements storage.Backend.
func (b *Backend) Stat(ctx context.Context, p string) (*storage.ObjectInfo, error) {
	key := b.key(p)

	_, span := tracer.Start(ctx, "s3.Stat", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil //nolint:nilnil
		}

		return nil, fmt.Errorf("s3: stat %q: %w", p, err)
	}

	return &storage.ObjectInfo{
		ETag:         strings.Trim(info.ETag, `"`),
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// AtomicUpdate implements storage.Backend using a conditional PUT scoped by
// a per-key in-process lock.
func (b *Backend) AtomicUpdate(
	ctx context.Context, p string, data []byte, previousEtag string,
) (*storage.UpdateResult, error) {
	key := b.key(p)

	_, span := tracer.Start(ctx, "s3.AtomicUpdate", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	lock := b.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	current, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})

	switch {
	case err != nil && isNoSuchKey(err):
		if previousEtag != "" {
			return &storage.UpdateResult{Success: false}, nil
		}
	case err != nil:
		return nil, fmt.Errorf("s3: stat %q before update: %w", p, err)
	default:
		if strings.Trim(current.ETag, `"`) != previousEtag {
			return &storage.UpdateResult{Success: false}, nil
		}
	}

	putOpts := minio.PutObjectOptions{ContentType: "application/json"}

	if previousEtag != "" {
		putOpts.SetMatchETag(previousEtag)
	}

	result, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), putOpts)
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusPreconditionFailed {
			return &storage.UpdateResult{Success: false}, nil
		}

		return nil, fmt.Errorf("s3: putting %q: %w", p, err)
	}

	return &storage.UpdateResult{Success: true, NewETag: strings.Trim(result.ETag, `"`)}, nil
}

// Write implements storage.Backend.
func (b *Backend) Write(ctx context.Context, p string, data []byte) error {
	key := b.key(p)

	_, span := tracer.Start(ctx, "s3.Write", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	_, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return storage.ErrAlreadyExists
	}

	if !isNoSuchKey(err) {
		return fmt.Errorf("s3: stat %q before write: %w", p, err)
	}

	_, err = b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("s3: putting %q: %w", p, err)
	}

	return nil
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, p string) error {
	key := b.key(p)

	_, span := tracer.Start(ctx, "s3.Delete", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if !isNoSuchKey(err) {
			return fmt.Errorf("s3: deleting %q: %w", p, err)
		}
	}

	return nil
}

// List implements storage.Backend.
func (b *Backend) List(ctx context.Context, directory string) ([]string, error) {
	prefix := b.key(directory)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	_, span := tracer.Start(ctx, "s3.List", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("prefix", prefix)))
	defer span.End()

	var names []string

	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("s3: listing %q: %w", directory, obj.Err)
		}

		names = append(names, strings.TrimPrefix(obj.Key, prefix))
	}

	return names, nil
}

// EnsureDirectory implements storage.Backend. S3 has no real directories;
// this is a no-op.
func (b *Backend) EnsureDirectory(context.Context, string) error { return nil }

func (b *Backend) key(p string) string {
	clean := strings.TrimPrefix(p, "/")
	if b.prefix == "" {
		return clean
	}

	return path.Join(b.prefix, clean)
}

func (b *Backend) lockFor(key string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.keyMu[key]
	if !ok {
		l = &sync.Mutex{}
		b.keyMu[key] = l
	}

	return l
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)

	return resp.Code == s3NoSuchKey || resp.StatusCode == http.StatusNotFound
}
