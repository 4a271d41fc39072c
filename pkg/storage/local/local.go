// Package local implements storage.Backend against a local filesystem
// directory tree. It provides a real compare-and-swap primitive on top of
// plain files using a per-path mutex plus a temp-file-and-rename write, and
// derives ETags from mtime+size since the filesystem has no native ETag
// concept.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clxdb/clxdb/pkg/storage"
)

const (
	fileMode = 0o600
	dirMode  = 0o700

	otelPackageName = "github.com/clxdb/clxdb/pkg/storage/local"
)

// ErrPathMustBeAbsolute is returned if the given path to New was not
// absolute.
var ErrPathMustBeAbsolute = errors.New("local: path must be absolute")

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Backend implements storage.Backend rooted at a directory on the local
// filesystem.
type Backend struct {
	root string

	// pathLocks serializes AtomicUpdate attempts against the same path so
	// two local callers cannot race past the ETag check against each
	// other (remote CAS still guards against other machines).
	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
}

// New builds a Backend rooted at root, creating the directory if it does
// not yet exist.
func New(root string) (*Backend, error) {
	if !filepath.IsAbs(root) {
		return nil, ErrPathMustBeAbsolute
	}

	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("local: creating root %q: %w", root, err)
	}

	return &Backend{root: root, pathLocks: make(map[string]*sync.Mutex)}, nil
}

var _ storage.Backend = (*Backend)(nil)

// Read implements storage.Backend.
func (b *Backend) Read(ctx context.Context, path string, rang *storage.Range) ([]byte, error) {
	fullPath, err := b.resolve(path)
	if err != nil {
		return nil, err
	}

	_, span := tracer.Start(ctx, "local.Read", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("local: opening %q: %w", path, err)
	}
	defer f.Close()

	if rang == nil {
		data, err := os.ReadFile(fullPath)
		if err != nil {
			return nil, fmt.Errorf("local: reading %q: %w", path, err)
		}

		return data, nil
	}

	if _, err := f.Seek(rang.Offset, 0); err != nil {
		return nil, fmt.Errorf("local: seeking %q: %w", path, err)
	}

	length := rang.Length
	if length == 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("local: stat %q: %w", path, err)
		}

		length = info.Size() - rang.Offset
	}

	if length < 0 {
		return nil, fmt.Errorf("%w: range out of bounds for %q", storage.ErrNotFound, path)
	}

	buf := make([]byte, length)

	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, fs.ErrClosed) {
		return nil, fmt.Errorf("local: reading range of %q: %w", path, err)
	}

	return buf[:n], nil
}

// Stat implements storage.Backend.
func (b *Backend) Stat(ctx context.Context, path string) (*storage.ObjectInfo, error) {
	fullPath, err := b.resolve(path)
	if err != nil {
		return nil, err
	}

	_, span := tracer.Start(ctx, "local.Stat", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil //nolint:nilnil
		}

		return nil, fmt.Errorf("local: stat %q: %w", path, err)
	}

	return &storage.ObjectInfo{
		ETag:         etagFor(info),
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

// AtomicUpdate implements storage.Backend.
func (b *Backend) AtomicUpdate(
	ctx context.Context, path string, data []byte, previousEtag string,
) (*storage.UpdateResult, error) {
	fullPath, err := b.resolve(path)
	if err != nil {
		return nil, err
	}

	_, span := tracer.Start(ctx, "local.AtomicUpdate", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	lock := b.lockFor(fullPath)
	lock.Lock()
	defer lock.Unlock()

	current, err := os.Stat(fullPath)

	switch {
	case err != nil && os.IsNotExist(err):
		if previousEtag != "" {
			return &storage.UpdateResult{Success: false}, nil
		}
	case err != nil:
		return nil, fmt.Errorf("local: stat %q: %w", path, err)
	default:
		if etagFor(current) != previousEtag {
			return &storage.UpdateResult{Success: false}, nil
		}
	}

	if err := b.writeViaRename(fullPath, data); err != nil {
		return nil, err
	}

	newInfo, err := os.Stat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("local: stat %q after write: %w", path, err)
	}

	return &storage.UpdateResult{Success: true, NewETag: etagFor(newInfo)}, nil
}

// Write implements storage.Backend.
func (b *Backend) Write(ctx context.Context, path string, data []byte) error {
	fullPath, err := b.resolve(path)
	if err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "local.Write", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	lock := b.lockFor(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(fullPath); err == nil {
		return storage.ErrAlreadyExists
	}

	return b.writeViaRename(fullPath, data)
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, path string) error {
	fullPath, err := b.resolve(path)
	if err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "local.Delete", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local: deleting %q: %w", path, err)
	}

	return nil
}

// List implements storage.Backend.
func (b *Backend) List(ctx context.Context, directory string) ([]string, error) {
	fullPath, err := b.resolve(directory)
	if err != nil {
		return nil, err
	}

	_, span := tracer.Start(ctx, "local.List", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("directory", directory)))
	defer span.End()

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("local: listing %q: %w", directory, err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	return names, nil
}

// EnsureDirectory implements storage.Backend.
func (b *Backend) EnsureDirectory(ctx context.Context, directory string) error {
	fullPath, err := b.resolve(directory)
	if err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "local.EnsureDirectory", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("directory", directory)))
	defer span.End()

	if err := os.MkdirAll(fullPath, dirMode); err != nil {
		return fmt.Errorf("local: creating directory %q: %w", directory, err)
	}

	return nil
}

func (b *Backend) writeViaRename(fullPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(fullPath), dirMode); err != nil {
		return fmt.Errorf("local: creating parent directory of %q: %w", fullPath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), filepath.Base(fullPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("local: creating temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("local: writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("local: closing temp file: %w", err)
	}

	if err := os.Chmod(tmp.Name(), fileMode); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("local: chmod temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("local: renaming into place %q: %w", fullPath, err)
	}

	return nil
}

func (b *Backend) lockFor(fullPath string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.pathLocks[fullPath]
	if !ok {
		l = &sync.Mutex{}
		b.pathLocks[fullPath] = l
	}

	return l
}

func (b *Backend) resolve(path string) (string, error) {
	relative := strings.TrimPrefix(path, "/")
	full := filepath.Join(b.root, relative)

	if !strings.HasPrefix(full, b.root) {
		return "", fmt.Errorf("%w: path %q escapes root", storage.ErrNotFound, path)
	}

	return full, nil
}

func etagFor(info os.FileInfo) string {
	return strconv.FormatInt(info.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(info.Size(), 36)
}
