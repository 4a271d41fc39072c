// Package webdav implements storage.Backend against a WebDAV server using
// net/http directly: PROPFIND for stat/listing, conditional PUT via the
// If-Match/If-None-Match headers for compare-and-swap, and HTTP Basic credentials
// loaded either explicitly or from a .netrc file, following the teacher's
// netrc-lookup pattern for upstream caches.
package webdav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/sysbot/go-netrc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clxdb/clxdb/pkg/storage"
)

const otelPackageName = "github.com/clxdb/clxdb/pkg/storage/webdav"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Credentials are the HTTP Basic credentials used against the WebDAV
// server.
type Credentials struct {
	Username string
	Password string
}

// Backend implements storage.Backend against a WebDAV server rooted at
// baseURL.
type Backend struct {
	baseURL *url.URL
	client  *http.Client
	creds   *Credentials
}

// New builds a Backend against baseURL. When creds is nil, credentials are
// looked up in the .netrc file at netrcPath (if non-empty) by hostname.
func New(baseURL string, creds *Credentials, netrcPath string) (*Backend, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("webdav: parsing base url: %w", err)
	}

	if creds == nil && netrcPath != "" {
		creds, err = credentialsFromNetrc(netrcPath, u.Hostname())
		if err != nil {
			return nil, err
		}
	}

	return &Backend{baseURL: u, client: http.DefaultClient, creds: creds}, nil
}

func credentialsFromNetrc(netrcPath, host string) (*Credentials, error) {
	f, err := os.Open(netrcPath)
	if err != nil {
		return nil, fmt.Errorf("webdav: opening netrc file: %w", err)
	}
	defer f.Close()

	n, err := netrc.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("webdav: parsing netrc file: %w", err)
	}

	machine := n.FindMachine(host)
	if machine == nil {
		return nil, nil //nolint:nilnil
	}

	return &Credentials{Username: machine.Login, Password: machine.Password}, nil
}

var _ storage.Backend = (*Backend)(nil)

// Read implements storage.Backend.
func (b *Backend) Read(ctx context.Context, path string, rang *storage.Range) ([]byte, error) {
	_, span := tracer.Start(ctx, "webdav.Read", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	req, err := b.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	if rang != nil {
		if rang.Length > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rang.Offset, rang.Offset+rang.Length-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rang.Offset))
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webdav: getting %q: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, storage.ErrNotFound
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webdav: getting %q: unexpected status %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("webdav: reading body of %q: %w", path, err)
	}

	return data, nil
}

// Stat implements storage.Backend via a depth-0 PROPFIND.
func (b *Backend) Stat(ctx context.Context, objPath string) (*storage.ObjectInfo, error) {
	_, span := tracer.Start(ctx, "webdav.Stat", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", objPath)))
	defer span.End()

	req, err := b.newRequest(ctx, "PROPFIND", objPath, strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Depth", "0")
	req.Header.Set("Content-Type", "application/xml")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webdav: propfind %q: %w", objPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil //nolint:nilnil
	}

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("webdav: propfind %q: unexpected status %d", objPath, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("webdav: reading propfind response for %q: %w", objPath, err)
	}

	return parseMultiStatus(body)
}

// AtomicUpdate implements storage.Backend via a conditional PUT: If-Match on
// previousEtag, or If-None-Match: * when previousEtag is empty. A 412
// response is reported as a CAS conflict.
func (b *Backend) AtomicUpdate(
	ctx context.Context, objPath string, data []byte, previousEtag string,
) (*storage.UpdateResult, error) {
	_, span := tracer.Start(ctx, "webdav.AtomicUpdate", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", objPath)))
	defer span.End()

	req, err := b.newRequest(ctx, http.MethodPut, objPath, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	if previousEtag == "" {
		req.Header.Set("If-None-Match", "*")
	} else {
		req.Header.Set("If-Match", `"`+previousEtag+`"`)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webdav: putting %q: %w", objPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPreconditionFailed {
		return &storage.UpdateResult{Success: false}, nil
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webdav: putting %q: unexpected status %d", objPath, resp.StatusCode)
	}

	info, err := b.Stat(ctx, objPath)
	if err != nil {
		return nil, err
	}

	if info == nil {
		return nil, fmt.Errorf("webdav: put %q succeeded but stat found nothing", objPath)
	}

	return &storage.UpdateResult{Success: true, NewETag: info.ETag}, nil
}

// Write implements storage.Backend.
func (b *Backend) Write(ctx context.Context, objPath string, data []byte) error {
	_, span := tracer.Start(ctx, "webdav.Write", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", objPath)))
	defer span.End()

	req, err := b.newRequest(ctx, http.MethodPut, objPath, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("If-None-Match", "*")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("webdav: putting %q: %w", objPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPreconditionFailed {
		return storage.ErrAlreadyExists
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webdav: putting %q: unexpected status %d", objPath, resp.StatusCode)
	}

	return nil
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, objPath string) error {
	_, span := tracer.Start(ctx, "webdav.Delete", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", objPath)))
	defer span.End()

	req, err := b.newRequest(ctx, http.MethodDelete, objPath, nil)
	if err != nil {
		return err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("webdav: deleting %q: %w", objPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("webdav: deleting %q: unexpected status %d", objPath, resp.StatusCode)
	}

	return nil
}

// List implements storage.Backend via a depth-1 PROPFIND.
func (b *Backend) List(ctx context.Context, directory string) ([]string, error) {
	_, span := tracer.Start(ctx, "webdav.List", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("directory", directory)))
	defer span.End()

	req, err := b.newRequest(ctx, "PROPFIND", directory, strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Depth", "1")
	req.Header.Set("Content-Type", "application/xml")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webdav: propfind %q: %w", directory, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("webdav: propfind %q: unexpected status %d", directory, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("webdav: reading propfind response for %q: %w", directory, err)
	}

	return parseMultiStatusNames(body, directory)
}

// EnsureDirectory implements storage.Backend via MKCOL, tolerating "already
// exists".
func (b *Backend) EnsureDirectory(ctx context.Context, directory string) error {
	_, span := tracer.Start(ctx, "webdav.EnsureDirectory", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("directory", directory)))
	defer span.End()

	req, err := b.newRequest(ctx, "MKCOL", directory, nil)
	if err != nil {
		return err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("webdav: mkcol %q: %w", directory, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMethodNotAllowed {
		return fmt.Errorf("webdav: mkcol %q: unexpected status %d", directory, resp.StatusCode)
	}

	return nil
}

func (b *Backend) newRequest(ctx context.Context, method, objPath string, body io.Reader) (*http.Request, error) {
	u := *b.baseURL
	u.Path = path.Join(u.Path, objPath)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("webdav: building request for %q: %w", objPath, err)
	}

	if b.creds != nil {
		req.SetBasicAuth(b.creds.Username, b.creds.Password)
	}

	return req, nil
}

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop><D:getetag/><D:getcontentlength/><D:getlastmodified/><D:resourcetype/></D:prop>
</D:propfind>`

type multiStatusResponse struct {
	XMLName  xml.Name `xml:"DAV: multistatus"`
	Response []struct {
		Href     string `xml:"href"`
		Propstat []struct {
			Prop struct {
				ETag          string `xml:"getetag"`
				ContentLength string `xml:"getcontentlength"`
				LastModified  string `xml:"getlastmodified"`
				ResourceType  struct {
					Collection *struct{} `xml:"collection"`
				} `xml:"resourcetype"`
			} `xml:"prop"`
		} `xml:"propstat"`
	} `xml:"response"`
}

func parseMultiStatus(body []byte) (*storage.ObjectInfo, error) {
	var ms multiStatusResponse
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("webdav: parsing multistatus: %w", err)
	}

	if len(ms.Response) == 0 || len(ms.Response[0].Propstat) == 0 {
		return nil, nil //nolint:nilnil
	}

	prop := ms.Response[0].Propstat[0].Prop

	size, _ := strconv.ParseInt(prop.ContentLength, 10, 64)
	lastModified, _ := http.ParseTime(prop.LastModified)

	return &storage.ObjectInfo{
		ETag:         strings.Trim(prop.ETag, `"`),
		Size:         size,
		LastModified: lastModified,
	}, nil
}

func parseMultiStatusNames(body []byte, directory string) ([]string, error) {
	var ms multiStatusResponse
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("webdav: parsing multistatus: %w", err)
	}

	base := strings.TrimSuffix(directory, "/")

	var names []string

	for _, r := range ms.Response {
		if len(r.Propstat) > 0 && r.Propstat[0].Prop.ResourceType.Collection != nil {
			continue
		}

		href := strings.TrimSuffix(r.Href, "/")
		name := path.Base(href)

		if href == base || name == "" {
			continue
		}

		names = append(names, name)
	}

	return names, nil
}
