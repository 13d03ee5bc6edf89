// Package fetcher downloads report documents over HTTP(S) and FTP with
// per-host rate limits, and extracts readable text from them.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/resilience"
)

// DefaultMaxBytes caps a single download.
const DefaultMaxBytes = 20 << 20

// ErrTooLarge is returned when a document exceeds the size cap.
var ErrTooLarge = eris.New("fetcher: document exceeds size limit")

// Document is a downloaded resource.
type Document struct {
	URL         string
	ContentType string
	Body        []byte
}

// Fetcher downloads one document.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Document, error)
}

// Router dispatches by URL scheme.
type Router struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewRouter builds a Router over the default HTTP and FTP fetchers.
func NewRouter(httpOpts HTTPOptions, ftpOpts FTPOptions) *Router {
	return &Router{HTTP: NewHTTPFetcher(httpOpts), FTP: NewFTPFetcher(ftpOpts)}
}

// Fetch downloads rawURL with the fetcher for its scheme. Unsupported or
// malformed URLs are validation failures and are not retried.
func (r *Router) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return nil, resilience.Validationf("fetcher: invalid url %q", rawURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if r.HTTP == nil {
			break
		}
		return r.HTTP.Fetch(ctx, u.String())
	case "ftp":
		if r.FTP == nil {
			break
		}
		return r.FTP.Fetch(ctx, u.String())
	}
	return nil, resilience.Validationf("fetcher: unsupported scheme %q", u.Scheme)
}

// readLimited reads at most limit bytes, failing if the body is larger.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "fetcher: read body"), 0)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

// sniff returns declared when it is specific, otherwise detects the type.
func sniff(declared string, body []byte) string {
	if declared != "" && !strings.HasPrefix(declared, "application/octet-stream") {
		return declared
	}
	return http.DetectContentType(body)
}
