package fetcher

import (
	"context"
	"io"
	"mime"
	"net"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/enrich-cli/internal/resilience"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout  time.Duration
	MaxBytes int64
	// RatePerHost limits new connections per host (conn/s).
	RatePerHost float64
}

// FTPFetcher downloads files over anonymous FTP.
type FTPFetcher struct {
	opts FTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFTPFetcher creates a new FTPFetcher with the given options.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RatePerHost <= 0 {
		opts.RatePerHost = 1
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &FTPFetcher{opts: opts, limiters: make(map[string]*rate.Limiter)}
}

func (f *FTPFetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.opts.RatePerHost), 1)
		f.limiters[host] = lim
	}
	return lim
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, p string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	p = u.Path
	if p == "" {
		return "", "", eris.New("empty path in ftp url")
	}
	return host, p, nil
}

// ftpConnReader closes the FTP response and disconnects when closed.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "quit ftp connection")
	}
	return nil
}

// Download connects, retrieves the file and returns a reader. The caller
// must close it to release the connection.
func (f *FTPFetcher) Download(ctx context.Context, ftpURL string) (io.ReadCloser, error) {
	host, p, err := parseFTPURL(ftpURL)
	if err != nil {
		return nil, resilience.Validationf("fetcher: %v", err)
	}
	if err := f.limiterFor(host).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "ftp rate limiter wait")
	}

	zap.L().Debug("fetcher: ftp connecting", zap.String("host", host), zap.String("path", p))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ftp dial"), 0)
	}
	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, resilience.NewTransientError(eris.Wrap(err, "ftp login"), 0)
	}
	resp, err := conn.Retr(p)
	if err != nil {
		conn.Quit() //nolint:errcheck
		return nil, eris.Wrap(err, "ftp retrieve")
	}
	return &ftpConnReader{resp: resp, conn: conn}, nil
}

// Fetch downloads ftpURL into memory.
func (f *FTPFetcher) Fetch(ctx context.Context, ftpURL string) (*Document, error) {
	rc, err := f.Download(ctx, ftpURL)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	body, err := readLimited(rc, f.opts.MaxBytes)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: %s", ftpURL)
	}
	return &Document{
		URL:         ftpURL,
		ContentType: sniff(mime.TypeByExtension(path.Ext(ftpURL)), body),
		Body:        body,
	}, nil
}
