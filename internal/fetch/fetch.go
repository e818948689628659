// Package fetch retrieves image bytes from the locations recorded on image
// assets: http(s) URLs, ftp URLs (vendor photo drops), or local paths.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"

	"github.com/facet-labs/gemlens/internal/resilience"
)

// maxImageBytes bounds a single download to keep one bad asset from
// exhausting memory.
const maxImageBytes = 32 << 20

// Fetcher downloads image bytes with bounded retry on transient failures.
type Fetcher struct {
	client  *http.Client
	policy  resilience.Policy
	timeout time.Duration
}

// New creates a Fetcher with the given per-request timeout and attempt
// budget.
func New(timeout time.Duration, maxAttempts int) *Fetcher {
	p := resilience.DefaultPolicy(maxAttempts)
	p.OnRetry = resilience.RetryLogger("fetch", "download")
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		policy:  p,
		timeout: timeout,
	}
}

// Fetch retrieves the bytes at location. Supported schemes: http, https,
// ftp, and file (or a bare path) for local blob references.
func (f *Fetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: parse location %s", location)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, location)
	case "ftp":
		return f.fetchFTP(ctx, u)
	case "file":
		return readLocal(u.Path)
	case "":
		return readLocal(location)
	default:
		return nil, eris.Errorf("fetch: unsupported scheme %q in %s", u.Scheme, location)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	var data []byte
	err := resilience.Do(ctx, f.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return eris.Wrap(err, "fetch: build request")
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return eris.Wrapf(err, "fetch: get %s", rawURL)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("fetch: get %s: status %d", rawURL, resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}

		data, err = io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
		if err != nil {
			return eris.Wrapf(err, "fetch: read body %s", rawURL)
		}
		return nil
	})
	return data, err
}

func (f *Fetcher) fetchFTP(ctx context.Context, u *url.URL) ([]byte, error) {
	var data []byte
	err := resilience.Do(ctx, f.policy, func(ctx context.Context) error {
		host := u.Host
		if u.Port() == "" {
			host += ":21"
		}

		conn, err := ftp.Dial(host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(f.timeout))
		if err != nil {
			return resilience.NewTransientError(eris.Wrapf(err, "fetch: ftp dial %s", host), 0)
		}
		defer conn.Quit() //nolint:errcheck

		user, pass := "anonymous", "anonymous"
		if u.User != nil {
			user = u.User.Username()
			if p, ok := u.User.Password(); ok {
				pass = p
			}
		}
		if err := conn.Login(user, pass); err != nil {
			return eris.Wrapf(err, "fetch: ftp login %s", host)
		}

		resp, err := conn.Retr(u.Path)
		if err != nil {
			return eris.Wrapf(err, "fetch: ftp retr %s", u.Path)
		}
		defer resp.Close()

		data, err = io.ReadAll(io.LimitReader(resp, maxImageBytes))
		if err != nil {
			return eris.Wrapf(err, "fetch: ftp read %s", u.Path)
		}
		return nil
	})
	return data, err
}

func readLocal(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: read local %s", path)
	}
	return data, nil
}
