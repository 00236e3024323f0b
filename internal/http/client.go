package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Common errors.
var (
	ErrNotFound     = errors.New("http: resource not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrServerError  = errors.New("http: server error")
	ErrStatus       = errors.New("http: unexpected status")
	ErrReadTimeout  = errors.New("http: read timeout")
	ErrTooLarge     = errors.New("http: response too large")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 32
	MaxIdleConnsPerHost int

	// ConnectTimeout bounds dialing and the TLS handshake.
	// Default: 7s
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers and for each read of
	// the body. The transfer as a whole is not bounded.
	// Default: 7s
	ReadTimeout time.Duration

	// MaxResponseSize caps the body size accepted by Get.
	// Default: 64 MiB
	MaxResponseSize int64

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 32,
		ConnectTimeout:      7 * time.Second,
		ReadTimeout:         7 * time.Second,
		MaxResponseSize:     64 << 20,
	}
}

// Client is an HTTP client for fetching small CDN objects such as chunks.
// It makes exactly one attempt per call; retry policy belongs to the caller.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options. Zero fields
// fall back to DefaultOptions.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.MaxResponseSize <= 0 {
		opts.MaxResponseSize = def.MaxResponseSize
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true, // chunk payloads carry their own compression
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Get downloads url and returns the full body. Any status other than 200 is
// an error.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return nil, err
	}
	if resp.ContentLength > c.opts.MaxResponseSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	idle := time.AfterFunc(c.opts.ReadTimeout, func() { cancel(ErrReadTimeout) })
	defer idle.Stop()

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	body := &idleReader{r: io.LimitReader(resp.Body, c.opts.MaxResponseSize+1), timer: idle, timeout: c.opts.ReadTimeout}
	if _, err := buf.ReadFrom(body); err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrReadTimeout) {
			return nil, fmt.Errorf("read body: %w", cause)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(buf.Len()) > c.opts.MaxResponseSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.opts.MaxResponseSize)
	}
	return buf.Bytes(), nil
}

// Fetch is Get under the name used by the download worker.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	return c.Get(ctx, url)
}

// idleReader rearms timer after every read that makes progress.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

// checkStatusCode returns an appropriate error for non-200 status codes.
func checkStatusCode(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= 500:
		return fmt.Errorf("%w: %d %s", ErrServerError, code, http.StatusText(code))
	default:
		return fmt.Errorf("%w: %d %s", ErrStatus, code, http.StatusText(code))
	}
}
