package testutils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// CDN serves chunk files of one or more builds over HTTP.
type CDN struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	failures map[string]int
	requests map[string]int
}

// StartCDN starts a server exposing every chunk of builds under "/".
func StartCDN(t *testing.T, builds ...*Build) *CDN {
	t.Helper()
	c := &CDN{
		files:    make(map[string][]byte),
		failures: make(map[string]int),
		requests: make(map[string]int),
	}
	for _, b := range builds {
		c.Add(b)
	}
	c.Server = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.Close)
	return c
}

// Add exposes the chunks of b.
func (c *CDN) Add(b *Build) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, data := range b.Chunks {
		c.files[path] = data
	}
}

// Put exposes data at path.
func (c *CDN) Put(path string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[strings.TrimPrefix(path, "/")] = data
}

// FailNext makes the next n requests for path answer 503.
func (c *CDN) FailNext(path string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[path] = n
}

// Remove stops serving path.
func (c *CDN) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, path)
}

// Requests returns how often path was requested.
func (c *CDN) Requests(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[path]
}

// TotalRequests returns the number of requests served.
func (c *CDN) TotalRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.requests {
		n += v
	}
	return n
}

func (c *CDN) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")

	c.mu.Lock()
	c.requests[path]++
	fail := c.failures[path] > 0
	if fail {
		c.failures[path]--
	}
	data, ok := c.files[path]
	c.mu.Unlock()

	switch {
	case fail:
		w.WriteHeader(http.StatusServiceUnavailable)
	case !ok:
		http.NotFound(w, r)
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	}
}
