// Package http provides the client used to fetch chunks from a CDN.
//
// This package handles:
//   - Connection pooling for many parallel workers
//   - Separate connect and read timeouts
//   - Classification of non-200 responses into sentinel errors
//
// Retries are not handled here; the download worker owns the retry policy.
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    ConnectTimeout: 7 * time.Second,
//	    ReadTimeout:    7 * time.Second,
//	})
//
//	body, err := client.Get(ctx, chunkURL)
//	if errors.Is(err, http.ErrNotFound) {
//	    // chunk missing on the CDN
//	}
package http
