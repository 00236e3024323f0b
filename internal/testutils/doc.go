// Package testutils provides shared test infrastructure: builders for chunk
// files and manifests, a fake CDN serving them, and (with the integration
// build tag) a Minio container for bucket tests.
package testutils
