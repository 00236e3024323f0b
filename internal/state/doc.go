// Package state persists install progress so an interrupted install can
// resume. Each completed file is recorded per (app, build) with the SHA-1
// it was written with; a later run skips files whose recorded hash still
// matches the manifest.
package state
