package manifest

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMagic is returned when a binary manifest does not start with HeaderMagic.
	ErrBadMagic = errors.New("manifest: bad magic")
	// ErrUnknownChunk is wrapped when a chunk part references a GUID missing from the chunk data list.
	ErrUnknownChunk = errors.New("manifest: chunk part references unknown chunk")
	// ErrDuplicateChunk is wrapped when the chunk data list contains a GUID twice.
	ErrDuplicateChunk = errors.New("manifest: duplicate chunk guid")
)

// MalformedManifestError reports a required field that is absent or cannot be decoded.
type MalformedManifestError struct {
	Field   string // Dotted path of the offending field
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *MalformedManifestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest: malformed %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("manifest: malformed: %s", e.Message)
}

func (e *MalformedManifestError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError reports a failed internal consistency check, such as a
// body digest or a declared size that disagrees with the data.
type ChecksumMismatchError struct {
	What     string
	Expected string
	Got      string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("manifest: %s mismatch: expected %s, got %s", e.What, e.Expected, e.Got)
}

func malformed(field, format string, args ...any) error {
	return &MalformedManifestError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func malformedErr(field string, err error) error {
	return &MalformedManifestError{Field: field, Message: err.Error(), Err: err}
}

func mismatch(what string, expected, got any) error {
	return &ChecksumMismatchError{What: what, Expected: fmt.Sprint(expected), Got: fmt.Sprint(got)}
}

// IsMalformed reports whether err is a MalformedManifestError.
func IsMalformed(err error) bool {
	var me *MalformedManifestError
	return errors.As(err, &me)
}

// IsChecksumMismatch reports whether err is a ChecksumMismatchError.
func IsChecksumMismatch(err error) bool {
	var ce *ChecksumMismatchError
	return errors.As(err, &ce)
}
