// Package errs defines the stable error taxonomy shared across the storage
// engine: every fallible operation returns an error tagged with one of these
// kinds so callers can decide whether to retry, abort, or surface to a user.
package errs

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// Kind is a stable error classification. Callers should switch on Kind, not
// on error string content.
type Kind string

const (
	// ConfigInvalid marks an unrecognized or missing table/file-format option.
	// Fatal at construction time.
	ConfigInvalid Kind = "CONFIG_INVALID"
	// SchemaMismatch marks a data file whose schema can no longer be
	// reconciled against the table's current schema.
	SchemaMismatch Kind = "SCHEMA_MISMATCH"
	// ConflictRetriable marks a commit that raced another writer but is
	// logically compatible; the commit loop may retry.
	ConflictRetriable Kind = "CONFLICT_RETRIABLE"
	// ConflictFatal marks two writers deleting the same file, or an
	// overwrite collision. Never retried automatically.
	ConflictFatal Kind = "CONFLICT_FATAL"
	// IOTransient marks a filesystem error that a best-effort internal
	// policy may retry at idempotent read boundaries (manifest, snapshot).
	IOTransient Kind = "IO_TRANSIENT"
	// IOFatal marks a missing file that must exist, or a checksum mismatch.
	IOFatal Kind = "IO_FATAL"
	// MergeUnsupported marks a record the configured merge function cannot
	// handle, e.g. a DELETE under partial-update without ignore-delete.
	MergeUnsupported Kind = "MERGE_UNSUPPORTED"
)

// Error wraps an underlying cause with a stable Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Retry runs fn with a short bounded exponential backoff, retrying only
// while fn's error is IOTransient — the manifest/snapshot read boundaries
// where a stale directory listing or a throttled object-store GET is
// expected to clear on its own. Any other error aborts immediately.
func Retry(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || Is(err, IOTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if te, ok := err.(*Error); ok {
			e = te
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
