package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndError(t *testing.T) {
	cause := errors.New("disk full")
	e := New(IOFatal, "manifest.write", cause)
	assert.Equal(t, IOFatal, e.Kind)
	assert.Contains(t, e.Error(), "IO_FATAL")
	assert.Contains(t, e.Error(), "manifest.write")
	assert.Contains(t, e.Error(), "disk full")
}

func TestErrorWithoutCause(t *testing.T) {
	e := New(ConfigInvalid, "table.open", nil)
	assert.Equal(t, "CONFIG_INVALID: table.open", e.Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	e := New(ConflictRetriable, "commit", cause)
	assert.Same(t, cause, errors.Unwrap(e))
}

func TestIs(t *testing.T) {
	cause := errors.New("boom")
	e := New(ConflictFatal, "commit.overwrite", cause)

	assert.True(t, Is(e, ConflictFatal))
	assert.False(t, Is(e, ConflictRetriable))
}

func TestIsTraversesWrappedErrors(t *testing.T) {
	inner := New(SchemaMismatch, "scan.read", nil)
	wrapped := fmt.Errorf("while reading bucket 3: %w", inner)

	assert.True(t, Is(wrapped, SchemaMismatch))
	assert.False(t, Is(wrapped, MergeUnsupported))
}

func TestIsOnPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), IOTransient))
	assert.False(t, Is(nil, IOTransient))
}
