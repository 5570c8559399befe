// Package fileio abstracts the object-store-like filesystem the engine
// persists onto (spec.md §4.A): atomic rename for snapshot publication,
// directory listing, and streaming reads/writes. Two backends are provided:
// a local os-backed one (atomic via hardlink-then-remove) and an S3 one
// (adapted from the teacher's storage/s3.go, non-atomic rename — callers
// must serialize publication with an external Lock when IsObjectStore is
// true).
package fileio

import (
	"context"
	"io"
)

// SeekableInput is an open handle for reading, supporting random access the
// way a columnar reader needs for footer-first parsing.
type SeekableInput interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// Output is an open handle for writing.
type Output interface {
	io.Writer
	io.Closer
}

// FileStatus describes one directory entry.
type FileStatus struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime int64
}

// FileIO is the minimal filesystem capability the engine requires. Rename
// MUST fail closed: if dst already exists, it returns (false, nil) rather
// than silently overwriting.
type FileIO interface {
	Open(ctx context.Context, path string) (SeekableInput, error)
	Create(ctx context.Context, path string, overwrite bool) (Output, error)
	// Rename atomically moves src to dst when both are on the same store and
	// dst does not already exist. It returns false (not an error) if dst
	// already exists, so callers implementing optimistic-concurrency commit
	// loops can distinguish "lost the race" from "something broke".
	Rename(ctx context.Context, src, dst string) (bool, error)
	Delete(ctx context.Context, path string) error
	// DeleteQuietly deletes path, swallowing IO errors (a concurrent
	// expirer may have already removed it). Used by Expire (spec.md §4.G).
	DeleteQuietly(ctx context.Context, path string)
	Exists(ctx context.Context, path string) (bool, error)
	ListStatus(ctx context.Context, path string) ([]FileStatus, error)
	Mkdirs(ctx context.Context, path string) error
	// IsObjectStore reports whether Rename is non-atomic, in which case
	// FileStoreCommit must wrap publication in an external Lock.
	IsObjectStore() bool
}

// ReadAll reads path fully into memory; small metadata files (schema,
// snapshot, manifest list) use this.
func ReadAll(ctx context.Context, io_ FileIO, path string) ([]byte, error) {
	f, err := io_.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readAllFrom(f)
}

func readAllFrom(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// WriteAll creates path (overwrite=overwrite) and writes data fully.
func WriteAll(ctx context.Context, io_ FileIO, path string, data []byte, overwrite bool) error {
	out, err := io_.Create(ctx, path, overwrite)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
