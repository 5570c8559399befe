package fileio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LocalFileIO implements FileIO over the local filesystem. Rename is
// implemented as link-then-remove so it fails closed: os.Link returns
// EEXIST if dst is already present, which we treat as "lost the race"
// rather than propagating an error.
type LocalFileIO struct{}

// NewLocalFileIO constructs a LocalFileIO. The struct is stateless; the
// constructor exists for symmetry with NewS3FileIO and so callers can swap
// backends without changing call sites.
func NewLocalFileIO() *LocalFileIO { return &LocalFileIO{} }

func (LocalFileIO) IsObjectStore() bool { return false }

func (LocalFileIO) Open(_ context.Context, path string) (SeekableInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

func (LocalFileIO) Create(_ context.Context, path string, overwrite bool) (Output, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent dirs for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	return f, nil
}

func (LocalFileIO) Rename(_ context.Context, src, dst string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, fmt.Errorf("creating parent dirs for %s: %w", dst, err)
	}
	if err := os.Link(src, dst); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("linking %s to %s: %w", src, dst, err)
	}
	if err := os.Remove(src); err != nil {
		return true, fmt.Errorf("removing source %s after link: %w", src, err)
	}
	return true, nil
}

func (LocalFileIO) Delete(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func (l LocalFileIO) DeleteQuietly(ctx context.Context, path string) {
	_ = l.Delete(ctx, path)
}

func (LocalFileIO) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func (LocalFileIO) ListStatus(_ context.Context, path string) ([]FileStatus, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	out := make([]FileStatus, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileStatus{
			Path:    filepath.Join(path, e.Name()),
			Size:    info.Size(),
			IsDir:   e.IsDir(),
			ModTime: info.ModTime().UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (LocalFileIO) Mkdirs(_ context.Context, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdirs %s: %w", path, err)
	}
	return nil
}
