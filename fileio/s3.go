package fileio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3FileIO implements FileIO over an S3-compatible object store, adapted
// from the teacher's storage.S3Storage. Object stores have no native atomic
// rename: Rename here is a HeadObject-guarded copy+delete, which is
// correct only under external serialization — IsObjectStore reports true so
// FileStoreCommit (package commit) wraps publication in a Lock.
type S3FileIO struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3FileIO constructs an S3-backed FileIO rooted at bucket/prefix.
func NewS3FileIO(client *s3.Client, bucket, prefix string) *S3FileIO {
	return &S3FileIO{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3FileIO) IsObjectStore() bool { return true }

func (s *S3FileIO) key(p string) string {
	return path.Join(s.prefix, p)
}

type s3Reader struct {
	io.ReadCloser
	client *s3.Client
	bucket string
	key    string
	size   int64
}

func (r *s3Reader) ReadAt(p []byte, off int64) (int, error) {
	rng := fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)
	out, err := r.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return 0, fmt.Errorf("ranged get %s: %w", r.key, err)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}

func (r *s3Reader) Seek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("S3FileIO: Seek unsupported, use ReadAt")
}

func (s *S3FileIO) Open(ctx context.Context, p string) (SeekableInput, error) {
	k := s.key(p)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	if err != nil {
		return nil, fmt.Errorf("heading %s: %w", k, err)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", k, err)
	}
	size := int64(0)
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	return &s3Reader{ReadCloser: out.Body, client: s.client, bucket: s.bucket, key: k, size: size}, nil
}

type s3Writer struct {
	buf    bytes.Buffer
	client *s3.Client
	bucket string
	key    string
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *s3Writer) Close() error {
	_, err := w.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", w.key, err)
	}
	return nil
}

func (s *S3FileIO) Create(_ context.Context, p string, overwrite bool) (Output, error) {
	k := s.key(p)
	if !overwrite {
		exists, err := s.objectExists(context.Background(), k)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("object already exists: %s", k)
		}
	}
	return &s3Writer{client: s.client, bucket: s.bucket, key: k}, nil
}

func (s *S3FileIO) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	// Some S3-compatible stores return NoSuchKey instead of NotFound.
	if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey") {
		return false, nil
	}
	return false, fmt.Errorf("heading %s: %w", key, err)
}

// Rename is a best-effort, non-atomic copy-then-delete: it guards against
// overwriting an existing dst with a HeadObject check, but a concurrent
// writer can still interleave between the check and the copy. Correctness
// under concurrency depends on the caller holding an external Lock
// (spec.md §4.F "Lock hook").
func (s *S3FileIO) Rename(ctx context.Context, src, dst string) (bool, error) {
	srcKey, dstKey := s.key(src), s.key(dst)
	exists, err := s.objectExists(ctx, dstKey)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	copySource := s.bucket + "/" + srcKey
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource),
	}); err != nil {
		return false, fmt.Errorf("copying %s to %s: %w", srcKey, dstKey, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(srcKey)}); err != nil {
		return true, fmt.Errorf("deleting source %s after copy: %w", srcKey, err)
	}
	return true, nil
}

func (s *S3FileIO) Delete(ctx context.Context, p string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(p))}); err != nil {
		return fmt.Errorf("deleting %s: %w", p, err)
	}
	return nil
}

func (s *S3FileIO) DeleteQuietly(ctx context.Context, p string) {
	_ = s.Delete(ctx, p)
}

func (s *S3FileIO) Exists(ctx context.Context, p string) (bool, error) {
	return s.objectExists(ctx, s.key(p))
}

func (s *S3FileIO) ListStatus(ctx context.Context, p string) ([]FileStatus, error) {
	prefix := s.key(p)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var out []FileStatus
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			out = append(out, FileStatus{
				Path: strings.TrimPrefix(*obj.Key, s.prefix+"/"),
				Size: size,
			})
		}
	}
	return out, nil
}

func (s *S3FileIO) Mkdirs(_ context.Context, _ string) error {
	// Object stores have no directories; this is a no-op.
	return nil
}
