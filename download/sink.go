package download

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
)

// Sink receives completed download payloads. It stands in for the
// browser-level "save as" trigger: buffered downloads hand over one
// assembled payload, native downloads stream through a writer.
type Sink interface {
	// Save writes a fully assembled payload under the given name.
	Save(ctx context.Context, name, contentType string, data []byte) error
	// Create opens a streaming writer for the native download path.
	Create(ctx context.Context, name, contentType string) (io.WriteCloser, error)
}

// BucketSink saves downloads into a gocloud.dev blob bucket, so the
// destination can be a local directory (fileblob), an object store, or
// memory (memblob) without changing the manager.
type BucketSink struct {
	bucket *blob.Bucket
}

// NewBucketSink wraps the given bucket.
func NewBucketSink(bucket *blob.Bucket) *BucketSink {
	return &BucketSink{bucket: bucket}
}

// Save implements Sink.
func (s *BucketSink) Save(ctx context.Context, name, contentType string, data []byte) error {
	opts := &blob.WriterOptions{ContentType: contentType}
	if err := s.bucket.WriteAll(ctx, name, data, opts); err != nil {
		return fmt.Errorf("download: saving %s: %w", name, err)
	}
	return nil
}

// Create implements Sink.
func (s *BucketSink) Create(ctx context.Context, name, contentType string) (io.WriteCloser, error) {
	w, err := s.bucket.NewWriter(ctx, name, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("download: creating writer for %s: %w", name, err)
	}
	return w, nil
}
