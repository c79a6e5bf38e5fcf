package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSObjectStore is the Google Cloud Storage alternate for deployments that
// keep immutable copies in GCS instead of an S3-compatible bucket.
type GCSObjectStore struct {
	bucket *storage.BucketHandle
}

// NewGCSObjectStore creates a GCS-backed object store.
func NewGCSObjectStore(ctx context.Context, bucket string) (*GCSObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSObjectStore{bucket: client.Bucket(bucket)}, nil
}

func (g *GCSObjectStore) PutIfAbsent(ctx context.Context, key string, payload []byte, metadata map[string]string) (bool, []byte, error) {
	w := g.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json; charset=utf-8"
	w.Metadata = metadata

	_, writeErr := w.Write(payload)
	closeErr := w.Close()
	err := writeErr
	if err == nil {
		err = closeErr
	}
	if err == nil {
		return true, nil, nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		existing, getErr := g.Get(ctx, key)
		if getErr != nil {
			return false, nil, fmt.Errorf("gcs conflict readback %s: %w", key, getErr)
		}
		return false, existing, nil
	}
	return false, nil, fmt.Errorf("gcs put %s: %w", key, err)
}

func (g *GCSObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
