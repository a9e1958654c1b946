//go:build gcp

package mirror

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"

	"meshforge/internal/services"
)

// GCSMirror uploads artifacts to a Google Cloud Storage bucket.
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCS(ctx context.Context, bucket, prefix string) (Mirror, error) {
	if bucket == "" {
		return nil, services.Wrap(services.ErrConfiguration, "mirror", "new", "gcs bucket is required", nil)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "mirror", "new", "create GCS client", err)
	}
	return &GCSMirror{client: client, bucket: bucket, prefix: prefix}, nil
}

func (m *GCSMirror) Upload(ctx context.Context, localPath, key, sha256 string) (string, error) {
	objectKey := ObjectKey(m.prefix, key)
	uri := fmt.Sprintf("gs://%s/%s", m.bucket, objectKey)
	obj := m.client.Bucket(m.bucket).Object(objectKey)

	if attrs, err := obj.Attrs(ctx); err == nil && sha256 != "" && attrs.Metadata[sha256MetadataKey] == sha256 {
		return uri, nil
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", services.Wrap(services.ErrStorage, "mirror", "upload", "open artifact", err)
	}
	defer file.Close()

	w := obj.NewWriter(ctx)
	w.ContentType = contentType(localPath)
	w.Metadata = map[string]string{sha256MetadataKey: sha256}
	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return "", services.Wrap(services.ErrTransient, "mirror", "upload", "gcs write "+objectKey, err)
	}
	if err := w.Close(); err != nil {
		return "", services.Wrap(services.ErrTransient, "mirror", "upload", "gcs close "+objectKey, err)
	}
	return uri, nil
}

// Close closes the GCS client.
func (m *GCSMirror) Close() error {
	return m.client.Close()
}
