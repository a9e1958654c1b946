// Package mirror uploads downloaded artifacts to object storage after the
// local copy has been hashed and recorded.
package mirror

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"meshforge/internal/config"
	"meshforge/internal/services"
)

const (
	BackendNone = "none"
	BackendS3   = "s3"
	BackendGCS  = "gcs"
)

// Mirror copies a local file to remote storage under key and returns the
// remote URI. Implementations skip the upload when the remote object already
// carries the same sha256.
type Mirror interface {
	Upload(ctx context.Context, localPath, key, sha256 string) (string, error)
}

// New returns the mirror selected by cfg.Mirror.Backend, or nil for "none".
func New(ctx context.Context, cfg *config.Config) (Mirror, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mirror.Backend)) {
	case "", BackendNone:
		return nil, nil
	case BackendS3:
		return NewS3(ctx, S3Config{
			Bucket:   cfg.Mirror.Bucket,
			Region:   cfg.Mirror.Region,
			Endpoint: cfg.Mirror.Endpoint,
			Prefix:   cfg.Mirror.Prefix,
		})
	case BackendGCS:
		return newGCS(ctx, cfg.Mirror.Bucket, cfg.Mirror.Prefix)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "mirror", "new", fmt.Sprintf("unsupported mirror backend %q", cfg.Mirror.Backend), nil)
	}
}

// ObjectKey joins prefix and a relative artifact path with forward slashes.
func ObjectKey(prefix, relativePath string) string {
	rel := strings.TrimLeft(filepath.ToSlash(relativePath), "/")
	prefix = strings.Trim(filepath.ToSlash(prefix), "/")
	if prefix == "" {
		return path.Clean(rel)
	}
	return path.Join(prefix, rel)
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".glb":
		return "model/gltf-binary"
	case ".usdz":
		return "model/vnd.usdz+zip"
	case ".fbx", ".obj", ".mtl":
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
