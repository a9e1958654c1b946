//go:build !gcp

package mirror

import (
	"context"

	"meshforge/internal/services"
)

func newGCS(context.Context, string, string) (Mirror, error) {
	return nil, services.Wrap(services.ErrConfiguration, "mirror", "new", "GCS mirroring is not enabled in this build (use -tags gcp)", nil)
}
