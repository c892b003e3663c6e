//go:build !gcp

package artifacts

import (
	"context"
	"errors"
)

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	return nil, errors.New("artifacts: gcs backend requires the gcp build tag")
}
