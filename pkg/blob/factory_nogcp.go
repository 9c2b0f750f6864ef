//go:build !gcp

package blob

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, bucket, prefix string) (Store, error) {
	return nil, fmt.Errorf("blob: GCS storage is not enabled in this build (use -tags gcp)")
}
