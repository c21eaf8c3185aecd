//go:build gcp

package artifacts

import (
	"context"
	"fmt"
)

func openGCS(ctx context.Context, bucket, prefix string) (Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: bucket, Prefix: prefix})
}
