//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

// openGCS is a stub so default builds do not link the GCS client.
func openGCS(_ context.Context, bucket, _ string) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp); bucket %q not opened", bucket)
}
