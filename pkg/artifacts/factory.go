package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// StoreType selects where evidence blobs live.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeMemory StoreType = "memory"
	StoreTypeS3     StoreType = "s3"
	StoreTypeMinIO  StoreType = "minio"
	StoreTypeGCS    StoreType = "gcs"
)

// Backend describes an evidence blob backend. Only the section matching
// Type is read.
type Backend struct {
	Type StoreType

	// DataDir holds the "artifacts" directory of the fs backend.
	DataDir string

	S3    S3StoreConfig
	MinIO MinIOStoreConfig

	GCSBucket string
	GCSPrefix string
}

// BackendFromEnv reads a Backend from the process environment.
//
//	ARTIFACT_STORAGE_TYPE   fs (default) | memory | s3 | minio | gcs
//	DATA_DIR                fs root, default "data"
//	ARTIFACT_S3_BUCKET      s3, required; ARTIFACT_S3_REGION or AWS_REGION,
//	                        ARTIFACT_S3_ENDPOINT, ARTIFACT_S3_PREFIX
//	MINIO_ENDPOINT          minio, required (host:port); MINIO_ACCESS_KEY,
//	                        MINIO_SECRET_KEY, MINIO_BUCKET, MINIO_USE_SSL,
//	                        ARTIFACT_MINIO_PREFIX
//	ARTIFACT_GCS_BUCKET     gcs, required; ARTIFACT_GCS_PREFIX
func BackendFromEnv() Backend {
	b := Backend{
		Type:    StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE")),
		DataDir: os.Getenv("DATA_DIR"),
		S3: S3StoreConfig{
			Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			Region:   firstNonEmpty(os.Getenv("ARTIFACT_S3_REGION"), os.Getenv("AWS_REGION"), "us-east-1"),
			Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		},
		MinIO: MinIOStoreConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    os.Getenv("MINIO_BUCKET"),
			Prefix:    os.Getenv("ARTIFACT_MINIO_PREFIX"),
		},
		GCSBucket: os.Getenv("ARTIFACT_GCS_BUCKET"),
		GCSPrefix: os.Getenv("ARTIFACT_GCS_PREFIX"),
	}
	b.MinIO.UseSSL, _ = strconv.ParseBool(os.Getenv("MINIO_USE_SSL"))
	return b
}

// Open connects the configured backend. Missing required settings are
// reported before any network call is made.
func (b Backend) Open(ctx context.Context) (Store, error) {
	switch b.Type {
	case "", StoreTypeFS:
		return NewFileStore(filepath.Join(firstNonEmpty(b.DataDir, "data"), "artifacts"))
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		if b.S3.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		return NewS3Store(ctx, b.S3)
	case StoreTypeMinIO:
		if b.MinIO.Endpoint == "" {
			return nil, fmt.Errorf("MINIO_ENDPOINT is required for MinIO storage")
		}
		return NewMinIOStore(ctx, b.MinIO)
	case StoreTypeGCS:
		return openGCS(ctx, b.GCSBucket, b.GCSPrefix)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", b.Type)
	}
}

// NewStoreFromEnv opens the evidence blob backend named by the environment.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return BackendFromEnv().Open(ctx)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
