package recording

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"falconeye/internal/entity"
	"falconeye/pkg/logging"
)

// Archiver uploads completed recording files to S3-compatible storage.
type Archiver interface {
	Archive(ctx context.Context, rec *entity.Recording) error
}

// MinioArchiver archives recordings to a MinIO bucket. The controller reads
// the recording file from the shared recordings mount, so the archiver only
// needs the local path stored on the recording row.
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

// NewMinioArchiver connects to the endpoint and ensures the bucket exists.
// Credentials come from MINIO_ACCESS_KEY / MINIO_SECRET_KEY in the
// environment.
func NewMinioArchiver(endpoint, bucket string, useSSL bool) (*MinioArchiver, error) {
	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	secretKey := os.Getenv("MINIO_SECRET_KEY")
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY / MINIO_SECRET_KEY not set")
	}

	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		exists, existsErr := cli.BucketExists(ctx, bucket)
		if existsErr != nil || !exists {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	logging.Info("Archiver", "Connected to %s, bucket %s", endpoint, bucket)
	return &MinioArchiver{client: cli, bucket: bucket}, nil
}

// Archive uploads the recording file under <camera-id>/<recording-id><ext>.
func (a *MinioArchiver) Archive(ctx context.Context, rec *entity.Recording) error {
	key := path.Join(rec.CameraID, rec.ID+path.Ext(rec.FilePath))

	_, err := a.client.FPutObject(ctx, a.bucket, key, rec.FilePath, minio.PutObjectOptions{
		ContentType: "video/x-matroska",
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s/%s: %w", rec.FilePath, a.bucket, key, err)
	}
	return nil
}
