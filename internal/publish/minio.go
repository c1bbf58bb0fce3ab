package publish

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOUploader archives raw build logs to an S3-compatible bucket.
type MinIOUploader struct {
	client *minio.Client
	bucket string
}

type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewMinIOUploader(opts MinIOOptions) (*MinIOUploader, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("minio endpoint is required when PIXEL_LOG_BACKEND=minio")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = "pixel-build-logs"
	}
	return &MinIOUploader{client: client, bucket: bucket}, nil
}

func (u *MinIOUploader) UploadBuildLog(ctx context.Context, buildID, buildLog string) (string, error) {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", err
		}
	}
	objectName := buildID + "/build.log"
	reader := strings.NewReader(buildLog)
	_, err = u.client.PutObject(ctx, u.bucket, objectName, reader, int64(reader.Len()),
		minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, objectName), nil
}
