package export

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Uploader delivers transcripts to an S3-compatible bucket and returns a
// permanent URL.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Uploader builds an uploader from the ambient AWS configuration.
func NewS3Uploader(ctx context.Context, bucket, prefix string) (*S3Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Uploader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Upload stores the transcript under key and returns its object URL.
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) (string, error) {
	fullKey := key
	if u.prefix != "" {
		fullKey = path.Join(u.prefix, key)
	}
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ACL:         types.ObjectCannedACLPrivate,
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("put transcript object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, fullKey), nil
}
