// Package reliability provides durability services around the audit
// trail: consistent SQLite snapshots, archived backups on S3-compatible
// storage, and retention rotation.
package reliability

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// StorageConfig configures the backup object store. Endpoint may point
// at any S3-compatible service (AWS, R2, MinIO).
type StorageConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
}

// StorageClient wraps the S3 API for backup archives
type StorageClient struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewStorageClient creates a client for the backup bucket
func NewStorageClient(ctx context.Context, cfg StorageConfig, log zerolog.Logger) (*StorageClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &StorageClient{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		log:      log.With().Str("client", "storage").Logger(),
	}, nil
}

// Upload stores an object in the backup bucket
func (c *StorageClient) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// List returns objects whose keys match the prefix
func (c *StorageClient) List(ctx context.Context, prefix string) ([]s3types.Object, error) {
	var objects []s3types.Object
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

// Delete removes an object from the backup bucket
func (c *StorageClient) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
