package s3

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appConfig "github.com/assettrack/audit-ledger/internal/config"
)

// ArtifactRepository writes compliance report export files to the object
// store. Report records keep only the returned path plus hash and size.
type ArtifactRepository struct {
	client *s3.Client
	bucket string
}

// NewArtifactRepository creates a new S3-backed artifact repository
func NewArtifactRepository(ctx context.Context, cfg appConfig.S3Config) (*ArtifactRepository, error) {
	// Custom resolver for MinIO/Localstack support
	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if cfg.Endpoint != "" {
			return aws.Endpoint{
				PartitionID:   "aws",
				URL:           cfg.Endpoint,
				SigningRegion: cfg.Region,
			}, nil
		}
		// returning EndpointNotFoundError will allow the service to fallback to it's default resolution
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(customResolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO
	})

	return &ArtifactRepository{
		client: client,
		bucket: cfg.ReportsBucket,
	}, nil
}

// Put uploads one export file and returns its object-store path.
// Key layout: reports/year/month/filename — overwriting the same slot on a
// retried write is acceptable.
func (r *ArtifactRepository) Put(ctx context.Context, filename string, data []byte) (string, error) {
	now := time.Now().UTC()
	key := fmt.Sprintf("reports/%d/%02d/%s", now.Year(), now.Month(), filename)

	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report artifact: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", r.bucket, key), nil
}
