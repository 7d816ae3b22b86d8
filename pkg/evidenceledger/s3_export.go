package evidenceledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Exporter writes a point-in-time export of ledger entries to S3 for
// long-term retention and external audit, keyed by content hash so
// repeated exports of the same entry are idempotent uploads.
type S3Exporter struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ExporterConfig configures an S3Exporter.
type S3ExporterConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO/LocalStack)
	Prefix   string
}

// NewS3Exporter builds an S3Exporter from config, loading AWS
// credentials from the default provider chain.
func NewS3Exporter(ctx context.Context, cfg S3ExporterConfig) (*S3Exporter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidenceledger: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Exporter{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Export uploads a single ledger entry, keyed by its content hash.
func (e *S3Exporter) Export(ctx context.Context, entry *Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("evidenceledger: marshal entry: %w", err)
	}

	key := e.prefix + entry.ContentHash + ".json"
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("evidenceledger: s3 put failed for %s: %w", entry.ContentHash, err)
	}
	return nil
}
