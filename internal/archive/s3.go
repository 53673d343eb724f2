package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"video-enhance-orchestrator/internal/models"
)

// S3Archiver uploads cleaned-up job records to S3 as JSON, keeping the audit
// trail after the job leaves the hot path.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds the archiver from the ambient AWS configuration.
func NewS3Archiver(ctx context.Context, region, bucket string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Archive writes one job record under jobs/<date>/<id>.json.
func (a *S3Archiver) Archive(ctx context.Context, job models.Job) error {
	payload, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	key := fmt.Sprintf("jobs/%s/%s.json", job.SubmittedAt.UTC().Format("2006-01-02"), job.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put job record %s: %w", key, err)
	}
	return nil
}
