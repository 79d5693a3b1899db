package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lessonbook/lessonbook/config"
	"github.com/lessonbook/lessonbook/model"
)

// ErrNotConfigured is returned when no archive bucket is set. Callers treat
// it as "archival disabled" and prune without exporting.
var ErrNotConfigured = errors.New("outbox archive bucket not configured")

// uploader lets tests stub the S3 call.
type uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var newUploader = func(ctx context.Context, cnf *config.Configuration) (uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cnf.Outbox.ArchiveRegion),
	}
	if cnf.AwsAccessKeyId != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cnf.AwsAccessKeyId, cnf.AwsSecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg), nil
}

// UploadOutboxEvents exports dispatched outbox rows to S3 as one
// JSON-lines object per batch, keyed by export date and time. Returns the
// object key written.
func UploadOutboxEvents(ctx context.Context, events []*model.OutboxEvent) (string, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return "", err
	}
	if cnf.Outbox.ArchiveBucket == "" {
		return "", ErrNotConfigured
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return "", err
		}
	}

	client, err := newUploader(ctx, cnf)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("outbox/%s/%s.jsonl", now.Format("2006-01-02"), now.Format("150405"))

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(cnf.Outbox.ArchiveBucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body.Bytes()),
	})
	if err != nil {
		return "", err
	}
	return key, nil
}
