package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openmonetize/openmonetize-sub001/internal/queue"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// Archiver keeps a copy of dead-letter items before retention evicts them
type Archiver interface {
	// Archive stores items and returns where they were written
	Archive(ctx context.Context, items []queue.DeadLetterItem) (string, error)
}

// putObjectAPI is the part of the S3 client the archiver needs
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes evicted dead-letter items to S3 as JSON Lines
type S3Archiver struct {
	client  putObjectAPI
	bucket  string
	prefix  string
	podName string
	logger  *utils.Logger
	now     func() time.Time
}

// NewS3Archiver creates an archiver using the default AWS credential chain
func NewS3Archiver(ctx context.Context, bucket, region, prefix, podName string, logger *utils.Logger) (*S3Archiver, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newS3Archiver(s3.NewFromConfig(cfg), bucket, prefix, podName, logger), nil
}

func newS3Archiver(client putObjectAPI, bucket, prefix, podName string, logger *utils.Logger) *S3Archiver {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &S3Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		podName: podName,
		logger:  logger,
		now:     time.Now,
	}
}

// Archive uploads items as one object.
// Key format: dead-letter/2025/11/30/ledger-0-20251130-143022-123456789.jsonl
func (a *S3Archiver) Archive(ctx context.Context, items []queue.DeadLetterItem) (string, error) {
	if len(items) == 0 {
		return "", nil
	}

	now := a.now().UTC()
	key := fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%d.jsonl",
		a.prefix,
		now.Year(),
		now.Month(),
		now.Day(),
		a.podName,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range items {
		if err := encoder.Encode(&items[i]); err != nil {
			// nothing is removed unless every item made it into the archive
			return "", fmt.Errorf("failed to encode dead-letter item %s: %w", items[i].ID, err)
		}
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	a.logger.Info("Archived dead-letter items to S3", "key", key, "count", len(items), "bytes", buf.Len())
	return key, nil
}
