package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"batch-ingestion-service/internal/config"
	"batch-ingestion-service/internal/models"
)

// ResultSink archives the downstream response of a completed unit and returns
// where it was written.
type ResultSink interface {
	Store(ctx context.Context, unit models.WorkUnit, resp Response) (string, error)
}

type archivedResult struct {
	SubmissionID string    `json:"ingestion_id"`
	UnitID       string    `json:"batch_id"`
	IDs          []int64   `json:"ids"`
	Response     Response  `json:"response"`
	ArchivedAt   time.Time `json:"archived_at"`
}

// NewResultSink picks S3 when a bucket is configured, a local directory when
// RESULT_DIR is set, and nil otherwise.
func NewResultSink(ctx context.Context, cfg config.Config) (ResultSink, error) {
	if cfg.ResultS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Sink(client, cfg.ResultS3Bucket), nil
	}
	if cfg.ResultDir != "" {
		return NewLocalSink(cfg.ResultDir), nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ResultS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ResultS3PathStyle
		if cfg.ResultS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ResultS3Endpoint)
		}
	}), nil
}

func encodeResult(unit models.WorkUnit, resp Response) ([]byte, error) {
	body, err := json.MarshalIndent(archivedResult{
		SubmissionID: unit.SubmissionID,
		UnitID:       unit.ID,
		IDs:          unit.IDs,
		Response:     resp,
		ArchivedAt:   time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return body, nil
}

func resultKey(unit models.WorkUnit) string {
	return path.Join(unit.SubmissionID, unit.ID+".json")
}

// LocalSink writes one JSON file per unit under a base directory.
type LocalSink struct {
	baseDir string
}

func NewLocalSink(baseDir string) *LocalSink {
	return &LocalSink{baseDir: baseDir}
}

func (l *LocalSink) Store(_ context.Context, unit models.WorkUnit, resp Response) (string, error) {
	body, err := encodeResult(unit, resp)
	if err != nil {
		return "", err
	}
	p := filepath.Join(l.baseDir, filepath.FromSlash(resultKey(unit)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// S3Sink uploads one JSON object per unit.
type S3Sink struct {
	client *s3.Client
	bucket string
}

func NewS3Sink(client *s3.Client, bucket string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket}
}

func (s *S3Sink) Store(ctx context.Context, unit models.WorkUnit, resp Response) (string, error) {
	body, err := encodeResult(unit, resp)
	if err != nil {
		return "", err
	}
	key := resultKey(unit)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
