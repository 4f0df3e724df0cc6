// Package archive keeps verified raw webhook bodies in object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Config holds the bucket connection settings.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Store writes webhook bodies to an S3 compatible bucket.
type S3Store struct {
	client s3iface.S3API
	bucket string
}

// NewS3Client builds an S3 client for the configured endpoint.
func NewS3Client(cfg S3Config) (*s3.S3, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	return s3.New(sess), nil
}

// NewS3Store constructs a store over an S3 client.
func NewS3Store(client s3iface.S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Key returns the object key for an event received at the given time.
func Key(eventID string, receivedAt time.Time) string {
	id := strings.ReplaceAll(eventID, "/", "_")
	if id == "" {
		id = "unknown"
	}
	return fmt.Sprintf("webhooks/%s/%s.json", receivedAt.UTC().Format("2006/01/02"), id)
}

// Put stores one body.
func (s *S3Store) Put(ctx context.Context, eventID string, receivedAt time.Time, body []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(Key(eventID, receivedAt)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive webhook %s: %w", eventID, err)
	}
	return nil
}
