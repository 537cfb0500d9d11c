package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Store persists host configuration backups taken before destructive
// maintenance steps. It is a thin wrapper around the AWS SDK v2 S3 client
// tuned for S3-compatible endpoints.
type Store struct {
	api     *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewStoreFromEnv initialises a Store using environment variables.
//
// Required:
//   - S3_ENDPOINT: host:port or full URL of the S3 endpoint.
//   - S3_ACCESS_KEY / S3_SECRET_KEY: static credentials.
//   - S3_BUCKET: bucket holding configuration backups.
//
// Optional:
//   - S3_REGION (default "us-east-1").
//   - S3_DISABLE_TLS (bool; default false).
//   - S3_FORCE_PATH_STYLE (bool; default true).
func NewStoreFromEnv() (*Store, error) {
	endpoint := strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")
	bucket := strings.TrimSpace(os.Getenv("S3_BUCKET"))
	region := os.Getenv("S3_REGION")
	if region == "" {
		region = "us-east-1"
	}

	if endpoint == "" {
		return nil, errors.New("S3_ENDPOINT is required")
	}
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	if bucket == "" {
		return nil, errors.New("S3_BUCKET is required")
	}

	disableTLS, _ := strconv.ParseBool(os.Getenv("S3_DISABLE_TLS"))
	forcePathStyle := true
	if v := strings.TrimSpace(os.Getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			forcePathStyle = parsed
		}
	}

	scheme := "https"
	if disableTLS {
		scheme = "http"
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	ctx := context.Background()
	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Store{
		api:     client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}, nil
}

// BackupKey builds the object key for a host configuration backup taken as
// part of a job.
func BackupKey(jobID, hostID string, takenAt time.Time) string {
	return fmt.Sprintf("backups/%s/%s/%s.json", jobID, hostID, takenAt.UTC().Format("20060102T150405Z"))
}

// PutBackup uploads a configuration snapshot and returns its object key.
func (s *Store) PutBackup(ctx context.Context, key string, payload []byte) error {
	if s == nil {
		return errors.New("nil store")
	}

	sum := sha256.Sum256(payload)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	size := int64(len(payload))

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &s.bucket,
		Key:               &key,
		Body:              bytes.NewReader(payload),
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata: map[string]string{
			"sha256": hex.EncodeToString(sum[:]),
		},
	})
	return err
}

// PresignGet generates a presigned GET URL so operators can download a
// backup without S3 credentials.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s == nil {
		return "", errors.New("nil store")
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}

	return req.URL, nil
}
