package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/onnwee/wayfare/internal/geo"
)

// RouteArchive is the full path of a finished session.
type RouteArchive struct {
	UserID    string      `json:"user_id"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
	Path      []geo.Point `json:"path"`
}

// Archiver stores a route and returns its object key.
type Archiver interface {
	Archive(ctx context.Context, route RouteArchive) (string, error)
}

// Archive configuration errors.
var (
	ErrInvalidUserID = errors.New("invalid user id for archive key")
)

// S3ArchiverConfig holds the R2/S3 connection settings.
type S3ArchiverConfig struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	// Region defaults to "auto" as R2 expects.
	Region string
}

// S3Archiver writes route archives as JSON objects to an S3-compatible bucket.
type S3Archiver struct {
	client     *s3.Client
	bucketName string
}

// NewS3Archiver builds a path-style S3 client for the configured endpoint.
func NewS3Archiver(cfg S3ArchiverConfig) (*S3Archiver, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return &S3Archiver{client: client, bucketName: cfg.BucketName}, nil
}

// ArchiveKey builds the object key: routes/{user}/{started unix}-{uuid}.json
func ArchiveKey(userID string, startedAt time.Time) (string, error) {
	sanitized := sanitizePathComponent(userID)
	if sanitized == "" {
		return "", ErrInvalidUserID
	}
	return fmt.Sprintf("routes/%s/%d-%s.json", sanitized, startedAt.Unix(), uuid.New().String()), nil
}

// sanitizePathComponent keeps alphanumerics, hyphens and underscores.
func sanitizePathComponent(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Archive uploads the route and returns the key it was stored under.
func (a *S3Archiver) Archive(ctx context.Context, route RouteArchive) (string, error) {
	key, err := ArchiveKey(route.UserID, route.StartedAt)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(route)
	if err != nil {
		return "", fmt.Errorf("failed to encode route: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload route: %w", err)
	}
	return key, nil
}
