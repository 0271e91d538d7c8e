// Package blob resolves input references to bytes and stores job outputs in
// an S3-compatible bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned by Fetch when the object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// Store is the blob store the job orchestrator reads inputs from and writes outputs to.
type Store interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
	PutFile(ctx context.Context, path, key, contentType string) (string, error)
}

type Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UsePathStyle bool
	// MaxInputBytes caps Fetch; zero means 64 MiB.
	MaxInputBytes int64
}

type S3Store struct {
	cfg    Config
	client *s3.Client
}

func NewS3Store(cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = 64 << 20
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &S3Store{cfg: cfg, client: s3.New(options)}, nil
}

// Fetch downloads the object named by ref.
func (s *S3Store) Fetch(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := ParseRef(ref, s.cfg.Bucket)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.cfg.MaxInputBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	if int64(len(data)) > s.cfg.MaxInputBytes {
		return nil, fmt.Errorf("input %s exceeds %d bytes", ref, s.cfg.MaxInputBytes)
	}
	return data, nil
}

// PutFile uploads the local file at path under key in the configured bucket
// and returns its durable reference.
func (s *S3Store) PutFile(ctx context.Context, path, key, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("artifact %s is empty", path)
	}

	key = strings.TrimLeft(key, "/")
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return "s3://" + s.cfg.Bucket + "/" + key, nil
}

// ParseRef splits a reference into bucket and key. It accepts s3:// and gs://
// URIs (the latter for GCS interoperability endpoints) and bare keys, which
// resolve against defaultBucket.
func ParseRef(ref, defaultBucket string) (bucket, key string, err error) {
	ref = strings.TrimSpace(ref)
	for _, scheme := range []string{"s3://", "gs://"} {
		if rest, ok := strings.CutPrefix(ref, scheme); ok {
			bucket, key, _ = strings.Cut(rest, "/")
			if bucket == "" || key == "" {
				return "", "", fmt.Errorf("invalid blob reference %q", ref)
			}
			return bucket, key, nil
		}
	}
	if strings.Contains(ref, "://") {
		return "", "", fmt.Errorf("unsupported blob reference %q", ref)
	}
	key = strings.TrimLeft(ref, "/")
	if key == "" || defaultBucket == "" {
		return "", "", fmt.Errorf("invalid blob reference %q", ref)
	}
	return defaultBucket, key, nil
}
