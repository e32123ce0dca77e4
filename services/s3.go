package services

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"ifcscheduler/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Archive mirrors converted files into an S3 bucket.
type S3Archive struct {
	session  *session.Session
	bucket   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

// NewS3Archive returns nil when no archive bucket is configured.
func NewS3Archive(cfg *config.Config) (*S3Archive, error) {
	if cfg.ArchiveBucket == "" {
		return nil, nil
	}

	awsCfg := &aws.Config{
		Region: aws.String(cfg.ArchiveRegion),
	}
	if cfg.ArchiveAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.ArchiveAccessKey,
			cfg.ArchiveSecretKey,
			"",
		)
	}

	if cfg.ArchiveEndpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.ArchiveEndpoint)
	}

	if cfg.ArchiveUsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return &S3Archive{
		session:  sess,
		bucket:   cfg.ArchiveBucket,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}, nil
}

// Check verifies the archive bucket is reachable.
func (s *S3Archive) Check(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("archive bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Archive uploads the local file under key.
func (s *S3Archive) Archive(ctx context.Context, localPath string, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}
