package nix

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/hydrogen-ci/hydrogen/common/gerror"
	"github.com/hydrogen-ci/hydrogen/common/logger"
)

type S3BlobStoreConfig struct {
	BucketName      string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3BlobStore backs a BinaryCacheStore with an S3 bucket.
type S3BlobStore struct {
	s3       *s3.S3
	uploader *s3manager.Uploader
	config   S3BlobStoreConfig
	log      logger.Log
}

var _ BlobStore = (*S3BlobStore)(nil)

func NewS3BlobStore(config S3BlobStoreConfig, logFactory logger.LogFactory) (*S3BlobStore, error) {
	if config.BucketName == "" {
		return nil, fmt.Errorf("error bucket name must be configured")
	}
	log := logFactory("S3BlobStore")
	cfg := &aws.Config{}
	log.Infof("Using bucket: %s", config.BucketName)
	if config.Region != "" {
		cfg = cfg.WithRegion(config.Region)
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(config.AccessKeyID, config.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS session: %w", err)
	}
	return &S3BlobStore{
		s3:       s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		config:   config,
		log:      log,
	}, nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, gerror.NewErrNotFound(fmt.Sprintf("blob %q not found", key))
		}
		return nil, fmt.Errorf("error getting blob %q: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3BlobStore) Put(ctx context.Context, key string, contentType string, data []byte) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.config.BucketName),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Body:        bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("error uploading blob %q: %w", key, err)
	}
	return nil
}

func (s *S3BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
