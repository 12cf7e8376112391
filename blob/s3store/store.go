// Package s3store implements blob.Store on Amazon S3 and S3 compatible
// services using presigned urls.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/rs/zerolog"
)

type Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// BaseURL is the public prefix of object urls. Defaults to the
	// virtual hosted bucket url.
	BaseURL string
	// Endpoint overrides the S3 endpoint, for S3 compatible services.
	Endpoint string
	// ACL is the canned ACL applied to new objects, e.g. "public-read".
	ACL           string
	PresignExpiry time.Duration
}

// client is the subset of *s3.Client used by the store.
type client interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	GetObjectTagging(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
	DeleteObjectTagging(ctx context.Context, params *s3.DeleteObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectTaggingOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// presigner is the subset of *s3.PresignClient used by the store.
type presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Store struct {
	client  client
	presign presigner
	bucket  string
	baseURL string
	acl     types.ObjectCannedACL
	expiry  time.Duration
}

// New loads AWS configuration and returns a store for cfg.Bucket. Static
// credentials are used when both keys are given, otherwise the default
// credential chain applies.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, protocol.NewError(protocol.KindMissingEnv, "s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, protocol.NewError(protocol.KindMissingEnv, "s3 region is required")
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return nil, protocol.NewError(protocol.KindMissingEnv, "s3 access key id and secret access key must be set together")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(c, s3.NewPresignClient(c), cfg), nil
}

// NewWithClient builds a store around existing clients.
func NewWithClient(c client, p presigner, cfg Config) *Store {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = blob.DefaultPresignExpiry
	}
	return &Store{
		client:  c,
		presign: p,
		bucket:  cfg.Bucket,
		baseURL: baseURL,
		acl:     types.ObjectCannedACL(cfg.ACL),
		expiry:  expiry,
	}
}

func (s *Store) withExpiry(o *s3.PresignOptions) {
	o.Expires = s.expiry
}

// translate maps S3 error codes onto protocol errors.
func translate(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return protocol.WrapError(protocol.KindNotFound, err, "%s: object not found", msg)
		case "NoSuchUpload":
			return protocol.WrapError(protocol.KindNotFound, err, "%s: upload not found", msg)
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
			return protocol.WrapError(protocol.KindBadRequest, err, "%s: %s", msg, apiErr.ErrorMessage())
		case "AccessDenied":
			return protocol.WrapError(protocol.KindForbidden, err, "%s: access denied", msg)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func logger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
