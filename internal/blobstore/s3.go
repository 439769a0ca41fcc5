package blobstore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"pharmimport/internal/config"
	"pharmimport/internal/fileutil"
	"pharmimport/internal/logging"
	"pharmimport/internal/retry"
	"pharmimport/internal/services"
)

const metaSHA256 = "sha256"

// S3Options configures the S3 backend. Credentials come from the default
// AWS chain unless AccessKeyID is set.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	HTTPClient      *http.Client
}

// S3 stores blobs in an S3-compatible bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 builds a client for opts. Retries are left to the caller's policy,
// so the SDK retryer is disabled.
func NewS3(ctx context.Context, opts S3Options, logger *slog.Logger) (*S3, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "uploading", "open s3", "assets.s3_bucket is empty", nil)
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	if opts.HTTPClient != nil {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(opts.HTTPClient))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "uploading", "open s3", "load aws config", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &S3{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		logger: logging.NewComponentLogger(logger, "blobstore"),
	}, nil
}

// Backend implements Store.
func (s *S3) Backend() string { return config.AssetBackendS3 }

// KeyFor returns the object key for hash.
func (s *S3) KeyFor(hash string) string {
	return path.Join(s.prefix, hash[0:2], hash)
}

func (s *S3) location(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// Stat implements Store.
func (s *S3) Stat(ctx context.Context, hash string) (Object, bool, error) {
	if err := checkHash(hash); err != nil {
		return Object{}, false, err
	}
	key := s.KeyFor(hash)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return Object{}, false, nil
		}
		return Object{}, false, classifyS3("head object", err)
	}
	if stored := out.Metadata[metaSHA256]; stored != "" && stored != hash {
		return Object{}, false, services.Wrap(services.ErrConflict, "uploading", "head object",
			fmt.Sprintf("object %s records hash %s", key, stored), nil)
	}
	return Object{
		Hash:        hash,
		Location:    s.location(key),
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, true, nil
}

// Put implements Store. The local file is re-hashed first and the digest
// is sent as the object checksum, so neither side accepts altered bytes.
func (s *S3) Put(ctx context.Context, hash, filePath string) (Object, error) {
	if err := checkHash(hash); err != nil {
		return Object{}, err
	}
	got, size, err := fileutil.HashFile(filePath)
	if err != nil {
		return Object{}, fmt.Errorf("read %s: %w", filePath, err)
	}
	if got != hash {
		return Object{}, services.Wrap(services.ErrValidation, "uploading", "put object",
			"source changed since hashing; retry the hashing phase",
			fmt.Errorf("%w: want %s, got %s", fileutil.ErrHashMismatch, hash, got))
	}
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return Object{}, services.Wrap(services.ErrValidation, "uploading", "put object", "decode hash", err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return Object{}, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	key := s.KeyFor(hash)
	contentType := DetectContentType(filePath)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{metaSHA256: hash},
	}
	if len(raw) == 32 {
		input.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(raw))
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return Object{}, classifyS3("put object", err)
	}
	s.logger.Debug("blob uploaded",
		logging.String(logging.FieldContentHash, hash),
		logging.String("location", s.location(key)),
		logging.Int64("size", size),
	)
	return Object{Hash: hash, Location: s.location(key), Size: size, ContentType: contentType}, nil
}

// Ping implements Store.
func (s *S3) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return classifyS3("head bucket", err)
	}
	return nil
}

type statusCoder interface {
	HTTPStatusCode() int
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return true
	}
	var sc statusCoder
	return errors.As(err, &sc) && sc.HTTPStatusCode() == http.StatusNotFound
}

func classifyS3(operation string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return services.Wrap(services.ErrFatal, "uploading", operation, apiErr.ErrorCode(), err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return services.Wrap(services.ErrTransient, "uploading", operation, apiErr.ErrorCode(), err)
		case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
			return services.Wrap(services.ErrValidation, "uploading", operation, apiErr.ErrorCode(), err)
		}
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		switch {
		case retry.IsRetryableStatus(code):
			return services.Wrap(services.ErrTransient, "uploading", operation, fmt.Sprintf("http %d", code), err)
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return services.Wrap(services.ErrFatal, "uploading", operation, fmt.Sprintf("http %d", code), err)
		}
	}
	if retry.IsTransient(err) {
		return services.Wrap(services.ErrTransient, "uploading", operation, "request failed", err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}
