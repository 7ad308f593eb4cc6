package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/telemetry"
)

const (
	serviceS3         = "s3"
	defaultS3Endpoint = "s3.amazonaws.com"
)

// objectStore defines the methods of the minio client that we use.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

var _ objectStore = (*minio.Client)(nil)

// ObjectStoreConfig locates the S3 API.
type ObjectStoreConfig struct {
	// Endpoint defaults to the global S3 endpoint.
	Endpoint string
	Region   string
	UseSSL   bool
}

// ObjectStoreConfigFor builds the config for an endpoint override such as
// "http://localhost:4566". An empty endpoint selects the global endpoint over
// TLS; an endpoint without a scheme uses TLS.
func ObjectStoreConfigFor(endpoint string) (ObjectStoreConfig, error) {
	if endpoint == "" {
		return ObjectStoreConfig{UseSSL: true}, nil
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return ObjectStoreConfig{}, fmt.Errorf("invalid object store endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ObjectStoreConfig{}, fmt.Errorf("invalid object store endpoint %q", endpoint)
	}
	return ObjectStoreConfig{Endpoint: u.Host, UseSSL: u.Scheme == "https"}, nil
}

// NewObjectStoreClient creates an S3 client from the resolved AWS
// credentials.
func NewObjectStoreClient(ctx context.Context, awsCfg aws.Config, cfg ObjectStoreConfig) (*minio.Client, error) {
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, classify(err, serviceS3, "RetrieveCredentials")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultS3Endpoint
	}
	region := cfg.Region
	if region == "" {
		region = awsCfg.Region
	}

	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		Secure: cfg.UseSSL,
		Region: region,
	})
}

// ObjectReport is the outcome of looking up the script bucket.
type ObjectReport struct {
	Bucket       string    `json:"bucket"`
	Key          string    `json:"key"`
	BucketExists bool      `json:"bucket_exists"`
	ObjectExists bool      `json:"object_exists"`
	Size         int64     `json:"size,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// BucketChecker verifies that the referenced bucket exists before a
// deployment. The bucket is never created or modified.
type BucketChecker struct {
	store  objectStore
	logger zerolog.Logger
}

// NewBucketChecker creates a checker over an S3 client.
func NewBucketChecker(store objectStore, logger zerolog.Logger) *BucketChecker {
	return &BucketChecker{
		store:  store,
		logger: logger.With().Str("component", "bucket-checker").Logger(),
	}
}

// Check looks up bucket and key. A missing bucket is a validation error; a
// missing script object is reported but allowed, since the job only reads it
// when it runs.
func (c *BucketChecker) Check(ctx context.Context, bucket, key string) (*ObjectReport, error) {
	report := &ObjectReport{Bucket: bucket, Key: key}

	err := telemetry.RecordAWSCall(ctx, serviceS3, "HeadBucket", func(ctx context.Context) error {
		exists, err := c.store.BucketExists(ctx, bucket)
		if err != nil {
			return objectStoreError(err, "HeadBucket")
		}
		report.BucketExists = exists
		return nil
	})
	if err != nil {
		return report, err
	}
	if !report.BucketExists {
		return report, engine.NewValidationError(fmt.Sprintf("bucket %s does not exist", bucket), nil).
			WithResource("MyBucket")
	}

	if key == "" {
		return report, nil
	}

	err = telemetry.RecordAWSCall(ctx, serviceS3, "HeadObject", func(ctx context.Context) error {
		info, err := c.store.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
		if err != nil {
			if code := string(minio.ToErrorResponse(err).Code); code == "NoSuchKey" || code == "NotFound" {
				return nil
			}
			return objectStoreError(err, "HeadObject")
		}
		report.ObjectExists = true
		report.Size = info.Size
		report.LastModified = info.LastModified
		return nil
	})
	if err != nil {
		return report, err
	}

	if !report.ObjectExists {
		c.logger.Warn().Str("bucket", bucket).Str("key", key).Msg("Script object not found; the job will fail when it runs")
	}
	return report, nil
}

func objectStoreError(err error, operation string) error {
	code := string(minio.ToErrorResponse(err).Code)
	if code == "AccessDenied" {
		return engine.NewPermanentError("permission denied", err).
			WithCode(engine.ErrCodePermissionDenied).
			WithOperation(operation)
	}
	return classify(err, serviceS3, operation)
}
