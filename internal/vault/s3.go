package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"

	"hbk-go/internal/config"
	"hbk-go/internal/hbk"
)

// s3API is the subset of *s3.Client the vault uses.
type s3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Vault mirrors artifacts to an S3 bucket, or any S3-compatible store when
// an endpoint is configured. Objects are stored as <prefix>/<file name>.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   s3API
	uploader *manager.Uploader
	backoff  func(ctx context.Context) backoff.BackOff
}

// NewS3Vault creates an S3Vault from the mirror configuration. Credentials
// come from the config when both keys are set, and from the default AWS
// chain otherwise.
func NewS3Vault(ctx context.Context, cfg config.MirrorConfig) (*S3Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 mirror requires s3_bucket to be set")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Vault(cfg.Name, cfg.S3Bucket, cfg.S3Prefix, client), nil
}

func newS3Vault(name, bucket, prefix string, client s3API) *S3Vault {
	return &S3Vault{
		name:     name,
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
		backoff:  defaultBackoff,
	}
}

func defaultBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, 4), ctx)
}

func (v *S3Vault) key(name string) string {
	if v.prefix == "" {
		return name
	}
	return path.Join(v.prefix, name)
}

// PutArtifact uploads the file, retrying transient failures. r is rewound
// before each attempt.
func (v *S3Vault) PutArtifact(ctx context.Context, name string, r io.ReadSeeker, size int64) error {
	if err := validName(name); err != nil {
		return err
	}

	operation := func() error {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("rewinding %s: %w", name, err))
		}
		_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(v.bucket),
			Key:           aws.String(v.key(name)),
			Body:          r,
			ContentLength: aws.Int64(size),
		})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	if err := backoff.Retry(operation, v.backoff(ctx)); err != nil {
		return fmt.Errorf("uploading %s to s3://%s: %w", name, v.bucket, err)
	}
	return nil
}

// GetArtifact downloads the file into w. Only the request is retried; a
// failure while streaming the body is returned as is.
func (v *S3Vault) GetArtifact(ctx context.Context, name string, w io.Writer) error {
	if err := validName(name); err != nil {
		return err
	}

	var out *s3.GetObjectOutput
	operation := func() error {
		var err error
		out, err = v.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(v.bucket),
			Key:    aws.String(v.key(name)),
		})
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, name))
		}
		return err
	}
	if err := backoff.Retry(operation, v.backoff(ctx)); err != nil {
		return fmt.Errorf("downloading %s from s3://%s: %w", name, v.bucket, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading %s from s3://%s: %w", name, v.bucket, err)
	}
	return nil
}

// ValidateSetup checks that the bucket exists and is reachable with the
// configured credentials.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

// Compile-time check that S3Vault implements hbk.Vault interface
var _ hbk.Vault = (*S3Vault)(nil)
