package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/onnwee/neuralrank/internal/tracing"
)

// ObjectAPI is the subset of the S3 client used by S3Store.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds the settings for an S3-compatible bucket such as R2.
type S3Config struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string
	Prefix          string
}

// NewS3Client creates a path-style S3 client with static credentials.
func NewS3Client(cfg S3Config) (*s3.Client, error) {
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	return s3.New(s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	}), nil
}

// S3Store keeps one object per ranker in a bucket.
type S3Store struct {
	api    ObjectAPI
	bucket string
	prefix string
	codec  Codec
}

// NewS3Store wraps api. codec defaults to CBOR.
func NewS3Store(api ObjectAPI, bucket, prefix string, codec Codec) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if codec == nil {
		codec = CBORCodec{}
	}
	return &S3Store{api: api, bucket: bucket, prefix: prefix, codec: codec}, nil
}

// Key returns the object key used for name.
func (s *S3Store) Key(name string) string {
	return path.Join(s.prefix, name+s.codec.Extension())
}

// Load implements Store.
func (s *S3Store) Load(ctx context.Context, name string) (_ *State, err error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	ctx, endSpan := tracing.StartStoreSpan(ctx, "s3", "load", s.Key(name))
	defer func() { endSpan(err) }()

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return s.codec.Decode(b)
}

// Save implements Store.
func (s *S3Store) Save(ctx context.Context, name string, st *State) (err error) {
	if err := ValidateName(name); err != nil {
		return err
	}
	ctx, endSpan := tracing.StartStoreSpan(ctx, "s3", "save", s.Key(name))
	defer func() { endSpan(err) }()

	b, err := s.codec.Encode(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.Key(name)),
		Body:          bytes.NewReader(b),
		ContentLength: aws.Int64(int64(len(b))),
		ContentType:   aws.String(s.codec.ContentType()),
		Metadata:      map[string]string{"state-version": st.Version},
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
