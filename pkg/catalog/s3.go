package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// S3Config configures the s3:// transport
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ObjectGetter is the part of the s3 client the transport uses
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Transport serves s3://bucket/key urls
type S3Transport struct {
	client ObjectGetter
}

// NewS3Transport creates a client from cfg. Without static keys the
// default credential chain is used.
func NewS3Transport(ctx context.Context, cfg S3Config) (*S3Transport, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3TransportWithClient(client), nil
}

// NewS3TransportWithClient wraps an existing client
func NewS3TransportWithClient(client ObjectGetter) *S3Transport {
	return &S3Transport{client: client}
}

// Open implements Transport
func (t *S3Transport) Open(ctx context.Context, rawURL string, cached *CachedIndex) (*Object, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "S3.GetObject", trace.WithAttributes(
		attribute.String("s3.bucket", bucket),
		attribute.String("s3.key", key),
	))
	defer span.End()

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if cached != nil {
		if cached.ETag != "" {
			input.IfNoneMatch = aws.String(cached.ETag)
		}
		if ts, err := http.ParseTime(cached.LastModified); err == nil {
			input.IfModifiedSince = aws.Time(ts)
		}
	}

	out, err := t.client.GetObject(ctx, input)
	if err != nil {
		switch s3Status(err) {
		case http.StatusNotModified:
			span.SetStatus(codes.Ok, "not modified")
			return &Object{NotModified: true}, nil
		case http.StatusNotFound:
			return nil, fmt.Errorf("%s: %w", rawURL, ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get object from s3")
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}

	obj := &Object{Body: out.Body, ETag: aws.ToString(out.ETag)}
	if out.LastModified != nil {
		obj.LastModified = out.LastModified.UTC().Format(http.TimeFormat)
	}
	span.SetStatus(codes.Ok, "object retrieved")
	return obj, nil
}

// s3Status classifies an s3 error as a not-modified or not-found response
func s3Status(err error) int {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return http.StatusNotFound
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode()
	}
	return 0
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 url %q: %w", rawURL, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 url %q: want s3://bucket/key", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q: missing key", rawURL)
	}
	return u.Host, key, nil
}
