package mirror

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"meshforge/internal/services"
)

const sha256MetadataKey = "sha256"

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 mirror.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack, R2
	Prefix   string
}

// S3Mirror uploads artifacts to an S3-compatible bucket.
type S3Mirror struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 builds an S3 mirror using the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, services.Wrap(services.ErrConfiguration, "mirror", "new", "s3 bucket is required", nil)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "mirror", "new", "load AWS config", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Mirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *S3Mirror) Upload(ctx context.Context, localPath, key, sha256 string) (string, error) {
	objectKey := ObjectKey(m.prefix, key)
	uri := fmt.Sprintf("s3://%s/%s", m.bucket, objectKey)

	head, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(objectKey),
	})
	if err == nil && head != nil && sha256 != "" && head.Metadata[sha256MetadataKey] == sha256 {
		return uri, nil
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", services.Wrap(services.ErrStorage, "mirror", "upload", "open artifact", err)
	}
	defer file.Close()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(objectKey),
		Body:        file,
		ContentType: aws.String(contentType(localPath)),
		Metadata:    map[string]string{sha256MetadataKey: sha256},
	})
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "mirror", "upload", "s3 put "+objectKey, err)
	}
	return uri, nil
}
