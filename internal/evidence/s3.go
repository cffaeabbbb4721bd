package evidence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"gitdone/internal/domain"
)

// S3 stores evidence objects in a bucket, keyed under Prefix.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 evidence store: bucket required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "evidence/"
	}
	return &S3{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (s *S3) Key(name string) string {
	return s.prefix + name
}

func (s *S3) Put(ctx context.Context, u Upload) (domain.FileRef, error) {
	name, err := storedName(u.Name)
	if err != nil {
		return domain.FileRef{}, err
	}
	ref := describe(name, u)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(name)),
		Body:        bytes.NewReader(u.Data),
		ContentType: aws.String(ref.ContentType),
		Metadata:    map[string]string{"original-name": ref.OriginalName},
	})
	if err != nil {
		return domain.FileRef{}, fmt.Errorf("s3 put %s: %w", name, err)
	}
	return ref, nil
}
