package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend persists tokens and features as two JSON objects under a
// configurable key prefix in an S3 bucket.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend loads the default AWS credential chain for region and
// returns an S3Backend writing under bucket/prefix.
func NewS3Backend(ctx context.Context, bucket, prefix, region string) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &S3Backend{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func (b *S3Backend) tokensKey() string   { return path.Join(b.prefix, "tokens.json") }
func (b *S3Backend) featuresKey() string { return path.Join(b.prefix, "features.json") }

func (b *S3Backend) LoadTokens(ctx context.Context) ([]TokenRecord, error) {
	var records []TokenRecord
	if err := b.loadObject(ctx, b.tokensKey(), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (b *S3Backend) SaveTokens(ctx context.Context, records []TokenRecord) error {
	return b.saveObject(ctx, b.tokensKey(), records)
}

func (b *S3Backend) LoadFeatures(ctx context.Context) ([]FeatureRecord, error) {
	var records []FeatureRecord
	if err := b.loadObject(ctx, b.featuresKey(), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (b *S3Backend) SaveFeatures(ctx context.Context, records []FeatureRecord) error {
	return b.saveObject(ctx, b.featuresKey(), records)
}

func (b *S3Backend) loadObject(ctx context.Context, key string, v any) error {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil
		}
		return err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (b *S3Backend) saveObject(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}
