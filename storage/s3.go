package storage

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/127Wzc/imgtag/errs"
	"github.com/127Wzc/imgtag/model"
)

// s3Client is the subset of *s3.Client used by S3Backend, narrowed for
// mocking in tests (modeled on the pack's aws-sdk-go-v2 client-interface
// convention).
type s3Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Backend implements Backend against any S3-compatible bucket. One
// client is built per endpoint id and cached by client.
type S3Backend struct {
	clients map[int64]s3Client
	newFn   func(ctx context.Context, endpoint *model.StorageEndpoint) (s3Client, error)
}

// NewS3Backend returns an S3Backend that lazily builds and caches one
// client per endpoint id.
func NewS3Backend() *S3Backend {
	b := &S3Backend{clients: map[int64]s3Client{}}
	b.newFn = b.buildClient
	return b
}

func (b *S3Backend) buildClient(ctx context.Context, endpoint *model.StorageEndpoint) (s3Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(endpoint.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(endpoint.AccessKeyID, endpoint.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, errs.E("S3Backend.buildClient", errs.Fatal, err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint.EndpointURL != "" {
			o.BaseEndpoint = aws.String(endpoint.EndpointURL)
		}
		o.UsePathStyle = endpoint.PathStyle
	}), nil
}

func (b *S3Backend) client(ctx context.Context, endpoint *model.StorageEndpoint) (s3Client, error) {
	if c, ok := b.clients[endpoint.ID]; ok {
		return c, nil
	}
	c, err := b.newFn(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	b.clients[endpoint.ID] = c
	return c, nil
}

// Upload puts r under objectKey in endpoint's bucket.
func (b *S3Backend) Upload(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string, r io.Reader, size int64) error {
	c, err := b.client(ctx, endpoint)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return errs.E("S3Backend.Upload", errs.Fatal, err)
	}
	_, err = c.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(endpoint.BucketName),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return errs.E("S3Backend.Upload", errs.UpstreamUnavailable, err)
	}
	return nil
}

// Download fetches objectKey from endpoint's bucket.
func (b *S3Backend) Download(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) (io.ReadCloser, error) {
	c, err := b.client(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	out, err := c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(endpoint.BucketName),
		Key:    aws.String(objectKey),
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, errs.Msg("S3Backend.Download", errs.NotFound, "object not found")
	}
	if err != nil {
		return nil, errs.E("S3Backend.Download", errs.UpstreamUnavailable, err)
	}
	return out.Body, nil
}

// Exists performs a HeadObject against endpoint's bucket.
func (b *S3Backend) Exists(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) (bool, error) {
	c, err := b.client(ctx, endpoint)
	if err != nil {
		return false, err
	}
	_, err = c.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(endpoint.BucketName),
		Key:    aws.String(objectKey),
	})
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, errs.E("S3Backend.Exists", errs.UpstreamUnavailable, err)
	}
	return true, nil
}

// Delete removes objectKey from endpoint's bucket. S3's DeleteObject is
// idempotent, so absence is never an error.
func (b *S3Backend) Delete(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) error {
	c, err := b.client(ctx, endpoint)
	if err != nil {
		return err
	}
	_, err = c.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(endpoint.BucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return errs.E("S3Backend.Delete", errs.UpstreamUnavailable, err)
	}
	return nil
}
