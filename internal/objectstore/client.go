// Package objectstore adapts the S3 API (MinIO-compatible via a
// path-style endpoint) for the JSONL batch blobs the ingestion worker
// reads and deletes. Grounded on the teacher's S3 exporter
// (internal/long-term-archives/s3_exporter.go's initAWS/upload/list/
// delete pattern), re-keyed from long-term archival to batch staging.
package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/synthgen/dispatcher/internal/config"
	derrors "github.com/synthgen/dispatcher/internal/errors"
)

// Client wraps an S3-compatible endpoint for the batches/ prefix.
type Client struct {
	s3       *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// New builds a Client from dispatcher configuration, accepting a custom
// endpoint (and path-style addressing) for MinIO deployments.
func New(cfg *config.Config) (*Client, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.ObjectStore.Region).
		WithS3ForcePathStyle(cfg.ObjectStore.UsePathStyle)

	if cfg.ObjectStore.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(
			cfg.ObjectStore.AccessKeyID, cfg.ObjectStore.SecretAccessKey, "",
		))
	}
	if cfg.ObjectStore.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.ObjectStore.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, derrors.NewFatal("objectstore session init", err)
	}

	return &Client{
		s3:       s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.ObjectStore.Bucket,
	}, nil
}

// EnsureBucket verifies the bucket is reachable, creating it if absent
// (the local MinIO dev path; a managed S3 bucket is expected to already
// exist and be access-controlled out of band).
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.s3.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchBucket) {
		_, err = c.s3.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
		if err != nil {
			return derrors.NewTransient("objectstore.EnsureBucket create", err)
		}
		return nil
	}
	return derrors.NewTransient("objectstore.EnsureBucket head", err)
}

// Put uploads r under key, using the multipart uploader so large batch
// blobs don't need to be buffered whole in memory by the caller.
func (c *Client) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return derrors.NewTransient("objectstore.Put", err)
	}
	return nil
}

// Get streams the object back; the caller must Close the returned reader.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, derrors.NewNotFound("object", key)
		}
		return nil, derrors.NewTransient("objectstore.Get", err)
	}
	return out.Body, nil
}

// Delete removes a single object, idempotently.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return derrors.NewTransient("objectstore.Delete", err)
	}
	return nil
}

// List returns every key under prefix, following continuation tokens.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := c.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, derrors.NewTransient("objectstore.List", err)
	}
	return keys, nil
}

// Key builds the batches/{batch_id}/{filename}_{uuid} object key shape
// spec.md's object store layout uses.
func Key(batchID, filename, uuid string) string {
	return fmt.Sprintf("batches/%s/%s_%s", batchID, filename, uuid)
}
