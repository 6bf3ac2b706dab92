package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/maneesh/filevault/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("filevault-storage")

// MinioClient stores blobs as objects in a MinIO bucket with tracing
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinioClient initializes a new MinIO client
func NewMinioClient(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool, logger *slog.Logger) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	mc := &MinioClient{
		client:     client,
		bucketName: bucketName,
	}

	// Ensure bucket exists
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		logger.Info("creating bucket", "bucket", bucketName)
		err = client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("bucket created", "bucket", bucketName)
	}

	return mc, nil
}

// Store uploads r as the object key. size may be -1 when unknown.
func (mc *MinioClient) Store(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "minio.store",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("size_hint", size),
		),
	)
	defer span.End()

	info, err := mc.client.PutObject(ctx, mc.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to upload object %s: %w: %w", key, models.ErrWrite, err)
	}

	span.SetAttributes(
		attribute.Int64("size_bytes", info.Size),
		attribute.Bool("upload_success", true),
	)
	return info.Size, nil
}

// Open returns a reader for the object and its size, or models.ErrBlobNotFound.
func (mc *MinioClient) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	ctx, span := tracer.Start(ctx, "minio.open",
		trace.WithAttributes(
			attribute.String("object_key", key),
		),
	)
	defer span.End()

	// GetObject is lazy, so stat first to surface a missing key here.
	stat, err := mc.client.StatObject(ctx, mc.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			span.SetAttributes(attribute.Bool("found", false))
			return nil, 0, fmt.Errorf("object %s: %w", key, models.ErrBlobNotFound)
		}
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to stat object: %w", err)
	}

	object, err := mc.client.GetObject(ctx, mc.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to get object: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("found", true),
		attribute.Int64("size_bytes", stat.Size),
	)
	return object, stat.Size, nil
}

// Remove deletes the object. MinIO treats removing a missing key as success.
func (mc *MinioClient) Remove(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.remove",
		trace.WithAttributes(
			attribute.String("object_key", key),
		),
	)
	defer span.End()

	err := mc.client.RemoveObject(ctx, mc.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
