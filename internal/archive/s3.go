// Package archive uploads exported records to S3-compatible object
// storage before the cleanup handler deletes them.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options configure the archive target. Endpoint is optional and
// covers S3-compatible stores (MinIO, R2).
type Options struct {
	Bucket   string
	Region   string
	Endpoint string
	KeyID    string
	Secret   string
}

// S3Archiver gzips payloads and uploads them under
// archive/<category>/<name>.gz.
type S3Archiver struct {
	uploader *manager.Uploader
	bucket   string
	log      *zap.Logger
}

func NewS3Archiver(ctx context.Context, opts Options, log *zap.Logger) (*S3Archiver, error) {
	if opts.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.KeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.KeyID, opts.Secret, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "archive: loading aws config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		log:      log.Named("archive"),
	}, nil
}

// Archive uploads data and returns the object location. The write is
// atomic from the caller's perspective: either the whole object lands
// or an error comes back and nothing should be deleted.
func (a *S3Archiver) Archive(ctx context.Context, category, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return "", errors.Wrap(err, "archive: compressing")
	}
	if err := gz.Close(); err != nil {
		return "", errors.Wrap(err, "archive: compressing")
	}

	key := path.Join("archive", category, name+".gz")
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/gzip"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return "", errors.Wrapf(err, "archive: uploading %s", key)
	}

	loc := "s3://" + a.bucket + "/" + key
	a.log.Info("archived object",
		zap.String("location", loc),
		zap.Int("raw_bytes", len(data)), zap.Int("stored_bytes", buf.Len()))
	return loc, nil
}
