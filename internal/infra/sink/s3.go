package sink

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the object storage connection settings.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

type uploader interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

func newMinioClient(cfg S3Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return client, nil
}

func openS3(ctx context.Context, target string, opts Options) (Sink, error) {
	if opts.S3.Endpoint == "" {
		return nil, fmt.Errorf("s3 output %s: no s3 endpoint configured", target)
	}
	client, err := newMinioClient(opts.S3)
	if err != nil {
		return nil, err
	}
	return openS3With(ctx, client, target, opts)
}

// openS3With buffers the stream in a temporary file and uploads it on Close.
func openS3With(ctx context.Context, up uploader, target string, opts Options) (Sink, error) {
	bucket, object, err := parseS3URI(target)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "chainfetch-*")
	if err != nil {
		return nil, fmt.Errorf("create buffer file: %w", err)
	}

	var compressor *gzip.Writer
	if strings.HasSuffix(object, ".gz") {
		compressor = gzip.NewWriter(tmp)
	}

	var s *streamSink
	if compressor != nil {
		s, err = newStreamSink(tmp, opts, compressor)
	} else {
		s, err = newStreamSink(tmp, opts, nil)
	}
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}

	s.afterClose = func() error {
		defer os.Remove(tmp.Name())
		_, err := up.FPutObject(ctx, bucket, object, tmp.Name(), minio.PutObjectOptions{ContentType: contentType(object, opts.Format)})
		if err != nil {
			return fmt.Errorf("failed to upload object %s: %w", object, err)
		}
		return nil
	}
	return s, nil
}

func parseS3URI(target string) (bucket, object string, err error) {
	rest := strings.TrimPrefix(target, "s3://")
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q, want s3://bucket/key", target)
	}
	return bucket, object, nil
}

func contentType(object string, format Format) string {
	if strings.HasSuffix(object, ".gz") {
		return "application/gzip"
	}
	if format == FormatCSV {
		return "text/csv"
	}
	return "application/x-ndjson"
}
