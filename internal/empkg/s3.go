package empkg

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Settings configures access to an S3-compatible object store.
type S3Settings struct {
	Endpoint  string // custom endpoint for S3-compatible stores; empty uses AWS
	Region    string
	AccessKey string
	SecretKey string
}

// S3SettingsFrom reads the s3_* keys of the build context.
func S3SettingsFrom(ctx *BuildContext) S3Settings {
	return S3Settings{
		Endpoint:  ctx.String("s3_endpoint"),
		Region:    ctx.String("s3_region"),
		AccessKey: ctx.String("s3_access_key"),
		SecretKey: ctx.String("s3_secret_key"),
	}
}

// S3Client wraps the S3 client used for s3:// sources and artifact upload.
type S3Client struct {
	Client *s3.Client
}

// NewS3Client builds a client from the default AWS chain, overridden by
// any explicit settings.
func NewS3Client(ctx context.Context, s S3Settings) (*S3Client, error) {
	region := s.Region
	if region == "" {
		region = "auto"
	}
	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if s.AccessKey != "" && s.SecretKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")))
	}
	if zerolog.GlobalLevel() <= zerolog.TraceLevel {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Client{Client: client}, nil
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", Errorf(ConfigError, "invalid S3 URL %q", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Download streams bucket/key into destFile.
func (c *S3Client) Download(ctx context.Context, bucket, key, destFile string) error {
	output, err := c.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer output.Body.Close()

	out, err := os.Create(destFile)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", destFile, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, output.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return nil
}

// UploadLocalFile uploads a file from disk.
func (c *S3Client) UploadLocalFile(ctx context.Context, bucket, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = c.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(artifactContentType(filePath)),
	})
	return err
}

// UploadArtifact puts the artifact under the s3://bucket/prefix destination
// and returns the object URL.
func UploadArtifact(ctx context.Context, settings S3Settings, dest, artifact string) (string, error) {
	bucket, prefix, err := ParseS3URL(dest)
	if err != nil {
		return "", err
	}
	client, err := NewS3Client(ctx, settings)
	if err != nil {
		return "", err
	}
	key := path.Join(prefix, filepath.Base(artifact))
	if err := client.UploadLocalFile(ctx, bucket, key, artifact); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", filepath.Base(artifact), err)
	}
	return "s3://" + bucket + "/" + key, nil
}

func artifactContentType(name string) string {
	switch filepath.Ext(name) {
	case ".deb":
		return "application/vnd.debian.binary-package"
	case ".rpm":
		return "application/x-rpm"
	case ".zst":
		return "application/zstd"
	}
	return "application/octet-stream"
}
