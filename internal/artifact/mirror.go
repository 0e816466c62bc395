package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectAPI is the slice of the S3 client the mirror uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Mirror keeps a copy of produced artifacts in an S3 bucket, keyed by their
// path relative to the output root, and serves as a fallback puller.
type Mirror struct {
	client  ObjectAPI
	bucket  string
	prefix  string
	baseDir string
}

func NewMirror(client ObjectAPI, bucket, prefix, baseDir string) *Mirror {
	return &Mirror{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), baseDir: baseDir}
}

// NewS3Client loads the default AWS config. A non-empty endpoint selects an
// S3-compatible store with path-style addressing.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (m *Mirror) Name() string { return "s3" }

func (m *Mirror) key(localPath string) (string, error) {
	rel, err := filepath.Rel(m.baseDir, localPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside %s", localPath, m.baseDir)
	}
	return path.Join(m.prefix, filepath.ToSlash(rel)), nil
}

// Pull downloads the mirrored copy of localPath. The host is ignored since
// the bucket is shared by every host.
func (m *Mirror) Pull(ctx context.Context, _ string, _ string, localPath string) error {
	key, err := m.key(localPath)
	if err != nil {
		return err
	}
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%w: s3://%s/%s", ErrArtifactMissing, m.bucket, key)
		}
		return fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".pull-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download s3://%s/%s: %w", m.bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmp.Name(), localPath)
}

// Publish uploads a produced file.
func (m *Mirror) Publish(ctx context.Context, localPath string) (string, error) {
	key, err := m.key(localPath)
	if err != nil {
		return "", err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	contentType := contentTypeFor(localPath)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

var artifactTypes = map[string]string{
	".wav": "audio/wav",
	".mp3": "audio/mpeg",
	".srt": "application/x-subrip",
	".png": "image/png",
	".jpg": "image/jpeg",
	".mp4": "video/mp4",
}

func contentTypeFor(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if t, ok := artifactTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
