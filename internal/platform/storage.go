package platform

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"

	"github.com/apex-x/textcls-runtime/internal/artifact"
)

// Storage moves datasets and model artifacts through S3.
type Storage struct {
	api    s3iface.S3API
	cfg    Config
	logger *zap.Logger
}

func NewStorage(api s3iface.S3API, cfg Config, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{api: api, cfg: cfg, logger: logger}
}

// UploadDir copies every regular file under localDir to
// s3://bucket/prefix/key/... and returns that URI. The URI is the opaque
// handle the training job receives.
func (s *Storage) UploadDir(ctx context.Context, localDir string, key string) (string, error) {
	if s.cfg.Bucket == "" {
		return "", fmt.Errorf("bucket is required for uploads")
	}
	root := s.cfg.key(key)
	uploaded := 0
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		objectKey := path.Join(root, filepath.ToSlash(rel))
		if err := s.putFile(ctx, p, objectKey); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", localDir, err)
	}
	if uploaded == 0 {
		return "", fmt.Errorf("uploading %s: no files found", localDir)
	}
	uri := ObjectURI(s.cfg.Bucket, root)
	s.logger.Info("dataset_uploaded", zap.String("uri", uri), zap.Int("files", uploaded))
	return uri, nil
}

func (s *Storage) putFile(ctx context.Context, localPath string, objectKey string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.cfg.Bucket, objectKey, err)
	}
	return nil
}

// Download fetches uri into dest. A .tar.gz object is extracted; any other
// key is treated as a prefix and mirrored object by object.
func (s *Storage) Download(ctx context.Context, uri string, dest string) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if strings.HasSuffix(key, ".tar.gz") {
		return s.downloadArchive(ctx, bucket, key, dest)
	}
	return s.downloadPrefix(ctx, bucket, key, dest)
}

func (s *Storage) downloadArchive(ctx context.Context, bucket string, key string, dest string) error {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", ObjectURI(bucket, key), err)
	}
	defer out.Body.Close()
	if err := artifact.ExtractTarGz(out.Body, dest); err != nil {
		return fmt.Errorf("extracting %s: %w", ObjectURI(bucket, key), err)
	}
	s.logger.Info("artifact_extracted", zap.String("uri", ObjectURI(bucket, key)), zap.String("dest", dest))
	return nil
}

func (s *Storage) downloadPrefix(ctx context.Context, bucket string, prefix string, dest string) error {
	var keys []string
	err := s.api.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, object := range page.Contents {
			if key := aws.StringValue(object.Key); !strings.HasSuffix(key, "/") {
				keys = append(keys, key)
			}
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("listing %s: %w", ObjectURI(bucket, prefix), err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no objects under %s", artifact.ErrNotFound, ObjectURI(bucket, prefix))
	}
	base := strings.TrimSuffix(prefix, "/")
	for _, key := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(key, base), "/")
		if rel == "" {
			rel = path.Base(key)
		}
		target, err := safeTarget(dest, rel)
		if err != nil {
			return err
		}
		if err := s.getFile(ctx, bucket, key, target); err != nil {
			return err
		}
	}
	s.logger.Info("artifact_downloaded", zap.String("uri", ObjectURI(bucket, prefix)), zap.Int("files", len(keys)))
	return nil
}

func (s *Storage) getFile(ctx context.Context, bucket string, key string, target string) error {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", ObjectURI(bucket, key), err)
	}
	defer out.Body.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return f.Close()
}

func safeTarget(dest string, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", artifact.ErrUnsafeArchive, rel)
	}
	return filepath.Join(dest, clean), nil
}
