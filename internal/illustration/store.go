package illustration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hyperjump/nuggetize/internal/config"
)

// ImageStore persists an illustration under the nugget id and returns its public URL.
type ImageStore interface {
	Save(ctx context.Context, nuggetID string, data []byte, contentType string) (string, error)
}

// DiskStore writes images to <dir>/<nuggetID>.png.
type DiskStore struct {
	dir          string
	publicPrefix string
}

// NewDiskStore returns a store rooted at dir whose URLs start with publicPrefix.
func NewDiskStore(dir, publicPrefix string) *DiskStore {
	return &DiskStore{dir: dir, publicPrefix: strings.TrimRight(publicPrefix, "/")}
}

// Save writes data and returns <publicPrefix>/<nuggetID>.png.
func (s *DiskStore) Save(ctx context.Context, nuggetID string, data []byte, contentType string) (string, error) {
	name := imageName(nuggetID)
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	dst := filepath.Join(s.dir, name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write image: %w", err)
	}
	return s.publicPrefix + "/" + name, nil
}

// s3Uploader is the subset of manager.Uploader used by S3Store.
type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store uploads images to an S3 bucket.
type S3Store struct {
	uploader s3Uploader
	bucket   string
	prefix   string
	region   string
}

// NewS3Store loads the default AWS credential chain for the configured region.
func NewS3Store(ctx context.Context, cfg config.ImagesConfig) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}
	if cfg.S3Region == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Store{
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   strings.Trim(cfg.S3Prefix, "/"),
		region:   cfg.S3Region,
	}, nil
}

// Save uploads data to <prefix>/<nuggetID>.png and returns the object URL.
func (s *S3Store) Save(ctx context.Context, nuggetID string, data []byte, contentType string) (string, error) {
	key := path.Join(s.prefix, imageName(nuggetID))
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	if out != nil && out.Location != "" {
		return out.Location, nil
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

// NewStore builds the store selected by cfg.Backend.
func NewStore(ctx context.Context, cfg config.ImagesConfig) (ImageStore, error) {
	switch cfg.Backend {
	case config.ImagesS3:
		return NewS3Store(ctx, cfg)
	case config.ImagesDisk, "":
		return NewDiskStore(cfg.Dir, cfg.PublicPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported image backend: %s", cfg.Backend)
	}
}

func imageName(nuggetID string) string {
	return filepath.Base(nuggetID) + ".png"
}
