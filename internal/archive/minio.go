package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// MinIOConfig locates the bucket that holds archived runs.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Region    string
}

// MinIOStore keeps archived runs in an S3-compatible bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOStore connects and creates the bucket if it does not exist.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio archive: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("minio make bucket: %w", err)
		}
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, prefix: normalizePrefix(cfg.Prefix)}, nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func (s *MinIOStore) key(id string) string { return s.prefix + id + ".json" }

func (s *MinIOStore) Save(ctx context.Context, run *types.PipelineRun) error {
	data, err := encode(run)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key(run.ID), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("minio put %s: %w", run.ID, err)
	}
	return nil
}

func (s *MinIOStore) Load(ctx context.Context, id string) (*types.PipelineRun, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	return s.get(ctx, s.key(id), id)
}

func (s *MinIOStore) get(ctx context.Context, key, id string) (*types.PipelineRun, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get %s: %w", id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("minio read %s: %w", id, err)
	}
	return decode(data)
}

func (s *MinIOStore) List(ctx context.Context) ([]*types.PipelineRun, error) {
	var runs []*types.PipelineRun
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("minio list: %w", info.Err)
		}
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		run, err := s.get(ctx, info.Key, info.Key)
		if err != nil {
			slog.Warn("skipping unreadable archived run", "key", info.Key, "error", err)
			continue
		}
		runs = append(runs, run)
	}
	newestFirst(runs)
	return runs, nil
}
