package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Publisher stages artifact files where the downstream viewer can fetch them
// and returns the published URIs, keyed by the local path.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, paths []string) (map[string]string, error)
}

// LocalPublisher leaves artifacts in place; the viewer shares the volume.
type LocalPublisher struct{}

func (LocalPublisher) Publish(_ context.Context, _ string, paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		out[p] = p
	}
	return out, nil
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOPublisher copies artifacts into object storage under
// sessions/<id>/<name> and returns s3-style URIs.
type MinIOPublisher struct {
	cfg MinIOConfig
}

func NewMinIOPublisher(cfg MinIOConfig) (*MinIOPublisher, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "matchcut-artifacts"
	}
	return &MinIOPublisher{cfg: cfg}, nil
}

func (p *MinIOPublisher) Publish(ctx context.Context, sessionID string, paths []string) (map[string]string, error) {
	client, err := minio.New(p.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(p.cfg.AccessKey, p.cfg.SecretKey, ""),
		Secure: p.cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	exists, err := client.BucketExists(ctx, p.cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, p.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	out := make(map[string]string, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		objectName := fmt.Sprintf("sessions/%s/%s", sessionID, filepath.Base(path))
		if _, err := client.FPutObject(ctx, p.cfg.Bucket, objectName, path, minio.PutObjectOptions{ContentType: "video/mp4"}); err != nil {
			return nil, fmt.Errorf("publish %s: %w", path, err)
		}
		out[path] = fmt.Sprintf("s3://%s/%s", p.cfg.Bucket, objectName)
	}
	return out, nil
}
