package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures the object-storage sink. Works against MinIO, AWS S3
// and Cloudflare R2 (R2 needs Secure=true and no region).
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	Prefix    string // optional key prefix, e.g. "recordings"
	Retries   int    // upload attempts, default 3
	DeleteOK  bool   // remove the local file after a verified upload
}

// S3Sink uploads finished segments to an S3-compatible bucket.
type S3Sink struct {
	cfg    S3Config
	client *minio.Client
}

// NewS3Sink dials the endpoint. The bucket must already exist; creation is
// an operator concern, not a runtime one.
func NewS3Sink(cfg S3Config) (*S3Sink, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 sink needs endpoint and bucket")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3Sink{cfg: cfg, client: client}, nil
}

func (s *S3Sink) Name() string { return "s3" }

// Publish uploads the segment under
// [prefix/]platform/room/<filename>. Re-uploading the same event
// overwrites the same key, which keeps delivery idempotent.
func (s *S3Sink) Publish(ctx context.Context, ev Event) error {
	fi, err := os.Stat(ev.FilePath)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	key := s.objectKey(ev)
	opts := minio.PutObjectOptions{
		ContentType: "video/mp2t",
		UserMetadata: map[string]string{
			"session-id": ev.SessionID,
			"channel-id": ev.ChannelID,
			"reason":     ev.Reason,
		},
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		info, err := s.client.FPutObject(ctx, s.cfg.Bucket, key, ev.FilePath, opts)
		if err == nil {
			if info.Size != fi.Size() {
				lastErr = fmt.Errorf("size mismatch after upload: local %d remote %d", fi.Size(), info.Size)
				continue
			}
			slog.Info("artifact uploaded",
				slog.String("bucket", s.cfg.Bucket),
				slog.String("key", key),
				slog.Int64("bytes", info.Size))
			if s.cfg.DeleteOK {
				if rmErr := os.Remove(ev.FilePath); rmErr != nil {
					slog.Warn("local artifact cleanup failed",
						slog.String("path", ev.FilePath), slog.Any("err", rmErr))
				}
			}
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		}
	}
	return fmt.Errorf("upload %s after %d attempts: %w", key, s.cfg.Retries, lastErr)
}

func (s *S3Sink) objectKey(ev Event) string {
	parts := []string{}
	if s.cfg.Prefix != "" {
		parts = append(parts, strings.Trim(s.cfg.Prefix, "/"))
	}
	parts = append(parts, ev.Platform, filepath.Base(ev.FilePath))
	return strings.Join(parts, "/")
}
