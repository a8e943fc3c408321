package filecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/oversightlabs/fieldsync/internal/config"
)

// Source fetches document bytes. The HTTP source is the default; an
// S3-compatible source is used when the document store is reachable
// directly (field deployments that sync against an object store).
type Source interface {
	Fetch(ctx context.Context, fileURL, authToken string) (io.ReadCloser, error)
}

// NewSource creates the appropriate Source based on configuration.
// Returns the plain HTTP source when no S3 bucket is configured.
func NewSource(cfg config.CacheS3Config) (Source, error) {
	if cfg.Bucket == "" {
		return &HTTPSource{client: &http.Client{Timeout: 5 * time.Minute}}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Source{client: client, bucket: cfg.Bucket}, nil
}

// HTTPSource streams documents over plain HTTP(S), passing the caller's
// bearer token through when set.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates an HTTPSource with a download-sized timeout.
func NewHTTPSource() *HTTPSource {
	return &HTTPSource{client: &http.Client{Timeout: 5 * time.Minute}}
}

func (s *HTTPSource) Fetch(ctx context.Context, fileURL, authToken string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// S3Source streams documents from an S3-compatible object store. The
// fileURL is interpreted as the object key within the configured bucket.
type S3Source struct {
	client *minio.Client
	bucket string
}

func (s *S3Source) Fetch(ctx context.Context, fileURL, authToken string) (io.ReadCloser, error) {
	key := strings.TrimPrefix(fileURL, "/")
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	// GetObject is lazy; surface missing objects now rather than as a
	// zero-byte download.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	return obj, nil
}
