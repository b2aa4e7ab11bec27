// Copyright 2025 Certen Protocol
//
// GCSBlobStore - concrete BlobStore backed by cloud.google.com/go/storage.
// Multipart upload is emulated: each part lands on its own temporary object
// (<key>.part.<uploadID>.<n>), and CompleteMultipart composes the parts into the final
// object with ComposeObjects, then deletes the part objects. GCS has no
// native multipart API, so this is the idiomatic substitute the SDK exposes.

package blobstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig holds configuration for the GCS-backed blob store.
type GCSConfig struct {
	// CredentialsFile is the path to the service account JSON file.
	// If empty, the SDK falls back to GOOGLE_APPLICATION_CREDENTIALS /
	// application default credentials.
	CredentialsFile string

	// SignedURLServiceAccount, if set, is the service account email used to
	// sign URLs via IAM SignBlob instead of a local private key.
	SignedURLServiceAccount string

	Logger *log.Logger
}

// GCSBlobStore implements BlobStore against Google Cloud Storage.
type GCSBlobStore struct {
	client *storage.Client
	cfg    GCSConfig
	logger *log.Logger
}

// NewGCSBlobStore creates a new GCS-backed blob store.
func NewGCSBlobStore(ctx context.Context, cfg GCSConfig) (*GCSBlobStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[BlobStore] ", log.LstdFlags)
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	cfg.Logger.Println("GCS blob store initialized")
	return &GCSBlobStore{client: client, cfg: cfg, logger: cfg.Logger}, nil
}

// Close releases the underlying GCS client.
func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}

// CreateBucket installs the policy: a bucket-wide predefined ACL (publicRead
// when policy.PublicRead, private otherwise) and, when policy.AllowCORS is
// set, CORS allowing GET+PUT with ETag exposed. The ACL covers every object
// in the bucket; contribution uploads and other artifacts are not split.
func (s *GCSBlobStore) CreateBucket(ctx context.Context, name string, policy BucketPolicy) error {
	bucket := s.client.Bucket(name)

	attrs := &storage.BucketAttrs{}
	if policy.PublicRead {
		attrs.PredefinedACL = "publicRead"
	} else {
		attrs.PredefinedACL = "private"
	}
	if policy.AllowCORS {
		attrs.CORS = []storage.CORS{{
			Origins:         []string{"*"},
			Methods:         []string{"GET", "PUT"},
			ResponseHeaders: []string{"ETag"},
			MaxAge:          time.Hour,
		}}
	}

	if err := bucket.Create(ctx, "", attrs); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	return nil
}

// HeadObject reports existence via ErrObjectNotFound, distinct from any
// other (permission, transport) error.
func (s *GCSBlobStore) HeadObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return ErrObjectNotFound
	}
	if err != nil {
		return fmt.Errorf("head object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// GetPresignedURL returns a V4 signed URL valid for ttl.
func (s *GCSBlobStore) GetPresignedURL(ctx context.Context, bucket, key string, ttl time.Duration, method string) (string, error) {
	opts := &storage.SignedURLOptions{
		Method:  method,
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	}
	if s.cfg.SignedURLServiceAccount != "" {
		opts.GoogleAccessID = s.cfg.SignedURLServiceAccount
	}
	url, err := s.client.Bucket(bucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("sign url %s/%s: %w", bucket, key, err)
	}
	return url, nil
}

func partObjectKey(key, uploadID string, partNumber int) string {
	return fmt.Sprintf("%s.part.%s.%d", key, uploadID, partNumber)
}

// OpenMultipart returns a fresh uploadID; parts are tracked as temporary
// objects named after it until CompleteMultipart composes them.
func (s *GCSBlobStore) OpenMultipart(ctx context.Context, bucket, key string) (string, error) {
	return fmt.Sprintf("%d", time.Now().UnixNano()), nil
}

// PresignPart returns a signed PUT URL for the given part's temporary object.
func (s *GCSBlobStore) PresignPart(ctx context.Context, bucket, key, uploadID string, partNumber int) (string, error) {
	return s.GetPresignedURL(ctx, bucket, partObjectKey(key, uploadID, partNumber), 15*time.Minute, "PUT")
}

// CompleteMultipart composes the part objects (in PartNumber order) into the
// final object key and deletes the parts. A retry of the same (uploadID,
// parts) tuple after a prior successful call finds the part objects already
// gone; it checks for the final object first and no-ops instead of trying
// (and failing) to compose from deleted parts.
func (s *GCSBlobStore) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []UploadedPart) error {
	bkt := s.client.Bucket(bucket)

	if _, err := bkt.Object(key).Attrs(ctx); err == nil {
		return nil
	} else if err != storage.ErrObjectNotExist {
		return fmt.Errorf("check final object %s/%s: %w", bucket, key, err)
	}

	sorted := make([]UploadedPart, len(parts))
	copy(sorted, parts)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].PartNumber < sorted[j-1].PartNumber; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	srcs := make([]*storage.ObjectHandle, 0, len(sorted))
	for _, p := range sorted {
		srcs = append(srcs, bkt.Object(partObjectKey(key, uploadID, p.PartNumber)))
	}
	if len(srcs) == 0 {
		return fmt.Errorf("complete multipart %s/%s: no parts", bucket, key)
	}

	dst := bkt.Object(key)
	composer := dst.ComposerFrom(srcs...)
	if _, err := composer.Run(ctx); err != nil {
		return fmt.Errorf("compose multipart %s/%s: %w", bucket, key, err)
	}

	for _, src := range srcs {
		if err := src.Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
			s.logger.Printf("warn: failed to delete part object %s: %v", src.ObjectName(), err)
		}
	}
	return nil
}

// DeleteObject removes an object; missing objects are not an error.
func (s *GCSBlobStore) DeleteObject(ctx context.Context, bucket, key string) error {
	err := s.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// UploadFromString writes contents directly to the given object.
func (s *GCSBlobStore) UploadFromString(ctx context.Context, bucket, key, contents string) error {
	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, strings.NewReader(contents)); err != nil {
		w.Close()
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return w.Close()
}

// DownloadToPath streams an object to a local file.
func (s *GCSBlobStore) DownloadToPath(ctx context.Context, bucket, key, localPath string) error {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return ErrObjectNotFound
		}
		return fmt.Errorf("open reader %s/%s: %w", bucket, key, err)
	}
	defer r.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return nil
}

