// Copyright 2025 Certen Protocol
//
// BlobStore - bucket/object operations for ceremony artifacts (pot files,
// zkeys, verification transcripts).

package blobstore

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned by HeadObject when the object does not exist,
// distinct from permission/transport errors.
var ErrObjectNotFound = errors.New("blobstore: object not found")

// BucketPolicy controls the ACL and CORS rules installed at bucket creation.
type BucketPolicy struct {
	PublicRead bool
	AllowCORS  bool
}

// UploadedPart is one completed multipart part, keyed by part number.
type UploadedPart struct {
	ETag       string
	PartNumber int
}

// BlobStore (C2) is the bucket/object contract every concrete adapter
// implements.
type BlobStore interface {
	CreateBucket(ctx context.Context, name string, policy BucketPolicy) error
	HeadObject(ctx context.Context, bucket, key string) error
	GetPresignedURL(ctx context.Context, bucket, key string, ttl time.Duration, method string) (string, error)
	OpenMultipart(ctx context.Context, bucket, key string) (uploadID string, err error)
	PresignPart(ctx context.Context, bucket, key, uploadID string, partNumber int) (string, error)
	CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []UploadedPart) error
	DeleteObject(ctx context.Context, bucket, key string) error
	UploadFromString(ctx context.Context, bucket, key, contents string) error
	DownloadToPath(ctx context.Context, bucket, key, localPath string) error
}

// ZkeyPath builds the bit-stable zkey path for a circuit/index pair.
func ZkeyPath(circuitPrefix, zkeyIndex string) string {
	return "circuits/" + circuitPrefix + "/contributions/" + circuitPrefix + "_" + zkeyIndex + ".zkey"
}

// TranscriptPath builds the bit-stable verification-transcript path for a
// circuit/index/identifier triple.
func TranscriptPath(circuitPrefix, zkeyIndex, identifier string) string {
	return "circuits/" + circuitPrefix + "/transcripts/" + circuitPrefix + "_" + zkeyIndex + "_" + identifier + "_verification_transcript.log"
}

// BucketName builds <ceremonyPrefix><BUCKET_POSTFIX>.
func BucketName(ceremonyPrefix, postfix string) string {
	return ceremonyPrefix + postfix
}
