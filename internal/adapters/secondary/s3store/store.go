package s3store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"registry-sync-service/internal/core/domain"
	ports "registry-sync-service/internal/core/ports/output"
)

const sha256MetadataKey = "sha256"

type store struct {
	s3     *s3.Client
	bucket string
}

// New creates an artifact store over a single S3 bucket. Keys are
// deterministic, so puts overwrite in place and never create duplicates.
func New(awsCfg aws.Config, bucket string) ports.ArtifactStore {
	return &store{s3: s3.NewFromConfig(awsCfg), bucket: bucket}
}

// Put uploads the object and records its content hash in the object
// metadata so a later pass can verify an existing archive cheaply.
func (s *store) Put(ctx context.Context, key string, body io.ReadSeeker) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, body); err != nil {
		return "", fmt.Errorf("%w: hash %s: %v", domain.ErrStorage, key, err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: rewind %s: %v", domain.ErrStorage, key, err)
	}

	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
		Metadata: map[string]string{
			sha256MetadataKey: hex.EncodeToString(hasher.Sum(nil)),
		},
	})
	if err != nil {
		return "", classify(err, "put "+key)
	}

	return s.Location(key), nil
}

func (s *store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, classify(err, "head "+key)
	}
	return true, nil
}

func (s *store) Delete(ctx context.Context, key string) error {
	// S3 DeleteObject succeeds on missing keys, which is exactly the
	// idempotence pruning needs.
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify(err, "delete "+key)
	}
	return nil
}

func (s *store) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func classify(err error, op string) error {
	wrapped := fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDenied", "NoSuchBucket", "InvalidBucketName":
			return domain.MarkFatal(wrapped)
		}
	}
	return wrapped
}
