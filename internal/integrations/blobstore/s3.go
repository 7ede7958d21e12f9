// Package blobstore persists synthesized audio and hands out the public
// reference clients fetch it from.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps objects under prefix in bucket. References are built from
// publicBaseURL (typically a CDN in front of the bucket).
type S3Store struct {
	api           s3API
	bucket        string
	prefix        string
	publicBaseURL string
}

func NewS3(api s3API, bucket, prefix, publicBaseURL string) (*S3Store, error) {
	if api == nil {
		return nil, errors.New("blobstore: s3 client must not be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("blobstore: bucket must not be empty")
	}
	if strings.TrimSpace(publicBaseURL) == "" {
		publicBaseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return &S3Store{
		api:           api,
		bucket:        bucket,
		prefix:        strings.Trim(prefix, "/"),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

func (s *S3Store) objectKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *S3Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(name)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("blobstore: HeadObject %q: %w", name, err)
}

func (s *S3Store) Put(ctx context.Context, name string, data []byte, contentType string) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(s.objectKey(name)),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return fmt.Errorf("blobstore: PutObject %q: %w", name, err)
	}
	return nil
}

func (s *S3Store) URL(name string) string {
	return s.publicBaseURL + "/" + s.objectKey(name)
}

// HeadObject has no body, so a missing key surfaces either as the typed
// NotFound or as a bare 404 API error depending on the SDK path taken.
func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
