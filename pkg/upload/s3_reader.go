package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("object not found")

// S3Reader streams report files back from S3-compatible storage, so that a
// report uploaded by one host can be replayed on another.
type S3Reader struct {
	log    logrus.FieldLogger
	client *s3.Client
}

// NewS3Reader creates a reader. Only the connection settings of cfg are
// used; the bucket comes from each URL.
func NewS3Reader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) *S3Reader {
	if cfg == nil {
		cfg = &config.S3UploadConfig{}
	}

	return &S3Reader{
		log:    log.WithField("component", "s3-reader"),
		client: newS3Client(cfg),
	}
}

// Open returns the body of the object named by an s3://bucket/key URL. The
// caller closes it.
func (r *S3Reader) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3URL(url)
	if err != nil {
		return nil, err
	}

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
		}

		return nil, fmt.Errorf("getting object %q: %w", url, err)
	}

	r.log.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
	}).Debug("Opened remote report")

	return out.Body, nil
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}
