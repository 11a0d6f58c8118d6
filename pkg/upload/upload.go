package upload

import (
	"context"
	"fmt"
	"strings"
)

// Uploader copies a local session directory to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads all files in localDir. The directory basename is
	// used as a sub-prefix under the configured remote prefix. It returns
	// the remote location as an s3:// URL.
	Upload(ctx context.Context, localDir string) (string, error)
}

// ParseS3URL splits "s3://bucket/key" into its bucket and key.
func ParseS3URL(raw string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%q is not an s3:// URL", raw)
	}

	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%q must name a bucket and a key", raw)
	}

	return bucket, key, nil
}

// IsS3URL reports whether raw uses the s3:// scheme.
func IsS3URL(raw string) bool {
	return strings.HasPrefix(raw, "s3://")
}
