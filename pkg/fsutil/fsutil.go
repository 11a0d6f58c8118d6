// Package fsutil writes result artifacts with an optional owner, so that
// files produced by a privileged receiver stay readable by the invoking user.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Owner is a parsed numeric UID/GID pair.
type Owner struct {
	UID int
	GID int
}

// String returns the "UID:GID" form.
func (o *Owner) String() string {
	if o == nil {
		return ""
	}

	return fmt.Sprintf("%d:%d", o.UID, o.GID)
}

// ParseOwner parses a "UID:GID" string. An empty string yields a nil owner.
func ParseOwner(owner string) (*Owner, error) {
	if owner == "" {
		return nil, nil
	}

	uidPart, gidPart, ok := strings.Cut(owner, ":")
	if !ok || strings.Contains(gidPart, ":") {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidPart)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidPart)
	}

	gid, err := strconv.Atoi(gidPart)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidPart)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// Chown applies owner to path. A nil owner is a no-op; failures are ignored.
func Chown(path string, owner *Owner) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// MkdirAll creates path and hands it to owner.
func MkdirAll(path string, perm os.FileMode, owner *Owner) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	Chown(path, owner)

	return nil
}

// WriteFile writes data to path through a temporary file in the same
// directory and renames it into place, so readers never see a partial file.
func WriteFile(path string, data []byte, perm os.FileMode, owner *Owner) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("setting mode on %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("renaming into %s: %w", path, err)
	}

	Chown(path, owner)

	return nil
}
