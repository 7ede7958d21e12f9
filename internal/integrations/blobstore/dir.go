package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirStore keeps objects as files in a local directory. It backs local
// development and the CLI.
type DirStore struct {
	dir           string
	publicBaseURL string
}

func NewDir(dir, publicBaseURL string) (*DirStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("blobstore: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create dir: %w", err)
	}
	return &DirStore{dir: dir, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (d *DirStore) path(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("blobstore: invalid name %q", name)
	}
	return filepath.Join(d.dir, clean), nil
}

func (d *DirStore) Exists(_ context.Context, name string) (bool, error) {
	p, err := d.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blobstore: stat %q: %w", name, err)
	}
	return true, nil
}

// Put writes through a temp file and renames, so readers never see a
// partial object.
func (d *DirStore) Put(_ context.Context, name string, data []byte, _ string) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("blobstore: create dir for %q: %w", name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return fmt.Errorf("blobstore: temp file for %q: %w", name, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("blobstore: write %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blobstore: close %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("blobstore: rename %q: %w", name, err)
	}
	return nil
}

// URL returns publicBaseURL/name, or a file:// URL when no base is set.
func (d *DirStore) URL(name string) string {
	if d.publicBaseURL != "" {
		return d.publicBaseURL + "/" + strings.TrimLeft(name, "/")
	}
	p, err := d.path(name)
	if err != nil {
		return ""
	}
	return "file://" + filepath.ToSlash(p)
}
