// Package file stores job bodies on the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/jobtrail/pkg/bodystore"
)

// Store persists bodies under a root directory.
//
// Directory layout mirrors the key:
//
//	<root>/jobs/<job_id>/body.json
type Store struct {
	root string
}

// New returns a store rooted at root. The directory is created on first write.
func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("body store root dir is empty")
	}
	return &Store{root: root}, nil
}

// RootDir returns the root directory.
func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) path(op, key string) (string, error) {
	clean, err := bodystore.CleanKey(key)
	if err != nil {
		return "", s.wrap(op, key, err)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *Store) wrap(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		err = bodystore.ErrNotFound
	} else if errors.Is(err, fs.ErrPermission) {
		err = bodystore.ErrAccessDenied
	}
	return &bodystore.StoreError{Op: op, Backend: bodystore.BackendFile, Key: key, Err: err}
}

// Put writes data atomically through a temp file and rename.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	target, err := s.path("Put", key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return s.wrap("Put", key, fmt.Errorf("create body dir: %w", err))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".tmp.*")
	if err != nil {
		return s.wrap("Put", key, fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return s.wrap("Put", key, fmt.Errorf("write temp body file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return s.wrap("Put", key, fmt.Errorf("close temp body file: %w", err))
	}
	if err := os.Rename(tmpName, target); err != nil {
		return s.wrap("Put", key, fmt.Errorf("rename body file: %w", err))
	}
	return nil
}

// Get reads the body under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	target, err := s.path("Get", key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, s.wrap("Get", key, err)
	}
	return data, nil
}

// Delete removes the body under key and prunes its now empty parent dirs.
// Missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	target, err := s.path("Delete", key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s.wrap("Delete", key, err)
	}

	root := filepath.Clean(s.root)
	for dir := filepath.Dir(target); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}
