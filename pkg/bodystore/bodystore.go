// Package bodystore holds job body blobs outside the job database.
//
// Bodies are addressed by slash-separated keys such as
// "jobs/<job_id>/body.json". Backends live in sub-packages (file, s3); an
// in-memory store is provided here for tests and ephemeral servers.
package bodystore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
)

// Sentinel errors for body store operations.
var (
	// ErrNotFound indicates the requested body does not exist.
	ErrNotFound = errors.New("body not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnavailable indicates the backing service is unavailable.
	ErrUnavailable = errors.New("body store unavailable")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrInvalidKey indicates a key that is empty, absolute or escapes the store root.
	ErrInvalidKey = errors.New("invalid body key")
)

// Backend names a body store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendS3     Backend = "s3"
)

// StoreError wraps backend errors with context.
type StoreError struct {
	Op      string
	Backend Backend
	// Bucket is set for object storage backends.
	Bucket string
	Key    string
	Err    error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	switch {
	case e.Bucket != "" && e.Key != "":
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Backend, e.Op, e.Bucket, e.Key, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing body.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// CleanKey validates key and returns its canonical form.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

// Memory keeps bodies in a map.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	clean, err := CleanKey(key)
	if err != nil {
		return &StoreError{Op: "Put", Backend: BackendMemory, Key: key, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[clean] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the body under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return nil, &StoreError{Op: "Get", Backend: BackendMemory, Key: key, Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[clean]
	if !ok {
		return nil, &StoreError{Op: "Get", Backend: BackendMemory, Key: clean, Err: ErrNotFound}
	}
	return append([]byte(nil), data...), nil
}

// Delete removes the body under key. Missing keys are not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	clean, err := CleanKey(key)
	if err != nil {
		return &StoreError{Op: "Delete", Backend: BackendMemory, Key: key, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, clean)
	return nil
}

// Len returns the number of stored bodies.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
