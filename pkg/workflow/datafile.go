package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FileStatus is the transfer state of a data file.
type FileStatus string

const (
	FileNew      FileStatus = "New"
	FileCopied   FileStatus = "Copied"
	FileOrphaned FileStatus = "Orphaned"
)

// ErrDataFileNotFound indicates no data file matches.
var ErrDataFileNotFound = errors.New("data file not found")

// ParseFileStatus validates a data file status.
func ParseFileStatus(s string) (FileStatus, error) {
	switch FileStatus(s) {
	case FileNew, FileCopied, FileOrphaned:
		return FileStatus(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFileStatus, s)
}

// DataFile tracks a produced file at a site. (Filename, Site) is unique.
type DataFile struct {
	ID        string     `json:"id"`
	Filename  string     `json:"filename"`
	Site      string     `json:"site"`
	FileType  string     `json:"file_type"`
	Status    FileStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// DefaultFileType is the file type of a data file registered without one.
const DefaultFileType = "root"

// Data file field limits.
const (
	MaxFilenameLength = 1024
	MaxFileSiteLength = 24
	MaxFileTypeLength = 16
)

// Validate checks required fields and limits.
func (f *DataFile) Validate() error {
	switch {
	case strings.TrimSpace(f.Filename) == "":
		return fmt.Errorf("data file name is required")
	case len(f.Filename) > MaxFilenameLength:
		return fmt.Errorf("data file name exceeds %d characters", MaxFilenameLength)
	case strings.TrimSpace(f.Site) == "":
		return fmt.Errorf("data file site is required")
	case len(f.Site) > MaxFileSiteLength:
		return fmt.Errorf("data file site exceeds %d characters", MaxFileSiteLength)
	case len(f.FileType) > MaxFileTypeLength:
		return fmt.Errorf("data file type exceeds %d characters", MaxFileTypeLength)
	}
	_, err := ParseFileStatus(string(f.Status))
	return err
}

// DataFileFilter narrows ListDataFiles. Empty fields match everything.
type DataFileFilter struct {
	Site   string
	Status FileStatus
}

// RegisterDataFile validates and stores a new data file record.
func (m *Manager) RegisterDataFile(ctx context.Context, store DataFileStore, f *DataFile) error {
	if f.Status == "" {
		f.Status = FileNew
	}
	if f.FileType == "" {
		f.FileType = DefaultFileType
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.ID == "" {
		f.ID = m.newID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = m.clock.Now().UTC()
	}
	if err := store.InsertDataFile(ctx, f); err != nil {
		return err
	}
	m.logger.Debug("registered data file", zap.String("filename", f.Filename), zap.String("site", f.Site))
	return nil
}

// SetDataFileStatus moves a data file to a new status.
func (m *Manager) SetDataFileStatus(ctx context.Context, store DataFileStore, id string, status FileStatus) error {
	if _, err := ParseFileStatus(string(status)); err != nil {
		return err
	}
	n, err := store.UpdateDataFileStatus(ctx, id, status)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDataFileNotFound, id)
	}
	return nil
}
