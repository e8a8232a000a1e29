package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alejandroruanova/bulk-import-service/internal/pkg/config"
	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
)

// LocalStorage keeps uploaded spreadsheets on the local filesystem. Files
// are streamed in and out; nothing here ever buffers a whole upload in
// memory.
type LocalStorage struct {
	basePath    string
	maxFileSize int64
	logger      *slog.Logger
}

// FileMetadata describes a stored upload
type FileMetadata struct {
	ID           string
	OriginalName string
	StoredPath   string
	Size         int64
	Hash         string
	ContentType  string
	CreatedAt    time.Time
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(cfg *config.StorageConfig, logger *slog.Logger) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		basePath:    cfg.BasePath,
		maxFileSize: cfg.MaxFileSize,
		logger:      logger,
	}, nil
}

// SaveUpload streams an uploaded file to disk, hashing it on the way. The
// size limit is enforced during the copy so an oversized upload is cut off
// rather than fully written first.
func (s *LocalStorage) SaveUpload(ctx context.Context, fileID string, filename string, reader io.Reader) (*FileMetadata, error) {
	uploadDir := filepath.Join(s.basePath, "uploads", fileID)
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	safeName := filepath.Base(filename)
	destPath := filepath.Join(uploadDir, safeName)

	destFile, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination file: %w", err)
	}
	defer destFile.Close()

	src := reader
	if s.maxFileSize > 0 {
		src = io.LimitReader(reader, s.maxFileSize+1)
	}

	hash := sha256.New()
	multiWriter := io.MultiWriter(destFile, hash)

	size, err := io.Copy(multiWriter, src)
	if err != nil {
		os.Remove(destPath)
		return nil, fmt.Errorf("failed to copy file: %w", err)
	}
	if s.maxFileSize > 0 && size > s.maxFileSize {
		os.Remove(destPath)
		return nil, apperrors.New(apperrors.ErrCodeFileTooLarge,
			fmt.Sprintf("file exceeds maximum size of %d bytes", s.maxFileSize), 413)
	}

	fileHash := hex.EncodeToString(hash.Sum(nil))

	metadata := &FileMetadata{
		ID:           fileID,
		OriginalName: filename,
		StoredPath:   destPath,
		Size:         size,
		Hash:         fileHash,
		ContentType:  getContentType(filename),
		CreatedAt:    time.Now(),
	}

	s.logger.Info("file uploaded successfully",
		slog.String("file_id", fileID),
		slog.String("filename", filename),
		slog.Int64("size", size),
		slog.String("hash", fileHash))

	return metadata, nil
}

// Open returns a seekable stream over a stored file. Seekability is what
// lets a resumed import jump straight to its byte offset.
func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadSeekCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound(fmt.Sprintf("file not found: %s", path))
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// DeleteUpload removes all files associated with an upload
func (s *LocalStorage) DeleteUpload(ctx context.Context, fileID string) error {
	uploadDir := filepath.Join(s.basePath, "uploads", fileID)
	if err := os.RemoveAll(uploadDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete upload directory: %w", err)
	}

	s.logger.Info("upload deleted", slog.String("file_id", fileID))
	return nil
}

// CleanupOldFiles removes uploads older than the specified duration
func (s *LocalStorage) CleanupOldFiles(ctx context.Context, olderThan time.Duration) error {
	cutoffTime := time.Now().Add(-olderThan)

	uploadsDir := filepath.Join(s.basePath, "uploads")
	if err := s.cleanupDirectory(uploadsDir, cutoffTime); err != nil {
		return fmt.Errorf("failed to cleanup uploads: %w", err)
	}

	s.logger.Info("cleanup completed", slog.Duration("older_than", olderThan))
	return nil
}

// cleanupDirectory removes directories older than cutoff time
func (s *LocalStorage) cleanupDirectory(dir string, cutoffTime time.Time) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dirPath := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("failed to get file info",
				slog.String("path", dirPath),
				slog.Any("error", err))
			continue
		}

		if info.ModTime().Before(cutoffTime) {
			if err := os.RemoveAll(dirPath); err != nil {
				s.logger.Warn("failed to remove directory",
					slog.String("path", dirPath),
					slog.Any("error", err))
			} else {
				s.logger.Debug("removed old directory",
					slog.String("path", dirPath),
					slog.Time("mod_time", info.ModTime()))
			}
		}
	}

	return nil
}

// getContentType returns the content type based on file extension
func getContentType(filename string) string {
	switch filepath.Ext(filename) {
	case ".xlsx", ".xls":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
