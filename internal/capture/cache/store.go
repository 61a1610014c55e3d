package cache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// PayloadStore persists capture payloads on the filesystem under a single
// base directory. Writes are atomic: content goes to a temp file that is
// renamed into place, so a reader never observes a partially written payload.
type PayloadStore struct {
	baseDir     string
	compression string
	logger      *zap.Logger
}

// NewPayloadStore creates a store rooted at baseDir
func NewPayloadStore(baseDir, compression string, logger *zap.Logger) *PayloadStore {
	return &PayloadStore{
		baseDir:     baseDir,
		compression: compression,
		logger:      logger,
	}
}

// Write compresses and persists a payload, returning the path relative to
// the base directory (the extension reflects the compression used).
func (ps *PayloadStore) Write(relPath string, content []byte) (string, int64, error) {
	compressed, ext, err := Compress(content, ps.compression)
	if err != nil {
		return "", 0, fmt.Errorf("failed to compress payload: %w", err)
	}
	relPath += ext

	absPath, err := ps.Resolve(relPath)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create payload directory: %w", err)
	}

	tempPath := absPath + ".tmp"
	if err := os.WriteFile(tempPath, compressed, 0644); err != nil {
		ps.logger.Error("Failed to write temporary payload file",
			zap.String("temp_path", tempPath),
			zap.Error(err))
		return "", 0, fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempPath, absPath); err != nil {
		os.Remove(tempPath)
		ps.logger.Error("Failed to publish payload file",
			zap.String("temp_path", tempPath),
			zap.String("file_path", absPath),
			zap.Error(err))
		return "", 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	ps.logger.Debug("Payload written",
		zap.String("path", relPath),
		zap.Int("raw_bytes", len(content)),
		zap.Int("disk_bytes", len(compressed)))

	return relPath, int64(len(compressed)), nil
}

// Read loads and decompresses a payload by its relative path
func (ps *PayloadStore) Read(relPath string) ([]byte, error) {
	absPath, err := ps.Resolve(relPath)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("payload not found %s: %w", relPath, err)
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	decompressed, err := Decompress(content, absPath)
	if err != nil {
		return nil, fmt.Errorf("payload decompression failed: %w", err)
	}
	return decompressed, nil
}

// Exists reports whether a payload file is present
func (ps *PayloadStore) Exists(relPath string) bool {
	absPath, err := ps.Resolve(relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(absPath)
	return err == nil
}

// Delete removes a payload file; deleting an absent file is a no-op
func (ps *PayloadStore) Delete(relPath string) error {
	absPath, err := ps.Resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(absPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	return nil
}

// Resolve converts a relative payload path to an absolute one, rejecting
// paths that escape the base directory.
func (ps *PayloadStore) Resolve(relPath string) (string, error) {
	absPath := filepath.Clean(filepath.Join(ps.baseDir, relPath))
	cleanBase := filepath.Clean(ps.baseDir)
	if !strings.HasPrefix(absPath, cleanBase+string(filepath.Separator)) && absPath != cleanBase {
		return "", fmt.Errorf("path escapes payload directory: %s", relPath)
	}
	return absPath, nil
}

// Walk visits every payload file under the base directory with its path
// relative to the base. Temp files from in-progress writes are skipped.
func (ps *PayloadStore) Walk(visit func(relPath string, info fs.FileInfo) error) error {
	return filepath.Walk(ps.baseDir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		relPath, err := filepath.Rel(ps.baseDir, path)
		if err != nil {
			return err
		}
		return visit(relPath, info)
	})
}
