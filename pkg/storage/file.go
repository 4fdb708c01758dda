package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileAdapter stores the whole key-value set as one JSON document on disk.
// Writes go to a temporary file followed by an atomic rename so a crash never
// leaves a half-written store behind.
type FileAdapter struct {
	mu       sync.RWMutex
	filePath string
	data     map[string]string
	loaded   bool
}

// NewFileAdapter creates a file-backed adapter. The file is loaded lazily on
// first access; a missing file is treated as an empty store.
func NewFileAdapter(filePath string) *FileAdapter {
	return &FileAdapter{
		filePath: filePath,
	}
}

func (f *FileAdapter) loadLocked() error {
	if f.loaded {
		return nil
	}

	f.data = make(map[string]string)

	raw, err := os.ReadFile(f.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			f.loaded = true
			return nil
		}
		if os.IsPermission(err) {
			return WrapKind(KindAccessDenied, err)
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if err := json.Unmarshal(raw, &f.data); err != nil {
		return WrapKind(KindDataCorruption, fmt.Errorf("failed to decode store file: %w", err))
	}

	f.loaded = true
	return nil
}

func (f *FileAdapter) flushLocked() error {
	dir := filepath.Dir(f.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	// Write to temporary file first, then atomic rename.
	tempFile := f.filePath + ".tmp"
	if err := os.WriteFile(tempFile, raw, 0644); err != nil {
		os.Remove(tempFile)
		if os.IsPermission(err) {
			return WrapKind(KindAccessDenied, err)
		}
		return fmt.Errorf("failed to write store file: %w", err)
	}

	if err := os.Rename(tempFile, f.filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to save store file: %w", err)
	}

	return nil
}

// GetItem returns the value stored under key.
func (f *FileAdapter) GetItem(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return "", err
	}

	value, ok := f.data[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// SetItem stores value under key and flushes the store to disk.
func (f *FileAdapter) SetItem(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return err
	}

	f.data[key] = value
	return f.flushLocked()
}

// RemoveItem deletes key and flushes. Missing keys are ignored.
func (f *FileAdapter) RemoveItem(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return err
	}

	if _, ok := f.data[key]; !ok {
		return nil
	}

	delete(f.data, key)
	return f.flushLocked()
}

// Clear removes all keys and flushes.
func (f *FileAdapter) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.data = make(map[string]string)
	f.loaded = true
	return f.flushLocked()
}

// Keys lists all stored keys.
func (f *FileAdapter) Keys(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(f.data))
	for key := range f.data {
		keys = append(keys, key)
	}
	return keys, nil
}

// BackendName identifies this adapter.
func (f *FileAdapter) BackendName() string {
	return "file"
}
