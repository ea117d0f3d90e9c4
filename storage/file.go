package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// File keeps one file per key in a local directory. Writes go through a
// temporary file and a rename so a crash never leaves a half-written record.
type File struct {
	logger   *slog.Logger
	dir      string
	pageSize int
}

// NewFile creates the directory if needed and returns a store rooted there.
func NewFile(dir string, pageSize int, logger *slog.Logger) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &File{dir: dir, pageSize: pageSizeOrDefault(pageSize), logger: logger}, nil
}

func (f *File) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.dir, key), nil
}

// Get returns the value stored at key.
func (f *File) Get(_ context.Context, key string) (string, error) {
	p, err := f.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("read from local storage: %w", err)
	}
	return string(data), nil
}

// Put stores value at key.
func (f *File) Put(_ context.Context, key, value string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}

	f.logger.Debug("Value saved to local storage", "path", p, "bytes", len(value))
	return nil
}

// Delete removes key. Missing keys are not an error.
func (f *File) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

// List returns one page of keys starting with prefix.
func (f *File) List(_ context.Context, prefix, cursor string) (Page, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return Page{}, fmt.Errorf("read local storage directory: %w", err)
	}

	// ReadDir returns entries sorted by filename.
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		keys = append(keys, entry.Name())
	}
	return paginate(keys, prefix, cursor, f.pageSize), nil
}
