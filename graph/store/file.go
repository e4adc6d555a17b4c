package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one file per checkpoint under a directory.
//
// Writes go to a temp file in the same directory followed by rename, so a
// crash mid-write leaves either the old payload or none — never a torn one.
// Checkpoint ids are hex-encoded in filenames, so any id is a safe filename.
type FileStore struct {
	dir string
}

const fileExt = ".ckpt"

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(id))+fileExt)
}

// Put implements Store with a write-then-rename for atomicity.
func (f *FileStore) Put(_ context.Context, id string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, "ckpt-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, f.path(id)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(f.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return data, nil
}

// Delete implements Store.
func (f *FileStore) Delete(_ context.Context, id string) error {
	err := os.Remove(f.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List implements Store.
func (f *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		ids = append(ids, string(raw))
	}
	return ids, nil
}
