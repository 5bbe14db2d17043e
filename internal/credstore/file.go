package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileDocument is the on-disk layout of the file backend.
type fileDocument struct {
	Version   int               `json:"version"`
	Entries   map[string]string `json:"entries"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// FileBackend keeps all entries in one JSON file. The file is re-read on
// every Get so that writes from other processes are visible.
type FileBackend struct {
	path   string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewFileBackend creates a file backend. If path is empty, the default path
// is used.
func NewFileBackend(path string, logger *slog.Logger) *FileBackend {
	if path == "" {
		path = DefaultFilePath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBackend{path: path, logger: logger}
}

// DefaultFilePath returns the default session file location.
func DefaultFilePath() string {
	if home := os.Getenv("TENANTCTL_HOME"); home != "" {
		return filepath.Join(home, "data", "session.json")
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "tenantctl", "session.json")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "tenantctl", "session.json")
	}
	return filepath.Join(homeDir, ".local", "share", "tenantctl", "session.json")
}

// Path returns the session file path.
func (b *FileBackend) Path() string {
	return b.path
}

// Get implements Backend.
func (b *FileBackend) Get(_ context.Context, keys ...string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, err := b.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := doc.Entries[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Set implements Backend.
func (b *FileBackend) Set(_ context.Context, values map[string]string) error {
	return b.update(func(doc *fileDocument) {
		for k, v := range values {
			doc.Entries[k] = v
		}
	})
}

// Delete implements Backend.
func (b *FileBackend) Delete(_ context.Context, keys ...string) error {
	return b.update(func(doc *fileDocument) {
		for _, k := range keys {
			delete(doc.Entries, k)
		}
	})
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	return nil
}

// update runs a read-modify-write cycle under both the in-process lock and
// the cross-process file lock.
func (b *FileBackend) update(fn func(doc *fileDocument)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.path), 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	f, err := b.acquireFileLock()
	if err != nil {
		return err
	}
	defer b.releaseFileLock(f)

	doc, err := b.loadLocked()
	if err != nil {
		return err
	}
	fn(doc)
	return b.saveLocked(doc)
}

// loadLocked reads the document. Caller must hold at least a read lock.
func (b *FileBackend) loadLocked() (*fileDocument, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newFileDocument(), nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	doc := newFileDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		// The next write replaces the corrupted file.
		b.logger.Warn("session file corrupted, starting fresh",
			"path", b.path,
			"error", err)
		return newFileDocument(), nil
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]string)
	}
	return doc, nil
}

// saveLocked writes the document atomically. Caller must hold the write lock.
func (b *FileBackend) saveLocked(doc *fileDocument) error {
	doc.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmpPath := b.path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, b.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

func (b *FileBackend) acquireFileLock() (*os.File, error) {
	lockPath := b.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock file: %w", err)
	}
	return f, nil
}

func (b *FileBackend) releaseFileLock(f *os.File) {
	if f != nil {
		_ = unlockFile(f)
		f.Close()
	}
}

func newFileDocument() *fileDocument {
	return &fileDocument{
		Version: 1,
		Entries: make(map[string]string),
	}
}
