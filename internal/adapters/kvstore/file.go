package kvstore

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/anitrack/anitrack/internal/logging"
)

const fileSuffix = ".json"

// FileStore keeps one JSON file per key in a single directory
type FileStore struct {
	dir string

	// Serializes writers so a Delete can't race a rename of the same key
	mu sync.Mutex
}

type fileEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := f.readEntry(f.path(key))
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		// Hash collision on a long key
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	data, err := json.Marshal(fileEntry{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(key)
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to move entry into place: %w", err)
	}

	return nil
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove entry: %w", err)
	}
	return nil
}

func (f *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	dirEntries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}

	keys := []string{}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), fileSuffix) {
			continue
		}

		entry, err := f.readEntry(filepath.Join(f.dir, dirEntry.Name()))
		if err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "Skipping unreadable store entry", "file", dirEntry.Name(), "error", err.Error())
			continue
		}

		if strings.HasPrefix(entry.Key, prefix) {
			keys = append(keys, entry.Key)
		}
	}

	return keys, nil
}

func (f *FileStore) readEntry(path string) (fileEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileEntry{}, ErrNotFound
		}
		return fileEntry{}, fmt.Errorf("failed to read entry: %w", err)
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fileEntry{}, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return entry, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, fileName(key))
}

func fileName(key string) string {
	// Long keys are hashed to stay within filesystem limits
	if len(key) > 200 {
		return fmt.Sprintf("hash_%x%s", md5.Sum([]byte(key)), fileSuffix)
	}

	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		"#", "_",
		"&", "_",
		"=", "_",
		" ", "_",
	)
	sanitized := replacer.Replace(key)
	if sanitized == key {
		return sanitized + fileSuffix
	}

	// Distinct keys may sanitize to the same name
	return fmt.Sprintf("%s_%x%s", sanitized, md5.Sum([]byte(key)), fileSuffix)
}
