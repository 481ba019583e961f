package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const fileStoragePermissions = 0o600

// FileStorage keeps entries in a single YAML document. Every write replaces
// the document through a rename so readers never observe a partial batch.
type FileStorage struct {
	mutex sync.Mutex
	path  string
}

type fileDocument struct {
	Entries map[string]string `yaml:"entries"`
}

// NewFileStorage prepares a file-backed store; the parent directory is
// created when missing.
func NewFileStorage(path string) (*FileStorage, error) {
	cleaned := filepath.Clean(strings.TrimSpace(path))
	if cleaned == "" || cleaned == "." {
		return nil, fmt.Errorf("storage.file.new: %w", errEmptyPath)
	}
	if mkdirErr := os.MkdirAll(filepath.Dir(cleaned), 0o700); mkdirErr != nil {
		return nil, fmt.Errorf("storage.file.new: %w", mkdirErr)
	}
	return &FileStorage{path: cleaned}, nil
}

// Path returns the backing file location.
func (store *FileStorage) Path() string {
	return store.path
}

// Get returns the value stored under key.
func (store *FileStorage) Get(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("storage.get.file: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	document, readErr := store.readLocked()
	if readErr != nil {
		return "", fmt.Errorf("storage.get.file: %w", readErr)
	}
	value, ok := document.Entries[key]
	if !ok {
		return "", fmt.Errorf("storage.get.file: %w", ErrNotFound)
	}
	return value, nil
}

// Set overwrites the value stored under key.
func (store *FileStorage) Set(ctx context.Context, key string, value string) error {
	return store.SetMany(ctx, map[string]string{key: value})
}

// Remove deletes key. Removing a missing key is not an error.
func (store *FileStorage) Remove(ctx context.Context, key string) error {
	return store.RemoveMany(ctx, key)
}

// SetMany writes all entries with one document rewrite.
func (store *FileStorage) SetMany(ctx context.Context, values map[string]string) error {
	for key := range values {
		if err := validateKey(key); err != nil {
			return fmt.Errorf("storage.set.file: %w", err)
		}
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	document, readErr := store.readLocked()
	if readErr != nil {
		return fmt.Errorf("storage.set.file: %w", readErr)
	}
	for key, value := range values {
		document.Entries[key] = value
	}
	if writeErr := store.writeLocked(document); writeErr != nil {
		return fmt.Errorf("storage.set.file: %w", writeErr)
	}
	return nil
}

// RemoveMany deletes all keys with one document rewrite.
func (store *FileStorage) RemoveMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return fmt.Errorf("storage.remove.file: %w", err)
		}
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	document, readErr := store.readLocked()
	if readErr != nil {
		return fmt.Errorf("storage.remove.file: %w", readErr)
	}
	changed := false
	for _, key := range keys {
		if _, ok := document.Entries[key]; ok {
			delete(document.Entries, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if writeErr := store.writeLocked(document); writeErr != nil {
		return fmt.Errorf("storage.remove.file: %w", writeErr)
	}
	return nil
}

// Watch invokes onChange whenever the backing file is replaced or written,
// including writes by other processes. Watching stops when ctx is done.
func (store *FileStorage) Watch(ctx context.Context, onChange func()) error {
	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return fmt.Errorf("storage.watch.file: %w", watcherErr)
	}
	// The directory is watched because writes replace the file inode.
	if addErr := watcher.Add(filepath.Dir(store.path)); addErr != nil {
		_ = watcher.Close()
		return fmt.Errorf("storage.watch.file: %w", addErr)
	}
	targetName := filepath.Base(store.path)
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != targetName {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (store *FileStorage) readLocked() (fileDocument, error) {
	document := fileDocument{Entries: make(map[string]string)}
	data, readErr := os.ReadFile(store.path)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return document, nil
		}
		return document, readErr
	}
	if unmarshalErr := yaml.Unmarshal(data, &document); unmarshalErr != nil {
		return fileDocument{Entries: make(map[string]string)}, unmarshalErr
	}
	if document.Entries == nil {
		document.Entries = make(map[string]string)
	}
	return document, nil
}

func (store *FileStorage) writeLocked(document fileDocument) error {
	data, marshalErr := yaml.Marshal(document)
	if marshalErr != nil {
		return marshalErr
	}
	temporary, createErr := os.CreateTemp(filepath.Dir(store.path), "."+filepath.Base(store.path)+".*")
	if createErr != nil {
		return createErr
	}
	temporaryName := temporary.Name()
	if _, writeErr := temporary.Write(data); writeErr != nil {
		_ = temporary.Close()
		_ = os.Remove(temporaryName)
		return writeErr
	}
	if closeErr := temporary.Close(); closeErr != nil {
		_ = os.Remove(temporaryName)
		return closeErr
	}
	if chmodErr := os.Chmod(temporaryName, fileStoragePermissions); chmodErr != nil {
		_ = os.Remove(temporaryName)
		return chmodErr
	}
	return os.Rename(temporaryName, store.path)
}
