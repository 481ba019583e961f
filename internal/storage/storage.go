package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrNotFound indicates that no value is stored under the requested key.
	ErrNotFound = errors.New("storage.not_found")
	// ErrEmptyKey indicates that an operation received a blank key.
	ErrEmptyKey = errors.New("storage.empty_key")
	// ErrUnsupportedScheme indicates that no backend matches the storage URL scheme.
	ErrUnsupportedScheme = errors.New("storage.unsupported_scheme")

	errEmptyPath = errors.New("storage.empty_path")
)

// Storage is a durable string key-value store.
// SetMany and RemoveMany apply all keys or none.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Remove(ctx context.Context, key string) error
	SetMany(ctx context.Context, values map[string]string) error
	RemoveMany(ctx context.Context, keys ...string) error
}

// Watcher reports changes made to a store by other processes.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Open selects a backend from the storage URL.
//
//	""  or memory://          in-process map
//	file:///path/state.yaml   YAML document on disk
//	sqlite://path.db          SQLite through GORM
//	postgres://...            PostgreSQL through GORM
//
// The returned label names the selected backend for logging.
func Open(ctx context.Context, storageURL string) (Storage, string, error) {
	trimmed := strings.TrimSpace(storageURL)
	if trimmed == "" {
		return NewMemoryStorage(), "memory", nil
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil {
		return nil, "", fmt.Errorf("storage.parse_url: %w", parseErr)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryStorage(), "memory", nil
	case "file":
		path, pathErr := pathFromURL(parsed)
		if pathErr != nil {
			return nil, "", fmt.Errorf("storage.file: %w", pathErr)
		}
		fileStorage, fileErr := NewFileStorage(path)
		if fileErr != nil {
			return nil, "", fileErr
		}
		return fileStorage, "file", nil
	case "sqlite", "sqlite3", "postgres", "postgresql":
		databaseStorage, databaseErr := NewDatabaseStorage(ctx, trimmed)
		if databaseErr != nil {
			return nil, "", databaseErr
		}
		return databaseStorage, databaseStorage.Driver(), nil
	case "":
		return nil, "", fmt.Errorf("storage.open: %w: missing scheme", ErrUnsupportedScheme)
	default:
		return nil, "", fmt.Errorf("storage.open.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}

func pathFromURL(parsed *url.URL) (string, error) {
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errEmptyPath
	}
	return builder.String(), nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}
