package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	errEmptyDatabaseURL = errors.New("storage.database.empty_url")
	errSQLiteInvalidURL = errors.New("storage.sqlite.invalid_url")
)

// DatabaseStorage persists entries in a SQL table using GORM.
type DatabaseStorage struct {
	db          *gorm.DB
	driverLabel string
}

type storageEntryRecord struct {
	Key         string `gorm:"column:entry_key;primaryKey"`
	Value       string `gorm:"column:entry_value;not null"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (storageEntryRecord) TableName() string {
	return "storage_entries"
}

// NewDatabaseStorage opens the database and migrates the entry table.
func NewDatabaseStorage(ctx context.Context, databaseURL string) (*DatabaseStorage, error) {
	gormDB, driverLabel, openErr := OpenDatabase(databaseURL)
	if openErr != nil {
		return nil, openErr
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&storageEntryRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("storage.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStorage{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// OpenDatabase resolves a GORM dialector from a postgres:// or sqlite:// URL
// and opens a silent-logging connection.
func OpenDatabase(databaseURL string) (*gorm.DB, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, "", fmt.Errorf("storage.database.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, "", err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, "", fmt.Errorf("storage.database.open.%s: %w", driverLabel, openErr)
	}
	return gormDB, driverLabel, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStorage) Driver() string {
	return store.driverLabel
}

// Get returns the value stored under key.
func (store *DatabaseStorage) Get(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("storage.get.%s: %w", store.driverLabel, err)
	}
	var record storageEntryRecord
	err := store.db.WithContext(ctx).Where("entry_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("storage.get.%s: %w", store.driverLabel, ErrNotFound)
		}
		return "", fmt.Errorf("storage.get.%s: %w", store.driverLabel, err)
	}
	return record.Value, nil
}

// Set overwrites the value stored under key.
func (store *DatabaseStorage) Set(ctx context.Context, key string, value string) error {
	return store.SetMany(ctx, map[string]string{key: value})
}

// Remove deletes key. Removing a missing key is not an error.
func (store *DatabaseStorage) Remove(ctx context.Context, key string) error {
	return store.RemoveMany(ctx, key)
}

// SetMany upserts all entries in one transaction.
func (store *DatabaseStorage) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	records := make([]storageEntryRecord, 0, len(values))
	for key, value := range values {
		if err := validateKey(key); err != nil {
			return fmt.Errorf("storage.set.%s: %w", store.driverLabel, err)
		}
		records = append(records, storageEntryRecord{Key: key, Value: value, UpdatedUnix: nowUnix})
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_unix"}),
		}).Create(&records).Error
	})
	if err != nil {
		return fmt.Errorf("storage.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// RemoveMany deletes all keys in one transaction.
func (store *DatabaseStorage) RemoveMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return fmt.Errorf("storage.remove.%s: %w", store.driverLabel, err)
		}
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return transaction.Where("entry_key IN ?", keys).Delete(&storageEntryRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("storage.remove.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("storage.database.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("storage.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	case "":
		return nil, "", fmt.Errorf("storage.database.dialect: %w: missing scheme", ErrUnsupportedScheme)
	default:
		return nil, "", fmt.Errorf("storage.database.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	path, pathErr := pathFromURL(parsed)
	if pathErr != nil {
		return "", pathErr
	}
	if parsed.RawQuery != "" {
		return path + "?" + parsed.RawQuery, nil
	}
	return path, nil
}
