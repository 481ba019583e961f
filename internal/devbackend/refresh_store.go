package devbackend

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/templatemart/internal/storage"
	"gorm.io/gorm"
)

const refreshOpaqueByteLength = 32

var (
	// ErrRefreshTokenNotFound indicates no refresh token matched the provided value.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token has been revoked.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenExpired indicates the refresh token has exceeded its expiry.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrRefreshTokenEmptyOpaque indicates that the provided opaque token text is empty.
	ErrRefreshTokenEmptyOpaque = errors.New("refresh_store.empty_token")
)

// RefreshTokenStore manages rotating refresh tokens. Only hashes are kept.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string, expiresAt time.Time, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (userID string, tokenID string, err error)
	Revoke(ctx context.Context, tokenID string) error
}

func generateRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("refresh_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	TokenHash       string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

func (record refreshTokenRecord) check(now time.Time) error {
	if record.RevokedAtUnix != 0 {
		return ErrRefreshTokenRevoked
	}
	if time.Unix(record.ExpiresUnix, 0).Before(now) {
		return ErrRefreshTokenExpired
	}
	return nil
}

// MemoryRefreshTokenStore keeps refresh tokens in process memory.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	clock  Clock
	byID   map[string]*refreshTokenRecord
	byHash map[string]string
}

// NewMemoryRefreshTokenStore creates an empty in-memory store.
func NewMemoryRefreshTokenStore(clock Clock) *MemoryRefreshTokenStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryRefreshTokenStore{
		clock:  clock,
		byID:   make(map[string]*refreshTokenRecord),
		byHash: make(map[string]string),
	}
}

// Issue creates a new token, optionally linked to the token it replaces.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, userID string, expiresAt time.Time, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := &refreshTokenRecord{
		TokenID:         uuid.NewString(),
		UserID:          userID,
		TokenHash:       hashValue,
		ExpiresUnix:     expiresAt.Unix(),
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    store.clock.Now().Unix(),
	}
	store.byID[record.TokenID] = record
	store.byHash[hashValue] = record.TokenID
	return record.TokenID, opaque, nil
}

// Validate resolves an opaque token to its user and token id.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return "", "", fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenNotFound)
	}
	record := store.byID[tokenID]
	if checkErr := record.check(store.clock.Now()); checkErr != nil {
		return "", "", fmt.Errorf("refresh_store.validate.memory: %w", checkErr)
	}
	return record.UserID, record.TokenID, nil
}

// Revoke marks a token as revoked. Revoking twice is not an error.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[tokenID]
	if record == nil {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix == 0 {
		record.RevokedAtUnix = store.clock.Now().Unix()
	}
	return nil
}

// DatabaseRefreshTokenStore persists refresh tokens through GORM.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// NewDatabaseRefreshTokenStore opens databaseURL and migrates the token table.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseRefreshTokenStore, error) {
	gormDB, driverLabel, openErr := storage.OpenDatabase(databaseURL)
	if openErr != nil {
		return nil, fmt.Errorf("refresh_store.open: %w", openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("refresh_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseRefreshTokenStore{db: gormDB, driverLabel: driverLabel, clock: clock}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

// Issue inserts a new refresh token record.
func (store *DatabaseRefreshTokenStore) Issue(ctx context.Context, userID string, expiresAt time.Time, previousTokenID string) (string, string, error) {
	opaque, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.%s: %w", store.driverLabel, randomErr)
	}
	record := refreshTokenRecord{
		TokenID:         uuid.NewString(),
		UserID:          userID,
		TokenHash:       hashValue,
		ExpiresUnix:     expiresAt.Unix(),
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    store.clock.Now().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", "", fmt.Errorf("refresh_store.issue.%s: %w", store.driverLabel, err)
	}
	return record.TokenID, opaque, nil
}

// Validate locates a refresh token by its opaque value.
func (store *DatabaseRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	var record refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(tokenOpaque)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
		}
		return "", "", fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, err)
	}
	if checkErr := record.check(store.clock.Now()); checkErr != nil {
		return "", "", fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, checkErr)
	}
	return record.UserID, record.TokenID, nil
}

// Revoke marks a refresh token as revoked. Revoking twice is not an error.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_id = ? AND revoked_at_unix = 0", tokenID).
		Update("revoked_at_unix", store.clock.Now().Unix())
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if countErr := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).Where("token_id = ?", tokenID).Count(&count).Error; countErr != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, countErr)
	}
	if count == 0 {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
	}
	return nil
}
