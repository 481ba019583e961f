package devbackend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	// ErrEmailTaken indicates a registration for an existing email.
	ErrEmailTaken = errors.New("accounts.email_taken")
	// ErrInvalidCredentials indicates an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("accounts.invalid_credentials")
	// ErrAccountNotFound indicates no account exists for the identifier.
	ErrAccountNotFound = errors.New("accounts.not_found")
)

// Account is a registered marketplace user.
type Account struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// AccountStore persists accounts and verifies passwords.
type AccountStore interface {
	Register(ctx context.Context, name string, email string, password string, role string) (Account, error)
	Authenticate(ctx context.Context, email string, password string) (Account, error)
	Get(ctx context.Context, accountID string) (Account, error)
}

type accountRecord struct {
	account      Account
	passwordHash []byte
}

// MemoryAccounts keeps accounts in process memory with bcrypt hashes.
type MemoryAccounts struct {
	mutex   sync.RWMutex
	byID    map[string]*accountRecord
	byEmail map[string]string
	cost    int
}

// NewMemoryAccounts creates an empty store. A cost of zero selects
// bcrypt.DefaultCost.
func NewMemoryAccounts(cost int) *MemoryAccounts {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &MemoryAccounts{
		byID:    make(map[string]*accountRecord),
		byEmail: make(map[string]string),
		cost:    cost,
	}
}

// Register creates an account. Emails are unique case-insensitively.
func (store *MemoryAccounts) Register(ctx context.Context, name string, email string, password string, role string) (Account, error) {
	normalizedEmail := normalizeEmail(email)
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), store.cost)
	if hashErr != nil {
		return Account{}, fmt.Errorf("accounts.register: %w", hashErr)
	}
	if role == "" {
		role = RoleUser
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byEmail[normalizedEmail]; exists {
		return Account{}, fmt.Errorf("accounts.register: %w", ErrEmailTaken)
	}
	account := Account{
		ID:    uuid.NewString(),
		Name:  strings.TrimSpace(name),
		Email: strings.TrimSpace(email),
		Role:  role,
	}
	store.byID[account.ID] = &accountRecord{account: account, passwordHash: passwordHash}
	store.byEmail[normalizedEmail] = account.ID
	return account, nil
}

// Authenticate returns the account matching email and password.
func (store *MemoryAccounts) Authenticate(ctx context.Context, email string, password string) (Account, error) {
	store.mutex.RLock()
	accountID, exists := store.byEmail[normalizeEmail(email)]
	var record *accountRecord
	if exists {
		record = store.byID[accountID]
	}
	store.mutex.RUnlock()
	if record == nil {
		return Account{}, fmt.Errorf("accounts.authenticate: %w", ErrInvalidCredentials)
	}
	if compareErr := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(password)); compareErr != nil {
		return Account{}, fmt.Errorf("accounts.authenticate: %w", ErrInvalidCredentials)
	}
	return record.account, nil
}

// Get returns the account with accountID.
func (store *MemoryAccounts) Get(ctx context.Context, accountID string) (Account, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, exists := store.byID[accountID]
	if !exists {
		return Account{}, fmt.Errorf("accounts.get: %w", ErrAccountNotFound)
	}
	return record.account, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
