package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/templatemart/internal/apiclient"
	"github.com/tyemirov/templatemart/internal/session"
	"github.com/tyemirov/templatemart/internal/storage"
	"go.uber.org/zap/zaptest"
)

type authBackend struct {
	server        *httptest.Server
	validateCalls atomic.Int64
	logoutCalls   atomic.Int64
	refreshCalls  atomic.Int64
}

// newAuthBackend accepts "a@b.com"/"secret" and the access token "valid".
// The tokens "outage" and "suspended" make validation answer 503 and 403.
func newAuthBackend(t *testing.T) *authBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := &authBackend{}
	router := gin.New()
	router.POST(LoginPath, func(contextGin *gin.Context) {
		var inbound Credentials
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Malformed request"})
			return
		}
		switch {
		case inbound.Email == "a@b.com" && inbound.Password == "secret":
			contextGin.JSON(http.StatusOK, gin.H{
				"accessToken":  "valid",
				"refreshToken": "refresh-1",
				"user":         gin.H{"id": "u1", "name": "Ada", "email": "a@b.com", "role": "admin"},
			})
		case inbound.Email == "silent@b.com":
			contextGin.AbortWithStatus(http.StatusInternalServerError)
		default:
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Invalid credentials"})
		}
	})
	router.GET(ValidatePath, func(contextGin *gin.Context) {
		backend.validateCalls.Add(1)
		switch contextGin.GetHeader("Authorization") {
		case "Bearer outage":
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"message": "maintenance"})
			return
		case "Bearer suspended":
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "account suspended"})
			return
		}
		if contextGin.GetHeader("Authorization") != "Bearer valid" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "expired"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"id": "u1", "name": "Ada Lovelace", "email": "a@b.com", "role": "user"})
	})
	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		backend.refreshCalls.Add(1)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "refresh revoked"})
	})
	router.POST(LogoutPath, func(contextGin *gin.Context) {
		backend.logoutCalls.Add(1)
		contextGin.Status(http.StatusNoContent)
	})
	router.POST(RegisterPath, func(contextGin *gin.Context) {
		var inbound registerRequest
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatus(http.StatusBadRequest)
			return
		}
		if inbound.Email == "taken@b.com" {
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"message": "Email already registered"})
			return
		}
		contextGin.Status(http.StatusCreated)
	})

	backend.server = httptest.NewServer(router)
	t.Cleanup(backend.server.Close)
	return backend
}

type redirectCounter struct {
	count atomic.Int64
}

func (counter *redirectCounter) RedirectToLogin(ctx context.Context, reason string) {
	counter.count.Add(1)
}

func newTestService(t *testing.T, baseURL string, store storage.Storage) (*Service, *session.Manager, *redirectCounter) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sessions := session.NewManager(store, logger)
	redirector := &redirectCounter{}
	client, err := apiclient.New(sessions, apiclient.Options{
		BaseURL:    baseURL,
		Logger:     logger,
		Redirector: redirector,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return NewService(client, sessions, logger), sessions, redirector
}

func TestInitializeWithoutTokenIsAnonymous(t *testing.T) {
	backend := newAuthBackend(t)
	service, _, _ := newTestService(t, backend.server.URL, storage.NewMemoryStorage())

	if state := service.State(); state.Phase != PhaseUnvalidated || !state.IsLoading {
		t.Fatalf("expected unvalidated loading state before initialize, got %#v", state)
	}
	service.Initialize(context.Background())

	state := service.State()
	if state.Phase != PhaseAnonymous || state.User != nil || state.IsLoading {
		t.Fatalf("expected anonymous state, got %#v", state)
	}
	if backend.validateCalls.Load() != 0 {
		t.Fatalf("validate must not be called without a token")
	}
}

func TestInitializeValidatesStoredSession(t *testing.T) {
	backend := newAuthBackend(t)
	service, sessions, _ := newTestService(t, backend.server.URL, storage.NewMemoryStorage())
	ctx := context.Background()
	sessions.Store(ctx, session.Bundle{
		AccessToken:  "valid",
		RefreshToken: "refresh-1",
		User:         session.UserProfile{ID: "u1", Name: "Ada", Email: "a@b.com", Role: "user"},
	})

	var observed []State
	var observedMutex sync.Mutex
	unsubscribe := service.Subscribe(func(state State) {
		observedMutex.Lock()
		defer observedMutex.Unlock()
		observed = append(observed, state)
	})
	defer unsubscribe()

	service.Initialize(ctx)

	state := service.State()
	if state.Phase != PhaseAuthenticated || state.User == nil || state.User.Name != "Ada Lovelace" {
		t.Fatalf("expected authenticated state with server profile, got %#v", state)
	}
	if stored := sessions.User(ctx); stored == nil || stored.Name != "Ada Lovelace" {
		t.Fatalf("expected validated profile to be persisted, got %#v", stored)
	}

	observedMutex.Lock()
	defer observedMutex.Unlock()
	if len(observed) != 2 {
		t.Fatalf("expected validating and authenticated transitions, got %d", len(observed))
	}
	if observed[0].Phase != PhaseValidating || !observed[0].IsLoading || observed[0].User == nil || observed[0].User.Name != "Ada" {
		t.Fatalf("expected optimistic validating state, got %#v", observed[0])
	}
}

func TestInitializeRejectedSessionDegradesSilently(t *testing.T) {
	backend := newAuthBackend(t)
	service, sessions, redirector := newTestService(t, backend.server.URL, storage.NewMemoryStorage())
	ctx := context.Background()
	sessions.Store(ctx, session.Bundle{
		AccessToken:  "expired",
		RefreshToken: "refresh-revoked",
		User:         session.UserProfile{ID: "u1"},
	})

	service.Initialize(ctx)

	state := service.State()
	if state.Phase != PhaseAnonymous || state.User != nil || state.Error != "" || state.IsLoading {
		t.Fatalf("expected silent anonymous state, got %#v", state)
	}
	if sessions.AccessToken(ctx) != "" || sessions.User(ctx) != nil {
		t.Fatalf("expected rejected session to be cleared")
	}
	if backend.refreshCalls.Load() != 1 || redirector.count.Load() != 1 {
		t.Fatalf("expected one refresh attempt and one redirect, got %d and %d", backend.refreshCalls.Load(), redirector.count.Load())
	}
}

func TestInitializeTransportFailureKeepsTokens(t *testing.T) {
	backend := newAuthBackend(t)
	service, sessions, _ := newTestService(t, backend.server.URL, storage.NewMemoryStorage())
	ctx := context.Background()
	sessions.Store(ctx, session.Bundle{AccessToken: "valid", RefreshToken: "refresh-1", User: session.UserProfile{ID: "u1"}})
	backend.server.Close()

	service.Initialize(ctx)

	if state := service.State(); state.Phase != PhaseAnonymous || state.User != nil || state.Error != "" {
		t.Fatalf("expected silent anonymous state, got %#v", state)
	}
	if sessions.AccessToken(ctx) != "valid" {
		t.Fatalf("transport failure must not discard the stored session")
	}
}

func TestInitializeKeepsSessionUnlessCredentialsRejected(t *testing.T) {
	testCases := []struct {
		name        string
		accessToken string
		expectKept  bool
	}{
		{name: "service unavailable", accessToken: "outage", expectKept: true},
		{name: "forbidden", accessToken: "suspended", expectKept: false},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			backend := newAuthBackend(t)
			service, sessions, redirector := newTestService(t, backend.server.URL, storage.NewMemoryStorage())
			ctx := context.Background()
			sessions.Store(ctx, session.Bundle{AccessToken: testCase.accessToken, RefreshToken: "refresh-1", User: session.UserProfile{ID: "u1"}})

			service.Initialize(ctx)

			if state := service.State(); state.Phase != PhaseAnonymous || state.User != nil || state.Error != "" {
				t.Fatalf("expected silent anonymous state, got %#v", state)
			}
			kept := sessions.AccessToken(ctx) == testCase.accessToken && sessions.RefreshToken(ctx) == "refresh-1"
			if kept != testCase.expectKept {
				t.Fatalf("expected session kept=%v, got access=%q refresh=%q", testCase.expectKept, sessions.AccessToken(ctx), sessions.RefreshToken(ctx))
			}
			if !testCase.expectKept && sessions.User(ctx) != nil {
				t.Fatalf("expected cached profile to be cleared")
			}
			if backend.refreshCalls.Load() != 0 || redirector.count.Load() != 0 {
				t.Fatalf("expected no refresh for non-401 statuses, got %d refreshes and %d redirects", backend.refreshCalls.Load(), redirector.count.Load())
			}
		})
	}
}

func TestLoginSuccessStoresSession(t *testing.T) {
	backend := newAuthBackend(t)
	service, sessions, _ := newTestService(t, backend.server.URL, storage.NewMemoryStorage())
	service.Initialize(context.Background())

	profile, err := service.Login(context.Background(), Credentials{Email: "a@b.com", Password: "secret"})
	if err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}
	if profile == nil || profile.ID != "u1" {
		t.Fatalf("unexpected profile: %#v", profile)
	}
	ctx := context.Background()
	if sessions.AccessToken(ctx) != "valid" || sessions.RefreshToken(ctx) != "refresh-1" || sessions.User(ctx) == nil {
		t.Fatalf("expected full bundle to be stored")
	}
	state := service.State()
	if state.Phase != PhaseAuthenticated || state.IsLoading || state.Error != "" {
		t.Fatalf("unexpected state after login: %#v", state)
	}
	if !service.IsAdmin() {
		t.Fatalf("expected admin role to be reported")
	}
}

func TestLoginInvalidCredentialsRecordsMessage(t *testing.T) {
	backend := newAuthBackend(t)
	service, sessions, redirector := newTestService(t, backend.server.URL, storage.NewMemoryStorage())
	service.Initialize(context.Background())

	profile, err := service.Login(context.Background(), Credentials{Email: "a@b.com", Password: "wrong"})
	if err == nil {
		t.Fatalf("expected login error to be re-raised")
	}
	if apiclient.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected wrapped 400, got %v", err)
	}
	if profile != nil {
		t.Fatalf("expected no profile on failure")
	}
	state := service.State()
	if state.Error != "Invalid credentials" || state.User != nil || state.Phase != PhaseAnonymous || state.IsLoading {
		t.Fatalf("unexpected state after failed login: %#v", state)
	}
	if sessions.AccessToken(context.Background()) != "" {
		t.Fatalf("failed login must not store tokens")
	}
	if redirector.count.Load() != 0 {
		t.Fatalf("failed login must not redirect")
	}
}

func TestLoginWithoutBackendMessageUsesFallback(t *testing.T) {
	backend := newAuthBackend(t)
	service, _, _ := newTestService(t, backend.server.URL, storage.NewMemoryStorage())

	if _, err := service.Login(context.Background(), Credentials{Email: "silent@b.com", Password: "x"}); err == nil {
		t.Fatalf("expected error")
	}
	if state := service.State(); state.Error != DefaultLoginErrorMessage {
		t.Fatalf("expected fallback message, got %q", state.Error)
	}
}

func TestLogoutClearsSessionEvenWhenBackendFails(t *testing.T) {
	backend := newAuthBackend(t)
	service, sessions, _ := newTestService(t, backend.server.URL, storage.NewMemoryStorage())
	ctx := context.Background()
	if _, err := service.Login(ctx, Credentials{Email: "a@b.com", Password: "secret"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	backend.server.Close()
	service.Logout(ctx)

	if sessions.AccessToken(ctx) != "" || sessions.RefreshToken(ctx) != "" || sessions.User(ctx) != nil {
		t.Fatalf("expected local session to be cleared")
	}
	if state := service.State(); state.Phase != PhaseAnonymous || state.User != nil {
		t.Fatalf("expected anonymous state, got %#v", state)
	}
}

func TestLogoutNotifiesBackend(t *testing.T) {
	backend := newAuthBackend(t)
	service, _, _ := newTestService(t, backend.server.URL, storage.NewMemoryStorage())
	ctx := context.Background()
	if _, err := service.Login(ctx, Credentials{Email: "a@b.com", Password: "secret"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	service.Logout(ctx)
	if backend.logoutCalls.Load() != 1 {
		t.Fatalf("expected backend logout call, got %d", backend.logoutCalls.Load())
	}
}

func TestRegister(t *testing.T) {
	backend := newAuthBackend(t)
	service, _, _ := newTestService(t, backend.server.URL, storage.NewMemoryStorage())
	ctx := context.Background()

	invalid := Registration{Username: "", Email: "not-an-email", Password: "123", ConfirmPassword: "456"}
	err := service.Register(ctx, invalid)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"username", "email", "password", "confirmPassword"} {
		if _, ok := validationErr.Fields[field]; !ok {
			t.Fatalf("expected %s to be reported, got %#v", field, validationErr.Fields)
		}
	}

	taken := Registration{Username: "ada", Email: "taken@b.com", Password: "secret1", ConfirmPassword: "secret1"}
	if err := service.Register(ctx, taken); apiclient.Message(err, "") != "Email already registered" {
		t.Fatalf("expected backend conflict message, got %v", err)
	}

	valid := Registration{Username: "ada", Email: "ada@b.com", Password: "secret1", ConfirmPassword: "secret1"}
	if err := service.Register(ctx, valid); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
}

func TestFollowSignsOutWhenAnotherProcessLogsOut(t *testing.T) {
	backend := newAuthBackend(t)
	path := filepath.Join(t.TempDir(), "state.yaml")
	fileStorage, err := storage.NewFileStorage(path)
	if err != nil {
		t.Fatalf("file storage: %v", err)
	}
	service, _, _ := newTestService(t, backend.server.URL, fileStorage)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, loginErr := service.Login(ctx, Credentials{Email: "a@b.com", Password: "secret"}); loginErr != nil {
		t.Fatalf("login failed: %v", loginErr)
	}

	signedOut := make(chan struct{}, 1)
	service.Subscribe(func(state State) {
		if state.Phase == PhaseAnonymous {
			select {
			case signedOut <- struct{}{}:
			default:
			}
		}
	})
	if followErr := service.Follow(ctx, fileStorage); followErr != nil {
		t.Fatalf("follow failed: %v", followErr)
	}

	otherStorage, err := storage.NewFileStorage(path)
	if err != nil {
		t.Fatalf("file storage: %v", err)
	}
	session.NewManager(otherStorage, zaptest.NewLogger(t)).ClearAll(context.Background())

	select {
	case <-signedOut:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected external logout to be followed")
	}
	if service.User() != nil {
		t.Fatalf("expected no user after external logout")
	}
}
