package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/tyemirov/templatemart/internal/apiclient"
	"github.com/tyemirov/templatemart/internal/session"
	"github.com/tyemirov/templatemart/internal/storage"
	"go.uber.org/zap"
)

// Backend endpoints used by the Service.
const (
	LoginPath    = "/auth/login"
	ValidatePath = "/auth/validate"
	LogoutPath   = "/auth/logout"
	RegisterPath = "/auth/register"
)

// DefaultLoginErrorMessage is recorded when the backend gives no reason.
const DefaultLoginErrorMessage = "Login failed. Please try again."

var errIncompleteLoginResponse = errors.New("auth.login.incomplete_response")

// Phase names a state of the authentication state machine.
type Phase string

const (
	PhaseUnvalidated   Phase = "unvalidated"
	PhaseValidating    Phase = "validating"
	PhaseAuthenticated Phase = "authenticated"
	PhaseAnonymous     Phase = "anonymous"
	PhaseLoggingIn     Phase = "logging_in"
	PhaseLoggingOut    Phase = "logging_out"
)

// State is the snapshot exposed to consumers. User is nil iff no valid
// session exists.
type State struct {
	Phase     Phase
	User      *session.UserProfile
	IsLoading bool
	Error     string
}

// Credentials are submitted by the login form.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// API is the subset of the request client the Service relies on.
type API interface {
	Do(ctx context.Context, request apiclient.Request, out any) error
}

// Sessions is the subset of the session manager the Service relies on.
type Sessions interface {
	AccessToken(ctx context.Context) string
	RefreshToken(ctx context.Context) string
	User(ctx context.Context) *session.UserProfile
	SetUser(ctx context.Context, profile session.UserProfile)
	Store(ctx context.Context, bundle session.Bundle)
	ClearAll(ctx context.Context)
}

// Service is the single source of truth for "is anyone logged in".
type Service struct {
	api      API
	sessions Sessions
	logger   *zap.Logger

	mutex            sync.Mutex
	state            State
	subscribers      map[int]func(State)
	nextSubscriberID int
}

type loginResponse struct {
	AccessToken  string              `json:"accessToken"`
	RefreshToken string              `json:"refreshToken"`
	User         session.UserProfile `json:"user"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// NewService constructs a Service in the Unvalidated phase.
func NewService(api API, sessions Sessions, logger *zap.Logger) *Service {
	if api == nil {
		panic("api client is required")
	}
	if sessions == nil {
		panic("session manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		api:         api,
		sessions:    sessions,
		logger:      logger,
		state:       State{Phase: PhaseUnvalidated, IsLoading: true},
		subscribers: make(map[int]func(State)),
	}
}

// State returns the current snapshot.
func (service *Service) State() State {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	return copyState(service.state)
}

// User returns the current principal or nil.
func (service *Service) User() *session.UserProfile {
	return service.State().User
}

// IsAdmin reports whether the current principal is an administrator.
func (service *Service) IsAdmin() bool {
	return service.State().User.IsAdmin()
}

// Subscribe registers listener for every state change and returns a function
// that removes it. Listeners run outside the Service lock.
func (service *Service) Subscribe(listener func(State)) func() {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	identifier := service.nextSubscriberID
	service.nextSubscriberID++
	service.subscribers[identifier] = listener
	return func() {
		service.mutex.Lock()
		defer service.mutex.Unlock()
		delete(service.subscribers, identifier)
	}
}

// Initialize resolves the startup state. Without a stored access token the
// Service becomes Anonymous without any network call. Otherwise the cached
// profile is adopted optimistically and confirmed against the backend; any
// validation failure degrades silently to Anonymous.
func (service *Service) Initialize(ctx context.Context) {
	if service.sessions.AccessToken(ctx) == "" {
		service.transition(State{Phase: PhaseAnonymous})
		return
	}
	service.transition(State{
		Phase:     PhaseValidating,
		User:      service.sessions.User(ctx),
		IsLoading: true,
	})

	var profile session.UserProfile
	validateErr := service.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: ValidatePath}, &profile)
	if validateErr == nil && strings.TrimSpace(profile.ID) == "" {
		validateErr = errors.New("auth.validate.empty_profile")
	}
	if validateErr != nil {
		service.logger.Info("session validation failed; continuing anonymously",
			zap.String("code", "auth.validate.failed"),
			zap.Int("status", apiclient.StatusCode(validateErr)),
			zap.Error(validateErr))
		// Only a rejection of the credentials ends the stored session; outages
		// and transport failures leave it for the next attempt.
		if sessionRejected(apiclient.StatusCode(validateErr)) {
			service.sessions.ClearAll(ctx)
		}
		service.transition(State{Phase: PhaseAnonymous})
		return
	}

	service.sessions.SetUser(ctx, profile)
	service.transition(State{Phase: PhaseAuthenticated, User: &profile})
}

// Login exchanges credentials for a session. On failure the backend message
// (or DefaultLoginErrorMessage) is recorded in State.Error and the error is
// returned to the caller.
func (service *Service) Login(ctx context.Context, credentials Credentials) (*session.UserProfile, error) {
	previous := service.State()
	service.transition(State{Phase: PhaseLoggingIn, User: previous.User, IsLoading: true})

	var response loginResponse
	loginErr := service.api.Do(ctx, apiclient.Request{
		Method:      http.MethodPost,
		Path:        LoginPath,
		Body:        credentials,
		SkipRefresh: true,
	}, &response)
	if loginErr == nil && (strings.TrimSpace(response.AccessToken) == "" || strings.TrimSpace(response.RefreshToken) == "") {
		loginErr = errIncompleteLoginResponse
	}
	if loginErr != nil {
		message := apiclient.Message(loginErr, DefaultLoginErrorMessage)
		service.logger.Info("login failed",
			zap.String("code", "auth.login.failed"),
			zap.Int("status", apiclient.StatusCode(loginErr)),
			zap.Error(loginErr))
		if previous.User != nil {
			service.sessions.ClearAll(ctx)
		}
		service.transition(State{Phase: PhaseAnonymous, Error: message})
		return nil, fmt.Errorf("auth.login: %w", loginErr)
	}

	service.sessions.Store(ctx, session.Bundle{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		User:         response.User,
	})
	profile := response.User
	service.transition(State{Phase: PhaseAuthenticated, User: &profile})
	service.logger.Info("login succeeded",
		zap.String("code", "auth.login.succeeded"),
		zap.String("user_id", profile.ID))
	return &profile, nil
}

// Logout notifies the backend (best effort) and then always clears the
// local session.
func (service *Service) Logout(ctx context.Context) {
	previous := service.State()
	service.transition(State{Phase: PhaseLoggingOut, User: previous.User})

	logoutErr := service.api.Do(ctx, apiclient.Request{
		Method:      http.MethodPost,
		Path:        LogoutPath,
		Body:        logoutRequest{RefreshToken: service.sessions.RefreshToken(ctx)},
		SkipRefresh: true,
	}, nil)
	if logoutErr != nil {
		service.logger.Info("backend logout failed; clearing local session anyway",
			zap.String("code", "auth.logout.backend_failed"),
			zap.Error(logoutErr))
	}

	service.sessions.ClearAll(ctx)
	service.transition(State{Phase: PhaseAnonymous})
}

// Follow keeps the Service in step with changes other processes make to the
// durable store: a removed access token ends the local session, a new one
// adopts the stored profile.
func (service *Service) Follow(ctx context.Context, watcher storage.Watcher) error {
	if watcher == nil {
		return nil
	}
	return watcher.Watch(ctx, func() {
		service.syncFromStorage(ctx)
	})
}

func (service *Service) syncFromStorage(ctx context.Context) {
	current := service.State()
	if current.IsLoading {
		return
	}
	hasToken := service.sessions.AccessToken(ctx) != ""
	switch {
	case !hasToken && current.User != nil:
		service.logger.Info("session ended by another process",
			zap.String("code", "auth.follow.signed_out"))
		service.transition(State{Phase: PhaseAnonymous})
	case hasToken && current.User == nil:
		if stored := service.sessions.User(ctx); stored != nil {
			service.logger.Info("session started by another process",
				zap.String("code", "auth.follow.signed_in"),
				zap.String("user_id", stored.ID))
			service.transition(State{Phase: PhaseAuthenticated, User: stored})
		}
	}
}

func sessionRejected(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func (service *Service) transition(next State) {
	service.mutex.Lock()
	service.state = copyState(next)
	snapshot := copyState(service.state)
	listeners := make([]func(State), 0, len(service.subscribers))
	for _, listener := range service.subscribers {
		listeners = append(listeners, listener)
	}
	service.mutex.Unlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
}

func copyState(state State) State {
	if state.User != nil {
		profile := *state.User
		state.User = &profile
	}
	return state
}
