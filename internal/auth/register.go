package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"sort"
	"strings"

	"github.com/tyemirov/templatemart/internal/apiclient"
	"go.uber.org/zap"
)

const minimumPasswordLength = 6

// Registration is submitted by the sign-up form.
type Registration struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
}

// ValidationError reports local, per-field form problems. It is never the
// result of a network call.
type ValidationError struct {
	Fields map[string]string
}

func (validationErr *ValidationError) Error() string {
	names := make([]string, 0, len(validationErr.Fields))
	for name := range validationErr.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+validationErr.Fields[name])
	}
	return "auth.validation: " + strings.Join(parts, "; ")
}

// Validate checks the form locally.
func (registration Registration) Validate() error {
	fields := make(map[string]string)
	if strings.TrimSpace(registration.Username) == "" {
		fields["username"] = "Username is required"
	}
	email := strings.TrimSpace(registration.Email)
	if email == "" {
		fields["email"] = "Email is required"
	} else if address, parseErr := mail.ParseAddress(email); parseErr != nil || address.Address != email {
		fields["email"] = "Email is invalid"
	}
	if len(registration.Password) < minimumPasswordLength {
		fields["password"] = fmt.Sprintf("Password must be at least %d characters", minimumPasswordLength)
	}
	if registration.Password != registration.ConfirmPassword {
		fields["confirmPassword"] = "Passwords do not match"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register validates the form and creates an account. It does not log in.
func (service *Service) Register(ctx context.Context, registration Registration) error {
	if validationErr := registration.Validate(); validationErr != nil {
		return validationErr
	}
	registerErr := service.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   RegisterPath,
		Body: registerRequest{
			Username: strings.TrimSpace(registration.Username),
			Email:    strings.TrimSpace(registration.Email),
			Password: registration.Password,
		},
		SkipRefresh: true,
	}, nil)
	if registerErr != nil {
		service.logger.Info("registration failed",
			zap.String("code", "auth.register.failed"),
			zap.Int("status", apiclient.StatusCode(registerErr)),
			zap.Error(registerErr))
		return fmt.Errorf("auth.register: %w", registerErr)
	}
	return nil
}
