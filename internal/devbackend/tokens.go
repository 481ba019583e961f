package devbackend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

// claimsContextKey stores validated claims on the gin context.
const claimsContextKey = "access_claims"

var (
	ErrMissingSigningKey = errors.New("access_token.missing_signing_key")
	ErrMissingIssuer     = errors.New("access_token.missing_issuer")
	ErrMissingToken      = errors.New("access_token.missing_token")
	ErrInvalidToken      = errors.New("access_token.invalid_token")
	ErrInvalidIssuer     = errors.New("access_token.invalid_issuer")
	ErrTokenExpired      = errors.New("access_token.expired")
)

// AccessClaims are embedded in every access token.
type AccessClaims struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email"`
	UserName  string `json:"user_name"`
	UserRole  string `json:"user_role"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates HS256 access tokens.
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	clock      Clock
}

// NewTokenIssuer validates the signing configuration.
func NewTokenIssuer(signingKey []byte, issuer string, ttl time.Duration, clock Clock) (*TokenIssuer, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("access_token.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("access_token.new: %w", ErrMissingIssuer)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenIssuer{signingKey: signingKey, issuer: issuer, ttl: ttl, clock: clock}, nil
}

// Mint creates a signed access token for account.
func (tokenIssuer *TokenIssuer) Mint(account Account) (string, time.Time, error) {
	issuedAt := tokenIssuer.clock.Now()
	expiresAt := issuedAt.Add(tokenIssuer.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		UserID:    account.ID,
		UserEmail: account.Email,
		UserName:  account.Name,
		UserRole:  account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer.issuer,
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(tokenIssuer.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("access_token.mint: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses tokenString and checks signature, issuer and lifetime.
func (tokenIssuer *TokenIssuer) Validate(tokenString string) (*AccessClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("access_token.validate: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return tokenIssuer.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(tokenIssuer.clock.Now))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("access_token.validate: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("access_token.validate: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*AccessClaims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("access_token.validate: %w", ErrInvalidToken)
	}
	if claims.Issuer != tokenIssuer.issuer {
		return nil, fmt.Errorf("access_token.validate: %w", ErrInvalidIssuer)
	}
	return claims, nil
}

// RequireBearer rejects requests without a valid bearer access token and
// stores the claims for downstream handlers.
func (tokenIssuer *TokenIssuer) RequireBearer() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		header := contextGin.GetHeader("Authorization")
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Authentication required"})
			return
		}
		claims, err := tokenIssuer.Validate(strings.TrimSpace(token))
		if err != nil {
			message := "Invalid access token"
			if errors.Is(err, ErrTokenExpired) {
				message = "Access token expired"
			}
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": message})
			return
		}
		contextGin.Set(claimsContextKey, claims)
		contextGin.Next()
	}
}

func claimsFromContext(contextGin *gin.Context) (*AccessClaims, bool) {
	value, found := contextGin.Get(claimsContextKey)
	if !found {
		return nil, false
	}
	claims, ok := value.(*AccessClaims)
	return claims, ok && claims != nil && claims.UserID != ""
}
