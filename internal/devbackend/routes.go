package devbackend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config configures token lifetimes and signing.
type Config struct {
	SigningKey      []byte
	Issuer          string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	DownloadBaseURL string
}

// DefaultIssuer is the access token issuer when none is configured.
const DefaultIssuer = "templatemart-dev"

var (
	errInvalidAccessTTL  = errors.New("devbackend.invalid_access_ttl")
	errInvalidRefreshTTL = errors.New("devbackend.invalid_refresh_ttl")
)

// Backend serves the marketplace REST contract for local development and
// integration tests.
type Backend struct {
	configuration Config
	tokens        *TokenIssuer
	accounts      AccountStore
	refreshTokens RefreshTokenStore
	catalog       *Catalog
	clock         Clock
	logger        *zap.Logger
}

// New wires a Backend. accounts, refreshTokens and catalog are required.
func New(configuration Config, accounts AccountStore, refreshTokens RefreshTokenStore, catalog *Catalog, clock Clock, logger *zap.Logger) (*Backend, error) {
	if accounts == nil {
		panic("account store is required")
	}
	if refreshTokens == nil {
		panic("refresh token store is required")
	}
	if catalog == nil {
		panic("catalog is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if configuration.AccessTTL <= 0 {
		return nil, fmt.Errorf("devbackend.new: %w", errInvalidAccessTTL)
	}
	if configuration.RefreshTTL <= 0 {
		return nil, fmt.Errorf("devbackend.new: %w", errInvalidRefreshTTL)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		configuration.Issuer = DefaultIssuer
	}
	if strings.TrimSpace(configuration.DownloadBaseURL) == "" {
		configuration.DownloadBaseURL = "http://localhost:8080/files"
	}
	tokens, tokensErr := NewTokenIssuer(configuration.SigningKey, configuration.Issuer, configuration.AccessTTL, clock)
	if tokensErr != nil {
		return nil, fmt.Errorf("devbackend.new: %w", tokensErr)
	}
	return &Backend{
		configuration: configuration,
		tokens:        tokens,
		accounts:      accounts,
		refreshTokens: refreshTokens,
		catalog:       catalog,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Tokens exposes the access token issuer.
func (backend *Backend) Tokens() *TokenIssuer {
	return backend.tokens
}

// SeedAccount registers an account, typically the development administrator.
func (backend *Backend) SeedAccount(ctx context.Context, name string, email string, password string, role string) (Account, error) {
	return backend.accounts.Register(ctx, name, email, password, role)
}

type sessionResponse struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	User         Account `json:"user"`
}

// Mount registers the authentication, catalog and order routes.
func (backend *Backend) Mount(router gin.IRouter) {
	router.POST("/auth/login", backend.handleLogin)
	router.POST("/auth/register", backend.handleRegister)
	router.POST("/auth/refresh", backend.handleRefresh)
	router.POST("/auth/logout", backend.handleLogout)
	router.GET("/templates", backend.handleListTemplates)
	router.GET("/templates/:id", backend.handleGetTemplate)

	protected := router.Group("")
	protected.Use(backend.tokens.RequireBearer())
	protected.GET("/auth/validate", backend.handleValidate)
	protected.GET("/templates/:id/download", backend.handleDownload)
	protected.POST("/orders/checkout", backend.handleCheckout)
	protected.GET("/orders", backend.handleOrders)
}

func (backend *Backend) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Email and password are required"})
		return
	}
	account, authErr := backend.accounts.Authenticate(contextGin, inbound.Email, inbound.Password)
	if authErr != nil {
		if errors.Is(authErr, ErrInvalidCredentials) {
			backend.logger.Info("login rejected",
				zap.String("code", "api.login.invalid_credentials"))
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Invalid credentials"})
			return
		}
		backend.logger.Error("login lookup error",
			zap.String("code", "api.login.lookup_error"),
			zap.Error(authErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	backend.issueSession(contextGin, account, "", http.StatusOK, true)
}

func (backend *Backend) handleRegister(contextGin *gin.Context) {
	var inbound struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil ||
		strings.TrimSpace(inbound.Username) == "" || strings.TrimSpace(inbound.Email) == "" || len(inbound.Password) < 6 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Username, email and a password of at least 6 characters are required"})
		return
	}
	account, registerErr := backend.accounts.Register(contextGin, inbound.Username, inbound.Email, inbound.Password, RoleUser)
	if registerErr != nil {
		if errors.Is(registerErr, ErrEmailTaken) {
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"message": "Email already registered"})
			return
		}
		backend.logger.Error("registration error",
			zap.String("code", "api.register.error"),
			zap.Error(registerErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	backend.logger.Info("account registered",
		zap.String("code", "api.register.created"),
		zap.String("user_id", account.ID))
	contextGin.JSON(http.StatusCreated, gin.H{"user": account})
}

func (backend *Backend) handleValidate(contextGin *gin.Context) {
	account, ok := backend.currentAccount(contextGin)
	if !ok {
		return
	}
	contextGin.JSON(http.StatusOK, account)
}

func (backend *Backend) handleRefresh(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Refresh token required"})
		return
	}
	accountID, currentTokenID, validateErr := backend.refreshTokens.Validate(contextGin, inbound.RefreshToken)
	if validateErr != nil {
		backend.logger.Info("refresh rejected",
			zap.String("code", "api.refresh.rejected"),
			zap.Error(validateErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid refresh token"})
		return
	}
	account, accountErr := backend.accounts.Get(contextGin, accountID)
	if accountErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid refresh token"})
		return
	}
	if !backend.issueSession(contextGin, account, currentTokenID, http.StatusOK, false) {
		return
	}
	if revokeErr := backend.refreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
		backend.logger.Error("refresh token rotation failed",
			zap.String("code", "api.refresh.revoke_error"),
			zap.Error(revokeErr))
	}
}

func (backend *Backend) handleLogout(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err == nil && strings.TrimSpace(inbound.RefreshToken) != "" {
		if _, tokenID, validateErr := backend.refreshTokens.Validate(contextGin, inbound.RefreshToken); validateErr == nil {
			_ = backend.refreshTokens.Revoke(contextGin, tokenID)
		}
	}
	contextGin.Status(http.StatusNoContent)
}

func (backend *Backend) handleListTemplates(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, backend.catalog.List(contextGin.Query("category"), contextGin.Query("q")))
}

func (backend *Backend) handleGetTemplate(contextGin *gin.Context) {
	template, err := backend.catalog.Template(contextGin.Param("id"))
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "Template not found"})
		return
	}
	contextGin.JSON(http.StatusOK, template)
}

func (backend *Backend) handleDownload(contextGin *gin.Context) {
	account, ok := backend.currentAccount(contextGin)
	if !ok {
		return
	}
	templateID := contextGin.Param("id")
	if err := backend.catalog.Purchased(account.ID, templateID); err != nil {
		switch {
		case errors.Is(err, ErrTemplateNotFound):
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "Template not found"})
		default:
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "Template not purchased"})
		}
		return
	}
	query := url.Values{}
	query.Set("expires", fmt.Sprintf("%d", downloadExpiry(backend.clock).Unix()))
	location := strings.TrimRight(backend.configuration.DownloadBaseURL, "/") + "/" + url.PathEscape(templateID) + ".zip?" + query.Encode()
	contextGin.JSON(http.StatusOK, gin.H{"url": location})
}

func (backend *Backend) handleCheckout(contextGin *gin.Context) {
	account, ok := backend.currentAccount(contextGin)
	if !ok {
		return
	}
	var inbound struct {
		Items []CheckoutLine `json:"items"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || len(inbound.Items) == 0 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Cart is empty"})
		return
	}
	order, checkoutErr := backend.catalog.Checkout(account.ID, inbound.Items)
	if checkoutErr != nil {
		message := "Invalid checkout request"
		if errors.Is(checkoutErr, ErrTemplateNotFound) {
			message = "Template not found"
		}
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": message})
		return
	}
	backend.logger.Info("order placed",
		zap.String("code", "api.checkout.completed"),
		zap.String("user_id", account.ID),
		zap.String("order_id", order.ID))
	contextGin.JSON(http.StatusCreated, order)
}

func (backend *Backend) handleOrders(contextGin *gin.Context) {
	account, ok := backend.currentAccount(contextGin)
	if !ok {
		return
	}
	contextGin.JSON(http.StatusOK, backend.catalog.Orders(account.ID))
}

// issueSession mints an access token and a refresh token chained to
// previousTokenID, and writes the response. It reports whether it succeeded.
func (backend *Backend) issueSession(contextGin *gin.Context, account Account, previousTokenID string, status int, includeUser bool) bool {
	accessToken, _, mintErr := backend.tokens.Mint(account)
	if mintErr != nil {
		backend.logger.Error("access token mint failed",
			zap.String("code", "api.session.mint_error"),
			zap.Error(mintErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return false
	}
	_, refreshOpaque, issueErr := backend.refreshTokens.Issue(contextGin, account.ID, backend.clock.Now().Add(backend.configuration.RefreshTTL), previousTokenID)
	if issueErr != nil || strings.TrimSpace(refreshOpaque) == "" {
		backend.logger.Error("refresh token issue failed",
			zap.String("code", "api.session.issue_error"),
			zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return false
	}
	if includeUser {
		contextGin.JSON(status, sessionResponse{AccessToken: accessToken, RefreshToken: refreshOpaque, User: account})
		return true
	}
	contextGin.JSON(status, gin.H{"accessToken": accessToken, "refreshToken": refreshOpaque})
	return true
}

func (backend *Backend) currentAccount(contextGin *gin.Context) (Account, bool) {
	claims, ok := claimsFromContext(contextGin)
	if !ok {
		backend.logger.Warn("missing access claims on context",
			zap.String("code", "api.claims.missing"))
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return Account{}, false
	}
	account, err := backend.accounts.Get(contextGin, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			backend.logger.Warn("account missing",
				zap.String("code", "api.account.missing"),
				zap.String("user_id", claims.UserID))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Account not found"})
			return Account{}, false
		}
		backend.logger.Error("account lookup error",
			zap.String("code", "api.account.lookup_error"),
			zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return Account{}, false
	}
	return account, true
}

// RequestLogger logs one structured line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
