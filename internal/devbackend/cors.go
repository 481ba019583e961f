package devbackend

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("cors.no_origins")
	errInvalidOrigin       = errors.New("cors.invalid_origin")
)

// ConfigureCORS lets browser front ends on allowedOrigins call the backend
// with bearer tokens.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := allowedOriginList(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:  sanitized,
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Type"},
		MaxAge:        12 * time.Hour,
	}), nil
}

// allowedOriginList normalizes the configured origins into a sorted,
// duplicate-free list of scheme://host values.
func allowedOriginList(logger *zap.Logger, configured []string) ([]string, error) {
	unique := make(map[string]struct{}, len(configured))
	for _, raw := range configured {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		origin, originErr := normalizeOrigin(raw)
		if originErr != nil {
			return nil, originErr
		}
		unique[origin] = struct{}{}
	}
	if len(unique) == 0 {
		return nil, errEmptyAllowedOrigins
	}

	origins := make([]string, 0, len(unique))
	for origin := range unique {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		if !transportSecured(origin) {
			logger.Warn("cors origin without tls",
				zap.String("code", "cors.origin.plaintext"),
				zap.String("origin", origin))
		}
	}
	return origins, nil
}

func normalizeOrigin(raw string) (string, error) {
	if raw == "*" {
		return "", errWildcardOrigin
	}
	parsed, parseErr := url.Parse(raw)
	switch {
	case parseErr != nil || parsed.Host == "":
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	case parsed.Scheme != "http" && parsed.Scheme != "https":
		return "", fmt.Errorf("%w: %s: scheme must be http or https", errInvalidOrigin, raw)
	case parsed.User != nil || strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "":
		return "", fmt.Errorf("%w: %s: only scheme and host are allowed", errInvalidOrigin, raw)
	}
	return parsed.Scheme + "://" + strings.ToLower(parsed.Host), nil
}

// transportSecured is true for https origins and for plain http on the
// local machine.
func transportSecured(origin string) bool {
	parsed, parseErr := url.Parse(origin)
	if parseErr != nil {
		return false
	}
	if parsed.Scheme == "https" {
		return true
	}
	host := parsed.Hostname()
	if host == "localhost" {
		return true
	}
	address := net.ParseIP(host)
	return address != nil && address.IsLoopback()
}
