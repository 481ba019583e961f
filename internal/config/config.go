package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. TEMPLATEMART_BASE_URL.
const EnvPrefix = "TEMPLATEMART"

// Keys shared by flags, environment and config files.
const (
	KeyConfigFile      = "config"
	KeyBaseURL         = "base_url"
	KeyStorageURL      = "storage_url"
	KeyCoalesceRefresh = "coalesce_refresh"
	KeyRequestTimeout  = "request_timeout"
	KeyLogLevel        = "log_level"

	KeyListenAddr         = "listen_addr"
	KeyJWTSigningKey      = "jwt_signing_key"
	KeyAccessTTL          = "access_ttl"
	KeyRefreshTTL         = "refresh_ttl"
	KeyDatabaseURL        = "database_url"
	KeyEnableCORS         = "enable_cors"
	KeyCORSAllowedOrigins = "cors_allowed_origins"
	KeyDownloadBaseURL    = "download_base_url"
	KeyAdminEmail         = "admin_email"
	KeyAdminPassword      = "admin_password"
)

const (
	codeMissingBaseURL      = "config.missing_base_url"
	codeInvalidBaseURL      = "config.invalid_base_url"
	codeInvalidTimeout      = "config.invalid_request_timeout"
	codeInvalidLogLevel     = "config.invalid_log_level"
	codeReadFile            = "config.read_file"
	codeMissingListenAddr   = "config.missing_listen_addr"
	codeMissingSigningKey   = "config.missing_jwt_signing_key"
	codeInvalidAccessTTL    = "config.invalid_access_ttl"
	codeInvalidRefreshTTL   = "config.invalid_refresh_ttl"
	codeMissingCORSOrigins  = "config.missing_cors_allowed_origins"
	codeIncompleteAdminSeed = "config.incomplete_admin_seed"
)

// Client configures the command-line client.
type Client struct {
	BaseURL         string
	StorageURL      string
	CoalesceRefresh bool
	RequestTimeout  time.Duration
	LogLevel        string
}

// Server configures the development backend.
type Server struct {
	ListenAddr         string
	JWTSigningKey      []byte
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	DatabaseURL        string
	EnableCORS         bool
	CORSAllowedOrigins []string
	DownloadBaseURL    string
	AdminEmail         string
	AdminPassword      string
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// NewViper returns a viper instance reading TEMPLATEMART_* environment
// variables with defaults applied.
func NewViper() *viper.Viper {
	configuration := viper.New()
	configuration.SetEnvPrefix(EnvPrefix)
	configuration.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	configuration.AutomaticEnv()
	configuration.SetDefault(KeyRequestTimeout, 15*time.Second)
	configuration.SetDefault(KeyLogLevel, "warn")
	configuration.SetDefault(KeyListenAddr, ":8080")
	configuration.SetDefault(KeyAccessTTL, 15*time.Minute)
	configuration.SetDefault(KeyRefreshTTL, 60*24*time.Hour)
	return configuration
}

// ReadFile merges the YAML (or any viper-supported) file named by the config
// key, when one is set.
func ReadFile(configuration *viper.Viper) error {
	path := strings.TrimSpace(configuration.GetString(KeyConfigFile))
	if path == "" {
		return nil
	}
	configuration.SetConfigFile(path)
	if readErr := configuration.ReadInConfig(); readErr != nil {
		return configError(codeReadFile, readErr.Error())
	}
	return nil
}

// LoadClient validates the client settings.
func LoadClient(configuration *viper.Viper) (Client, error) {
	baseURL := strings.TrimSpace(configuration.GetString(KeyBaseURL))
	if baseURL == "" {
		return Client{}, configError(codeMissingBaseURL, "base_url must be provided")
	}
	parsed, parseErr := url.Parse(baseURL)
	if parseErr != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Client{}, configError(codeInvalidBaseURL, fmt.Sprintf("base_url %q must be an http(s) URL", baseURL))
	}
	timeout := configuration.GetDuration(KeyRequestTimeout)
	if timeout <= 0 {
		return Client{}, configError(codeInvalidTimeout, "request_timeout must be greater than zero")
	}
	logLevel := strings.ToLower(strings.TrimSpace(configuration.GetString(KeyLogLevel)))
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return Client{}, configError(codeInvalidLogLevel, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", logLevel))
	}
	return Client{
		BaseURL:         baseURL,
		StorageURL:      strings.TrimSpace(configuration.GetString(KeyStorageURL)),
		CoalesceRefresh: configuration.GetBool(KeyCoalesceRefresh),
		RequestTimeout:  timeout,
		LogLevel:        logLevel,
	}, nil
}

// LoadServer validates the development backend settings.
func LoadServer(configuration *viper.Viper) (Server, error) {
	listenAddr := strings.TrimSpace(configuration.GetString(KeyListenAddr))
	if listenAddr == "" {
		return Server{}, configError(codeMissingListenAddr, "listen_addr must be provided")
	}
	signingKey := configuration.GetString(KeyJWTSigningKey)
	if signingKey == "" {
		return Server{}, configError(codeMissingSigningKey, "jwt_signing_key must be provided")
	}
	accessTTL := configuration.GetDuration(KeyAccessTTL)
	if accessTTL <= 0 {
		return Server{}, configError(codeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := configuration.GetDuration(KeyRefreshTTL)
	if refreshTTL <= 0 {
		return Server{}, configError(codeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	enableCORS := configuration.GetBool(KeyEnableCORS)
	origins := configuration.GetStringSlice(KeyCORSAllowedOrigins)
	if enableCORS && len(origins) == 0 {
		return Server{}, configError(codeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}
	adminEmail := strings.TrimSpace(configuration.GetString(KeyAdminEmail))
	adminPassword := configuration.GetString(KeyAdminPassword)
	if (adminEmail == "") != (adminPassword == "") {
		return Server{}, configError(codeIncompleteAdminSeed, "admin_email and admin_password must be provided together")
	}
	return Server{
		ListenAddr:         listenAddr,
		JWTSigningKey:      []byte(signingKey),
		AccessTTL:          accessTTL,
		RefreshTTL:         refreshTTL,
		DatabaseURL:        strings.TrimSpace(configuration.GetString(KeyDatabaseURL)),
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: origins,
		DownloadBaseURL:    strings.TrimSpace(configuration.GetString(KeyDownloadBaseURL)),
		AdminEmail:         adminEmail,
		AdminPassword:      adminPassword,
	}, nil
}
