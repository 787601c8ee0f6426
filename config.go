package oauth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Endpoint paths. These are fixed for MCP client interoperability and must
// not change between releases.
const (
	MetadataPathProtectedResource   = "/.well-known/oauth-protected-resource"
	MetadataPathAuthorizationServer = "/.well-known/oauth-authorization-server"
	EndpointPathRegistration        = "/oauth/register"
	EndpointPathAuthorization       = "/oauth/authorize"
	EndpointPathAuthorizationSubmit = "/oauth/authorize/submit"
	EndpointPathToken               = "/oauth/token"
)

// PKCEMethodS256 is the only supported PKCE code challenge method.
const PKCEMethodS256 = "S256"

// TokenEndpointAuthMethodNone is the only supported client auth method
// (public clients).
const TokenEndpointAuthMethodNone = "none"

// Config holds the OAuth server configuration.
// Zero values are replaced with secure defaults by NewServer.
type Config struct {
	// Issuer is the server's issuer identifier (base URL), e.g.
	// "http://localhost:8787". Trailing slashes are stripped.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 600s (10 minutes).
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long signed access tokens are valid.
	// Default: 3600s (1 hour).
	AccessTokenTTL time.Duration

	// SupportedScopes lists the scopes this server understands.
	// Default: ["readwise:read", "readwise:write"].
	SupportedScopes []string

	// CredentialValidationTimeout bounds the outbound call that validates a
	// freshly submitted upstream credential. Default: 10s.
	CredentialValidationTimeout time.Duration

	// StrictRedirectURIValidation requires the redirect_uri on an
	// authorization request to match one of the client's registered URIs.
	// The upstream design only checks that the URI echoes consistently
	// between authorize and exchange; this knob opts into the stricter
	// policy. Default: false.
	StrictRedirectURIValidation bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy. Default: false.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP. Default: 1.
	TrustedProxyCount int

	// RateLimit is requests per second allowed per IP on OAuth endpoints.
	// Zero disables rate limiting.
	RateLimit int

	// RateLimitBurst is the maximum burst size per IP.
	RateLimitBurst int

	// EnableAuditLogging enables security audit logging (sensitive values
	// hashed before logging).
	EnableAuditLogging bool

	// HTTPClient is used for the upstream credential validation call.
	// If nil, a client with CredentialValidationTimeout is constructed.
	HTTPClient *http.Client

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// applySecureDefaults fills in zero values with secure defaults.
func applySecureDefaults(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}

	config.Issuer = strings.TrimRight(config.Issuer, "/")

	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 10 * time.Minute
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = time.Hour
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = []string{"readwise:read", "readwise:write"}
	}
	if config.CredentialValidationTimeout == 0 {
		config.CredentialValidationTimeout = 10 * time.Second
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return config
}

// DefaultScope returns the scope granted when an authorization request
// carries no scope parameter.
func (c *Config) DefaultScope() string {
	return strings.Join(c.SupportedScopes, " ")
}

// AuthorizationEndpoint returns the full authorization endpoint URL
func (c *Config) AuthorizationEndpoint() string {
	return c.Issuer + EndpointPathAuthorization
}

// TokenEndpoint returns the full token endpoint URL
func (c *Config) TokenEndpoint() string {
	return c.Issuer + EndpointPathToken
}

// RegistrationEndpoint returns the full client registration endpoint URL
func (c *Config) RegistrationEndpoint() string {
	return c.Issuer + EndpointPathRegistration
}
