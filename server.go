// Package oauth implements an OAuth 2.1 authorization server and resource
// server for a Readwise MCP deployment. The server issues its own HS256
// signed access tokens after the operator proves possession of a valid
// Readwise API token; MCP clients never see the upstream credential.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/readwise-mcp/oauth/security"
	"github.com/readwise-mcp/oauth/storage"
	"github.com/readwise-mcp/oauth/upstream"
)

// signingSecretLength is the size of the generated HS256 signing secret.
// 64 bytes matches the SHA-256 block size.
const signingSecretLength = 64

// Server implements the OAuth 2.1 server logic. It coordinates the
// authorization code flow, token issuance, and upstream credential
// management using the configured stores.
type Server struct {
	validator       upstream.Validator
	clientStore     storage.ClientStore
	flowStore       storage.FlowStore
	grantStore      storage.GrantStore
	credentialStore storage.CredentialStore
	auditor         *security.Auditor
	logger          *slog.Logger
	config          *Config

	// signingSecret signs and verifies access tokens. Generated per process:
	// restarting the server invalidates all outstanding access tokens.
	signingSecret []byte
}

// AuthorizationRequest is a validated authorization request, ready for the
// credential form to be rendered or a code to be issued.
type AuthorizationRequest struct {
	Client        *storage.Client
	RedirectURI   string
	Scope         string
	CodeChallenge string
}

// TokenClaims is the validated content of an access token.
type TokenClaims struct {
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// NewServer creates a new OAuth server. A fresh signing secret is generated
// for every server instance.
func NewServer(
	validator upstream.Validator,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	grantStore storage.GrantStore,
	credentialStore storage.CredentialStore,
	config *Config,
) (*Server, error) {
	if validator == nil {
		return nil, fmt.Errorf("upstream validator is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if grantStore == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if credentialStore == nil {
		return nil, fmt.Errorf("credential store is required")
	}

	config = applySecureDefaults(config)
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	secret := make([]byte, signingSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate signing secret: %w", err)
	}

	return &Server{
		validator:       validator,
		clientStore:     clientStore,
		flowStore:       flowStore,
		grantStore:      grantStore,
		credentialStore: credentialStore,
		config:          config,
		logger:          config.Logger,
		signingSecret:   secret,
	}, nil
}

// Config returns the server's effective configuration
func (s *Server) Config() *Config {
	return s.config
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// HasCredential reports whether an upstream credential is stored
func (s *Server) HasCredential() bool {
	return s.credentialStore.Has()
}

// Credential returns the stored upstream credential for use by the MCP layer
// when calling the Readwise API on behalf of authorized clients.
func (s *Server) Credential() (string, error) {
	return s.credentialStore.Get()
}

// generateRandomToken generates a cryptographically secure random token.
// Uses the same generation method as PKCE verifiers: 32 bytes of entropy,
// base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// hashToken returns the hex SHA-256 digest used to key refresh token grants.
// Only the hash is stored; a leaked grant store does not leak usable tokens.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ============================================================
// Client Registration
// ============================================================

// RegisterClient registers a new public OAuth client (RFC 7591). Only public
// clients are supported: no secret is issued and the token endpoint auth
// method is always "none".
func (s *Server) RegisterClient(req *ClientRegistrationRequest, clientIP string) (*storage.Client, error) {
	if req == nil || len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRequest("redirect_uris is required")
	}

	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURISecurity(uri, s.config.Issuer); err != nil {
			return nil, ErrInvalidRequest(fmt.Sprintf("invalid redirect_uri: %v", err))
		}
	}

	client := &storage.Client{
		ClientID:                generateRandomToken(),
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		CreatedAt:               time.Now(),
	}

	if err := s.clientStore.SaveClient(client); err != nil {
		return nil, ErrServerError("failed to save client")
	}

	if s.auditor != nil {
		s.auditor.LogClientRegistered(client.ClientID, "public", clientIP)
	}

	s.logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_ip", clientIP)

	return client, nil
}

// ============================================================
// Authorization
// ============================================================

// BeginAuthorization validates an incoming authorization request. On success
// the caller renders the credential form (or issues a code directly when a
// credential is already stored).
func (s *Server) BeginAuthorization(clientID, redirectURI, responseType, scope, codeChallenge, codeChallengeMethod string) (*AuthorizationRequest, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if redirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if responseType != "code" {
		return nil, ErrInvalidRequest("unsupported response_type: only 'code' is supported")
	}

	// PKCE is mandatory, and S256 is the only accepted method.
	if codeChallenge == "" {
		s.logAuthFailure(clientID, "missing_pkce_parameters")
		return nil, ErrInvalidRequest("code_challenge is required (PKCE)")
	}
	if codeChallengeMethod != PKCEMethodS256 {
		s.logAuthFailure(clientID, "invalid_pkce_method")
		return nil, ErrInvalidRequest("unsupported code_challenge_method: only S256 is supported")
	}

	client, err := s.clientStore.GetClient(clientID)
	if err != nil {
		s.logAuthFailure(clientID, "unknown_client")
		return nil, ErrInvalidRequest("unknown client")
	}

	if err := validateRedirectURISecurity(redirectURI, s.config.Issuer); err != nil {
		s.logAuthFailure(clientID, "invalid_redirect_uri")
		return nil, ErrInvalidRequest(fmt.Sprintf("invalid redirect_uri: %v", err))
	}

	if s.config.StrictRedirectURIValidation {
		if !containsString(client.RedirectURIs, redirectURI) {
			s.logAuthFailure(clientID, "unregistered_redirect_uri")
			return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
		}
	}

	if scope == "" {
		scope = s.config.DefaultScope()
	}
	if err := s.validateScope(scope); err != nil {
		s.logAuthFailure(clientID, "invalid_scope")
		return nil, ErrInvalidRequest(err.Error())
	}

	return &AuthorizationRequest{
		Client:        client,
		RedirectURI:   redirectURI,
		Scope:         scope,
		CodeChallenge: codeChallenge,
	}, nil
}

// SubmitCredential validates a freshly submitted Readwise API token against
// the upstream service and stores it on success. The credential is never
// stored unless the upstream accepts it.
func (s *Server) SubmitCredential(ctx context.Context, clientID, clientIP, credential string) error {
	if strings.TrimSpace(credential) == "" {
		return ErrInvalidRequest("readwise_token is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.CredentialValidationTimeout)
	defer cancel()

	if err := s.validator.Validate(ctx, credential); err != nil {
		if errors.Is(err, upstream.ErrCredentialRejected) {
			if s.auditor != nil {
				s.auditor.LogCredentialRejected(clientID, clientIP)
			}
			return ErrInvalidRequest("the provided Readwise token was rejected")
		}
		if s.auditor != nil {
			s.auditor.LogUpstreamUnreachable(clientID, clientIP, err)
		}
		s.logger.Error("Upstream unreachable during credential validation", "error", err)
		return ErrServerError("could not validate the token with Readwise, try again later")
	}

	if err := s.credentialStore.Set(credential); err != nil {
		s.logger.Error("Failed to store upstream credential", "error", err)
		return ErrServerError("failed to store credential")
	}

	if s.auditor != nil {
		s.auditor.LogCredentialStored(clientID, clientIP, credential)
	}

	return nil
}

// IssueAuthorizationCode issues a single-use authorization code bound to the
// validated request. The code is delivered to the client via redirect.
func (s *Server) IssueAuthorizationCode(req *AuthorizationRequest, clientIP string) (string, error) {
	code := generateRandomToken()

	pending := &storage.PendingAuthorization{
		Code:          code,
		ClientID:      req.Client.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Scopes:        strings.Fields(req.Scope),
		CreatedAt:     time.Now(),
	}

	if err := s.flowStore.SavePendingAuthorization(pending); err != nil {
		return "", ErrServerError("failed to save authorization")
	}

	if s.auditor != nil {
		s.auditor.LogCodeIssued(req.Client.ClientID, clientIP, req.Scope)
	}

	return code, nil
}

// ============================================================
// Token Endpoint
// ============================================================

// ExchangeCode exchanges an authorization code for tokens. The code is
// consumed whether the exchange succeeds or not, so a failed exchange burns
// the code.
func (s *Server) ExchangeCode(code, clientID, redirectURI, codeVerifier, clientIP string) (*TokenResponse, error) {
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if codeVerifier == "" {
		return nil, ErrInvalidRequest("code_verifier is required")
	}

	pending, err := s.flowStore.ConsumePendingAuthorization(code)
	if err != nil {
		s.logAuthFailure(clientID, "invalid_authorization_code")
		return nil, ErrInvalidGrant("invalid or expired authorization code")
	}

	// TTL is enforced here rather than in storage so a stale sweep interval
	// can never extend a code's usable lifetime.
	if time.Since(pending.CreatedAt) > s.config.AuthorizationCodeTTL {
		s.logAuthFailure(clientID, "expired_authorization_code")
		return nil, ErrInvalidGrant("invalid or expired authorization code")
	}

	if pending.ClientID != clientID {
		s.logAuthFailure(clientID, "client_id_mismatch")
		return nil, ErrInvalidGrant("authorization code was not issued to this client")
	}

	if pending.RedirectURI != redirectURI {
		s.logAuthFailure(clientID, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := validatePKCE(pending.CodeChallenge, codeVerifier); err != nil {
		if s.auditor != nil {
			s.auditor.LogEvent(security.Event{
				Type:     "pkce_validation_failed",
				ClientID: clientID,
				Details: map[string]any{
					"reason": err.Error(),
				},
			})
		}
		s.logAuthFailure(clientID, "pkce_validation_failed")
		return nil, ErrInvalidGrant("PKCE verification failed")
	}

	resp, err := s.issueTokens(clientID, pending.Scopes)
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogTokenIssued(clientID, clientIP, resp.Scope)
	}

	return resp, nil
}

// ExchangeRefreshToken redeems a refresh token for a new token pair. Refresh
// tokens rotate: each value is valid for exactly one redemption, and replay
// of a rotated token fails.
func (s *Server) ExchangeRefreshToken(refreshToken, clientID, clientIP string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	grant, err := s.grantStore.ConsumeRefreshTokenGrant(hashToken(refreshToken))
	if err != nil {
		s.logAuthFailure(clientID, "invalid_refresh_token")
		return nil, ErrInvalidGrant("invalid or expired refresh token")
	}

	if grant.ClientID != clientID {
		s.logAuthFailure(clientID, "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant("refresh token was not issued to this client")
	}

	resp, err := s.issueTokens(clientID, grant.Scopes)
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogTokenRefreshed(clientID, clientIP, true)
	}

	return resp, nil
}

// issueTokens mints a signed access token and a rotated refresh token for the
// given client and scopes.
func (s *Server) issueTokens(clientID string, scopes []string) (*TokenResponse, error) {
	now := time.Now()
	scope := strings.Join(scopes, " ")

	claims := jwt.MapClaims{
		"sub":   clientID,
		"iss":   s.config.Issuer,
		"aud":   s.config.Issuer,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(s.config.AccessTokenTTL).Unix(),
	}

	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingSecret)
	if err != nil {
		s.logger.Error("Failed to sign access token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	refreshToken := generateRandomToken()
	grant := &storage.RefreshTokenGrant{
		ClientID: clientID,
		Scopes:   scopes,
		IssuedAt: now,
	}
	if err := s.grantStore.SaveRefreshTokenGrant(hashToken(refreshToken), grant); err != nil {
		s.logger.Error("Failed to save refresh token grant", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// ============================================================
// Token Validation
// ============================================================

// ValidateAccessToken verifies an access token's signature and claims.
// All failure modes collapse into a single invalid-token error so callers
// cannot distinguish a forged token from an expired one.
func (s *Server) ValidateAccessToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.signingSecret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(s.config.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken("invalid or expired access token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken("invalid or expired access token")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidToken("invalid or expired access token")
	}

	scope, _ := claims["scope"].(string)

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidToken("invalid or expired access token")
	}

	return &TokenClaims{
		ClientID:  sub,
		Scopes:    strings.Fields(scope),
		ExpiresAt: exp.Time,
	}, nil
}

// ============================================================
// Validation Helpers
// ============================================================

// validatePKCE verifies a code verifier against the stored S256 challenge
// per RFC 7636.
func validatePKCE(challenge, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("no code_challenge on record")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("code_verifier must be 43-128 characters (RFC 7636)")
	}

	// RFC 7636: code_verifier may only contain [A-Za-z0-9-._~]
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing side channels
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// validateRedirectURISecurity performs security validation on redirect URIs
// per OAuth 2.0 Security Best Current Practice.
func validateRedirectURISecurity(redirectURI, serverIssuer string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return fmt.Errorf("redirect_uri must be absolute")
	}

	dangerousSchemes := []string{"javascript", "data", "file", "vbscript", "about"}
	for _, dangerous := range dangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed", scheme)
		}
	}

	if scheme == "http" || scheme == "https" {
		hostname := strings.ToLower(parsed.Hostname())

		isLoopback := hostname == "localhost" || hostname == "127.0.0.1" ||
			hostname == "::1" || hostname == "[::1]"

		// Non-loopback redirect targets must use HTTPS when the server
		// itself is served over HTTPS.
		if !isLoopback && scheme != "https" {
			if serverParsed, err := url.Parse(serverIssuer); err == nil && serverParsed.Scheme == "https" {
				return fmt.Errorf("redirect_uri must use HTTPS (got %s://)", scheme)
			}
		}
	}
	// Custom schemes (myapp://, etc.) are allowed for native apps.

	return nil
}

// validateScope validates that every requested scope is supported
func (s *Server) validateScope(scope string) error {
	for _, requested := range strings.Fields(scope) {
		if !containsString(s.config.SupportedScopes, requested) {
			return fmt.Errorf("unsupported scope: %s", requested)
		}
	}
	return nil
}

func (s *Server) logAuthFailure(clientID, reason string) {
	if s.auditor != nil {
		s.auditor.LogAuthFailure(clientID, "", reason)
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
