package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/readwise-mcp/oauth/instrumentation"
	"github.com/readwise-mcp/oauth/security"
)

// maxRegistrationBodySize bounds the client registration request body.
const maxRegistrationBodySize = 64 * 1024

// Handler provides HTTP handlers for the OAuth endpoints.
type Handler struct {
	server          *Server
	logger          *slog.Logger
	tracer          trace.Tracer
	rateLimiter     *security.RateLimiter
	instrumentation *instrumentation.Instrumentation
}

// NewHandler creates an HTTP handler for the given server. A per-IP rate
// limiter is created when Config.RateLimit is set.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	cfg := server.Config()
	if cfg.RateLimit > 0 {
		burst := cfg.RateLimitBurst
		if burst == 0 {
			burst = cfg.RateLimit * 2
		}
		h.rateLimiter = security.NewRateLimiter(cfg.RateLimit, burst, logger)
	}

	return h
}

// SetInstrumentation enables OpenTelemetry metrics and tracing
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// Stop releases handler resources (the rate limiter's cleanup goroutine)
func (h *Handler) Stop() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes registers all OAuth endpoints on the given mux. Every route
// is wrapped with request ID middleware so log lines correlate.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		return security.RequestIDMiddleware(fn)
	}

	mux.Handle(MetadataPathProtectedResource, wrap(h.ServeProtectedResourceMetadata))
	mux.Handle(MetadataPathAuthorizationServer, wrap(h.ServeAuthorizationServerMetadata))
	mux.Handle(EndpointPathRegistration, wrap(h.ServeClientRegistration))
	mux.Handle(EndpointPathAuthorization, wrap(h.ServeAuthorization))
	mux.Handle(EndpointPathAuthorizationSubmit, wrap(h.ServeAuthorizationSubmit))
	mux.Handle(EndpointPathToken, wrap(h.ServeToken))
}

// ============================================================
// Metadata Endpoints
// ============================================================

// ServeProtectedResourceMetadata handles the RFC 9728 protected resource
// metadata endpoint. MCP clients start discovery here after receiving a 401
// with a resource_metadata pointer.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.server.Config()
	metadata := ProtectedResourceMetadata{
		Resource:               cfg.Issuer,
		AuthorizationServers:   []string{cfg.Issuer},
		ScopesSupported:        cfg.SupportedScopes,
		BearerMethodsSupported: []string{"header"},
	}

	h.writeJSON(w, http.StatusOK, metadata)
	h.recordHTTPMetrics("protected_resource_metadata", r.Method, http.StatusOK, startTime)
}

// ServeAuthorizationServerMetadata handles the RFC 8414 authorization server
// metadata endpoint.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.server.Config()
	metadata := AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint(),
		TokenEndpoint:                     cfg.TokenEndpoint(),
		RegistrationEndpoint:              cfg.RegistrationEndpoint(),
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: []string{TokenEndpointAuthMethodNone},
	}

	h.writeJSON(w, http.StatusOK, metadata)
	h.recordHTTPMetrics("authorization_server_metadata", r.Method, http.StatusOK, startTime)
}

// ============================================================
// Client Registration
// ============================================================

// ServeClientRegistration handles RFC 7591 dynamic client registration.
// Only public clients are issued; the response never contains a secret.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	if h.tracer != nil {
		_, span = h.tracer.Start(r.Context(), "oauth.http.client_registration")
		defer span.End()
	}

	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.checkIPRateLimit(w, r, "register", startTime) {
		return
	}

	clientIP := h.clientIP(r)

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "invalid request body")
		h.writeError(w, ErrorCodeInvalidRequest, "invalid JSON request body", http.StatusBadRequest)
		return
	}

	client, err := h.server.RegisterClient(&req, clientIP)
	if err != nil {
		h.writeOAuthError(w, err)
		h.recordHTTPMetrics("register", r.Method, errStatus(err), startTime)
		instrumentation.RecordError(span, err)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID))
	instrumentation.SetSpanSuccess(span)

	h.recordClientRegistered()
	h.recordHTTPMetrics("register", r.Method, http.StatusCreated, startTime)

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
	})
}

// ============================================================
// Authorization Endpoint
// ============================================================

// ServeAuthorization handles GET /oauth/authorize. The request is validated
// up front; validation failures are returned directly rather than redirected,
// since the redirect URI is not yet trusted. When an upstream credential is
// already on file a code is issued immediately, otherwise the credential
// entry form is rendered.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	if h.tracer != nil {
		_, span = h.tracer.Start(r.Context(), "oauth.http.authorization")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.checkIPRateLimit(w, r, "authorize", startTime) {
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	scope := q.Get("scope")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrResponseType, responseType))

	req, err := h.server.BeginAuthorization(clientID, redirectURI, responseType, scope, codeChallenge, codeChallengeMethod)
	if err != nil {
		h.writeOAuthError(w, err)
		h.recordHTTPMetrics("authorize", r.Method, errStatus(err), startTime)
		instrumentation.RecordError(span, err)
		return
	}

	h.recordAuthorizationStarted(clientID)

	// A stored credential means the operator already connected Readwise; no
	// need to prompt again.
	if h.server.HasCredential() {
		code, err := h.server.IssueAuthorizationCode(req, h.clientIP(r))
		if err != nil {
			h.writeOAuthError(w, err)
			h.recordHTTPMetrics("authorize", r.Method, errStatus(err), startTime)
			instrumentation.RecordError(span, err)
			return
		}

		instrumentation.SetSpanSuccess(span)
		h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
		h.redirectWithCode(w, r, req.RedirectURI, code, state)
		return
	}

	h.renderForm(w, http.StatusOK, credentialFormData{
		ClientName:    req.Client.ClientName,
		ClientID:      req.Client.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		State:         state,
		Scope:         req.Scope,
		SubmitPath:    EndpointPathAuthorizationSubmit,
	})

	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("authorize", r.Method, http.StatusOK, startTime)
}

// ServeAuthorizationSubmit handles the credential form POST. The hidden
// fields are revalidated from scratch: the form round-trip is untrusted
// input like any other request.
func (h *Handler) ServeAuthorizationSubmit(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization_submit")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("authorize_submit", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.checkIPRateLimit(w, r, "authorize_submit", startTime) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("authorize_submit", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	codeChallenge := r.FormValue("code_challenge")
	state := r.FormValue("state")
	scope := r.FormValue("scope")
	credential := r.FormValue("readwise_token")

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID))

	req, err := h.server.BeginAuthorization(clientID, redirectURI, "code", scope, codeChallenge, PKCEMethodS256)
	if err != nil {
		h.writeOAuthError(w, err)
		h.recordHTTPMetrics("authorize_submit", r.Method, errStatus(err), startTime)
		instrumentation.RecordError(span, err)
		return
	}

	clientIP := h.clientIP(r)

	if err := h.server.SubmitCredential(ctx, clientID, clientIP, credential); err != nil {
		h.recordCredentialStored(false)
		instrumentation.RecordError(span, err)

		// Re-render the form so the operator can retry without restarting
		// the flow.
		status := errStatus(err)
		description := "could not validate the token, try again"
		var oauthErr *Error
		if errors.As(err, &oauthErr) {
			description = oauthErr.Description
		}

		h.renderForm(w, status, credentialFormData{
			ClientName:    req.Client.ClientName,
			ClientID:      req.Client.ClientID,
			RedirectURI:   req.RedirectURI,
			CodeChallenge: req.CodeChallenge,
			State:         state,
			Scope:         req.Scope,
			SubmitPath:    EndpointPathAuthorizationSubmit,
			ErrorMessage:  description,
		})
		h.recordHTTPMetrics("authorize_submit", r.Method, status, startTime)
		return
	}

	h.recordCredentialStored(true)

	code, err := h.server.IssueAuthorizationCode(req, clientIP)
	if err != nil {
		h.writeOAuthError(w, err)
		h.recordHTTPMetrics("authorize_submit", r.Method, errStatus(err), startTime)
		instrumentation.RecordError(span, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("authorize_submit", r.Method, http.StatusFound, startTime)
	h.redirectWithCode(w, r, req.RedirectURI, code, state)
}

// redirectWithCode sends the 302 that delivers the authorization code. The
// state parameter is echoed only when the client supplied one.
func (h *Handler) redirectWithCode(w http.ResponseWriter, r *http.Request, redirectURI, code, state string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		// The URI already passed validation; this should not happen.
		h.writeError(w, ErrorCodeServerError, "invalid redirect_uri", http.StatusInternalServerError)
		return
	}

	q := target.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// renderForm writes the credential entry page with a form-friendly CSP
func (h *Handler) renderForm(w http.ResponseWriter, status int, data credentialFormData) {
	body, err := renderCredentialForm(data)
	if err != nil {
		h.logger.Error("Failed to render credential form", "error", err)
		h.writeError(w, ErrorCodeServerError, "failed to render page", http.StatusInternalServerError)
		return
	}

	security.SetFormSecurityHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// ============================================================
// Token Endpoint
// ============================================================

// ServeToken handles the token endpoint, dispatching on grant_type.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.checkIPRateLimit(w, r, "token", time.Now()) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	if h.tracer != nil {
		_, span = h.tracer.Start(r.Context(), "oauth.http.token_exchange")
		defer span.End()
	}

	code := r.FormValue("code")
	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, "authorization_code"))

	resp, err := h.server.ExchangeCode(code, clientID, redirectURI, codeVerifier, h.clientIP(r))
	if err != nil {
		h.logger.Warn("Authorization code exchange failed", "client_id", clientID, "error", err)
		h.writeOAuthError(w, err)
		h.recordHTTPMetrics("token", r.Method, errStatus(err), startTime)
		instrumentation.RecordError(span, err)
		return
	}

	h.recordCodeExchanged(clientID, PKCEMethodS256)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, resp)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	if h.tracer != nil {
		_, span = h.tracer.Start(r.Context(), "oauth.http.token_refresh")
		defer span.End()
	}

	refreshToken := r.FormValue("refresh_token")
	clientID := r.FormValue("client_id")

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, "refresh_token"))

	resp, err := h.server.ExchangeRefreshToken(refreshToken, clientID, h.clientIP(r))
	if err != nil {
		h.logger.Warn("Refresh token exchange failed", "client_id", clientID, "error", err)
		h.writeOAuthError(w, err)
		h.recordHTTPMetrics("token", r.Method, errStatus(err), startTime)
		instrumentation.RecordError(span, err)
		return
	}

	h.recordTokenRefreshed(clientID, true)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, resp)
}

// ============================================================
// Response Helpers
// ============================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeTokenResponse writes a token response. Cache-Control: no-store is
// required by RFC 6749 Section 5.1.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			`Bearer resource_metadata="`+h.server.Config().Issuer+MetadataPathProtectedResource+`"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeOAuthError maps an error from the server layer onto the wire. Unknown
// error types collapse to server_error so internals never leak.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
}

// errStatus returns the HTTP status an error will be written with
func errStatus(err error) int {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr.Status
	}
	return http.StatusInternalServerError
}

// setCORSHeaders sets CORS headers for browser-based MCP clients. Tokens are
// sent in headers, never cookies, so a wildcard origin is safe.
func (h *Handler) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, MCP-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

// ============================================================
// Rate Limiting
// ============================================================

func (h *Handler) clientIP(r *http.Request) string {
	cfg := h.server.Config()
	return security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
}

// checkIPRateLimit enforces the per-IP rate limit. Returns false when the
// request was rejected and a response has already been written.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, endpoint string, startTime time.Time) bool {
	if h.rateLimiter == nil {
		return true
	}

	clientIP := h.clientIP(r)
	if h.rateLimiter.Allow(clientIP) {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)

	if h.server.auditor != nil {
		h.server.auditor.LogRateLimitExceeded(clientIP)
	}
	if h.instrumentation != nil {
		h.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "too many requests, try again later", http.StatusTooManyRequests)
	h.recordHTTPMetrics(endpoint, r.Method, http.StatusTooManyRequests, startTime)
	return false
}

// ============================================================
// Metrics Recording
// ============================================================

func (h *Handler) recordHTTPMetrics(endpoint, method string, statusCode int, startTime time.Time) {
	if h.instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Milliseconds())
	h.instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, statusCode, durationMs)
}

func (h *Handler) recordAuthorizationStarted(clientID string) {
	if h.instrumentation == nil {
		return
	}
	h.instrumentation.Metrics().RecordAuthorizationStarted(context.Background(), clientID)
}

func (h *Handler) recordCredentialStored(success bool) {
	if h.instrumentation == nil {
		return
	}
	h.instrumentation.Metrics().RecordCredentialStored(context.Background(), success)
}

func (h *Handler) recordCodeExchanged(clientID, pkceMethod string) {
	if h.instrumentation == nil {
		return
	}
	h.instrumentation.Metrics().RecordCodeExchange(context.Background(), clientID, pkceMethod)
}

func (h *Handler) recordTokenRefreshed(clientID string, rotated bool) {
	if h.instrumentation == nil {
		return
	}
	h.instrumentation.Metrics().RecordTokenRefresh(context.Background(), clientID, rotated)
}

func (h *Handler) recordClientRegistered() {
	if h.instrumentation == nil {
		return
	}
	h.instrumentation.Metrics().RecordClientRegistration(context.Background(), "public")
}
